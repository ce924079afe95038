package verify

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/loopclosure/cluster"
	"go.viam.com/loopclosure/spatial"
	"go.viam.com/loopclosure/storage"
	"go.viam.com/loopclosure/testutils/inject"
	"go.viam.com/loopclosure/transform"
)

// stubEstimator returns a canned pose and inlier set so pipeline tests
// control the geometric outcome.
type stubEstimator struct {
	pose    spatial.Pose
	inliers []int
	calls   int
}

func (s *stubEstimator) EstimatePose(
	points []r3.Vector, pixels []r2.Point, intr *transform.PinholeCameraIntrinsics,
) (spatial.Pose, []int, error) {
	s.calls++
	return s.pose, s.inliers, nil
}

func testConfig() Config {
	return Config{
		DiscardWindow:    50,
		Neighbors:        2,
		MinInliers:       6,
		MatchRatio:       cluster.DefaultMatchRatio,
		MatchGatePercent: 35,
		PairVotes:        5,
	}
}

func testCameraMatrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{500, 0, 320, 0, 500, 240, 0, 0, 1})
}

// makeCluster builds a cluster of n two-dimensional descriptors where
// desc(i) places row i on the real line according to value(i). Matching
// behavior is then fully determined by the spacing of those values.
func makeCluster(t *testing.T, id, frameID, n int, value func(i int) float64) *cluster.Cluster {
	t.Helper()
	kps := make([]r2.Point, n)
	descs := make([]cluster.Descriptor, n)
	points := make([]r3.Vector, n)
	for i := 0; i < n; i++ {
		kps[i] = r2.Point{X: float64(i), Y: float64(id)}
		descs[i] = cluster.Descriptor{value(i), 0}
		points[i] = r3.Vector{X: float64(i), Y: float64(id), Z: 5}
	}
	c, err := cluster.NewCluster(id, frameID, kps, descs, points)
	test.That(t, err, test.ShouldBeNil)
	return c
}

// currentCluster has three descriptor regimes: rows below 40 pair with the
// candidate, rows 40 through 43 pair with the neighbor cluster, and the rest
// match nothing.
func currentCluster(t *testing.T) *cluster.Cluster {
	return makeCluster(t, 10, 100, 100, func(i int) float64 {
		switch {
		case i < 40:
			return float64(10 * i)
		case i < 44:
			return 10000 + float64(10*i)
		default:
			return 50000 + float64(10*i)
		}
	})
}

func candidateCluster(t *testing.T) *cluster.Cluster {
	return makeCluster(t, 20, 5, 100, func(i int) float64 {
		if i < 40 {
			return float64(10*i) + 0.01
		}
		return 20000 + float64(10*i)
	})
}

func neighborCluster(t *testing.T) *cluster.Cluster {
	return makeCluster(t, 201, 7, 4, func(i int) float64 {
		return 10000 + float64(10*(40+i)) + 0.01
	})
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	logger := golog.NewTestLogger(t)
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "clusters"), logger)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	})
	return store
}

func TestVerifySkipsEmptyClusters(t *testing.T) {
	logger := golog.NewTestLogger(t)
	estimator := &stubEstimator{}
	v := NewVerifier(&inject.Graph{}, newTestStore(t), testConfig(), estimator, nil, logger)

	test.That(t, v.Verify(cluster.NewEmptyCluster(1), candidateCluster(t)), test.ShouldBeFalse)
	test.That(t, v.Verify(currentCluster(t), cluster.NewEmptyCluster(2)), test.ShouldBeFalse)
	test.That(t, estimator.calls, test.ShouldEqual, 0)
}

func TestVerifyGateRejectsWeakAppearance(t *testing.T) {
	logger := golog.NewTestLogger(t)
	estimator := &stubEstimator{}
	g := &inject.Graph{
		CameraMatrixFunc: testCameraMatrix,
		AddEdgeFunc: func(fromVertex, toVertex int, tr spatial.Pose, weight int) {
			t.Fatal("no edge expected")
		},
	}
	v := NewVerifier(g, newTestStore(t), testConfig(), estimator, nil, logger)

	// only 20 of 100 rows pair up, below the 35 percent gate
	weak := makeCluster(t, 21, 6, 100, func(i int) float64 {
		if i < 20 {
			return float64(10*i) + 0.01
		}
		return 20000 + float64(10*i)
	})
	test.That(t, v.Verify(currentCluster(t), weak), test.ShouldBeFalse)
	test.That(t, estimator.calls, test.ShouldEqual, 0)
}

func TestVerifyRejectsOnFewInliers(t *testing.T) {
	logger := golog.NewTestLogger(t)
	estimator := &stubEstimator{pose: spatial.NewZeroPose(), inliers: []int{0, 1, 2}}
	updates := 0
	g := &inject.Graph{
		CameraMatrixFunc: testCameraMatrix,
		AddEdgeFunc: func(fromVertex, toVertex int, tr spatial.Pose, weight int) {
			t.Fatal("no edge expected")
		},
		UpdateFunc: func() { updates++ },
	}
	v := NewVerifier(g, newTestStore(t), testConfig(), estimator, nil, logger)

	test.That(t, v.Verify(currentCluster(t), candidateCluster(t)), test.ShouldBeFalse)
	test.That(t, estimator.calls, test.ShouldEqual, 1)
	test.That(t, updates, test.ShouldEqual, 0)
	test.That(t, v.Records().Len(), test.ShouldEqual, 0)
}

func TestVerifyAcceptsAndInsertsEdge(t *testing.T) {
	logger := golog.NewTestLogger(t)
	store := newTestStore(t)
	test.That(t, store.Put(neighborCluster(t)), test.ShouldBeNil)

	// solver output; the verifier inverts it before composing the edge
	theta := 0.4
	solved := spatial.NewPose(
		quat.Number{Real: math.Cos(theta / 2), Kmag: math.Sin(theta / 2)},
		r3.Vector{X: 0.5, Y: -0.1, Z: 1.2},
	)
	candidatePose := spatial.NewPose(
		quat.Number{Real: math.Cos(0.1), Imag: math.Sin(0.1)},
		r3.Vector{X: 1, Y: 2, Z: 3},
	)
	frameRelative := spatial.NewPose(
		quat.Number{Real: 1},
		r3.Vector{X: 0.1, Y: 0, Z: 0},
	)

	// eight inliers support the candidate itself, four support its
	// neighbor; only the first pair reaches the vote threshold
	estimator := &stubEstimator{
		pose:    solved,
		inliers: []int{0, 1, 2, 3, 4, 5, 6, 7, 40, 41, 42, 43},
	}

	type edge struct {
		from, to, weight int
		tr               spatial.Pose
	}
	var edges []edge
	updates := 0
	g := &inject.Graph{
		CameraMatrixFunc: testCameraMatrix,
		FindClosestVerticesFunc: func(vertexID, excludeID, discardWindow, k int) []int {
			test.That(t, vertexID, test.ShouldEqual, 20)
			test.That(t, excludeID, test.ShouldEqual, 10)
			return []int{201}
		},
		VertexPoseFunc: func(vertexID int) spatial.Pose {
			if vertexID == 20 {
				return candidatePose
			}
			return spatial.NewZeroPose()
		},
		VertexPoseRelativeToCameraFunc: func(vertexID int) spatial.Pose {
			return frameRelative
		},
		VertexFrameIDFunc: func(vertexID int) int {
			if vertexID == 20 {
				return 5
			}
			return 7
		},
		AddEdgeFunc: func(fromVertex, toVertex int, tr spatial.Pose, weight int) {
			edges = append(edges, edge{from: fromVertex, to: toVertex, weight: weight, tr: tr})
		},
		UpdateFunc: func() { updates++ },
	}

	var report *MatchReport
	v := NewVerifier(g, store, testConfig(), estimator,
		func(r *MatchReport) { report = r }, logger)

	test.That(t, v.Verify(currentCluster(t), candidateCluster(t)), test.ShouldBeTrue)

	test.That(t, len(edges), test.ShouldEqual, 1)
	test.That(t, edges[0].from, test.ShouldEqual, 20)
	test.That(t, edges[0].to, test.ShouldEqual, 10)
	test.That(t, edges[0].weight, test.ShouldEqual, 8)
	expected := spatial.Compose(spatial.Compose(candidatePose.Invert(), solved.Invert()), frameRelative)
	test.That(t, spatial.PoseAlmostEqual(edges[0].tr, expected, 1e-9), test.ShouldBeTrue)

	test.That(t, updates, test.ShouldEqual, 1)
	test.That(t, v.Records().IsClosed(10, 20), test.ShouldBeTrue)
	test.That(t, v.Records().IsClosed(20, 10), test.ShouldBeTrue)
	test.That(t, v.Records().IsClosed(10, 201), test.ShouldBeFalse)
	test.That(t, v.Records().Len(), test.ShouldEqual, 1)

	test.That(t, report, test.ShouldNotBeNil)
	test.That(t, report.CurrentFrameID, test.ShouldEqual, 100)
	test.That(t, report.CandidateFrameIDs, test.ShouldResemble, []int{5, 7})
	test.That(t, len(report.CurrentPoints), test.ShouldEqual, 12)
	test.That(t, len(report.CandidatePoints), test.ShouldEqual, 12)
	test.That(t, report.PairCount, test.ShouldEqual, 2)
	test.That(t, report.PairIndex[0], test.ShouldEqual, 0)
	test.That(t, report.PairIndex[11], test.ShouldEqual, 1)
}

func TestVerifyAllVotesBelowThreshold(t *testing.T) {
	logger := golog.NewTestLogger(t)
	store := newTestStore(t)
	test.That(t, store.Put(neighborCluster(t)), test.ShouldBeNil)

	// six inliers split three and three across the two structural pairs;
	// neither reaches the five-vote threshold
	estimator := &stubEstimator{
		pose:    spatial.NewZeroPose(),
		inliers: []int{0, 1, 2, 40, 41, 42},
	}
	updates := 0
	g := &inject.Graph{
		CameraMatrixFunc: testCameraMatrix,
		FindClosestVerticesFunc: func(vertexID, excludeID, discardWindow, k int) []int {
			return []int{201}
		},
		AddEdgeFunc: func(fromVertex, toVertex int, tr spatial.Pose, weight int) {
			t.Fatal("no edge expected")
		},
		UpdateFunc: func() { updates++ },
	}
	v := NewVerifier(g, store, testConfig(), estimator, nil, logger)

	test.That(t, v.Verify(currentCluster(t), candidateCluster(t)), test.ShouldBeFalse)
	test.That(t, updates, test.ShouldEqual, 0)
	test.That(t, v.Records().Len(), test.ShouldEqual, 0)
}

func TestVerifySkipsCandidateWithoutWorldPoints(t *testing.T) {
	logger := golog.NewTestLogger(t)
	estimator := &stubEstimator{}
	g := &inject.Graph{
		CameraMatrixFunc: testCameraMatrix,
		AddEdgeFunc: func(fromVertex, toVertex int, tr spatial.Pose, weight int) {
			t.Fatal("no edge expected")
		},
	}
	v := NewVerifier(g, newTestStore(t), testConfig(), estimator, nil, logger)

	// appearance is a perfect match, but triangulation failed for the
	// whole candidate so it offers nothing to estimate a pose from
	current := currentCluster(t)
	kps := make([]r2.Point, len(current.Descriptors))
	descs := make([]cluster.Descriptor, len(current.Descriptors))
	for i, d := range current.Descriptors {
		kps[i] = r2.Point{X: float64(i), Y: 22}
		descs[i] = cluster.Descriptor{d[0] + 0.01, 0}
	}
	flat, err := cluster.NewCluster(22, 6, kps, descs, nil)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, v.Verify(current, flat), test.ShouldBeFalse)
	test.That(t, estimator.calls, test.ShouldEqual, 0)
	test.That(t, v.Records().Len(), test.ShouldEqual, 0)
}

func TestVerifySkipsNeighborWithoutWorldPoints(t *testing.T) {
	logger := golog.NewTestLogger(t)
	store := newTestStore(t)

	// neighbor matches current rows 40..43 but carries no points; its
	// rows must not enter the candidate pool
	n := neighborCluster(t)
	flat, err := cluster.NewCluster(n.ID, n.FrameID, n.Keypoints, n.Descriptors, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, store.Put(flat), test.ShouldBeNil)

	estimator := &stubEstimator{
		pose:    spatial.NewZeroPose(),
		inliers: []int{0, 1, 2, 3, 4, 5, 6, 7},
	}
	edges := 0
	g := &inject.Graph{
		CameraMatrixFunc: testCameraMatrix,
		FindClosestVerticesFunc: func(vertexID, excludeID, discardWindow, k int) []int {
			return []int{201}
		},
		AddEdgeFunc: func(fromVertex, toVertex int, tr spatial.Pose, weight int) {
			edges++
			test.That(t, fromVertex, test.ShouldEqual, 20)
		},
	}
	v := NewVerifier(g, store, testConfig(), estimator, nil, logger)

	test.That(t, v.Verify(currentCluster(t), candidateCluster(t)), test.ShouldBeTrue)
	test.That(t, estimator.calls, test.ShouldEqual, 1)
	test.That(t, edges, test.ShouldEqual, 1)
}

func TestVerifyUsesConfiguredIntrinsics(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cfg := testConfig()
	cfg.Intrinsics = &transform.PinholeCameraIntrinsics{
		Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240,
	}

	// no camera matrix on the graph: the configured calibration must be
	// enough to reach the estimator
	estimator := &stubEstimator{pose: spatial.NewZeroPose(), inliers: []int{0, 1, 2}}
	v := NewVerifier(&inject.Graph{}, newTestStore(t), cfg, estimator, nil, logger)

	test.That(t, v.Verify(currentCluster(t), candidateCluster(t)), test.ShouldBeFalse)
	test.That(t, estimator.calls, test.ShouldEqual, 1)
}

func TestVerifyFrustumFilterDropsBehindCamera(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cfg := testConfig()
	cfg.FrustumFilter = true

	intr := &transform.PinholeCameraIntrinsics{
		Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240,
	}
	// camera at the origin looking down +Z; candidate points sit at z=5 so
	// a camera displaced to z=10 sees all of them behind it
	behind := spatial.NewPose(quat.Number{Real: 1}, r3.Vector{Z: 10})

	estimator := &stubEstimator{}
	g := &inject.Graph{
		CameraModelFunc:  func() *transform.PinholeCameraIntrinsics { return intr },
		CameraMatrixFunc: testCameraMatrix,
		VertexCameraPoseFunc: func(vertexID int) spatial.Pose {
			return behind
		},
	}
	v := NewVerifier(g, newTestStore(t), cfg, estimator, nil, logger)

	// the pool empties out, so the full match produces nothing
	test.That(t, v.Verify(currentCluster(t), candidateCluster(t)), test.ShouldBeFalse)
	test.That(t, estimator.calls, test.ShouldEqual, 0)
}
