// Package verify implements geometric verification of loop-closure
// candidates: staged descriptor matching, neighborhood aggregation, RANSAC
// pose estimation, per-structural-pair voting, and edge insertion into the
// external pose graph.
package verify

import (
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/loopclosure/cluster"
	"go.viam.com/loopclosure/graph"
	"go.viam.com/loopclosure/spatial"
	"go.viam.com/loopclosure/storage"
	"go.viam.com/loopclosure/transform"
)

// Config carries the verification thresholds. Zero values are not usable;
// callers populate it from the subsystem configuration.
type Config struct {
	// DiscardWindow is the temporal id radius excluded from neighbor
	// aggregation.
	DiscardWindow int
	// Neighbors is how many structural neighbors of the candidate are
	// pulled into the aggregated pool.
	Neighbors int
	// MinInliers is required both of raw pool matches and of RANSAC
	// inliers.
	MinInliers int
	// MatchRatio is the ratio-test threshold.
	MatchRatio float64
	// MatchGatePercent abandons a candidate whose cheap match percentage
	// does not exceed it.
	MatchGatePercent int
	// PairVotes is the minimum inlier support per structural pair for an
	// edge to be inserted.
	PairVotes int
	// FrustumFilter drops candidate-pool points outside the current
	// camera's view before matching.
	FrustumFilter bool
	// Intrinsics, when set, takes precedence over the camera model the
	// graph exposes.
	Intrinsics *transform.PinholeCameraIntrinsics
}

// MatchReport is the presentation payload emitted once per accepted
// verification; image composition is not part of the core contract.
type MatchReport struct {
	CurrentFrameID    int
	CandidateFrameIDs []int
	// Per-inlier parallel slices.
	CurrentPoints     []r2.Point
	CandidatePoints   []r2.Point
	CandidateFrameOf  []int
	PairIndex         []int
	PairCount         int
}

// ReportFunc receives the matchings payload for visualization.
type ReportFunc func(*MatchReport)

// Verifier runs the staged pipeline for one (current, candidate) pair at a
// time. Every stage communicates failure through a boolean or empty result;
// no error crosses the pipeline boundary.
type Verifier struct {
	graph     graph.Graph
	store     *storage.Store
	cfg       Config
	estimator Estimator
	records   *Records
	report    ReportFunc
	logger    golog.Logger
}

// NewVerifier wires the pipeline to its collaborators. report may be nil.
func NewVerifier(
	g graph.Graph,
	store *storage.Store,
	cfg Config,
	estimator Estimator,
	report ReportFunc,
	logger golog.Logger,
) *Verifier {
	return &Verifier{
		graph:     g,
		store:     store,
		cfg:       cfg,
		estimator: estimator,
		records:   &Records{},
		report:    report,
		logger:    logger,
	}
}

// Records exposes the closed-pair blacklist for candidate filtering.
// Filtering happens in candidate search, not here: the verifier itself
// never checks the blacklist.
func (v *Verifier) Records() *Records {
	return v.records
}

// pool is an aggregated feature set with the structural vertex id of every
// row.
type pool struct {
	descs  []cluster.Descriptor
	kps    []r2.Point
	points []r3.Vector
	tags   []int
}

func (p *pool) appendCluster(c *cluster.Cluster, withPoints bool) {
	// rows without triangulated points cannot support pose estimation;
	// a cluster missing them is skipped whole to keep the pool aligned
	if withPoints && len(c.WorldPoints) != len(c.Descriptors) {
		return
	}
	p.descs = append(p.descs, c.Descriptors...)
	p.kps = append(p.kps, c.Keypoints...)
	if withPoints {
		p.points = append(p.points, c.WorldPoints...)
	}
	for range c.Descriptors {
		p.tags = append(p.tags, c.ID)
	}
}

// Verify decides whether current and candidate close a loop. On success the
// corresponding edges have been added to the graph and the pair recorded;
// on failure the graph is untouched.
func (v *Verifier) Verify(current, candidate *cluster.Cluster) bool {
	if current.IsEmpty() || candidate.IsEmpty() {
		return false
	}

	// stage 1: cheap gate on direct matching
	direct := cluster.RatioMatches(current.Descriptors, candidate.Descriptors, v.cfg.MatchRatio)
	pct := cluster.MatchPercentage(len(direct), len(current.Descriptors), len(candidate.Descriptors))
	if pct <= v.cfg.MatchGatePercent {
		return false
	}

	// stage 2: aggregate the candidate pool with its structural neighbors
	// and the current pool with its frame siblings
	candidatePool := v.buildCandidatePool(current, candidate)
	currentPool := v.buildCurrentPool(current)

	// stage 3: full match between the enlarged pools
	matches := cluster.RatioMatches(currentPool.descs, candidatePool.descs, v.cfg.MatchRatio)
	if len(matches) < v.cfg.MinInliers {
		return false
	}

	matchedPixels := make([]r2.Point, len(matches))
	matchedCandidateKps := make([]r2.Point, len(matches))
	matchedPoints := make([]r3.Vector, len(matches))
	frameTags := make([]int, len(matches))
	candidateTags := make([]int, len(matches))
	for i, m := range matches {
		matchedPixels[i] = currentPool.kps[m.Idx1]
		matchedCandidateKps[i] = candidatePool.kps[m.Idx2]
		matchedPoints[i] = candidatePool.points[m.Idx2]
		frameTags[i] = currentPool.tags[m.Idx1]
		candidateTags[i] = candidatePool.tags[m.Idx2]
	}

	// stage 4: relative pose by RANSAC
	intr := v.cfg.Intrinsics
	if intr == nil {
		var err error
		intr, err = transform.NewPinholeCameraIntrinsicsFromMatrix(v.graph.CameraMatrix())
		if err != nil {
			v.logger.Warnw("camera matrix unusable for pose estimation", "error", err)
			return false
		}
	}
	pose, inliers, err := v.estimator.EstimatePose(matchedPoints, matchedPixels, intr)
	v.logger.Debugf("matches/inliers: %d / %d", len(matches), len(inliers))
	if err != nil || len(inliers) < v.cfg.MinInliers {
		return false
	}
	// the solver yields camera-from-points; the edge composition needs the
	// inverse
	estimated := pose.Invert()

	// stage 5: vote inliers per structural pair
	votes := tallyPairs(inliers, frameTags, candidateTags)

	// stage 6: insert an edge per surviving pair
	added := false
	for _, pv := range votes {
		if pv.count < v.cfg.PairVotes {
			continue
		}
		candidatePose := v.graph.VertexPose(pv.candidateVertex)
		frameRelative := v.graph.VertexPoseRelativeToCamera(pv.frameVertex)
		edge := spatial.Compose(spatial.Compose(candidatePose.Invert(), estimated), frameRelative)

		initial := spatial.Compose(candidatePose.Invert(), v.graph.VertexPose(pv.frameVertex))
		v.logger.Debugf("edge %d <-> %d: initial %v final %v",
			pv.frameVertex, pv.candidateVertex, initial.Translation(), edge.Translation())

		v.graph.AddEdge(pv.candidateVertex, pv.frameVertex, edge, pv.count)
		v.records.Add(pv.frameVertex, pv.candidateVertex)
		added = true
	}
	if !added {
		return false
	}

	v.logger.Infof("loop: frame %d <-> frame %d, matches %d, inliers %d",
		current.FrameID, candidate.FrameID, len(matches), len(inliers))

	if v.report != nil {
		v.report(buildReport(current.FrameID, v.graph, votes, inliers,
			matchedPixels, matchedCandidateKps, candidateTags))
	}
	v.graph.Update()
	return true
}

// buildCandidatePool concatenates the candidate's features with those of
// its structural neighbors, tagging each row with its source vertex.
// Missing or empty neighbors are skipped silently.
func (v *Verifier) buildCandidatePool(current, candidate *cluster.Cluster) *pool {
	p := &pool{}
	p.appendCluster(candidate, true)

	neighbors := v.graph.FindClosestVertices(candidate.ID, current.ID, v.cfg.DiscardWindow, v.cfg.Neighbors)
	for _, id := range neighbors {
		neighbor := v.store.Get(id)
		if neighbor.IsEmpty() {
			continue
		}
		p.appendCluster(neighbor, true)
	}
	if v.cfg.FrustumFilter {
		v.filterPoolByFrustum(p, v.graph.VertexCameraPose(current.ID))
	}
	return p
}

// buildCurrentPool concatenates the current cluster with every other
// cluster sharing its keyframe; descriptors of one physical place can be
// split across several clusters.
func (v *Verifier) buildCurrentPool(current *cluster.Cluster) *pool {
	p := &pool{}
	p.appendCluster(current, false)

	for _, id := range v.graph.FrameVertices(current.FrameID) {
		if id == current.ID {
			continue
		}
		sibling := v.store.Get(id)
		if sibling.IsEmpty() {
			continue
		}
		p.appendCluster(sibling, false)
	}
	return p
}

// filterPoolByFrustum keeps only pool rows whose world point projects into
// the current camera's image bounds.
func (v *Verifier) filterPoolByFrustum(p *pool, cameraPose spatial.Pose) {
	intr := v.cfg.Intrinsics
	if intr == nil {
		intr = v.graph.CameraModel()
	}
	if intr == nil || intr.CheckValid() != nil {
		return
	}
	worldToCamera := cameraPose.Invert()
	kept := &pool{}
	for i := range p.points {
		inCamera := worldToCamera.TransformPoint(p.points[i])
		if inCamera.Z <= 0 || !intr.WithinFrame(intr.ProjectPoint(inCamera)) {
			continue
		}
		kept.descs = append(kept.descs, p.descs[i])
		kept.kps = append(kept.kps, p.kps[i])
		kept.points = append(kept.points, p.points[i])
		kept.tags = append(kept.tags, p.tags[i])
	}
	*p = *kept
}
