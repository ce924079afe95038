package verify

import (
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/loopclosure/spatial"
	"go.viam.com/loopclosure/transform"
)

// minPnPSamples is the minimal correspondence count for the DLT solver.
const minPnPSamples = 6

// ErrPoseDegenerate is returned when pose estimation cannot reach a usable
// inlier set; callers abandon the candidate, no graph mutation happens.
var ErrPoseDegenerate = errors.New("pose estimation degenerate")

// Estimator computes a camera-from-world pose from 3D/2D correspondences
// and returns the indices of the correspondences consistent with it.
type Estimator interface {
	EstimatePose(points []r3.Vector, pixels []r2.Point, intr *transform.PinholeCameraIntrinsics) (spatial.Pose, []int, error)
}

// RANSACEstimator estimates a perspective pose with a fixed iteration
// budget, so a call always terminates in bounded time. Each iteration fits
// a minimal-sample DLT solution and scores it by reprojection error; the
// winner is refit on its inlier set.
type RANSACEstimator struct {
	// Iterations is the fixed sampling budget.
	Iterations int
	// ReprojThresholdPx is the reprojection-error inlier threshold in pixels.
	ReprojThresholdPx float64
	// MaxInliers bounds the inliers collected per iteration; reaching it
	// stops sampling early.
	MaxInliers int
	// Seed fixes the sampling sequence; estimation is deterministic for a
	// given input.
	Seed int64
}

// NewRANSACEstimator returns an estimator with the given budget and
// thresholds.
func NewRANSACEstimator(iterations int, reprojThresholdPx float64, maxInliers int) *RANSACEstimator {
	return &RANSACEstimator{
		Iterations:        iterations,
		ReprojThresholdPx: reprojThresholdPx,
		MaxInliers:        maxInliers,
		Seed:              1,
	}
}

// EstimatePose implements Estimator. points are world points of the
// candidate pool; pixels are the matched keypoints in the current frame.
func (e *RANSACEstimator) EstimatePose(
	points []r3.Vector,
	pixels []r2.Point,
	intr *transform.PinholeCameraIntrinsics,
) (spatial.Pose, []int, error) {
	n := len(points)
	if n != len(pixels) {
		return spatial.NewZeroPose(), nil, errors.Errorf("correspondence mismatch: %d points, %d pixels", n, len(pixels))
	}
	if n < minPnPSamples {
		return spatial.NewZeroPose(), nil, errors.Wrapf(ErrPoseDegenerate, "%d correspondences, need %d", n, minPnPSamples)
	}
	if err := intr.CheckValid(); err != nil {
		return spatial.NewZeroPose(), nil, err
	}

	normalized := make([]r2.Point, n)
	for i, px := range pixels {
		nx, ny, _ := intr.PixelToPoint(px.X, px.Y, 1)
		normalized[i] = r2.Point{X: nx, Y: ny}
	}

	rnd := rand.New(rand.NewSource(e.Seed))
	var bestPose spatial.Pose
	var bestInliers []int
	for it := 0; it < e.Iterations; it++ {
		sample := rnd.Perm(n)[:minPnPSamples]
		pose, err := solvePnPDLT(gather3(points, sample), gather2(normalized, sample))
		if err != nil {
			continue
		}
		inliers := e.scoreInliers(pose, points, pixels, intr)
		if len(inliers) > len(bestInliers) {
			bestPose = pose
			bestInliers = inliers
			if e.MaxInliers > 0 && len(bestInliers) >= e.MaxInliers {
				break
			}
		}
	}
	if len(bestInliers) < minPnPSamples {
		return spatial.NewZeroPose(), nil, errors.Wrapf(ErrPoseDegenerate, "best sample had %d inliers", len(bestInliers))
	}

	// refit on the winning inlier set
	fit := bestInliers
	if e.MaxInliers > 0 && len(fit) > e.MaxInliers {
		fit = fit[:e.MaxInliers]
	}
	if refined, err := solvePnPDLT(gather3(points, fit), gather2(normalized, fit)); err == nil {
		if inliers := e.scoreInliers(refined, points, pixels, intr); len(inliers) >= len(bestInliers) {
			bestPose = refined
			bestInliers = inliers
		}
	}
	if e.MaxInliers > 0 && len(bestInliers) > e.MaxInliers {
		bestInliers = bestInliers[:e.MaxInliers]
	}
	return bestPose, bestInliers, nil
}

// scoreInliers returns the correspondences whose reprojection through pose
// lands within the pixel threshold. Points behind the camera never count,
// honoring the MaxInliers bound.
func (e *RANSACEstimator) scoreInliers(
	pose spatial.Pose,
	points []r3.Vector,
	pixels []r2.Point,
	intr *transform.PinholeCameraIntrinsics,
) []int {
	inliers := make([]int, 0, len(points))
	for i := range points {
		inCamera := pose.TransformPoint(points[i])
		if inCamera.Z <= 0 {
			continue
		}
		if intr.ProjectPoint(inCamera).Sub(pixels[i]).Norm() < e.ReprojThresholdPx {
			inliers = append(inliers, i)
			if e.MaxInliers > 0 && len(inliers) >= e.MaxInliers {
				break
			}
		}
	}
	return inliers
}

// solvePnPDLT solves the projection P = [R|t] mapping world points onto
// normalized image coordinates with a direct linear transform, then
// orthonormalizes the rotation. At least 6 correspondences are required.
func solvePnPDLT(points []r3.Vector, normalized []r2.Point) (spatial.Pose, error) {
	n := len(points)
	if n < minPnPSamples {
		return spatial.NewZeroPose(), errors.Wrap(ErrPoseDegenerate, "too few correspondences for DLT")
	}
	a := mat.NewDense(2*n, 12, nil)
	for i := 0; i < n; i++ {
		wx, wy, wz := points[i].X, points[i].Y, points[i].Z
		x, y := normalized[i].X, normalized[i].Y
		a.SetRow(2*i, []float64{
			wx, wy, wz, 1, 0, 0, 0, 0, -x * wx, -x * wy, -x * wz, -x,
		})
		a.SetRow(2*i+1, []float64{
			0, 0, 0, 0, wx, wy, wz, 1, -y * wx, -y * wy, -y * wz, -y,
		})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return spatial.NewZeroPose(), errors.Wrap(ErrPoseDegenerate, "projection SVD failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	// null space of A, reshaped to the 3x4 projection
	p := mat.NewDense(3, 4, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			p.Set(r, c, v.At(4*r+c, 11))
		}
	}
	m := p.Slice(0, 3, 0, 3)
	if mat.Det(m) < 0 {
		p.Scale(-1, p)
	}

	// recover scale and the closest proper rotation
	var rotSVD mat.SVD
	if ok := rotSVD.Factorize(m, mat.SVDFull); !ok {
		return spatial.NewZeroPose(), errors.Wrap(ErrPoseDegenerate, "rotation SVD failed")
	}
	sigma := rotSVD.Values(nil)
	scale := floats.Sum(sigma) / 3
	if scale < 1e-12 {
		return spatial.NewZeroPose(), errors.Wrap(ErrPoseDegenerate, "projection has vanishing scale")
	}
	var u, vRot mat.Dense
	rotSVD.UTo(&u)
	rotSVD.VTo(&vRot)
	var rot mat.Dense
	rot.Mul(&u, vRot.T())
	if mat.Det(&rot) < 0 {
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var tmp mat.Dense
		tmp.Mul(&u, d)
		rot.Mul(&tmp, vRot.T())
	}

	t := r3.Vector{X: p.At(0, 3), Y: p.At(1, 3), Z: p.At(2, 3)}.Mul(1 / scale)
	return spatial.NewPoseFromMatrix(&rot, t), nil
}

func gather3(src []r3.Vector, idx []int) []r3.Vector {
	out := make([]r3.Vector, len(idx))
	for i, j := range idx {
		out[i] = src[j]
	}
	return out
}

func gather2(src []r2.Point, idx []int) []r2.Point {
	out := make([]r2.Point, len(idx))
	for i, j := range idx {
		out[i] = src[j]
	}
	return out
}
