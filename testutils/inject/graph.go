// Package inject provides function-field fakes of external collaborators
// for testing.
package inject

import (
	"gonum.org/v1/gonum/mat"

	"go.viam.com/loopclosure/spatial"
	"go.viam.com/loopclosure/transform"
)

// Graph is an injectable pose graph. Unset functions return zero values so
// tests only provide what they exercise.
type Graph struct {
	CameraModelFunc                func() *transform.PinholeCameraIntrinsics
	CameraMatrixFunc               func() *mat.Dense
	FindClosestVerticesFunc        func(vertexID, excludeID, discardWindow, k int) []int
	FrameVerticesFunc              func(frameID int) []int
	VertexFrameIDFunc              func(vertexID int) int
	VertexPoseFunc                 func(vertexID int) spatial.Pose
	VertexPoseRelativeToCameraFunc func(vertexID int) spatial.Pose
	VertexCameraPoseFunc           func(vertexID int) spatial.Pose
	FrameNumFunc                   func() int
	AddEdgeFunc                    func(fromVertex, toVertex int, transform spatial.Pose, weight int)
	UpdateFunc                     func()
}

// CameraModel calls the injected function or returns nil.
func (g *Graph) CameraModel() *transform.PinholeCameraIntrinsics {
	if g.CameraModelFunc == nil {
		return nil
	}
	return g.CameraModelFunc()
}

// CameraMatrix calls the injected function or returns nil.
func (g *Graph) CameraMatrix() *mat.Dense {
	if g.CameraMatrixFunc == nil {
		return nil
	}
	return g.CameraMatrixFunc()
}

// FindClosestVertices calls the injected function or returns nil.
func (g *Graph) FindClosestVertices(vertexID, excludeID, discardWindow, k int) []int {
	if g.FindClosestVerticesFunc == nil {
		return nil
	}
	return g.FindClosestVerticesFunc(vertexID, excludeID, discardWindow, k)
}

// FrameVertices calls the injected function or returns nil.
func (g *Graph) FrameVertices(frameID int) []int {
	if g.FrameVerticesFunc == nil {
		return nil
	}
	return g.FrameVerticesFunc(frameID)
}

// VertexFrameID calls the injected function or returns zero.
func (g *Graph) VertexFrameID(vertexID int) int {
	if g.VertexFrameIDFunc == nil {
		return 0
	}
	return g.VertexFrameIDFunc(vertexID)
}

// VertexPose calls the injected function or returns the identity pose.
func (g *Graph) VertexPose(vertexID int) spatial.Pose {
	if g.VertexPoseFunc == nil {
		return spatial.NewZeroPose()
	}
	return g.VertexPoseFunc(vertexID)
}

// VertexPoseRelativeToCamera calls the injected function or returns the identity pose.
func (g *Graph) VertexPoseRelativeToCamera(vertexID int) spatial.Pose {
	if g.VertexPoseRelativeToCameraFunc == nil {
		return spatial.NewZeroPose()
	}
	return g.VertexPoseRelativeToCameraFunc(vertexID)
}

// VertexCameraPose calls the injected function or returns the identity pose.
func (g *Graph) VertexCameraPose(vertexID int) spatial.Pose {
	if g.VertexCameraPoseFunc == nil {
		return spatial.NewZeroPose()
	}
	return g.VertexCameraPoseFunc(vertexID)
}

// FrameNum calls the injected function or returns zero.
func (g *Graph) FrameNum() int {
	if g.FrameNumFunc == nil {
		return 0
	}
	return g.FrameNumFunc()
}

// AddEdge calls the injected function if set.
func (g *Graph) AddEdge(fromVertex, toVertex int, transform spatial.Pose, weight int) {
	if g.AddEdgeFunc != nil {
		g.AddEdgeFunc(fromVertex, toVertex, transform, weight)
	}
}

// Update calls the injected function if set.
func (g *Graph) Update() {
	if g.UpdateFunc != nil {
		g.UpdateFunc()
	}
}
