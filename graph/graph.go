// Package graph declares the narrow capability interface this subsystem
// needs from the external pose graph. The optimizer's internal vertex and
// edge types are never exposed here; everything is addressed by structural
// vertex id.
package graph

import (
	"gonum.org/v1/gonum/mat"

	"go.viam.com/loopclosure/spatial"
	"go.viam.com/loopclosure/transform"
)

// Graph is consumed, never implemented, by the loop-closure subsystem. The
// graph is shared with a separate optimization process running on its own
// schedule; the external owner is responsible for serializing optimization
// against reads and AddEdge calls from this subsystem.
type Graph interface {
	// CameraModel returns the pinhole model of the capture camera.
	CameraModel() *transform.PinholeCameraIntrinsics
	// CameraMatrix returns the 3x3 intrinsic camera matrix.
	CameraMatrix() *mat.Dense

	// FindClosestVertices returns up to k structurally-closest vertex ids
	// to vertexID, excluding excludeID and any id within discardWindow of
	// it.
	FindClosestVertices(vertexID, excludeID, discardWindow, k int) []int
	// FrameVertices returns the ids of all vertices built from the given
	// keyframe.
	FrameVertices(frameID int) []int

	VertexFrameID(vertexID int) int
	VertexPose(vertexID int) spatial.Pose
	VertexPoseRelativeToCamera(vertexID int) spatial.Pose
	VertexCameraPose(vertexID int) spatial.Pose

	// FrameNum reports the number of keyframes, for telemetry only.
	FrameNum() int

	// AddEdge inserts a loop-closure constraint between two vertices.
	AddEdge(fromVertex, toVertex int, transform spatial.Pose, weight int)
	// Update is an advisory hook fired once per successful verification;
	// it must not block on optimization.
	Update()
}
