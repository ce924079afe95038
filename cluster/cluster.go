// Package cluster defines the unit of loop-closure input: one structural
// vertex's worth of keypoints, descriptors and 3D points, plus the
// descriptor matching used by the verification pipeline.
package cluster

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Descriptor is one local feature descriptor, a row of the cluster's
// descriptor matrix.
type Descriptor []float64

// Cluster is immutable once created. Its id doubles as the structural
// vertex id in the external pose graph; the camera pose at capture time is
// owned by the graph and fetched by id. Keypoints, descriptor rows and
// world points are row-aligned.
type Cluster struct {
	ID          int
	FrameID     int
	Keypoints   []r2.Point
	Descriptors []Descriptor
	WorldPoints []r3.Vector
}

// NewCluster returns a cluster after checking row alignment. WorldPoints
// may be nil when triangulation is unavailable for the whole cluster.
func NewCluster(id, frameID int, kps []r2.Point, descs []Descriptor, points []r3.Vector) (*Cluster, error) {
	if len(kps) != len(descs) {
		return nil, errors.Errorf("cluster %d: %d keypoints misaligned with %d descriptor rows", id, len(kps), len(descs))
	}
	if points != nil && len(points) != len(descs) {
		return nil, errors.Errorf("cluster %d: %d world points misaligned with %d descriptor rows", id, len(points), len(descs))
	}
	return &Cluster{ID: id, FrameID: frameID, Keypoints: kps, Descriptors: descs, WorldPoints: points}, nil
}

// NewEmptyCluster returns the empty sentinel for the given id, the normal
// result of a store miss. Consumers must skip it without error.
func NewEmptyCluster(id int) *Cluster {
	return &Cluster{ID: id}
}

// IsEmpty reports whether the cluster has no descriptor rows.
func (c *Cluster) IsEmpty() bool {
	return c == nil || len(c.Descriptors) == 0
}
