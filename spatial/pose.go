// Package spatial defines the rigid transformations used by the loop-closure
// pipeline: camera poses, graph vertex poses, and the corrective edges
// composed from them.
package spatial

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transformation in 3D: a rotation followed by a translation.
// The zero value is not a valid pose; use NewZeroPose for the identity.
type Pose struct {
	rotation    quat.Number
	translation r3.Vector
}

// NewPose returns a pose with the given rotation quaternion and translation.
// The rotation is normalized to a unit quaternion.
func NewPose(rotation quat.Number, translation r3.Vector) Pose {
	return Pose{rotation: normalize(rotation), translation: translation}
}

// NewZeroPose returns the identity transformation.
func NewZeroPose() Pose {
	return Pose{rotation: quat.Number{Real: 1}}
}

// NewPoseFromMatrix builds a pose from a 3x3 rotation matrix and a
// translation vector. The matrix is assumed orthonormal; callers estimating
// rotations numerically should orthonormalize first.
func NewPoseFromMatrix(rotation mat.Matrix, translation r3.Vector) Pose {
	m := mgl64.Ident4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, rotation.At(i, j))
		}
	}
	q := mgl64.Mat4ToQuat(m)
	return NewPose(quat.Number{Real: q.W, Imag: q.X(), Jmag: q.Y(), Kmag: q.Z()}, translation)
}

// Rotation returns the unit rotation quaternion.
func (p Pose) Rotation() quat.Number {
	return p.rotation
}

// Translation returns the translation component.
func (p Pose) Translation() r3.Vector {
	return p.translation
}

// RotationMatrix returns the rotation component as a 3x3 matrix.
func (p Pose) RotationMatrix() *mat.Dense {
	w, x, y, z := p.rotation.Real, p.rotation.Imag, p.rotation.Jmag, p.rotation.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// TransformPoint applies the pose to a point: R*pt + t.
func (p Pose) TransformPoint(pt r3.Vector) r3.Vector {
	return rotate(p.rotation, pt).Add(p.translation)
}

// Invert returns the inverse transformation, such that
// Compose(p, p.Invert()) is the identity.
func (p Pose) Invert() Pose {
	rInv := quat.Conj(p.rotation)
	tInv := rotate(rInv, p.translation).Mul(-1)
	return Pose{rotation: rInv, translation: tInv}
}

// Compose returns the pose equivalent to applying b first and then a,
// mirroring matrix multiplication a*b.
func Compose(a, b Pose) Pose {
	return Pose{
		rotation:    normalize(quat.Mul(a.rotation, b.rotation)),
		translation: a.TransformPoint(b.translation),
	}
}

// PoseAlmostEqual reports whether two poses represent the same rigid
// transformation within tol, accounting for the q/-q double cover of
// rotations.
func PoseAlmostEqual(a, b Pose, tol float64) bool {
	dot := a.rotation.Real*b.rotation.Real +
		a.rotation.Imag*b.rotation.Imag +
		a.rotation.Jmag*b.rotation.Jmag +
		a.rotation.Kmag*b.rotation.Kmag
	if math.Abs(math.Abs(dot)-1) > tol {
		return false
	}
	return a.translation.Sub(b.translation).Norm() <= tol
}

// rotate applies a unit quaternion rotation to a vector via q*v*q'.
func rotate(q quat.Number, v r3.Vector) r3.Vector {
	vq := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	out := quat.Mul(quat.Mul(q, vq), quat.Conj(q))
	return r3.Vector{X: out.Imag, Y: out.Jmag, Z: out.Kmag}
}

func normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}
