package cluster

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// EuclideanDistance computes the euclidean distance between 2 descriptors.
func EuclideanDistance(p1, p2 Descriptor) (float64, error) {
	if len(p1) != len(p2) {
		return -1, errors.New("descriptors must have same length")
	}
	diff := make([]float64, len(p1))
	floats.SubTo(diff, p1, p2)
	floats.Mul(diff, diff)
	return math.Sqrt(floats.Sum(diff)), nil
}

// PairwiseDistance computes the pairwise distances between 2 sets of descriptors.
func PairwiseDistance(descs1, descs2 []Descriptor) (*mat.Dense, error) {
	m := len(descs1)
	n := len(descs2)
	if m == 0 || n == 0 {
		return nil, errors.New("descriptor sets must be non-empty")
	}
	distances := mat.NewDense(m, n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			d, err := EuclideanDistance(descs1[i], descs2[j])
			if err != nil {
				return nil, err
			}
			distances.Set(i, j, d)
		}
	}
	return distances, nil
}
