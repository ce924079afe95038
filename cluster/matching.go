package cluster

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultMatchRatio is the ratio-test threshold: a match is kept only if
// the best distance is below this fraction of the second-best distance.
const DefaultMatchRatio = 0.8

// DescriptorMatch contains the index of a match in the first and second
// set of descriptors, and the distance between the matched rows.
type DescriptorMatch struct {
	Idx1     int
	Idx2     int
	Distance float64
}

// RatioMatches performs ratio-test matching of desc1 against desc2: for
// each row of desc1 the two nearest rows of desc2 are found, and the best
// is kept only when its distance is below ratio times the second best.
// Fewer than two rows in desc2 can never pass the test.
func RatioMatches(desc1, desc2 []Descriptor, ratio float64) []DescriptorMatch {
	if len(desc1) == 0 || len(desc2) < 2 {
		return nil
	}
	distances, err := PairwiseDistance(desc1, desc2)
	if err != nil {
		return nil
	}
	matches := make([]DescriptorMatch, 0, len(desc1))
	for i := 0; i < len(desc1); i++ {
		best, second := argTwoMin(distances, i)
		if distances.At(i, best) < ratio*distances.At(i, second) {
			matches = append(matches, DescriptorMatch{Idx1: i, Idx2: best, Distance: distances.At(i, best)})
		}
	}
	return matches
}

// MatchPercentage is the share of matched rows relative to the smaller of
// the two descriptor sets, as a rounded percentage. It never exceeds 100.
func MatchPercentage(nMatches, rows1, rows2 int) int {
	smaller := rows1
	if rows2 < smaller {
		smaller = rows2
	}
	if smaller <= 0 {
		return 0
	}
	if nMatches > smaller {
		nMatches = smaller
	}
	return int(math.Round(100 * float64(nMatches) / float64(smaller)))
}

// argTwoMin returns the indices of the smallest and second-smallest entries
// of row i. The row must have at least two columns.
func argTwoMin(distances *mat.Dense, i int) (int, int) {
	_, cols := distances.Dims()
	best, second := -1, -1
	for j := 0; j < cols; j++ {
		d := distances.At(i, j)
		switch {
		case best == -1 || d < distances.At(i, best):
			second = best
			best = j
		case second == -1 || d < distances.At(i, second):
			second = j
		}
	}
	return best, second
}
