// Package hashindex implements the appearance-based place-recognition
// index. A variable-size, high-dimensional descriptor set is reduced to a
// fixed-length hash vector by random projections, so nearest-neighbor
// search over thousands of keyframes is a constant-size comparison instead
// of an all-pairs descriptor match.
package hashindex

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/loopclosure/cluster"
)

// projectionSeed fixes the projection basis draw so that hashes are
// reproducible across runs with the same first cluster dimension.
const projectionSeed = 104729

// DefaultProjections is the number of random projection directions; the
// hash carries two statistics per direction.
const DefaultProjections = 32

// Entry pairs a cluster id with its hash vector. Entries are appended
// exactly once per processed cluster, in processing order.
type Entry struct {
	ID   int
	Hash []float64
}

// Candidate scores a stored cluster against a query; ephemeral, produced
// per query and discarded after ranking.
type Candidate struct {
	ID         int
	Similarity float64
}

// Index is an append-only list of (cluster id, hash vector) pairs with a
// lazily initialized projection basis. It is owned by the loop-closing
// thread and needs no synchronization.
type Index struct {
	projections int
	dim         int
	basis       *mat.Dense
	entries     []Entry
	byID        map[int][]float64
}

// New returns an index with the default projection count. The basis is
// built lazily from the first cluster's descriptors.
func New() *Index {
	return NewWithProjections(DefaultProjections)
}

// NewWithProjections returns an index hashing onto the given number of
// projection directions.
func NewWithProjections(projections int) *Index {
	return &Index{projections: projections, byID: map[int][]float64{}}
}

// Initialized reports whether the projection basis has been built.
func (x *Index) Initialized() bool {
	return x.basis != nil
}

// Initialize builds the projection basis from a descriptor sample. It must
// be called with the very first cluster's descriptors; afterward it is a
// no-op, freezing the basis so all later hashes stay comparable.
func (x *Index) Initialize(sample []cluster.Descriptor) {
	if x.basis != nil || len(sample) == 0 || len(sample[0]) == 0 {
		return
	}
	x.dim = len(sample[0])
	rnd := rand.New(rand.NewSource(projectionSeed))
	basis := mat.NewDense(x.projections, x.dim, nil)
	row := make([]float64, x.dim)
	for i := 0; i < x.projections; i++ {
		for j := range row {
			row[j] = rnd.NormFloat64()
		}
		floats.Scale(1/floats.Norm(row, 2), row)
		basis.SetRow(i, row)
	}
	x.basis = basis
}

// Basis returns a copy of the projection basis, or nil before
// initialization.
func (x *Index) Basis() *mat.Dense {
	if x.basis == nil {
		return nil
	}
	out := mat.NewDense(x.projections, x.dim, nil)
	out.Copy(x.basis)
	return out
}

// Hash reduces a descriptor set to a fixed-length vector: for every basis
// direction it records the mean and mean absolute deviation of the squashed
// projections over all descriptor rows. The output length never depends on
// the row count, and hashing the same input twice yields the same vector.
func (x *Index) Hash(descs []cluster.Descriptor) []float64 {
	out := make([]float64, 2*x.projections)
	if x.basis == nil || len(descs) == 0 {
		return out
	}
	rows := 0
	projected := make([][]float64, x.projections)
	for i := range projected {
		projected[i] = make([]float64, 0, len(descs))
	}
	for _, d := range descs {
		if len(d) != x.dim {
			continue
		}
		rows++
		for i := 0; i < x.projections; i++ {
			dot := floats.Dot(x.basis.RawRowView(i), d)
			projected[i] = append(projected[i], math.Tanh(dot))
		}
	}
	if rows == 0 {
		return out
	}
	for i := 0; i < x.projections; i++ {
		mean := floats.Sum(projected[i]) / float64(rows)
		dev := 0.0
		for _, v := range projected[i] {
			dev += math.Abs(v - mean)
		}
		out[i] = mean
		out[x.projections+i] = dev / float64(rows)
	}
	return out
}

// Similarity scores two hash vectors; symmetric, higher is more similar.
func (x *Index) Similarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return 1 / (1 + floats.Distance(a, b, 2))
}

// Add appends the hash entry for a processed cluster.
func (x *Index) Add(id int, hash []float64) {
	x.entries = append(x.entries, Entry{ID: id, Hash: hash})
	x.byID[id] = hash
}

// Len returns the number of stored entries.
func (x *Index) Len() int {
	return len(x.entries)
}

// Candidates ranks every stored cluster against the query id, excluding ids
// within the discard window (id-window, id+window) exclusive, the query
// itself, and any id rejected by exclude. It returns the k most similar,
// descending. With window or fewer entries there is not enough history to
// judge, and nothing is returned.
func (x *Index) Candidates(id, window, k int, exclude func(int) bool) []Candidate {
	if len(x.entries) <= window {
		return nil
	}
	query, ok := x.byID[id]
	if !ok {
		return nil
	}
	scored := make([]Candidate, 0, len(x.entries))
	for _, e := range x.entries {
		if e.ID > id-window && e.ID < id+window {
			continue
		}
		if e.ID == id {
			continue
		}
		if exclude != nil && exclude(e.ID) {
			continue
		}
		scored = append(scored, Candidate{ID: e.ID, Similarity: x.Similarity(query, e.Hash)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
