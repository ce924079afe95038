package verify

// Records is the append-only blacklist of closed structural-vertex pairs.
// Pairs are unordered: once (a,b) is recorded, neither search strategy may
// propose (a,b) or (b,a) again. Records are never removed or re-scored.
type Records struct {
	pairs [][2]int
}

// Add appends a closed pair.
func (r *Records) Add(a, b int) {
	r.pairs = append(r.pairs, [2]int{a, b})
}

// IsClosed reports whether the unordered pair has been recorded.
func (r *Records) IsClosed(a, b int) bool {
	for _, p := range r.pairs {
		if (p[0] == a && p[1] == b) || (p[0] == b && p[1] == a) {
			return true
		}
	}
	return false
}

// PartnersOf returns every vertex recorded against the given vertex.
func (r *Records) PartnersOf(vertexID int) []int {
	var out []int
	for _, p := range r.pairs {
		if p[0] == vertexID {
			out = append(out, p[1])
		}
		if p[1] == vertexID {
			out = append(out, p[0])
		}
	}
	return out
}

// Len returns the number of recorded closures.
func (r *Records) Len() int {
	return len(r.pairs)
}
