package verify

import (
	"github.com/golang/geo/r2"

	"go.viam.com/loopclosure/graph"
)

// pairVote counts the inlier support for one (current vertex, candidate
// vertex) structural pair. Pairs are the unit of graph mutation, since one
// aggregated match set may support edges between several distinct vertices.
type pairVote struct {
	frameVertex     int
	candidateVertex int
	count           int
}

// tallyPairs groups inlier correspondences by structural pair in
// first-seen order.
func tallyPairs(inliers []int, frameTags, candidateTags []int) []pairVote {
	votes := make([]pairVote, 0, 4)
	for _, idx := range inliers {
		frameVertex := frameTags[idx]
		candidateVertex := candidateTags[idx]
		found := false
		for i := range votes {
			if votes[i].frameVertex == frameVertex && votes[i].candidateVertex == candidateVertex {
				votes[i].count++
				found = true
				break
			}
		}
		if !found {
			votes = append(votes, pairVote{frameVertex: frameVertex, candidateVertex: candidateVertex, count: 1})
		}
	}
	return votes
}

// buildReport assembles the visualization payload from the inlier
// correspondences: which candidate keyframes participate, where the matched
// points are, and which structural pair (color) each inlier supports.
func buildReport(
	currentFrameID int,
	g graph.Graph,
	votes []pairVote,
	inliers []int,
	matchedPixels, matchedCandidateKps []r2.Point,
	candidateTags []int,
) *MatchReport {
	report := &MatchReport{
		CurrentFrameID: currentFrameID,
		PairCount:      len(votes),
	}
	seenFrames := map[int]bool{}
	for _, idx := range inliers {
		candVertex := candidateTags[idx]
		candFrame := g.VertexFrameID(candVertex)
		if !seenFrames[candFrame] {
			seenFrames[candFrame] = true
			report.CandidateFrameIDs = append(report.CandidateFrameIDs, candFrame)
		}

		pairIdx := -1
		for i := range votes {
			if votes[i].candidateVertex == candVertex {
				pairIdx = i
				break
			}
		}
		report.CurrentPoints = append(report.CurrentPoints, matchedPixels[idx])
		report.CandidatePoints = append(report.CandidatePoints, matchedCandidateKps[idx])
		report.CandidateFrameOf = append(report.CandidateFrameOf, candFrame)
		report.PairIndex = append(report.PairIndex, pairIdx)
	}
	return report
}
