package education

import (
	"strings"

	"butlerd/internal/domain"
)

// Struggle reasons.
const (
	ReasonConsecutiveLowQuality = "consecutive_low_quality"
	ReasonDecliningScore        = "declining_score"
)

const (
	struggleMinResponses = 3
	struggleLowQuality   = 2
)

// StruggleResult flags one node as struggling.
type StruggleResult struct {
	NodeID  string
	Reasons string // comma-joined when multiple reasons hold
}

// DetectStruggle inspects a non-mastered node's responses (newest first) and
// reports whether the learner is struggling. Nodes with fewer than three
// responses are never flagged.
//
// Two independent signals: the three most recent qualities all at or below 2,
// or recency-weighted scores over windows of size 1, 2, 3 strictly
// increasing with window size (recent answers drag the narrow window down).
func DetectStruggle(nodeID string, newestFirst []domain.QuizResponse) (StruggleResult, bool) {
	if len(newestFirst) < struggleMinResponses {
		return StruggleResult{}, false
	}

	var reasons []string

	low := true
	for _, r := range newestFirst[:struggleMinResponses] {
		if r.Quality > struggleLowQuality {
			low = false
			break
		}
	}
	if low {
		reasons = append(reasons, ReasonConsecutiveLowQuality)
	}

	score1 := windowScore(newestFirst, 1)
	score2 := windowScore(newestFirst, 2)
	score3 := windowScore(newestFirst, 3)
	if score3 > score2 && score2 > score1 {
		reasons = append(reasons, ReasonDecliningScore)
	}

	if len(reasons) == 0 {
		return StruggleResult{}, false
	}
	return StruggleResult{NodeID: nodeID, Reasons: strings.Join(reasons, ",")}, true
}

// windowScore computes the recency-weighted mastery score over the n most
// recent responses.
func windowScore(newestFirst []domain.QuizResponse, n int) float64 {
	if n > len(newestFirst) {
		n = len(newestFirst)
	}
	// MasteryScore wants oldest to newest.
	qualities := make([]int, n)
	for i := 0; i < n; i++ {
		qualities[n-1-i] = newestFirst[i].Quality
	}
	return MasteryScore(qualities)
}
