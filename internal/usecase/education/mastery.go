package education

import (
	"butlerd/internal/domain"
)

// Recency weights for mastery scoring, oldest to newest. Truncated from the
// left when fewer than five responses exist.
var recencyWeights = [...]float64{1, 2, 4, 8, 16}

// Graduation thresholds for reviewing -> mastered.
const (
	masteryScoreThreshold   = 0.85
	masteryStreakLength     = 3
	masteryStreakMinQuality = 4
)

// MasteryScore computes the quality-weighted recency score over the last five
// qualities (oldest to newest), normalized to [0,1].
func MasteryScore(qualities []int) float64 {
	if len(qualities) == 0 {
		return 0
	}
	if len(qualities) > len(recencyWeights) {
		qualities = qualities[len(qualities)-len(recencyWeights):]
	}
	weights := recencyWeights[len(recencyWeights)-len(qualities):]

	var sum, wsum float64
	for i, q := range qualities {
		sum += float64(q) * weights[i]
		wsum += weights[i]
	}
	return sum / (wsum * 5)
}

// NextMasteryStatus applies the mastery state machine for one recorded
// response. mastered is terminal here; only a spaced-repetition regression
// can demote it.
//
// score is the freshly computed mastery score; reviewStreak are the qualities
// of the most recent review-type responses, newest first.
func NextMasteryStatus(current domain.MasteryStatus, responseType string, quality int, score float64, reviewStreak []int) domain.MasteryStatus {
	switch current {
	case domain.MasteryUnseen:
		if responseType == domain.ResponseDiagnostic {
			return domain.MasteryDiagnosed
		}
		if responseType == domain.ResponseTeach {
			return domain.MasteryLearning
		}
	case domain.MasteryDiagnosed:
		if responseType == domain.ResponseTeach || quality < 3 {
			return domain.MasteryLearning
		}
	case domain.MasteryLearning:
		if quality >= 3 {
			return domain.MasteryReviewing
		}
	case domain.MasteryReviewing:
		if quality < 3 {
			return domain.MasteryLearning
		}
		if score >= masteryScoreThreshold && hasMasteryStreak(reviewStreak) {
			return domain.MasteryMastered
		}
	case domain.MasteryMastered:
		return domain.MasteryMastered
	}
	return current
}

func hasMasteryStreak(reviewQualities []int) bool {
	if len(reviewQualities) < masteryStreakLength {
		return false
	}
	for _, q := range reviewQualities[:masteryStreakLength] {
		if q < masteryStreakMinQuality {
			return false
		}
	}
	return true
}

// ReviewRegression applies the spaced-repetition state delta for a failed
// review: reviewing drops to learning, mastered drops to reviewing. Any
// other state is unchanged.
func ReviewRegression(current domain.MasteryStatus, quality int) domain.MasteryStatus {
	if quality >= 3 {
		return current
	}
	switch current {
	case domain.MasteryReviewing:
		return domain.MasteryLearning
	case domain.MasteryMastered:
		return domain.MasteryReviewing
	default:
		return current
	}
}
