package education

import (
	"butlerd/internal/domain"
)

// Review interval ladder in days for the first repetitions.
var intervalLadder = [...]float64{0.25, 0.5, 1.0, 6.0}

// fallbackInterval is used when a mature card has no recorded last interval.
const fallbackInterval = 6.0

// failedInterval is the retry interval after a failed review (quality < 3).
const failedInterval = 0.25

// SM2Result is the outcome of one SM-2 step.
type SM2Result struct {
	EaseFactor   float64
	Repetitions  int
	IntervalDays float64
}

// SM2 advances the spaced-repetition state for one review.
//
// quality is clamped to [0,5]. The ease factor never drops below
// domain.MinEaseFactor. A failed review (quality < 3) resets repetitions and
// schedules a short retry; a passed review walks the interval ladder and then
// grows multiplicatively by the new ease factor.
func SM2(easeFactor float64, repetitions int, quality int, lastIntervalDays float64) SM2Result {
	if quality < 0 {
		quality = 0
	}
	if quality > 5 {
		quality = 5
	}
	if easeFactor < domain.MinEaseFactor {
		easeFactor = domain.MinEaseFactor
	}
	if repetitions < 0 {
		repetitions = 0
	}

	q := float64(quality)
	delta := 0.1 - (5-q)*(0.08+(5-q)*0.02)
	newEF := easeFactor + delta
	if newEF < domain.MinEaseFactor {
		newEF = domain.MinEaseFactor
	}

	if quality < 3 {
		return SM2Result{EaseFactor: newEF, Repetitions: 0, IntervalDays: failedInterval}
	}

	newReps := repetitions + 1
	var interval float64
	if repetitions < len(intervalLadder) {
		interval = intervalLadder[repetitions]
	} else {
		last := lastIntervalDays
		if last <= 0 {
			last = fallbackInterval
		}
		interval = last * newEF
	}
	return SM2Result{EaseFactor: newEF, Repetitions: newReps, IntervalDays: interval}
}
