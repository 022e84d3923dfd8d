package education

import (
	"testing"

	"butlerd/internal/domain"
)

func TestMasteryScore(t *testing.T) {
	tests := []struct {
		name      string
		qualities []int // oldest to newest
		want      float64
	}{
		{"empty", nil, 0},
		{"single perfect", []int{5}, 1.0},
		{"single zero", []int{0}, 0},
		{"single middling", []int{3}, 0.6},
		{"five perfect", []int{5, 5, 5, 5, 5}, 1.0},
		// weights 1,2,4,8,16; (0*1+0*2+0*4+0*8+5*16)/(31*5)
		{"recent answer dominates", []int{0, 0, 0, 0, 5}, 80.0 / 155.0},
		// older than five are dropped
		{"window truncates", []int{0, 0, 5, 5, 5, 5, 5}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MasteryScore(tt.qualities)
			if !almostEqual(got, tt.want) {
				t.Errorf("MasteryScore(%v) = %v, want %v", tt.qualities, got, tt.want)
			}
		})
	}
}

func TestMasteryScoreMonotonic(t *testing.T) {
	// A stream of q=5 responses never decreases the score; q=0 never
	// increases it.
	up := []int{2}
	prev := MasteryScore(up)
	for i := 0; i < 8; i++ {
		up = append(up, 5)
		got := MasteryScore(up)
		if got < prev {
			t.Fatalf("score decreased from %v to %v on q=5 stream", prev, got)
		}
		prev = got
	}

	down := []int{4}
	prev = MasteryScore(down)
	for i := 0; i < 8; i++ {
		down = append(down, 0)
		got := MasteryScore(down)
		if got > prev {
			t.Fatalf("score increased from %v to %v on q=0 stream", prev, got)
		}
		prev = got
	}
}

func TestNextMasteryStatus(t *testing.T) {
	tests := []struct {
		name         string
		current      domain.MasteryStatus
		responseType string
		quality      int
		score        float64
		streak       []int
		want         domain.MasteryStatus
	}{
		{"unseen diagnostic", domain.MasteryUnseen, domain.ResponseDiagnostic, 4, 0.5, nil, domain.MasteryDiagnosed},
		{"unseen teach", domain.MasteryUnseen, domain.ResponseTeach, 4, 0.5, nil, domain.MasteryLearning},
		{"unseen review unchanged", domain.MasteryUnseen, domain.ResponseReview, 4, 0.5, nil, domain.MasteryUnseen},
		{"diagnosed teach", domain.MasteryDiagnosed, domain.ResponseTeach, 4, 0.5, nil, domain.MasteryLearning},
		{"diagnosed low quality", domain.MasteryDiagnosed, domain.ResponseDiagnostic, 2, 0.3, nil, domain.MasteryLearning},
		{"diagnosed good diagnostic unchanged", domain.MasteryDiagnosed, domain.ResponseDiagnostic, 4, 0.6, nil, domain.MasteryDiagnosed},
		{"learning passes", domain.MasteryLearning, domain.ResponseReview, 3, 0.5, nil, domain.MasteryReviewing},
		{"learning fails", domain.MasteryLearning, domain.ResponseReview, 2, 0.2, nil, domain.MasteryLearning},
		{"reviewing fails", domain.MasteryReviewing, domain.ResponseReview, 2, 0.9, []int{2, 5, 5}, domain.MasteryLearning},
		{"reviewing graduates", domain.MasteryReviewing, domain.ResponseReview, 5, 0.9, []int{5, 4, 5}, domain.MasteryMastered},
		{"reviewing score too low", domain.MasteryReviewing, domain.ResponseReview, 5, 0.8, []int{5, 5, 5}, domain.MasteryReviewing},
		{"reviewing streak too short", domain.MasteryReviewing, domain.ResponseReview, 5, 0.9, []int{5, 5}, domain.MasteryReviewing},
		{"reviewing streak has weak answer", domain.MasteryReviewing, domain.ResponseReview, 5, 0.9, []int{5, 3, 5}, domain.MasteryReviewing},
		{"mastered terminal", domain.MasteryMastered, domain.ResponseReview, 0, 0, nil, domain.MasteryMastered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextMasteryStatus(tt.current, tt.responseType, tt.quality, tt.score, tt.streak)
			if got != tt.want {
				t.Errorf("NextMasteryStatus = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReviewRegression(t *testing.T) {
	tests := []struct {
		current domain.MasteryStatus
		quality int
		want    domain.MasteryStatus
	}{
		{domain.MasteryReviewing, 2, domain.MasteryLearning},
		{domain.MasteryMastered, 1, domain.MasteryReviewing},
		{domain.MasteryLearning, 0, domain.MasteryLearning},
		{domain.MasteryReviewing, 4, domain.MasteryReviewing},
		{domain.MasteryMastered, 5, domain.MasteryMastered},
	}
	for _, tt := range tests {
		got := ReviewRegression(tt.current, tt.quality)
		if got != tt.want {
			t.Errorf("ReviewRegression(%s, %d) = %s, want %s", tt.current, tt.quality, got, tt.want)
		}
	}
}
