package ranking

import (
	"math"
	"time"

	"github.com/devrev/engagement/internal/model"
)

// Score computes the popularity of an entity:
//
//	engagement(counts) * 0.5^(age/halfLife)
//
// Future creation times are treated as age zero.
func Score(w model.Weights, counts model.Counts, age, halfLife time.Duration) float64 {
	engagement := w.Engagement(counts)
	if engagement <= 0 {
		return 0
	}
	if age < 0 || halfLife <= 0 {
		age = 0
	}
	if age == 0 {
		return engagement
	}
	return engagement * math.Pow(0.5, float64(age)/float64(halfLife))
}

// DecayFactor is the multiplier applied per decay tick so that repeated
// ticks realize the configured half-life
func DecayFactor(interval, halfLife time.Duration) float64 {
	if interval <= 0 || halfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(interval)/float64(halfLife))
}
