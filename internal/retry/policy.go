// Package retry provides the backoff policy for failed delivery attempts.
package retry

import (
	"math"
	"time"
)

type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     32 * time.Second,
		MaxAttempts:  5,
	}
}

// Delay returns the backoff before the given retry: InitialDelay doubled
// per attempt, capped at MaxDelay. Attempt numbering starts at 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	return time.Duration(delay)
}

// Exhausted reports whether the given retry count has consumed the budget.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxAttempts
}

func (p Policy) NextAttemptTime(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
