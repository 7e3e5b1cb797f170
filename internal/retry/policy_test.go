package retry

import (
	"testing"
	"time"
)

func TestPolicy_Delay(t *testing.T) {
	policy := Policy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     32 * time.Second,
		MaxAttempts:  5,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 32 * time.Second},
		{10, 32 * time.Second},
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			got := policy.Delay(tt.attempt)
			if got != tt.expected {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestPolicy_Delay_CapsAtMaxDelay(t *testing.T) {
	policy := Policy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
	}

	// attempt 6 would be 32s, but should cap at 30s
	got := policy.Delay(6)
	if got != 30*time.Second {
		t.Errorf("Delay(6) = %v, want %v (capped)", got, 30*time.Second)
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	policy := Policy{MaxAttempts: 5}

	if policy.Exhausted(4) {
		t.Error("Exhausted(4) = true, want false")
	}
	if !policy.Exhausted(5) {
		t.Error("Exhausted(5) = false, want true")
	}
	if !policy.Exhausted(6) {
		t.Error("Exhausted(6) = false, want true")
	}
}

func TestPolicy_NextAttemptTime(t *testing.T) {
	policy := Policy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     32 * time.Second,
		MaxAttempts:  5,
	}

	now := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
	got := policy.NextAttemptTime(now, 2)
	expected := now.Add(2 * time.Second)

	if !got.Equal(expected) {
		t.Errorf("NextAttemptTime() = %v, want %v", got, expected)
	}
}

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()

	if policy.InitialDelay != 1*time.Second {
		t.Errorf("InitialDelay = %v, want 1s", policy.InitialDelay)
	}
	if policy.MaxDelay != 32*time.Second {
		t.Errorf("MaxDelay = %v, want 32s", policy.MaxDelay)
	}
	if policy.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %v, want 5", policy.MaxAttempts)
	}
}
