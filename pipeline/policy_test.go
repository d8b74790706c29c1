package pipeline

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{
			name:   "valid minimal",
			policy: RetryPolicy{MaxAttempts: 1},
		},
		{
			name:   "valid with delays",
			policy: RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second},
		},
		{
			name:    "zero attempts",
			policy:  RetryPolicy{MaxAttempts: 0},
			wantErr: true,
		},
		{
			name:    "negative attempts",
			policy:  RetryPolicy{MaxAttempts: -1},
			wantErr: true,
		},
		{
			name:    "max delay below base delay",
			policy:  RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 100 * time.Millisecond},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Errorf("expected ErrInvalidRetryPolicy, got: %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := time.Second
	rng := rand.New(rand.NewSource(42))

	// Exponential growth capped at maxDelay; jitter adds up to base.
	for attempt := 0; attempt < 8; attempt++ {
		delay := computeBackoff(attempt, base, maxDelay, rng)

		exponential := base * (1 << attempt)
		if exponential > maxDelay {
			exponential = maxDelay
		}
		if delay < exponential {
			t.Errorf("attempt %d: delay %v below exponential floor %v", attempt, delay, exponential)
		}
		if delay >= exponential+base {
			t.Errorf("attempt %d: delay %v exceeds floor %v + jitter bound %v", attempt, delay, exponential, base)
		}
	}

	// Zero base means no delay.
	if delay := computeBackoff(3, 0, maxDelay, rng); delay != 0 {
		t.Errorf("expected 0 delay for zero base, got %v", delay)
	}

	// No cap when maxDelay is zero.
	uncapped := computeBackoff(5, base, 0, rng)
	if uncapped < base*(1<<5) {
		t.Errorf("uncapped delay %v below exponential value %v", uncapped, base*(1<<5))
	}
}

func TestStageTimeoutPrecedence(t *testing.T) {
	defaultTimeout := 30 * time.Second

	// Per-stage timeout overrides the default.
	policy := &StagePolicy{Timeout: 5 * time.Second}
	if got := stageTimeout(policy, defaultTimeout); got != 5*time.Second {
		t.Errorf("expected policy timeout 5s, got %v", got)
	}

	// No policy timeout falls back to the default.
	if got := stageTimeout(&StagePolicy{}, defaultTimeout); got != defaultTimeout {
		t.Errorf("expected default timeout %v, got %v", defaultTimeout, got)
	}
	if got := stageTimeout(nil, defaultTimeout); got != defaultTimeout {
		t.Errorf("expected default timeout for nil policy, got %v", got)
	}

	// No timeouts anywhere means unlimited.
	if got := stageTimeout(nil, 0); got != 0 {
		t.Errorf("expected 0 (unlimited), got %v", got)
	}
}
