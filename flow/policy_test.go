package flow

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"single attempt", RetryPolicy{MaxAttempts: 1}, false},
		{"with backoff", RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, true},
		{"negative attempts", RetryPolicy{MaxAttempts: -1}, true},
		{"max below base", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 100 * time.Millisecond}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Fatalf("Validate() = %v, want ErrInvalidRetryPolicy", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestComputeBackoffGrowsAndCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(42)) // #nosec G404 -- deterministic test
	base := 100 * time.Millisecond
	maxDelay := time.Second

	prevFloor := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		got := computeBackoff(attempt, base, maxDelay, rng)
		floor := base * (1 << attempt)
		if floor > maxDelay {
			floor = maxDelay
		}
		if got < floor || got >= floor+base {
			t.Errorf("attempt %d: backoff %v outside [%v, %v)", attempt, got, floor, floor+base)
		}
		if floor < prevFloor {
			t.Errorf("attempt %d: floor decreased", attempt)
		}
		prevFloor = floor
	}

	// Far past the cap, the delay stays bounded.
	got := computeBackoff(50, base, maxDelay, rng)
	if got >= maxDelay+base {
		t.Errorf("capped backoff = %v, want < %v", got, maxDelay+base)
	}
}

func TestComputeBackoffZeroBase(t *testing.T) {
	if got := computeBackoff(3, 0, time.Second, nil); got != 0 {
		t.Fatalf("backoff with zero base = %v, want 0", got)
	}
}
