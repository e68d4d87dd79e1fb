package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/loomworks/loom/dsl"
)

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  dsl.OnErrorPolicy
		attempt int
		want    time.Duration
	}{
		{
			name:    "constant",
			policy:  dsl.OnErrorPolicy{Backoff: dsl.BackoffConstant, InitialDelay: 2},
			attempt: 3,
			want:    2 * time.Second,
		},
		{
			name:    "linear scales with attempt",
			policy:  dsl.OnErrorPolicy{Backoff: dsl.BackoffLinear, InitialDelay: 1.5},
			attempt: 4,
			want:    6 * time.Second,
		},
		{
			name:    "exponential first attempt is the initial delay",
			policy:  dsl.OnErrorPolicy{Backoff: dsl.BackoffExponential, InitialDelay: 1, Multiplier: 2},
			attempt: 1,
			want:    time.Second,
		},
		{
			name:    "exponential doubles per attempt",
			policy:  dsl.OnErrorPolicy{Backoff: dsl.BackoffExponential, InitialDelay: 1, Multiplier: 2},
			attempt: 3,
			want:    4 * time.Second,
		},
		{
			name:    "max delay clamps",
			policy:  dsl.OnErrorPolicy{Backoff: dsl.BackoffExponential, InitialDelay: 1, Multiplier: 10, MaxDelay: 5},
			attempt: 4,
			want:    5 * time.Second,
		},
		{
			name:    "zero initial delay",
			policy:  dsl.OnErrorPolicy{Backoff: dsl.BackoffExponential, InitialDelay: 0, Multiplier: 2},
			attempt: 2,
			want:    0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeBackoff(&tt.policy, tt.attempt, nil)
			if got != tt.want {
				t.Fatalf("computeBackoff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeBackoffJitterStaysInBand(t *testing.T) {
	policy := &dsl.OnErrorPolicy{
		Backoff:      dsl.BackoffConstant,
		InitialDelay: 10,
		Jitter:       0.2,
	}
	rng := rand.New(rand.NewSource(42))
	lo, hi := 8*time.Second, 12*time.Second
	for i := 0; i < 200; i++ {
		d := computeBackoff(policy, 1, rng)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestComputeBackoffNilPolicy(t *testing.T) {
	if d := computeBackoff(nil, 1, nil); d != 0 {
		t.Fatalf("nil policy delay = %v, want 0", d)
	}
	if d := computeBackoff(&dsl.OnErrorPolicy{InitialDelay: 1}, 0, nil); d != 0 {
		t.Fatalf("attempt 0 delay = %v, want 0", d)
	}
}
