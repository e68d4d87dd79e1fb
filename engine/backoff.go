package engine

import (
	"math"
	"math/rand"
	"time"

	"github.com/loomworks/loom/dsl"
)

// computeBackoff returns the delay before retrying attempt (1-based, the
// attempt that just failed). The base delay follows the policy's strategy,
// clamps into [0, max_delay], and then spreads by a jitter factor drawn
// from rng so synchronized retries across workers fan out instead of
// stampeding. Policy times are seconds.
func computeBackoff(p *dsl.OnErrorPolicy, attempt int, rng *rand.Rand) time.Duration {
	if p == nil || attempt < 1 {
		return 0
	}
	base := p.InitialDelay
	switch p.Backoff {
	case dsl.BackoffLinear:
		base *= float64(attempt)
	case dsl.BackoffExponential:
		base *= math.Pow(p.Multiplier, float64(attempt-1))
	}
	if p.MaxDelay > 0 && base > p.MaxDelay {
		base = p.MaxDelay
	}
	if base < 0 {
		base = 0
	}
	if p.Jitter > 0 && rng != nil {
		spread := (rng.Float64()*2 - 1) * p.Jitter
		base *= 1 + spread
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base * float64(time.Second))
}
