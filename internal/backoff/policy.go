// Package backoff provides the exponential backoff math shared by the
// task scheduler retry path and transient-error retries elsewhere.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff parameters. Durations are carried in
// milliseconds to match the configuration surface.
type Policy struct {
	// InitialMs is the delay before the first retry.
	InitialMs float64
	// MaxMs caps the computed delay.
	MaxMs float64
	// Factor multiplies the delay per attempt.
	Factor float64
	// Jitter in [0,1] adds up to that fraction of the base delay.
	Jitter float64
}

// Default is the policy used for transient-error retries: 100ms initial,
// 30s cap, doubling, 10% jitter.
func Default() Policy {
	return Policy{InitialMs: 100, MaxMs: 30_000, Factor: 2, Jitter: 0.1}
}

// Compute returns the delay for attempt (1-indexed):
// min(maxMs, initialMs * factor^(attempt-1)) plus a jitter share.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

// ComputeWithRand is Compute with the random draw supplied by the caller,
// for deterministic tests. randomValue is in [0,1).
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitter)
	return time.Duration(math.Round(total)) * time.Millisecond
}
