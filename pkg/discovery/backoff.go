package discovery

import (
	"math/rand"
	"time"
)

// Backoff computes the exponential-backoff-with-jitter delay for the nth
// retry (0-based) of a bus-busy/locked condition: base 50ms, doubling per
// attempt, capped at 500ms, ±20% jitter. Standalone so pkg/register can
// reuse the same jitter shape for PDU retries against a "busy" (as opposed
// to hard timeout) driver response.
func Backoff(attempt int) time.Duration {
	const (
		base = 50 * time.Millisecond
		cap  = 500 * time.Millisecond
	)
	delay := base << uint(attempt)
	if delay > cap || delay <= 0 {
		delay = cap
	}
	jitter := float64(delay) * (0.8 + 0.4*rand.Float64()) // ±20%
	return time.Duration(jitter)
}

// MaxDiscoveryAttempts bounds the number of bus-busy retries before
// discovery gives up.
const MaxDiscoveryAttempts = 5
