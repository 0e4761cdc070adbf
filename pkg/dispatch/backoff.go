package dispatch

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds exponential backoff between transient retries.
type BackoffPolicy struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// DefaultBackoffPolicy matches the configuration defaults.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:      500 * time.Millisecond,
		Max:       30 * time.Second,
		MaxJitter: 250 * time.Millisecond,
	}
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
// Jitter is derived from the call identity so that a replayed call waits
// the same amount.
func ComputeBackoff(policy BackoffPolicy, seed string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := time.Duration(int64(policy.Base) * factor)
	if delay > policy.Max || delay < 0 {
		delay = policy.Max
	}

	return delay + deterministicJitter(policy, seed, attempt)
}

func deterministicJitter(policy BackoffPolicy, seed string, attempt int) time.Duration {
	if policy.MaxJitter <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(policy.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
