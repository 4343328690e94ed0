package sync

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy controls retry pacing for failed connector fetches.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoff is tuned for external evidence APIs: quick first retry,
// capped at 30s.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{BaseMs: 500, MaxMs: 30_000, MaxJitterMs: 250, MaxAttempts: 5}
}

// backoffDelay returns the delay before the given attempt. Jitter is a PRF
// of the job ID and attempt index rather than a random draw, so a replayed
// job produces the identical schedule.
func backoffDelay(jobID string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+deterministicJitter(jobID, attempt, policy)) * time.Millisecond
}

func deterministicJitter(jobID string, attempt int, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs == 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", jobID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is always positive
}
