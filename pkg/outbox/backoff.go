package outbox

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// BackoffPolicy bounds the retry schedule. Delay grows exponentially with
// the retry count up to MaxDelay, plus deterministic jitter so replays of
// the same entry compute the same schedule.
type BackoffPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
}

// DefaultBackoffPolicy is the reference dispatch policy: 2s base, 5m cap.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay: 2 * time.Second,
		MaxDelay:  5 * time.Minute,
		MaxJitter: time.Second,
	}
}

// Delay computes the wait before the given attempt (0-based retryCount).
// Monotonically non-decreasing in retryCount until the cap.
func (p BackoffPolicy) Delay(entryID string, retryCount int) time.Duration {
	factor := int64(1)
	if retryCount > 0 {
		if retryCount > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << retryCount
		}
	}

	delay := time.Duration(factor) * p.BaseDelay
	if delay > p.MaxDelay || delay < 0 {
		delay = p.MaxDelay
	}
	return delay + p.jitter(entryID, retryCount)
}

// jitter derives a stable offset from the entry identity and attempt index.
func (p BackoffPolicy) jitter(entryID string, retryCount int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", entryID, retryCount)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}

// RetryAfterError wraps a publish failure where the transport signalled an
// explicit retry delay (e.g. HTTP Retry-After). The dispatcher honours the
// delay in place of the computed backoff for that attempt.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// retryAfterOf extracts an explicit transport delay from err, if any.
func retryAfterOf(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.After, true
	}
	return 0, false
}
