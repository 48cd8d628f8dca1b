package gpuerr

import (
	"context"
	"time"
)

// RetryPolicy bounds the local recovery attempted by a Retrier.
type RetryPolicy struct {
	// MaxAttempts caps the total attempts, the first one included, for
	// Timeout and transient driver errors.
	MaxAttempts int
	// Backoff is the initial delay between attempts; it doubles per retry.
	Backoff time.Duration
}

// DefaultRetryPolicy matches the runtime defaults: three attempts with a
// 50ms initial backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 50 * time.Millisecond}
}

// Trimmer is the slice of a memory pool the retrier needs: a way to release
// retained buffers before retrying an allocation.
type Trimmer interface {
	Trim()
}

// Retrier is the single place in the runtime that observes retryable errors
// and possibly consumes them. All other layers return errors unchanged.
type Retrier struct {
	policy RetryPolicy
	logger *Logger
	pool   Trimmer
}

// NewRetrier builds a retry dispatcher. pool may be nil when no memory pool
// is attached; OutOfMemory then surfaces after a single attempt.
func NewRetrier(policy RetryPolicy, logger *Logger, pool Trimmer) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if policy.Backoff <= 0 {
		policy.Backoff = DefaultRetryPolicy().Backoff
	}
	if logger == nil {
		logger = NewLogger(nil)
	}
	return &Retrier{policy: policy, logger: logger, pool: pool}
}

// Do runs op, applying the recovery rules:
//
//   - OutOfMemory: trim the pool once and retry once.
//   - Timeout: retry up to MaxAttempts with doubling backoff.
//   - DriverError marked transient: same as Timeout.
//   - Everything else surfaces unchanged on the first failure.
func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	var trimmed bool
	backoff := r.policy.Backoff

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		r.logger.Report(err, op, attempt)

		switch KindOf(err) {
		case KindOutOfMemory:
			if trimmed || r.pool == nil {
				return err
			}
			trimmed = true
			r.pool.Trim()
			continue
		case KindTimeout:
		case KindDriverError:
			if !IsRetryable(err) {
				return err
			}
		default:
			return err
		}

		if attempt >= r.policy.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return Wrap(KindCancelled, op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
