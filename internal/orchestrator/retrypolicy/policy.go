// Package retrypolicy decides whether a failed task attempt is retried
// and computes the delay before the next attempt.
package retrypolicy

import (
	"math/rand"
	"time"

	"github.com/gunaso/gunaso/internal/common/errs"
)

// Policy bounds retries for one task kind.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// RetryOn lists the error kinds that trigger a retry. Nil means any
	// transient kind (the Default kind's policy); input and integrity
	// errors are never retried regardless.
	RetryOn []string
}

// retryable reports whether the policy retries the given error kind.
// A specific kind's RetryOn wins over Default's any.
func (p Policy) retryable(errKind string) bool {
	if p.RetryOn == nil {
		return errs.Retryable(errKind) || errKind == errs.KindUnknown
	}
	for _, k := range p.RetryOn {
		if k == errKind {
			return true
		}
	}
	return false
}

// Decision is the outcome of classifying a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide returns whether attempt (0-based) should be retried under p,
// and the backoff delay: min(initial*backoff^attempt, max) + U(0, 0.1*delay).
func Decide(p Policy, errKind string, attempt int) Decision {
	if !p.retryable(errKind) || attempt >= p.MaxRetries {
		return Decision{}
	}

	delay := p.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.BackoffFactor)
		if delay >= p.MaxDelay {
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	// Jitter spreads synchronized retries across workers.
	jitter := time.Duration(rand.Float64() * 0.1 * float64(delay))
	return Decision{Retry: true, Delay: delay + jitter}
}
