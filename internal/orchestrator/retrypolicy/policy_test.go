package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gunaso/gunaso/internal/common/errs"
)

var llmPolicy = Policy{
	MaxRetries:    3,
	InitialDelay:  2 * time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2,
	RetryOn:       []string{errs.KindConnection, errs.KindTimeout, errs.KindRateLimit},
}

func TestDecide_RetriesListedKinds(t *testing.T) {
	for _, kind := range llmPolicy.RetryOn {
		d := Decide(llmPolicy, kind, 0)
		assert.True(t, d.Retry, kind)
	}
}

func TestDecide_IgnoresUnlistedKinds(t *testing.T) {
	for _, kind := range []string{errs.KindInput, errs.KindIntegrity, errs.KindUnknown, errs.KindIO} {
		d := Decide(llmPolicy, kind, 0)
		assert.False(t, d.Retry, kind)
		assert.Zero(t, d.Delay)
	}
}

func TestDecide_ExhaustsAtMaxRetries(t *testing.T) {
	assert.True(t, Decide(llmPolicy, errs.KindConnection, 2).Retry)
	assert.False(t, Decide(llmPolicy, errs.KindConnection, 3).Retry)
	assert.False(t, Decide(llmPolicy, errs.KindConnection, 10).Retry)
}

func TestDecide_ExponentialBackoffWithJitter(t *testing.T) {
	// Delay for attempt n is initial*factor^n plus up to 10% jitter.
	for attempt, base := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		d := Decide(llmPolicy, errs.KindTimeout, attempt)
		assert.True(t, d.Retry)
		assert.GreaterOrEqual(t, d.Delay, base, "attempt %d", attempt)
		assert.LessOrEqual(t, d.Delay, base+base/10, "attempt %d", attempt)
	}
}

func TestDecide_DelayCappedAtMax(t *testing.T) {
	p := Policy{
		MaxRetries:    10,
		InitialDelay:  2 * time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2,
		RetryOn:       []string{errs.KindConnection},
	}
	d := Decide(p, errs.KindConnection, 9)
	assert.True(t, d.Retry)
	assert.GreaterOrEqual(t, d.Delay, 5*time.Second)
	assert.LessOrEqual(t, d.Delay, 5*time.Second+500*time.Millisecond)
}

func TestDecide_NilRetryOnMeansAnyTransient(t *testing.T) {
	p := Policy{
		MaxRetries:    2,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}

	for _, kind := range []string{errs.KindConnection, errs.KindTimeout, errs.KindRateLimit, errs.KindIO, errs.KindFileNotFound, errs.KindDeadlock} {
		assert.True(t, Decide(p, kind, 0).Retry, kind)
	}
	// Unknown failures are retried under the catch-all policy; malformed
	// input never is.
	assert.True(t, Decide(p, errs.KindUnknown, 0).Retry)
	assert.False(t, Decide(p, errs.KindInput, 0).Retry)
	assert.False(t, Decide(p, errs.KindIntegrity, 0).Retry)
}
