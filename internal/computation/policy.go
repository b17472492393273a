package computation

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

const (
	DefaultBatchCapacity  = 1
	DefaultBatchThreshold = time.Second
)

// RetryPolicy bounds how often a failing call is repeated in place.
type RetryPolicy struct {
	MaxRetries    int
	Delay         time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NoRetry fails on the first error.
var NoRetry = RetryPolicy{}

// Retries returns a policy with a fixed delay.
func Retries(maxRetries int, delay time.Duration) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, Delay: delay}
}

func (p RetryPolicy) backoff() func(time.Duration, int) time.Duration {
	if p.BackoffFactor <= 1 {
		return nil
	}
	return func(delay time.Duration, _ int) time.Duration {
		return time.Duration(float64(delay) * p.BackoffFactor)
	}
}

// Call runs fn until it succeeds or the policy gives up, and returns the last
// error of fn. ctx interrupts the waits between attempts.
func (p RetryPolicy) Call(ctx context.Context, clk clock.Clock, notify func(err error, attempt int), fn func() error) error {
	if clk == nil {
		clk = clock.WallClock
	}
	delay := p.Delay
	if delay <= 0 {
		delay = time.Millisecond
	}
	err := retry.Call(retry.CallArgs{
		Func:        fn,
		NotifyFunc:  notify,
		Attempts:    p.MaxRetries + 1,
		Delay:       delay,
		MaxDelay:    p.MaxDelay,
		BackoffFunc: p.backoff(),
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsRetryStopped(err) && ctx.Err() != nil {
		return ctx.Err()
	}
	return retry.LastError(err)
}

// Policy controls batching and failure handling of a computation.
type Policy struct {
	BatchCapacity  int
	BatchThreshold time.Duration
	Retry          RetryPolicy
	// ContinueOnFailure skips a record or batch once retries are exhausted.
	ContinueOnFailure bool
	// SkipFirstFailures skips that many exhausted failures before the policy
	// falls back to ContinueOnFailure.
	SkipFirstFailures int
}

// DefaultPolicy processes records one by one and stops on the first failure.
var DefaultPolicy = Policy{BatchCapacity: DefaultBatchCapacity, BatchThreshold: DefaultBatchThreshold}

// Skip reports whether the n-th exhausted failure (1-based) is skipped.
func (p Policy) Skip(n int) bool {
	return p.ContinueOnFailure || n <= p.SkipFirstFailures
}

func (p Policy) String() string {
	return fmt.Sprintf("Policy{batch=%d/%s, retries=%d, continue=%t, skipFirst=%d}",
		p.BatchCapacity, p.BatchThreshold, p.Retry.MaxRetries, p.ContinueOnFailure, p.SkipFirstFailures)
}

// PolicyBuilder assembles a Policy starting from DefaultPolicy.
type PolicyBuilder struct {
	p Policy
}

func NewPolicyBuilder() *PolicyBuilder { return &PolicyBuilder{p: DefaultPolicy} }

// Batch sets the capacity and the time threshold of a batch.
func (b *PolicyBuilder) Batch(capacity int, threshold time.Duration) *PolicyBuilder {
	b.p.BatchCapacity, b.p.BatchThreshold = capacity, threshold
	return b
}

func (b *PolicyBuilder) Retry(r RetryPolicy) *PolicyBuilder {
	b.p.Retry = r
	return b
}

func (b *PolicyBuilder) ContinueOnFailure(v bool) *PolicyBuilder {
	b.p.ContinueOnFailure = v
	return b
}

func (b *PolicyBuilder) SkipFirstFailures(n int) *PolicyBuilder {
	b.p.SkipFirstFailures = n
	return b
}

// Build validates and returns the policy.
func (b *PolicyBuilder) Build() (Policy, error) {
	p := b.p
	switch {
	case p.BatchCapacity < 1:
		return Policy{}, errors.NotValidf("batch capacity %d", p.BatchCapacity)
	case p.BatchThreshold <= 0:
		return Policy{}, errors.NotValidf("batch threshold %s", p.BatchThreshold)
	case p.Retry.MaxRetries < 0:
		return Policy{}, errors.NotValidf("max retries %d", p.Retry.MaxRetries)
	case p.SkipFirstFailures < 0:
		return Policy{}, errors.NotValidf("skip first failures %d", p.SkipFirstFailures)
	}
	return p, nil
}

// MustBuild is Build that panics, for literals.
func (b *PolicyBuilder) MustBuild() Policy {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}
