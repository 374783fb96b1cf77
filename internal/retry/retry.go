// Package retry runs an operation under a bounded attempt budget, classifying each failure
// as retryable or terminal and sleeping between attempts on a fixed or exponential schedule.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/bigbio/pride_downloader/internal/logctx"
	"github.com/bigbio/pride_downloader/internal/transfer"
)

// Schedule selects how the delay evolves between attempts.
type Schedule int

const (
	// Fixed waits BaseDelay between every attempt. Used for connection recovery.
	Fixed Schedule = iota
	// Exponential doubles the delay after each attempt, starting at BaseDelay.
	Exponential
)

// Class is the verdict of a Classifier.
type Class int

const (
	Retryable Class = iota
	Terminal
)

// Classifier maps a failure to Retryable or Terminal.
type Classifier func(error) Class

// DefaultClassifier treats the transient error class of the transfer package as retryable.
func DefaultClassifier(err error) Class {
	if transfer.IsRetryable(err) {
		return Retryable
	}

	return Terminal
}

// Observer is told about every failed attempt that will be retried, with the delay before
// the next one.
type Observer func(attempt int, err error, delay time.Duration)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // 0 means uncapped
	Schedule    Schedule
}

// FixedPolicy returns a fixed-delay policy.
func FixedPolicy(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: delay, Schedule: Fixed}
}

// ExponentialPolicy returns a doubling policy.
func ExponentialPolicy(attempts int, base time.Duration) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: base, Schedule: Exponential}
}

func (p Policy) backOff() backoff.BackOff {
	if p.Schedule == Fixed {
		return backoff.NewConstantBackOff(p.BaseDelay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay

	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}

	return b
}

type options struct {
	observer Observer
}

// Option configures Do.
type Option func(*options)

// WithObserver registers fn to be called before each sleep.
func WithObserver(fn Observer) Option {
	return func(o *options) {
		o.observer = fn
	}
}

// Do runs op until it succeeds, classify reports a terminal failure, the policy runs out of
// attempts or ctx is done. It returns the number of attempts made and the last error.
func Do(ctx context.Context, policy Policy, classify Classifier, op func(ctx context.Context) error, opts ...Option) (int, error) {
	if classify == nil {
		classify = DefaultClassifier
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	logger := logctx.LoggerFromContext(ctx)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++

		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}

		if classify(err) == Terminal {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.DebugContext(ctx, "retrying after failure", "attempt", attempts, "delay", delay, "err", err)

			if o.observer != nil {
				o.observer(attempts, err, delay)
			}
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}

	return attempts, err
}
