package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted marks a call that never completed within the policy bounds.
var ErrExhausted = errors.New("retry budget exhausted")

type exhaustedError struct{ last error }

func (e *exhaustedError) Error() string        { return ErrExhausted.Error() + ": " + e.last.Error() }
func (e *exhaustedError) Unwrap() []error      { return []error{ErrExhausted, e.last} }
func (e *exhaustedError) Is(target error) bool { return target == ErrExhausted }

// Policy bounds every remote call: each attempt gets CallTimeout, and
// retries stop after MaxElapsed or MaxAttempts, whichever comes first.
type Policy struct {
	CallTimeout     time.Duration
	MaxElapsed      time.Duration
	MaxAttempts     uint64
	InitialInterval time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		CallTimeout:     3 * time.Second,
		MaxElapsed:      10 * time.Second,
		MaxAttempts:     4,
		InitialInterval: 100 * time.Millisecond,
	}
}

// Once runs fn a single time under the call timeout. Use it for non-idempotent writes.
func (p Policy) Once(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// Do runs fn until it succeeds, permanent(err) is true, or the budget runs out.
// Permanent errors are returned as is; anything else left over is wrapped in ErrExhausted.
func (p Policy) Do(ctx context.Context, permanent func(error) bool, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	b.MaxElapsedTime = p.MaxElapsed

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, p.MaxAttempts-1)
	}
	bo = backoff.WithContext(bo, ctx)

	var permErr error
	op := func() error {
		cctx := ctx
		if p.CallTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, p.CallTimeout)
			defer cancel()
		}
		err := fn(cctx)
		if err == nil {
			return nil
		}
		if permanent != nil && permanent(err) {
			permErr = err
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, bo)
	switch {
	case err == nil:
		return nil
	case permErr != nil:
		return permErr
	default:
		return &exhaustedError{last: err}
	}
}
