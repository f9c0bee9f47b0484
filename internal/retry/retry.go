// Package retry implements the bounded retry policy and transport error
// classification used across every FTP operation.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/pyropy/netchunk/internal/ncerrors"
)

// Policy configures the retry loop.
type Policy struct {
	Attempts  int           // default 3
	BaseDelay time.Duration // default 1s, linear backoff: BaseDelay * attempt
}

// DefaultPolicy is the fallback used when config omits retry tuning.
var DefaultPolicy = Policy{Attempts: 3, BaseDelay: time.Second}

// Retryable reports whether err belongs to a retryable class: connect
// refused, timeout, transient send/recv error, name resolution failure —
// i.e. Network, Ftp, ServerUnavailable or Timeout kinds. Auth failure,
// not-found, access-denied, storage-full, integrity mismatch and
// cancellation are never retried.
func Retryable(err error) bool {
	switch ncerrors.KindOf(err) {
	case ncerrors.Network, ncerrors.Ftp, ncerrors.ServerUnavailable, ncerrors.Timeout:
		return true
	default:
		return false
	}
}

// Result carries bookkeeping the orchestrator surfaces in its statistics.
type Result struct {
	Attempts int
	Retries  int
}

// Do runs fn under the given policy, sleeping BaseDelay*attempt between
// retryable failures. It stops early on a non-retryable error, on
// ncerrors.Cancelled, or when ctx is done.
func Do(ctx context.Context, p Policy, op string, fn func(attempt int) error) (Result, error) {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPolicy.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt - 1, Retries: attempt - 2}, ncerrors.Wrap(ncerrors.Cancelled, op, err)
		}

		err := fn(attempt)
		if err == nil {
			return Result{Attempts: attempt, Retries: attempt - 1}, nil
		}
		lastErr = err

		if ncerrors.Is(err, ncerrors.Cancelled) {
			return Result{Attempts: attempt, Retries: attempt - 1}, err
		}
		if !Retryable(err) {
			return Result{Attempts: attempt, Retries: attempt - 1}, err
		}
		if attempt == p.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return Result{Attempts: attempt, Retries: attempt - 1}, ncerrors.Wrap(ncerrors.Cancelled, op, ctx.Err())
		case <-time.After(p.BaseDelay * time.Duration(attempt)):
		}
	}

	return Result{Attempts: p.Attempts, Retries: p.Attempts - 1}, lastErr
}

// ClassifyNetErr maps a raw transport-level error (dial refused, timeout,
// DNS failure, closed connection mid-transfer) to a retryable Network or
// Timeout ncerrors.Error. Errors that report Timeout() become Timeout;
// every other non-nil error becomes Network.
func ClassifyNetErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ncerrors.Wrap(ncerrors.Timeout, op, err)
	}

	return ncerrors.Wrap(ncerrors.Network, op, err)
}
