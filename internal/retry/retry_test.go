package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pyropy/netchunk/internal/ncerrors"
)

func TestRetryableClassification(t *testing.T) {
	require.True(t, Retryable(ncerrors.New(ncerrors.Network, "op", "x")))
	require.True(t, Retryable(ncerrors.New(ncerrors.Ftp, "op", "x")))
	require.True(t, Retryable(ncerrors.New(ncerrors.ServerUnavailable, "op", "x")))
	require.True(t, Retryable(ncerrors.New(ncerrors.Timeout, "op", "x")))

	require.False(t, Retryable(ncerrors.New(ncerrors.FileAccess, "op", "x")))
	require.False(t, Retryable(ncerrors.New(ncerrors.FileNotFound, "op", "x")))
	require.False(t, Retryable(ncerrors.New(ncerrors.ChunkIntegrity, "op", "x")))
	require.False(t, Retryable(ncerrors.New(ncerrors.Cancelled, "op", "x")))
	require.False(t, Retryable(ncerrors.New(ncerrors.AuthFailure, "op", "x")))
	require.False(t, Retryable(ncerrors.New(ncerrors.StorageFull, "op", "x")))
	require.False(t, Retryable(errors.New("plain error")))
}

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	res, err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond}, "op", func(attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 0, res.Retries)
}

func TestDoRetriesRetryableErrorsThenSucceeds(t *testing.T) {
	calls := 0
	res, err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond}, "op", func(attempt int) error {
		calls++
		if attempt < 3 {
			return ncerrors.New(ncerrors.Network, "op", "transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, res.Retries)
}

func TestDoStopsImmediatelyOnNonRetryableError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{Attempts: 5, BaseDelay: time.Millisecond}, "op", func(attempt int) error {
		calls++
		return ncerrors.New(ncerrors.FileAccess, "op", "denied")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, ncerrors.FileAccess, ncerrors.KindOf(err))
}

func TestDoExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	res, err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond}, "op", func(attempt int) error {
		calls++
		return ncerrors.New(ncerrors.Timeout, "op", "still down")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, ncerrors.Timeout, ncerrors.KindOf(err))
}

func TestDoRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, Policy{Attempts: 3, BaseDelay: time.Millisecond}, "op", func(attempt int) error {
		calls++
		return nil
	})
	require.Error(t, err)
	require.Equal(t, 0, calls)
	require.Equal(t, ncerrors.Cancelled, ncerrors.KindOf(err))
}

func TestClassifyNetErrDistinguishesTimeout(t *testing.T) {
	err := ClassifyNetErr("op", timeoutErr{})
	require.Equal(t, ncerrors.Timeout, ncerrors.KindOf(err))

	err = ClassifyNetErr("op", errors.New("connection refused"))
	require.Equal(t, ncerrors.Network, ncerrors.KindOf(err))

	require.NoError(t, ClassifyNetErr("op", nil))
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }
