package ftptransport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pyropy/netchunk/internal/ncerrors"
	"github.com/pyropy/netchunk/internal/retry"
)

func TestClassifyAuthFailureIsNotRetryable(t *testing.T) {
	err := classify("ftp.login", errors.New("530 Login incorrect"))
	require.Equal(t, ncerrors.AuthFailure, ncerrors.KindOf(err))
	require.False(t, retry.Retryable(err))
}

func TestClassifyStorageFullIsNotRetryable(t *testing.T) {
	err := classify("ftp.upload", errors.New("552 Disk quota exceeded"))
	require.Equal(t, ncerrors.StorageFull, ncerrors.KindOf(err))
	require.False(t, retry.Retryable(err))
}

func TestClassifyNotFound(t *testing.T) {
	err := classify("ftp.download", errors.New("550 No such file or directory"))
	require.Equal(t, ncerrors.FileNotFound, ncerrors.KindOf(err))
}

func TestClassifyTransientErrorsRemainRetryable(t *testing.T) {
	err := classify("ftp.dial", errors.New("dial tcp: i/o timeout"))
	require.Equal(t, ncerrors.Timeout, ncerrors.KindOf(err))
	require.True(t, retry.Retryable(err))

	err = classify("ftp.dial", errors.New("connection refused"))
	require.Equal(t, ncerrors.Network, ncerrors.KindOf(err))
	require.True(t, retry.Retryable(err))
}
