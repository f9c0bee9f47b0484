package chunker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pyropy/netchunk/internal/hashutil"
	"github.com/pyropy/netchunk/internal/ncerrors"
)

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "input.bin")

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestChunkerSplitsDenseSequence(t *testing.T) {
	path := writeTempFile(t, 10*1024*1024)

	ck, err := Open(path, 4*1024*1024)
	require.NoError(t, err)
	defer ck.Close()

	require.Equal(t, 3, ck.ChunkCount())

	var sizes []int64
	var reassembled []byte
	for {
		c, err := ck.Next()
		if err == ErrEndOfSequence {
			break
		}
		require.NoError(t, err)
		require.True(t, hashutil.Verify(c.Payload, c.Hash))
		sizes = append(sizes, int64(len(c.Payload)))
		reassembled = append(reassembled, c.Payload...)
	}

	require.Equal(t, []int64{4194304, 4194304, 2097152}, sizes)
	require.Equal(t, ck.FileHash(), hashutil.Sum(reassembled))
}

func TestChunkerRejectsEmptyFile(t *testing.T) {
	path := writeTempFile(t, 0)

	_, err := Open(path, 4*1024*1024)
	require.Error(t, err)
	require.Equal(t, ncerrors.InvalidArgument, ncerrors.KindOf(err))
}

func TestChunkerRejectsZeroChunkSize(t *testing.T) {
	path := writeTempFile(t, 128)

	_, err := Open(path, 0)
	require.Error(t, err)
	require.Equal(t, ncerrors.InvalidArgument, ncerrors.KindOf(err))
}

func TestChunkIDsAreDensePerFile(t *testing.T) {
	path := writeTempFile(t, 3*1024*1024)

	ck, err := Open(path, 1024*1024)
	require.NoError(t, err)
	defer ck.Close()

	seen := map[string]bool{}
	seq := 0
	for {
		c, err := ck.Next()
		if err == ErrEndOfSequence {
			break
		}
		require.NoError(t, err)
		require.Equal(t, seq, c.Sequence)
		require.False(t, seen[c.ID], "chunk id must be unique within a file")
		seen[c.ID] = true
		seq++
	}
	require.Equal(t, 3, seq)
}
