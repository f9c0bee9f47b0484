package hashutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumAndVerify(t *testing.T) {
	data := []byte("distributed storage")
	digest := Sum(data)

	require.Len(t, digest, 64)
	require.True(t, Verify(data, digest))
	require.False(t, Verify([]byte("tampered"), digest))
}

func TestSumFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	digest, size, err := SumFile(path)
	require.NoError(t, err)
	require.Equal(t, int64(11), size)
	require.Equal(t, Sum([]byte("hello world")), digest)
}

func TestSumFileNotFound(t *testing.T) {
	_, _, err := SumFile("/does/not/exist")
	require.Error(t, err)
}

func TestEncodeDecodeHex(t *testing.T) {
	b := []byte{0xde, 0xad, 0xbe, 0xef}
	hexStr := EncodeHex(b)
	require.Equal(t, "deadbeef", hexStr)

	decoded, err := DecodeHex(hexStr)
	require.NoError(t, err)
	require.Equal(t, b, decoded)
}
