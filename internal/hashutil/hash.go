// Package hashutil wraps the SHA-256 primitive: hashing byte ranges
// and files, and hex encoding/decoding of digests.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/pyropy/netchunk/internal/ncerrors"
)

// Size is the length in bytes of a SHA-256 digest.
const Size = sha256.Size

// Sum returns the lower-case hex encoding of the SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumReader streams r through SHA-256 and returns the hex digest along
// with the number of bytes read.
func SumReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, ncerrors.Wrap(ncerrors.Io, "hashutil.SumReader", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SumFile computes the SHA-256 digest of an entire local file and returns
// the hex digest together with the file size in bytes.
func SumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, ncerrors.Wrap(ncerrors.FileNotFound, "hashutil.SumFile", err)
		}
		return "", 0, ncerrors.Wrap(ncerrors.FileAccess, "hashutil.SumFile", err)
	}
	defer f.Close()

	return SumReader(f)
}

// Verify reports whether the SHA-256 of data matches the given lower-case
// hex digest.
func Verify(data []byte, hexDigest string) bool {
	return Sum(data) == hexDigest
}

// DecodeHex converts a lower-case hex digest to raw bytes.
func DecodeHex(hexDigest string) ([]byte, error) {
	b, err := hex.DecodeString(hexDigest)
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.Crypto, "hashutil.DecodeHex", err)
	}
	return b, nil
}

// EncodeHex converts raw bytes to a lower-case hex string.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}
