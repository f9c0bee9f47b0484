// Package chunker splits an input file into fixed-size, sequence-numbered,
// content-hashed chunks.
package chunker

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"os"

	"github.com/pyropy/netchunk/internal/hashutil"
	"github.com/pyropy/netchunk/internal/ncerrors"
)

// ErrEndOfSequence is the single end-of-chunks sentinel returned by Next
// once every chunk has been produced. It is distinct from any real error,
// collapsing a short final read and a clean EOF into one signal.
var ErrEndOfSequence = errors.New("chunker: end of sequence")

// Chunk is one payload plus its sequence number and content hash, still
// owned by the chunker until handed to the caller.
type Chunk struct {
	Sequence int
	ID       string
	Payload  []byte
	Hash     string
}

// Chunker produces a lazy, restartable sequence of Chunks over a local
// file, plus the whole-file SHA-256 computed in a single pre-pass.
type Chunker struct {
	path      string
	chunkSize int64
	file      *os.File
	fileHash  string
	fileSize  int64
	nextSeq   int
}

// Open computes the whole-file hash in a pre-pass, then positions the
// reader at the start of the main pass. A zero-length file or a
// non-positive chunkSize is rejected with InvalidArgument.
func Open(path string, chunkSize int64) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, ncerrors.New(ncerrors.InvalidArgument, "chunker.Open", "chunk_size must be > 0")
	}

	hash, size, err := hashutil.SumFile(path)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, ncerrors.New(ncerrors.InvalidArgument, "chunker.Open", "file is empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.FileNotFound, "chunker.Open", err)
	}

	return &Chunker{
		path:      path,
		chunkSize: chunkSize,
		file:      f,
		fileHash:  hash,
		fileSize:  size,
	}, nil
}

// FileHash returns the SHA-256 hex digest of the whole file, computed
// during Open.
func (c *Chunker) FileHash() string { return c.fileHash }

// FileSize returns the total size of the input file in bytes.
func (c *Chunker) FileSize() int64 { return c.fileSize }

// ChunkCount returns ceil(FileSize / chunk_size), matching the manifest's
// chunk count invariant.
func (c *Chunker) ChunkCount() int {
	return int((c.fileSize + c.chunkSize - 1) / c.chunkSize)
}

// Next reads the next chunk_size (or shorter, for the final chunk) bytes
// and returns it with its sequence number and content hash. It returns
// ErrEndOfSequence once the file is exhausted.
func (c *Chunker) Next() (*Chunk, error) {
	buf := make([]byte, c.chunkSize)
	n, err := io.ReadFull(c.file, buf)
	if err == io.EOF {
		return nil, ErrEndOfSequence
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, ncerrors.Wrap(ncerrors.Io, "chunker.Next", err)
	}

	payload := buf[:n]
	seq := c.nextSeq
	c.nextSeq++

	id, err := newChunkID(seq, c.fileHash)
	if err != nil {
		return nil, err
	}

	return &Chunk{
		Sequence: seq,
		ID:       id,
		Payload:  payload,
		Hash:     hashutil.Sum(payload),
	}, nil
}

// Reopen allows a fresh pass over the same file (a chunker is
// restartable by reopening).
func (c *Chunker) Reopen() error {
	if err := c.file.Close(); err != nil {
		return ncerrors.Wrap(ncerrors.Io, "chunker.Reopen", err)
	}
	f, err := os.Open(c.path)
	if err != nil {
		return ncerrors.Wrap(ncerrors.FileNotFound, "chunker.Reopen", err)
	}
	c.file = f
	c.nextSeq = 0
	return nil
}

// Close releases the underlying file handle.
func (c *Chunker) Close() error {
	return c.file.Close()
}

// chunkIDWidth is the total hex-character length of a chunk id: 8 hex
// digits of sequence, 4 hex digits of file-hash prefix, 12 hex digits of
// randomness.
const chunkIDWidth = 8 + 4 + 12

func newChunkID(seq int, fileHash string) (string, error) {
	seqPart := hexPad(uint32(seq), 8)

	hashPrefix := fileHash
	if len(hashPrefix) > 4 {
		hashPrefix = hashPrefix[:4]
	}
	for len(hashPrefix) < 4 {
		hashPrefix += "0"
	}

	randBytes := make([]byte, 6)
	if _, err := rand.Read(randBytes); err != nil {
		return "", ncerrors.Wrap(ncerrors.Crypto, "chunker.newChunkID", err)
	}
	randPart := hex.EncodeToString(randBytes)

	id := seqPart + hashPrefix + randPart
	if len(id) > chunkIDWidth {
		id = id[:chunkIDWidth]
	}
	return id, nil
}

func hexPad(v uint32, width int) string {
	s := hex.EncodeToString([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	if len(s) > width {
		s = s[len(s)-width:]
	}
	for len(s) < width {
		s = "0" + s
	}
	return s
}
