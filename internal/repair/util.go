package repair

import "bytes"

// sizedBuffer is the write target for probe/refill/rebalance downloads.
type sizedBuffer struct {
	bytes.Buffer
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
