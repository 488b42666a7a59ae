package metadata

import (
	"bytes"
	"fmt"
	"io"
)

// RingBlockSize is the fixed size of the ASCII metadata block, laid out as a
// ring buffer header page. The encoder writes it to whatever io.Writer it is
// given; cmd/rtstation writes it to the metadata sidecar file.
const RingBlockSize = 4096

// RingBlockEncoder writes a fixed-size, zero-padded "key=value\n" block.
// Downstream readers scan until the first NUL byte.
type RingBlockEncoder struct {
	w io.Writer
}

func NewRingBlockEncoder(w io.Writer) *RingBlockEncoder {
	return &RingBlockEncoder{w: w}
}

func (e *RingBlockEncoder) Encode(fs *FieldSet) error {
	var buf bytes.Buffer

	for _, f := range fs.Fields() {
		fmt.Fprintf(&buf, "%s=%s\n", f.Key, stringOf(f))
	}

	if buf.Len() > RingBlockSize {
		return fmt.Errorf("metadata: ring block metadata (%d bytes) exceeds fixed block size %d", buf.Len(), RingBlockSize)
	}

	padded := make([]byte, RingBlockSize)
	copy(padded, buf.Bytes())

	if _, err := e.w.Write(padded); err != nil {
		return fmt.Errorf("metadata: writing ring block: %w", err)
	}

	return nil
}
