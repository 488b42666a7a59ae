package metadata

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	filterbankStart = "HEADER_START"
	filterbankEnd   = "HEADER_END"
)

// FilterbankEncoder writes the historical "sigproc" filterbank header
// layout: a length-prefixed string naming each key, immediately followed by
// its value (int32 or float64 in fixed little-endian width, or another
// length-prefixed string), bracketed by HEADER_START/HEADER_END sentinel
// keys with no value.
type FilterbankEncoder struct {
	w io.Writer
}

func NewFilterbankEncoder(w io.Writer) *FilterbankEncoder {
	return &FilterbankEncoder{w: w}
}

func (e *FilterbankEncoder) writeString(s string) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec

	if _, err := e.w.Write(lenBuf[:]); err != nil {
		return err
	}

	_, err := io.WriteString(e.w, s)

	return err
}

func (e *FilterbankEncoder) Encode(fs *FieldSet) error {
	if err := e.writeString(filterbankStart); err != nil {
		return fmt.Errorf("metadata: filterbank header start: %w", err)
	}

	for _, f := range fs.Fields() {
		if err := e.writeString(f.Key); err != nil {
			return fmt.Errorf("metadata: filterbank key %q: %w", f.Key, err)
		}

		if err := e.writeValue(f); err != nil {
			return fmt.Errorf("metadata: filterbank value for %q: %w", f.Key, err)
		}
	}

	return e.writeString(filterbankEnd)
}

func (e *FilterbankEncoder) writeValue(f Field) error {
	switch f.Kind {
	case KindString:
		return e.writeString(f.Str)
	case KindInt32:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(f.Int)) //nolint:gosec

		_, err := e.w.Write(buf[:])

		return err
	case KindFloat64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f.Float))

		_, err := e.w.Write(buf[:])

		return err
	default:
		return fmt.Errorf("metadata: unknown field kind %d", f.Kind)
	}
}
