package metadata

import (
	"fmt"
	"io"
)

// FlatEncoder writes one "key value" line per field, matching the simplest
// sidecar format: a plain-text header a human or a quick shell pipeline can
// read directly.
type FlatEncoder struct {
	w io.Writer
}

// NewFlatEncoder wraps w (typically a file opened before the data stream).
func NewFlatEncoder(w io.Writer) *FlatEncoder {
	return &FlatEncoder{w: w}
}

func (e *FlatEncoder) Encode(fs *FieldSet) error {
	for _, f := range fs.Fields() {
		if _, err := fmt.Fprintf(e.w, "%s %s\n", f.Key, stringOf(f)); err != nil {
			return fmt.Errorf("metadata: writing flat field %q: %w", f.Key, err)
		}
	}

	return nil
}
