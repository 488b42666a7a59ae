package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// EnsureFIFO creates a named pipe at path with the given permission bits if
// one does not already exist. It is idempotent: an existing FIFO at path is
// left untouched.
func EnsureFIFO(path string, perm os.FileMode) error {
	err := unix.Mkfifo(path, uint32(perm))
	if err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("transport: mkfifo %s: %w", path, err)
	}

	return nil
}

// FIFOReader reads from a named pipe, honoring the "deliver ≥n bytes or EOF"
// contract across however many partial reads the kernel hands back while the
// writer side is still producing data.
type FIFOReader struct {
	f *os.File
}

// OpenFIFOReader creates path as a FIFO if absent and opens it for reading.
// Opening blocks until a writer opens the other end, per FIFO semantics.
func OpenFIFOReader(path string) (*FIFOReader, error) {
	if err := EnsureFIFO(path, 0o600); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: opening fifo %s: %w", path, err)
	}

	return &FIFOReader{f: f}, nil
}

func (r *FIFOReader) ReadAtLeast(_ context.Context, dst []byte, n int) (int, error) {
	read, err := io.ReadFull(r.f, dst[:n])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return read, fmt.Errorf("transport: fifo read: %w", err)
	}

	return read, err
}

func (r *FIFOReader) Close() error {
	return r.f.Close()
}

// FIFOWriter writes to a named pipe, created if absent.
type FIFOWriter struct {
	f *os.File
}

// OpenFIFOWriter creates path as a FIFO if absent and opens it for writing.
// Opening blocks until a reader opens the other end.
func OpenFIFOWriter(path string) (*FIFOWriter, error) {
	if err := EnsureFIFO(path, 0o600); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: opening fifo %s: %w", path, err)
	}

	return &FIFOWriter{f: f}, nil
}

func (w *FIFOWriter) Write(_ context.Context, src []byte) (int, error) {
	n, err := w.f.Write(src)
	if err != nil {
		if errors.Is(err, unix.EPIPE) {
			return n, fmt.Errorf("transport: fifo reader gone: %w", err)
		}

		return n, fmt.Errorf("transport: fifo write: %w", err)
	}

	return n, nil
}

func (w *FIFOWriter) Close() error {
	return w.f.Close()
}
