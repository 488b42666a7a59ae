// Package transport supplies the concrete reader/writer adapters behind the
// orchestrator's collaborator interfaces: plain file, named pipe (FIFO),
// Zstd-compressed stream, and shared-memory ring buffer for input; the same
// set plus a hierarchical dataset writer for output. Every reader
// structurally satisfies orchestrator.Reader (ReadAtLeast); every writer
// satisfies orchestrator.Writer (Write).
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
)

// FileReader reads sequentially from a regular file, honoring the "deliver
// ≥n bytes or EOF" contract via io.ReadFull semantics.
type FileReader struct {
	f *os.File
}

// OpenFileReader opens path for sequential reading.
func OpenFileReader(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transport: opening %s: %w", path, err)
	}

	return &FileReader{f: f}, nil
}

func (r *FileReader) ReadAtLeast(_ context.Context, dst []byte, n int) (int, error) {
	read, err := io.ReadFull(r.f, dst[:n])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return read, fmt.Errorf("transport: file read: %w", err)
	}

	return read, err
}

func (r *FileReader) Close() error {
	return r.f.Close()
}

// FileWriter appends to a regular file through a buffered writer sized to
// the largest output packet the caller expects to emit.
type FileWriter struct {
	f *os.File
	w *bufio.Writer
}

// CreateFileWriter creates (or truncates) path for writing, buffering writes
// in chunks of bufSize bytes.
func CreateFileWriter(path string, bufSize int) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("transport: creating %s: %w", path, err)
	}

	return &FileWriter{f: f, w: bufio.NewWriterSize(f, bufSize)}, nil
}

func (w *FileWriter) Write(_ context.Context, src []byte) (int, error) {
	n, err := w.w.Write(src)
	if err != nil {
		return n, fmt.Errorf("transport: file write: %w", err)
	}

	return n, nil
}

// Close flushes the buffer and closes the underlying file.
func (w *FileWriter) Close() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("transport: flushing file writer: %w", err)
	}

	return w.f.Close()
}
