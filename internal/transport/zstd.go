package transport

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"
)

// ZstdReader streams decompression from a Zstd-compressed file. When opened
// with sequential access, the underlying descriptor is memory-mapped and
// given MADV_SEQUENTIAL advice so the kernel can read ahead aggressively;
// the decompressor then reads from the mapped region instead of issuing
// syscalls per chunk.
type ZstdReader struct {
	f    *os.File
	mmap []byte // nil unless sequential access was requested
	dec  *zstd.Decoder
}

// OpenZstdReader opens path and wraps it in a streaming Zstd decoder. When
// sequential is true, the file is mmap-ed and madvise(MADV_SEQUENTIAL) is
// applied before decoding begins.
func OpenZstdReader(path string, sequential bool) (*ZstdReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transport: opening %s: %w", path, err)
	}

	var src io.Reader = f

	var mapped []byte

	if sequential {
		mapped, err = mmapSequential(f)
		if err != nil {
			f.Close()
			return nil, err
		}

		src = newByteReader(mapped)
	}

	dec, err := zstd.NewReader(src)
	if err != nil {
		if mapped != nil {
			unix.Munmap(mapped) //nolint:errcheck
		}

		f.Close()

		return nil, fmt.Errorf("transport: zstd decoder: %w", err)
	}

	return &ZstdReader{f: f, mmap: mapped, dec: dec}, nil
}

func mmapSequential(f *os.File) ([]byte, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("transport: stat for mmap: %w", err)
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("transport: mmap: %w", err)
	}

	if err := unix.Madvise(mapped, unix.MADV_SEQUENTIAL); err != nil {
		unix.Munmap(mapped) //nolint:errcheck
		return nil, fmt.Errorf("transport: madvise: %w", err)
	}

	return mapped, nil
}

// byteReader adapts a byte slice (the mmap-ed region) to io.Reader without
// copying, since bytes.Reader would work too but this keeps the mmap's
// backing slice explicit for Close to unmap later.
type byteReader struct {
	buf []byte
	pos int
}

func newByteReader(buf []byte) *byteReader {
	return &byteReader{buf: buf}
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.buf) {
		return 0, io.EOF
	}

	n := copy(p, r.buf[r.pos:])
	r.pos += n

	return n, nil
}

func (r *ZstdReader) ReadAtLeast(_ context.Context, dst []byte, n int) (int, error) {
	read, err := io.ReadFull(r.dec, dst[:n])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return read, fmt.Errorf("transport: zstd read: %w", err)
	}

	return read, err
}

func (r *ZstdReader) Close() error {
	r.dec.Close()

	if r.mmap != nil {
		if err := unix.Munmap(r.mmap); err != nil {
			return fmt.Errorf("transport: munmap: %w", err)
		}
	}

	return r.f.Close()
}

// ZstdWriter streams compression to a file through a zstd.Encoder.
type ZstdWriter struct {
	f   *os.File
	enc *zstd.Encoder
}

func CreateZstdWriter(path string) (*ZstdWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("transport: creating %s: %w", path, err)
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: zstd encoder: %w", err)
	}

	return &ZstdWriter{f: f, enc: enc}, nil
}

func (w *ZstdWriter) Write(_ context.Context, src []byte) (int, error) {
	n, err := w.enc.Write(src)
	if err != nil {
		return n, fmt.Errorf("transport: zstd write: %w", err)
	}

	return n, nil
}

func (w *ZstdWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		return fmt.Errorf("transport: closing zstd encoder: %w", err)
	}

	return w.f.Close()
}
