package transport

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// shmHeaderSize holds three uint64 words (write index, readable index, and a
// third word reserved for capacity, which this package does not write) ahead
// of the data region. Capacity is a power of two so index arithmetic can
// mask instead of dividing.
const shmHeaderSize = 3 * 8

// ShmRing is a POSIX/SysV shared-memory ring buffer: a mapped segment
// keyed by an integer, with a small header of atomically-updated index
// words followed by a data region sized as a power of two.
type ShmRing struct {
	id       int
	seg      []byte
	writeIdx *uint64
	readIdx  *uint64
	capacity uint64 // power of two, bytes

	data []byte // seg[shmHeaderSize:]
}

// OpenShmRing attaches (creating if absent) the SysV shared-memory segment
// identified by key, sized shmHeaderSize+capacity bytes. capacity must be a
// power of two.
func OpenShmRing(key int, capacity uint64) (*ShmRing, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("transport: shm ring capacity %d is not a power of two", capacity)
	}

	total := int(shmHeaderSize + capacity) //nolint:gosec

	id, err := unix.SysvShmGet(key, total, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, fmt.Errorf("transport: shmget key %d: %w", key, err)
	}

	seg, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: shmat id %d: %w", id, err)
	}

	r := &ShmRing{
		id:       id,
		seg:      seg,
		capacity: capacity,
		data:     seg[shmHeaderSize:],
	}

	r.writeIdx = (*uint64)(unsafe.Pointer(&seg[0]))
	r.readIdx = (*uint64)(unsafe.Pointer(&seg[8]))

	return r, nil
}

// mask wraps an absolute byte offset into the ring's data region.
func (r *ShmRing) mask(off uint64) uint64 {
	return off & (r.capacity - 1)
}

// Detach unmaps the segment. The segment itself (and its contents) persists
// for other attachers until explicitly removed.
func (r *ShmRing) Detach() error {
	if err := unix.SysvShmDetach(r.seg); err != nil {
		return fmt.Errorf("transport: shmdt: %w", err)
	}

	return nil
}

// ShmReader is a ShmRing opened as the ring's exclusive reader: it takes a
// flock on a caller-supplied lock file to enforce single-reader semantics
// among readers that use the same lock file, realigns to
// the caller's packet boundary, and advances the read index as it consumes
// bytes.
type ShmReader struct {
	ring     *ShmRing
	lockFile *lockHandle
	readOff  uint64
	pollEach time.Duration
}

// lockHandle wraps the fd used purely to hold an flock for the reader-lock
// discipline; it is not otherwise read or written.
type lockHandle struct {
	fd int
}

// OpenShmReader attaches the ring at key and takes an exclusive-reader
// flock on the file at lockPath (created if absent), then
// realigns the read cursor to the next multiple of packetLength so a reader
// that attaches mid-stream starts on a packet boundary.
func OpenShmReader(key int, capacity uint64, packetLength int, lockPath string) (*ShmReader, error) {
	ring, err := OpenShmRing(key, capacity)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(lockPath, unix.O_CREAT|unix.O_RDWR, 0o600)
	if err != nil {
		ring.Detach() //nolint:errcheck
		return nil, fmt.Errorf("transport: opening lock file %s: %w", lockPath, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)    //nolint:errcheck
		ring.Detach()     //nolint:errcheck
		return nil, fmt.Errorf("transport: ring %d already has an exclusive reader: %w", key, err)
	}

	readable := atomic.LoadUint64(ring.readIdx)

	if packetLength > 0 {
		if rem := readable % uint64(packetLength); rem != 0 { //nolint:gosec
			readable += uint64(packetLength) - rem //nolint:gosec
		}
	}

	return &ShmReader{
		ring:     ring,
		lockFile: &lockHandle{fd: fd},
		readOff:  readable,
		pollEach: time.Millisecond,
	}, nil
}

// endOfDataMarker is the sentinel value a writer stores in the write index
// to signal it has finished producing data and will write no more.
const endOfDataMarker = ^uint64(0)

// ReadAtLeast blocks, polling, until n bytes are available past the
// reader's current offset or the end-of-data marker is observed, reading at
// most one buffer page (the ring's full capacity) per call.
func (r *ShmReader) ReadAtLeast(ctx context.Context, dst []byte, n int) (int, error) {
	if n > len(r.ring.data) {
		return 0, fmt.Errorf("transport: requested read of %d bytes exceeds ring capacity %d", n, len(r.ring.data))
	}

	copied := 0

	for copied < n {
		writeOff := atomic.LoadUint64(r.ring.writeIdx)
		done := writeOff == endOfDataMarker

		var avail uint64
		if !done {
			avail = writeOff - r.readOff
		}

		if avail == 0 {
			if done {
				return copied, io.EOF
			}

			select {
			case <-ctx.Done():
				return copied, fmt.Errorf("transport: shm read cancelled: %w", ctx.Err())
			case <-time.After(r.pollEach):
				continue
			}
		}

		take := n - copied
		if uint64(take) > avail { //nolint:gosec
			take = int(avail) //nolint:gosec
		}

		for i := 0; i < take; i++ {
			dst[copied+i] = r.ring.data[r.ring.mask(r.readOff+uint64(i))] //nolint:gosec
		}

		copied += take
		r.readOff += uint64(take) //nolint:gosec
		atomic.StoreUint64(r.ring.readIdx, r.readOff)
	}

	return copied, nil
}

func (r *ShmReader) Close() error {
	unix.Flock(r.lockFile.fd, unix.LOCK_UN) //nolint:errcheck
	unix.Close(r.lockFile.fd)               //nolint:errcheck

	return r.ring.Detach()
}

// ShmWriter is a ShmRing opened as the writer side: it appends bytes,
// advancing the write index, and stamps the end-of-data marker on Close.
type ShmWriter struct {
	ring     *ShmRing
	writeOff uint64
}

func OpenShmWriter(key int, capacity uint64) (*ShmWriter, error) {
	ring, err := OpenShmRing(key, capacity)
	if err != nil {
		return nil, err
	}

	return &ShmWriter{ring: ring}, nil
}

func (w *ShmWriter) Write(_ context.Context, src []byte) (int, error) {
	if len(src) > len(w.ring.data) {
		return 0, fmt.Errorf("transport: write of %d bytes exceeds ring capacity %d", len(src), len(w.ring.data))
	}

	for i, b := range src {
		w.ring.data[w.ring.mask(w.writeOff+uint64(i))] = b //nolint:gosec
	}

	w.writeOff += uint64(len(src)) //nolint:gosec
	atomic.StoreUint64(w.ring.writeIdx, w.writeOff)

	return len(src), nil
}

func (w *ShmWriter) Close() error {
	atomic.StoreUint64(w.ring.writeIdx, endOfDataMarker)

	return w.ring.Detach()
}
