// Package reconcile implements the per-port sequence-gap reconciliation
// loop described in spec.md section 4.B: it walks a port's input window,
// detects gaps and late arrivals against the logical packet number, and
// produces a zero-copy plan telling the transform kernels which window slot
// backs each of the P logical slots in the iteration.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/stationdaq/rtstation/internal/wire"
)

// ErrReorderingExceeded is returned when more than 20% of a port's iteration
// window was out of order, or when the window runs out before all P slots
// are resolved; the partial Result is returned alongside it. The
// orchestrator does not retry the iteration with an extended input window
// and does not return this error from Step; it keeps the returned Result
// and continues the iteration.
var ErrReorderingExceeded = errors.New("reconcile: more than 20% of iteration was reordered")

// ErrOptimisticReorderUnimplemented is returned when Config.AllowOptimisticReorder
// is set. The reference implementation marks incorporation of out-of-order
// packets within the current window as untested; this port implements only
// the conservative behaviour (drop late arrivals, pad gaps) and gates the
// optimistic path behind this flag rather than half-implementing it.
var ErrOptimisticReorderUnimplemented = errors.New("reconcile: optimistic reorder incorporation is not implemented, only gated")

// PadSource identifies where a synthesised (non-arrived) logical slot's
// sample data should be read from.
type PadSource int

const (
	// PadZero reads from the pre-allocated prefix-zero region (window
	// index 0) — used when replay mode is off.
	PadZero PadSource = iota
	// PadReplay reads from the last accepted real packet's window slot —
	// used when replay mode is on, naturally producing repeats.
	PadReplay
)

// Slot describes the resolved source for one logical position (iLoop) within
// the iteration.
type Slot struct {
	// WindowIndex is the index into the caller's window slice holding the
	// bytes the kernel should read for this iLoop.
	WindowIndex int
	// Synthesised is true when this slot did not come from an accepted
	// wire packet (a gap was padded or replayed).
	Synthesised bool
	// Source explains why, when Synthesised is true.
	Source PadSource
}

// Config controls one Reconcile call.
type Config struct {
	// ReplayMode controls gap-filling: true reads from the previous good
	// packet's slot, false reads from the zeroed prefix region.
	ReplayMode bool
	// AllowOptimisticReorder would incorporate out-of-order arrivals
	// within the current window instead of dropping them. Not
	// implemented; Reconcile returns ErrOptimisticReorderUnimplemented
	// if set.
	AllowOptimisticReorder bool
}

// Result summarises one Reconcile call.
type Result struct {
	Dropped    int
	OutOfOrder int
	Plan       []Slot
}

// Window is the per-port input buffer handed to Reconcile: 2+P packets, each
// exactly PacketLength bytes, where indices 0 and 1 are reserved prefix-pad
// slots (see spec.md section 4.B) and indices 2..2+P-1 are the real packets
// delivered by the reader adapter for this iteration.
type Window struct {
	Packets      [][]byte
	PacketLength int
}

const prefixSlots = 2

// packetsPerIteration reports P, the number of real logical slots in w.
func (w Window) packetsPerIteration() int {
	return len(w.Packets) - prefixSlots
}

func (w Window) header(index int) (wire.Header, error) {
	buf := w.Packets[index]
	if len(buf) < w.PacketLength {
		return wire.Header{}, fmt.Errorf("reconcile: window slot %d shorter than packet length", index)
	}

	return wire.Decode(buf)
}

// quickMatch implements the reconciler's documented optimisation: once
// step 3 (normal, in-order acceptance) has been taken repeatedly, skip full
// header validation by checking only that the candidate's coarse time and
// sequence equal the predicted next values, falling back to a full Decode
// when they don't.
func quickMatch(buf []byte, wantCoarseTime, wantSequence uint32) bool {
	if len(buf) < wire.HeaderLength {
		return false
	}

	gotSequence := uint32(buf[12]) | uint32(buf[13])<<8 | uint32(buf[14])<<16 | uint32(buf[15])<<24
	gotCoarseTime := uint32(buf[8]) | uint32(buf[9])<<8 | uint32(buf[10])<<16 | uint32(buf[11])<<24

	return gotSequence == wantSequence && gotCoarseTime == wantCoarseTime
}

// Reconcile walks w's real packet window (P = len(w.Packets)-2 slots),
// aligning it to firstExpected, and returns the dropped/out-of-order counts
// plus a zero-copy plan for the P logical slots.
func Reconcile(w Window, firstExpected int64, cfg Config) (Result, error) {
	if cfg.AllowOptimisticReorder {
		return Result{}, ErrOptimisticReorderUnimplemented
	}

	p := w.packetsPerIteration()
	if p <= 0 {
		return Result{}, fmt.Errorf("reconcile: window too small for any real packets")
	}

	result := Result{Plan: make([]Slot, 0, p)}

	lastAccepted := firstExpected - 1
	iWork := prefixSlots
	lastAcceptedWindowIndex := 0 // prefix-zero by default until a real packet is accepted
	consecutiveInOrder := 0

	// lastHeader is refreshed from the most recently accepted header so the quick-match fast path can predict the next sequence
	// value even across a coarse-time rollover.
	var lastHeader wire.Header

	haveLastHeader := false

	for iLoop := 0; iLoop < p; {
		if iWork >= len(w.Packets) {
			// Ran out of real packets before completing the iteration:
			// this is the "can't complete" branch of reorder-exceeded.
			result.OutOfOrder = budgetExceededSentinel(p)

			return result, ErrReorderingExceeded
		}

		var (
			cur uint64
			h   wire.Header
			err error
		)

		// Fast path: predict next sequence/coarse-time from the last
		// accepted header and confirm with a cheap byte comparison before
		// paying for a full Decode.
		fastPathOK := false

		if haveLastHeader && consecutiveInOrder > 0 {
			wantSeq := lastHeader.Sequence + wire.TimeslicesPerPacket
			wantCoarse := lastHeader.CoarseTime

			if wantSeq > lastHeader.TicksPerSecond() {
				wantSeq -= lastHeader.TicksPerSecond()
				wantCoarse++
			}

			if quickMatch(w.Packets[iWork], wantCoarse, wantSeq) {
				h = lastHeader
				h.CoarseTime = wantCoarse
				h.Sequence = wantSeq
				fastPathOK = true
			}
		}

		if !fastPathOK {
			h, err = w.header(iWork)
			if err != nil {
				// Malformed header: treated as a drop (spec.md section 7).
				result.Dropped++
				iWork++
				consecutiveInOrder = 0

				continue
			}
		}

		cur = uint64(h.LogicalPacketNumber()) //nolint:gosec

		switch {
		case int64(cur) < lastAccepted:
			// Late arrival: discard the candidate and stay at this
			// iLoop. Per spec.md section 4.B step 2, this bumps only
			// the out-of-order tally, not the drop counter — the slot
			// it would have filled was already counted as a drop when
			// its gap was synthesised (step 4, below).
			result.OutOfOrder++
			iWork++
			consecutiveInOrder = 0

		case int64(cur) == lastAccepted+1:
			// Normal path.
			result.Plan = append(result.Plan, Slot{WindowIndex: iWork})
			lastAccepted++
			lastAcceptedWindowIndex = iWork
			lastHeader = h
			haveLastHeader = true
			iWork++
			iLoop++
			consecutiveInOrder++

		default:
			// Gap: synthesise the missing slot.
			slot := Slot{Synthesised: true}
			if cfg.ReplayMode {
				slot.Source = PadReplay
				slot.WindowIndex = lastAcceptedWindowIndex
			} else {
				slot.Source = PadZero
				slot.WindowIndex = 0
				wire.PutSequence(w.Packets[0], uint32(((lastAccepted+1)*wire.TimeslicesPerPacket)%int64(h.TicksPerSecond()))) //nolint:gosec
			}

			result.Plan = append(result.Plan, slot)
			result.Dropped++
			lastAccepted++
			iLoop++
			consecutiveInOrder = 0
		}
	}

	if result.OutOfOrder > p/5 {
		return result, ErrReorderingExceeded
	}

	return result, nil
}

// budgetExceededSentinel reports an out-of-order count guaranteed to exceed
// the 20% budget, used when the window is exhausted before completing the
// iteration (the window-too-small failure path).
func budgetExceededSentinel(p int) int {
	return p/5 + 1
}
