package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/stationdaq/rtstation/internal/wire"
)

// ErrModeUnsupported is returned by Dispatch when the (bit mode, layout,
// calibrate) combination is not in the registered table, or when a mode's
// parameters (decimation factor, output stream count) are invalid for its
// layout. This is the "fatal kernel error" of SPEC_FULL.md section 4.D.
var ErrModeUnsupported = errors.New("kernel: unsupported mode")

// ElemKind is an output buffer's sample element type.
type ElemKind int

const (
	ElemInt8 ElemKind = iota
	ElemInt16
	ElemFloat32
)

// Size reports the element's width in bytes.
func (e ElemKind) Size() int {
	switch e {
	case ElemInt8:
		return 1
	case ElemInt16:
		return 2
	case ElemFloat32:
		return 4
	default:
		return 0
	}
}

func putElem(dst []byte, sampleIndex int, kind ElemKind, v float32) {
	off := sampleIndex * kind.Size()

	switch kind {
	case ElemInt8:
		dst[off] = byte(int8(v)) //nolint:gosec
	case ElemInt16:
		binary.LittleEndian.PutUint16(dst[off:], uint16(int16(v))) //nolint:gosec
	case ElemFloat32:
		binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(v))
	}
}

// PacketView is one logical iteration slot's reconciled, already-unpacked
// view, as produced by the reconcile and unpack packages. Exactly one of
// Samples / Samples16 is populated, matching BitMode.
type PacketView struct {
	// Raw is the full on-wire packet (header + payload) backing this slot,
	// used by the packet-copy layouts. For a synthesised (padded or
	// replayed) slot this is the reconciler's chosen source packet.
	Raw []byte
	// Samples holds one int8 per quadrature component, ordered
	// (timeslice, beamlet, pol, component) with pol/component order
	// (Xr, Xi, Yr, Yi). Populated for BitMode4 (post-unpack) and BitMode8.
	Samples []int8
	// Samples16 is Samples' BitMode16 counterpart.
	Samples16 []int16
	// Beamlets is this packet's beamlets-per-packet count.
	Beamlets int
}

func (p PacketView) sample(ts, localBeamlet int) (xr, xi, yr, yi float32) {
	base := (ts*p.Beamlets + localBeamlet) * 4

	if p.Samples16 != nil {
		return float32(p.Samples16[base]), float32(p.Samples16[base+1]), float32(p.Samples16[base+2]), float32(p.Samples16[base+3])
	}

	return float32(p.Samples[base]), float32(p.Samples[base+1]), float32(p.Samples[base+2]), float32(p.Samples[base+3])
}

// Context carries the per-call parameters every kernel body needs beyond the
// Mode itself: the shape of the iteration and this port's place within the
// global, cross-port beamlet axis (see SPEC_FULL.md section 4.D's index
// algebra: b, beta, c, T).
type Context struct {
	BitMode   wire.BitMode
	Calibrate bool
	// Jones returns the calibration matrix for a packet-local beamlet
	// index. Nil when Calibrate is false.
	Jones func(localBeamlet int) Jones

	P int // packets (logical slots) per iteration

	BeamletLow, BeamletHigh int // inclusive, packet-local beamlet range to emit
	BaseBeamlet             int // beta: this port's first absolute beamlet number
	PortOffset              int // c: this port's cumulative offset into the global axis
	TotalBeamlets           int // T: selected beamlet count across all ports

	OutputElem ElemKind // ignored for LayoutStokes, which always emits float32
}

func (ctx Context) calibrated(localBeamlet int, xr, xi, yr, yi float32) (float32, float32, float32, float32) {
	if !ctx.Calibrate {
		return xr, xi, yr, yi
	}

	return ctx.Jones(localBeamlet).Apply(xr, xi, yr, yi)
}

// Kernel is the inner-loop function registered for one (bit mode, layout,
// calibrate) dispatch key.
type Kernel func(ctx Context, mode Mode, packets []PacketView, out [][]byte) error

type dispatchKey struct {
	BitMode   wire.BitMode
	Layout    Layout
	Calibrate bool
}

var allLayouts = []Layout{
	LayoutPacketCopy,
	LayoutPacketCopyNoHeader,
	LayoutSplitPolarisations,
	LayoutFrequencyMajor,
	LayoutTimeMajorSingle,
	LayoutTimeMajorSplitPol,
	LayoutTimeMajorAntennaPol,
	LayoutStokes,
}

var allBitModes = []wire.BitMode{wire.BitMode4, wire.BitMode8, wire.BitMode16}

var dispatchTable = buildDispatchTable()

func buildDispatchTable() map[dispatchKey]Kernel {
	t := make(map[dispatchKey]Kernel, len(allLayouts)*len(allBitModes)*2)

	for _, bm := range allBitModes {
		for _, layout := range allLayouts {
			fn := kernelFor(layout)
			if fn == nil {
				continue
			}

			t[dispatchKey{BitMode: bm, Layout: layout, Calibrate: false}] = fn
			t[dispatchKey{BitMode: bm, Layout: layout, Calibrate: true}] = fn
		}
	}

	return t
}

func kernelFor(l Layout) Kernel {
	switch l {
	case LayoutPacketCopy:
		return packetCopyKernel
	case LayoutPacketCopyNoHeader:
		return packetCopyNoHeaderKernel
	case LayoutSplitPolarisations:
		return splitPolarisationsKernel
	case LayoutFrequencyMajor:
		return frequencyMajorKernel
	case LayoutTimeMajorSingle:
		return timeMajorSingleKernel
	case LayoutTimeMajorSplitPol:
		return timeMajorSplitPolKernel
	case LayoutTimeMajorAntennaPol:
		return timeMajorAntennaPolKernel
	case LayoutStokes:
		return stokesKernel
	default:
		return nil
	}
}

// Dispatch validates mode against ctx and the registered table, then runs
// the selected kernel over packets (one PacketView per logical slot in the
// iteration, P of them), writing into out (mode.NumOutputStreams() buffers,
// each pre-sized by the caller).
func Dispatch(ctx Context, mode Mode, packets []PacketView, out [][]byte) error {
	if mode.Layout == LayoutStokes && !validDecimation(mode.Decimation) {
		return fmt.Errorf("%w: decimation factor %d", ErrModeUnsupported, mode.Decimation)
	}

	if len(out) != mode.NumOutputStreams() {
		return fmt.Errorf("%w: layout %v needs %d output streams, got %d", ErrModeUnsupported, mode.Layout, mode.NumOutputStreams(), len(out))
	}

	key := dispatchKey{BitMode: ctx.BitMode, Layout: mode.Layout, Calibrate: ctx.Calibrate}

	fn, ok := dispatchTable[key]
	if !ok {
		return fmt.Errorf("%w: bitmode=%v layout=%v calibrate=%v", ErrModeUnsupported, ctx.BitMode, mode.Layout, ctx.Calibrate)
	}

	if len(packets) != ctx.P {
		return fmt.Errorf("%w: %d packets for a %d-packet iteration", ErrModeUnsupported, len(packets), ctx.P)
	}

	return fn(ctx, mode, packets, out)
}

func packetCopyKernel(_ Context, _ Mode, packets []PacketView, out [][]byte) error {
	offset := 0
	for _, pkt := range packets {
		n := copy(out[0][offset:], pkt.Raw)
		if n != len(pkt.Raw) {
			return fmt.Errorf("%w: packet-copy output buffer too small", ErrModeUnsupported)
		}

		offset += n
	}

	return nil
}

func packetCopyNoHeaderKernel(_ Context, _ Mode, packets []PacketView, out [][]byte) error {
	offset := 0
	for _, pkt := range packets {
		payload := pkt.Raw[wire.HeaderLength:]

		n := copy(out[0][offset:], payload)
		if n != len(payload) {
			return fmt.Errorf("%w: packet-copy-no-header output buffer too small", ErrModeUnsupported)
		}

		offset += n
	}

	return nil
}

// writeSplitPol is shared by LayoutSplitPolarisations and
// LayoutTimeMajorSplitPol: both write four streams (Xr, Xi, Yr, Yi),
// time-contiguous within a beamlet, beamlets packed — the only difference
// between the two named modes is which axis spec.md happens to describe
// them under, not the index algebra.
//
// One reference implementation of the time-major split-pol layout writes Yr
// into output stream 1 instead of 2, which collides with Xi; that bug is
// not reproduced here — the natural assignment is X real, X imag, Y real, Y
// imag -> buffers 0, 1, 2, 3.
func writeSplitPol(ctx Context, out [][]byte, packets []PacketView) error {
	for iLoop, pkt := range packets {
		for b := ctx.BeamletLow; b <= ctx.BeamletHigh; b++ {
			beamletPos := TimeMajorIndex(ctx.BaseBeamlet+b, ctx.BaseBeamlet, ctx.PortOffset, ctx.P, iLoop, 1)

			for ts := 0; ts < wire.TimeslicesPerPacket; ts++ {
				xr, xi, yr, yi := pkt.sample(ts, b)
				xr, xi, yr, yi = ctx.calibrated(b, xr, xi, yr, yi)

				putElem(out[0], beamletPos+ts, ctx.OutputElem, xr)
				putElem(out[1], beamletPos+ts, ctx.OutputElem, xi)
				putElem(out[2], beamletPos+ts, ctx.OutputElem, yr)
				putElem(out[3], beamletPos+ts, ctx.OutputElem, yi)
			}
		}
	}

	return nil
}

func splitPolarisationsKernel(ctx Context, _ Mode, packets []PacketView, out [][]byte) error {
	return writeSplitPol(ctx, out, packets)
}

func timeMajorSplitPolKernel(ctx Context, _ Mode, packets []PacketView, out [][]byte) error {
	return writeSplitPol(ctx, out, packets)
}

func frequencyMajorKernel(ctx Context, mode Mode, packets []PacketView, out [][]byte) error {
	reversed := mode.Ordering == OrderReversedFrequencyMajor

	for iLoop, pkt := range packets {
		outputPacketOffset := iLoop * ctx.TotalBeamlets * strideInterleavedPol

		for b := ctx.BeamletLow; b <= ctx.BeamletHigh; b++ {
			var base int
			if reversed {
				base = ReversedFrequencyMajorIndex(outputPacketOffset, ctx.BaseBeamlet+b, ctx.BaseBeamlet, ctx.PortOffset, ctx.TotalBeamlets, strideInterleavedPol)
			} else {
				base = FrequencyMajorIndex(outputPacketOffset, ctx.BaseBeamlet+b, ctx.BaseBeamlet, ctx.PortOffset, strideInterleavedPol)
			}

			for ts := 0; ts < wire.TimeslicesPerPacket; ts++ {
				xr, xi, yr, yi := pkt.sample(ts, b)
				xr, xi, yr, yi = ctx.calibrated(b, xr, xi, yr, yi)

				off := base + ts*4
				putElem(out[0], off+0, ctx.OutputElem, xr)
				putElem(out[0], off+1, ctx.OutputElem, xi)
				putElem(out[0], off+2, ctx.OutputElem, yr)
				putElem(out[0], off+3, ctx.OutputElem, yi)
			}
		}
	}

	return nil
}

func timeMajorSingleKernel(ctx Context, _ Mode, packets []PacketView, out [][]byte) error {
	for iLoop, pkt := range packets {
		for b := ctx.BeamletLow; b <= ctx.BeamletHigh; b++ {
			base := TimeMajorIndex(ctx.BaseBeamlet+b, ctx.BaseBeamlet, ctx.PortOffset, ctx.P, iLoop, 1) * 4

			for ts := 0; ts < wire.TimeslicesPerPacket; ts++ {
				xr, xi, yr, yi := pkt.sample(ts, b)
				xr, xi, yr, yi = ctx.calibrated(b, xr, xi, yr, yi)

				off := base + ts*4
				putElem(out[0], off+0, ctx.OutputElem, xr)
				putElem(out[0], off+1, ctx.OutputElem, xi)
				putElem(out[0], off+2, ctx.OutputElem, yr)
				putElem(out[0], off+3, ctx.OutputElem, yi)
			}
		}
	}

	return nil
}

func timeMajorAntennaPolKernel(ctx Context, _ Mode, packets []PacketView, out [][]byte) error {
	for iLoop, pkt := range packets {
		for b := ctx.BeamletLow; b <= ctx.BeamletHigh; b++ {
			base := TimeMajorIndex(ctx.BaseBeamlet+b, ctx.BaseBeamlet, ctx.PortOffset, ctx.P, iLoop, 1) * 2

			for ts := 0; ts < wire.TimeslicesPerPacket; ts++ {
				xr, xi, yr, yi := pkt.sample(ts, b)
				xr, xi, yr, yi = ctx.calibrated(b, xr, xi, yr, yi)

				off := base + ts*2

				putElem(out[0], off+0, ctx.OutputElem, xr)
				putElem(out[0], off+1, ctx.OutputElem, xi)
				putElem(out[1], off+0, ctx.OutputElem, yr)
				putElem(out[1], off+1, ctx.OutputElem, yi)
			}
		}
	}

	return nil
}

// stokesStreams returns the products a LayoutStokes mode writes, in output
// stream order.
func stokesStreams(p StokesProduct) []StokesProduct {
	switch p {
	case StokesIV:
		return []StokesProduct{StokesI, StokesV}
	case StokesIQUV:
		return []StokesProduct{StokesI, StokesQ, StokesU, StokesV}
	default:
		return []StokesProduct{p}
	}
}

func stokesKernel(ctx Context, mode Mode, packets []PacketView, out [][]byte) error {
	streams := stokesStreams(mode.Stokes)
	reversed := mode.Ordering == OrderReversedFrequencyMajor
	timeMajor := mode.Ordering == OrderTimeMajor

	decimators := make([]Decimator, len(streams))
	samplesPerPacket := wire.TimeslicesPerPacket / mode.Decimation

	for iLoop, pkt := range packets {
		for b := ctx.BeamletLow; b <= ctx.BeamletHigh; b++ {
			for outSample := 0; outSample < samplesPerPacket; outSample++ {
				for k := 0; k < mode.Decimation; k++ {
					ts := outSample*mode.Decimation + k
					xr, xi, yr, yi := pkt.sample(ts, b)
					xr, xi, yr, yi = ctx.calibrated(b, xr, xi, yr, yi)

					for i, prod := range streams {
						decimators[i].Add(stokesValue(prod, xr, xi, yr, yi))
					}
				}

				// The unit time advance inside an iteration is a full
				// T-beamlet slice for frequency-major ordering (every
				// decimated sample writes one value per beamlet before
				// the axis advances) and a single slot for time-major.
				var base int

				switch {
				case timeMajor:
					base = TimeMajorIndex(ctx.BaseBeamlet+b, ctx.BaseBeamlet, ctx.PortOffset, ctx.P, iLoop, mode.Decimation) + outSample
				case reversed:
					outputPacketOffset := (iLoop*samplesPerPacket + outSample) * ctx.TotalBeamlets
					base = ReversedFrequencyMajorIndex(outputPacketOffset, ctx.BaseBeamlet+b, ctx.BaseBeamlet, ctx.PortOffset, ctx.TotalBeamlets, strideStokesPerProduct)
				default:
					outputPacketOffset := (iLoop*samplesPerPacket + outSample) * ctx.TotalBeamlets
					base = FrequencyMajorIndex(outputPacketOffset, ctx.BaseBeamlet+b, ctx.BaseBeamlet, ctx.PortOffset, strideStokesPerProduct)
				}

				for i := range streams {
					putElem(out[i], base, ElemFloat32, decimators[i].Sum())
				}
			}
		}
	}

	return nil
}
