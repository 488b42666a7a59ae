// Package orchestrator drives one observation: it owns one input window per
// port (2+P packets, refilled in place each iteration; there is no second
// input ring to fill while the current one is processed), runs the reconciler and transform kernel for every
// port in parallel each iteration, advances calibration on its configured
// cadence, and publishes output buffers to the writer layer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/stationdaq/rtstation/internal/calibration"
	"github.com/stationdaq/rtstation/internal/kernel"
	"github.com/stationdaq/rtstation/internal/reconcile"
	"github.com/stationdaq/rtstation/internal/unpack"
	"github.com/stationdaq/rtstation/internal/wire"
)

// ErrPortCannotAlign is returned by Setup when a port's input stream cannot
// reach the shared starting logical packet number.
var ErrPortCannotAlign = errors.New("orchestrator: port cannot reach shared start")

// Reader is the collaborator interface input transports satisfy (file,
// FIFO, Zstd-streamed, shared-memory ring). ReadAtLeast blocks until n bytes
// have been placed in dst, returning fewer only at EOF.
type Reader interface {
	ReadAtLeast(ctx context.Context, dst []byte, n int) (int, error)
}

// Writer is the collaborator interface output transports satisfy.
type Writer interface {
	Write(ctx context.Context, src []byte) (int, error)
}

// PortConfig describes one port's static shape, fixed for the observation
// lifetime.
type PortConfig struct {
	Reader            Reader
	BitMode           wire.BitMode
	BeamletsPerPacket uint8
	ReplayMode        bool

	// BaseBeamlet (beta) and PortOffset (c) place this port's beamlets on
	// the shared, cross-port global beamlet axis (SPEC_FULL.md 4.D).
	BaseBeamlet int
	PortOffset  int
}

// port is the orchestrator's runtime state for one PortConfig.
type port struct {
	cfg PortConfig

	packetLength int
	window       reconcile.Window // 2+P packets
	scratch      *unpack.Scratch  // only used when cfg.BitMode == wire.BitMode4

	lastAccepted int64 // the port's next expected logical packet number
	needsFill    bool  // false only for the Step immediately after Setup

	dropped    int
	outOfOrder int
	total      int // packets accounted for across every Step call (P per iteration)
}

// Config parameterises one Orchestrator for its whole observation.
type Config struct {
	Ports []PortConfig
	P     int // packets per iteration, shared across ports

	Mode       kernel.Mode
	OutputElem kernel.ElemKind

	Calibration    *calibration.Binding // nil if calibration is disabled
	CadenceSamples int64                // calibration cadence, in time samples

	Writers []Writer // mode.NumOutputStreams() of them
}

// Orchestrator owns the observation's full runtime state.
type Orchestrator struct {
	cfg Config

	ports []*port

	totalBeamlets int
	sampleCounter int64

	outBuf [][]byte // reused every Step; valid only until the writer returns
}

// New constructs an Orchestrator from cfg. Call Setup before Step.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Writers) != cfg.Mode.NumOutputStreams() {
		return nil, fmt.Errorf("orchestrator: mode %v needs %d writers, got %d", cfg.Mode.Layout, cfg.Mode.NumOutputStreams(), len(cfg.Writers))
	}

	o := &Orchestrator{cfg: cfg}

	for _, pc := range cfg.Ports {
		p := &port{cfg: pc, packetLength: wire.PacketLength(pc.BitMode, pc.BeamletsPerPacket)}

		packets := make([][]byte, cfg.P+2)
		for i := range packets {
			packets[i] = make([]byte, p.packetLength)
		}

		p.window = reconcile.Window{Packets: packets, PacketLength: p.packetLength}

		if pc.BitMode == wire.BitMode4 {
			p.scratch = unpack.NewScratch(p.packetLength - wire.HeaderLength)
		}

		o.totalBeamlets += int(pc.BeamletsPerPacket)
		o.ports = append(o.ports, p)
	}

	sizes, err := o.outputBufferSizes()
	if err != nil {
		return nil, err
	}

	o.outBuf = make([][]byte, len(sizes))
	for i, n := range sizes {
		o.outBuf[i] = make([]byte, n)
	}

	return o, nil
}

// outputBufferSizes computes the byte length of each output stream for one
// iteration, from the mode's layout, decimation (Stokes only), the shared
// iteration size P, and the cross-port beamlet axis.
func (o *Orchestrator) outputBufferSizes() ([]int, error) {
	elem := o.cfg.OutputElem.Size()
	base := o.cfg.P * wire.TimeslicesPerPacket * o.totalBeamlets

	switch o.cfg.Mode.Layout {
	case kernel.LayoutPacketCopy, kernel.LayoutPacketCopyNoHeader:
		// Raw-copy layouts reproduce one port's own wire bytes; they do
		// not have a merged cross-port beamlet axis to share a buffer
		// over, so this orchestrator only supports them for a single
		// port observation.
		if len(o.ports) != 1 {
			return nil, fmt.Errorf("orchestrator: packet-copy layouts support exactly one port, got %d", len(o.ports))
		}

		pktLen := o.ports[0].packetLength
		if o.cfg.Mode.Layout == kernel.LayoutPacketCopyNoHeader {
			pktLen -= wire.HeaderLength
		}

		return []int{o.cfg.P * pktLen}, nil

	case kernel.LayoutSplitPolarisations, kernel.LayoutTimeMajorSplitPol:
		sizes := make([]int, 4)
		for i := range sizes {
			sizes[i] = base * elem
		}

		return sizes, nil

	case kernel.LayoutTimeMajorAntennaPol:
		sizes := make([]int, 2)
		for i := range sizes {
			sizes[i] = base * 2 * elem
		}

		return sizes, nil

	case kernel.LayoutFrequencyMajor, kernel.LayoutTimeMajorSingle:
		return []int{base * 4 * elem}, nil

	case kernel.LayoutStokes:
		samplesPerPacket := wire.TimeslicesPerPacket / o.cfg.Mode.Decimation
		n := o.cfg.P * samplesPerPacket * o.totalBeamlets * kernel.ElemFloat32.Size()

		sizes := make([]int, o.cfg.Mode.NumOutputStreams())
		for i := range sizes {
			sizes[i] = n
		}

		return sizes, nil

	default:
		return nil, fmt.Errorf("orchestrator: unknown layout %v", o.cfg.Mode.Layout)
	}
}

// Setup fills each port's initial ring, aligns all ports to the maximum of
// their first observed logical packet numbers (discarding leading packets
// on ports that start earlier), and consumes the initial calibration step.
func (o *Orchestrator) Setup(ctx context.Context) error {
	for _, p := range o.ports {
		if err := p.fill(ctx); err != nil {
			return fmt.Errorf("orchestrator: filling port: %w", err)
		}

		p.needsFill = false
	}

	var sharedStart int64

	firstLogical := make([]int64, len(o.ports))

	for i, p := range o.ports {
		h, err := wire.Decode(p.window.Packets[2])
		if err != nil {
			return fmt.Errorf("orchestrator: decoding first packet: %w", err)
		}

		firstLogical[i] = h.LogicalPacketNumber()
		if firstLogical[i] > sharedStart {
			sharedStart = firstLogical[i]
		}
	}

	for i, p := range o.ports {
		for firstLogical[i] < sharedStart {
			pkts := p.window.Packets[2:]
			head := pkts[0]
			copy(pkts, pkts[1:])
			pkts[len(pkts)-1] = head

			if _, err := p.cfg.Reader.ReadAtLeast(ctx, head, p.packetLength); err != nil {
				return fmt.Errorf("%w: port %d stopped at %d, shared start is %d: %v", ErrPortCannotAlign, i, firstLogical[i], sharedStart, err)
			}

			h, err := wire.Decode(p.window.Packets[2])
			if err != nil {
				return fmt.Errorf("orchestrator: decoding packet while aligning port %d: %w", i, err)
			}

			firstLogical[i] = h.LogicalPacketNumber()
		}

		p.lastAccepted = sharedStart
	}

	if o.cfg.Calibration != nil {
		if err := o.cfg.Calibration.Setup(); err != nil {
			return fmt.Errorf("orchestrator: calibration setup: %w", err)
		}
	}

	return nil
}

func (p *port) fill(ctx context.Context) error {
	for i := 2; i < len(p.window.Packets); i++ {
		if _, err := p.cfg.Reader.ReadAtLeast(ctx, p.window.Packets[i], p.packetLength); err != nil {
			return fmt.Errorf("port: reading packet %d: %w", i, err)
		}
	}

	return nil
}

// StepResult summarises one Step call.
type StepResult struct {
	PacketsProduced int
	DroppedThisStep int
	OutOfOrder      int
	EOF             bool
	BytesPerStream  []int // bytes written to each output stream this Step
}

// Step runs one full iteration: refill, reconcile every port in parallel,
// advance calibration if due, dispatch the transform kernel per port, and
// publish output.
func (o *Orchestrator) Step(ctx context.Context) (StepResult, error) {
	g, gctx := errgroup.WithContext(ctx)

	results := make([]reconcile.Result, len(o.ports))

	for i, p := range o.ports {
		i, p := i, p

		g.Go(func() error {
			if p.needsFill {
				if err := p.fill(gctx); err != nil {
					return err
				}
			}

			p.needsFill = true

			res, err := reconcile.Reconcile(p.window, p.lastAccepted, reconcile.Config{ReplayMode: p.cfg.ReplayMode})
			if err != nil && !errors.Is(err, reconcile.ErrReorderingExceeded) {
				return fmt.Errorf("port %d: %w", i, err)
			}

			results[i] = res
			p.lastAccepted += int64(o.cfg.P)
			p.dropped += res.Dropped
			p.outOfOrder += res.OutOfOrder
			p.total += o.cfg.P

			return err
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, reconcile.ErrReorderingExceeded) {
		if errors.Is(err, io.EOF) {
			return StepResult{EOF: true}, nil
		}

		return StepResult{}, err
	}

	if o.cfg.Calibration != nil {
		o.sampleCounter += int64(o.cfg.P * wire.TimeslicesPerPacket)
		if err := o.cfg.Calibration.AdvanceIfDue(o.sampleCounter, o.cfg.CadenceSamples); err != nil {
			return StepResult{}, fmt.Errorf("orchestrator: %w", err)
		}
	}

	out := o.outBuf

	for i, p := range o.ports {
		views, err := p.packetViews(results[i])
		if err != nil {
			return StepResult{}, fmt.Errorf("port %d: %w", i, err)
		}

		ctxK := kernel.Context{
			BitMode:       p.cfg.BitMode,
			Calibrate:     o.cfg.Calibration != nil,
			P:             o.cfg.P,
			BeamletLow:    0,
			BeamletHigh:   int(p.cfg.BeamletsPerPacket) - 1,
			BaseBeamlet:   p.cfg.BaseBeamlet,
			PortOffset:    p.cfg.PortOffset,
			TotalBeamlets: o.totalBeamlets,
			OutputElem:    o.cfg.OutputElem,
		}

		if o.cfg.Calibration != nil {
			jones, offset := o.cfg.Calibration.AsKernelSource(), p.cfg.PortOffset
			ctxK.Jones = func(localBeamlet int) kernel.Jones { return jones(offset + localBeamlet) }
		}

		if err := kernel.Dispatch(ctxK, o.cfg.Mode, views, out); err != nil {
			return StepResult{}, fmt.Errorf("port %d: %w", i, err)
		}
	}

	bytesPerStream := make([]int, len(o.cfg.Writers))

	for i, w := range o.cfg.Writers {
		n, err := w.Write(ctx, out[i])
		if err != nil {
			return StepResult{}, fmt.Errorf("orchestrator: writing stream %d: %w", i, err)
		}

		bytesPerStream[i] = n
	}

	var summary StepResult
	for _, res := range results {
		summary.DroppedThisStep += res.Dropped
		summary.OutOfOrder += res.OutOfOrder
	}

	summary.PacketsProduced = o.cfg.P * len(o.ports)
	summary.BytesPerStream = bytesPerStream

	return summary, nil
}

// packetViews builds the kernel.PacketView slice for one port's iteration
// from the reconciler's plan, expanding 4-bit payloads through the port's
// scratch buffer.
func (p *port) packetViews(res reconcile.Result) ([]kernel.PacketView, error) {
	views := make([]kernel.PacketView, len(res.Plan))

	for i, slot := range res.Plan {
		raw := p.window.Packets[slot.WindowIndex]
		payload := raw[wire.HeaderLength:]

		v := kernel.PacketView{Raw: raw, Beamlets: int(p.cfg.BeamletsPerPacket)}

		switch p.cfg.BitMode {
		case wire.BitMode4:
			v.Samples = p.scratch.Expand(payload)
		case wire.BitMode8:
			v.Samples = bytesToInt8(payload)
		case wire.BitMode16:
			v.Samples16 = bytesToInt16(payload)
		default:
			return nil, fmt.Errorf("orchestrator: unsupported bit mode %v", p.cfg.BitMode)
		}

		views[i] = v
	}

	return views, nil
}

func bytesToInt8(b []byte) []int8 {
	out := make([]int8, len(b))
	for i, v := range b {
		out[i] = int8(v) //nolint:gosec
	}

	return out
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8) //nolint:gosec
	}

	return out
}

// Teardown returns the final per-port summary. It does not close or release
// the calibration binding or any buffers.
func (o *Orchestrator) Teardown() Summary {
	s := Summary{PerPort: make([]PortSummary, len(o.ports))}

	for i, p := range o.ports {
		s.PerPort[i] = PortSummary{Dropped: p.dropped, OutOfOrder: p.outOfOrder, Total: p.total}
	}

	return s
}

// Summary is the teardown report: packets read, dropped, and out-of-order
// per port, matching the user-visible summary in SPEC_FULL.md section 7.
type Summary struct {
	PerPort []PortSummary
}

// PortSummary is one port's lifetime counters. Total is the number of
// logical slots accounted for across the observation (P per Step call),
// the denominator for the drop-budget check in spec.md section 7.
type PortSummary struct {
	Dropped    int
	OutOfOrder int
	Total      int
}
