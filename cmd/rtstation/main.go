// Command rtstation ingests station packets on one or more input transports,
// reconciles and transforms them per the configured mode, and publishes the
// result to one or more output transports. See SPEC_FULL.md for the full
// component breakdown this binary wires together.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/stationdaq/rtstation/internal/calibration"
	"github.com/stationdaq/rtstation/internal/config"
	"github.com/stationdaq/rtstation/internal/kernel"
	"github.com/stationdaq/rtstation/internal/metadata"
	"github.com/stationdaq/rtstation/internal/obslog"
	"github.com/stationdaq/rtstation/internal/orchestrator"
	"github.com/stationdaq/rtstation/internal/transport"
	"github.com/stationdaq/rtstation/internal/wire"
)

// exit codes per spec.md section 6.
const (
	exitSuccess          = 0
	exitUsage            = 1
	exitIOFailure        = 2
	exitIntegrityFailure = 3
)

// dropBudgetPercent is the fraction of a port's packets that may be
// dropped before the observation is declared an integrity failure, per
// spec.md section 7.
const dropBudgetPercent = 20

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log := obslog.Default("rtstation")

	plan, err := config.Parse(args)
	if err != nil {
		if errors.Is(err, config.ErrUsage) {
			fmt.Fprintln(os.Stderr, err)
			return exitUsage
		}

		log.Error("parsing configuration", "err", err)
		return exitUsage
	}

	ctx := context.Background()

	o, closers, err := buildOrchestrator(plan, log)
	defer closeAll(closers, log)

	if err != nil {
		log.Error("building orchestrator", "err", err)
		return classifyExitCode(err)
	}

	if err := o.Setup(ctx); err != nil {
		log.Error("setup failed", "err", err)
		return classifyExitCode(err)
	}

	var (
		packetsRead    int
		bytesPerStream []int
	)

	deadline := time.Now().Add(time.Duration(plan.DurationSec) * time.Second)

	for plan.DurationSec == 0 || time.Now().Before(deadline) {
		res, err := o.Step(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}

			log.Error("step failed", "err", err)

			summary := o.Teardown()
			logSummary(log, packetsRead, bytesPerStream, summary)

			return classifyExitCode(err)
		}

		if res.EOF {
			break
		}

		packetsRead += res.PacketsProduced
		accumulateBytesPerStream(&bytesPerStream, res.BytesPerStream)
	}

	summary := o.Teardown()
	logSummary(log, packetsRead, bytesPerStream, summary)

	if portExceededDropBudget(summary) {
		return exitIntegrityFailure
	}

	return exitSuccess
}

// accumulateBytesPerStream adds one Step's per-stream byte counts into the
// running total, growing the total on the first call.
func accumulateBytesPerStream(total *[]int, step []int) {
	if *total == nil {
		*total = make([]int, len(step))
	}

	for i, n := range step {
		(*total)[i] += n
	}
}

// portExceededDropBudget implements spec.md section 7's integrity-failure
// rule: more than dropBudgetPercent% of a port's packets lost.
func portExceededDropBudget(s orchestrator.Summary) bool {
	for _, p := range s.PerPort {
		if p.Total > 0 && p.Dropped*100 > p.Total*dropBudgetPercent {
			return true
		}
	}

	return false
}

func logSummary(log *obslog.Logger, packetsRead int, bytesPerStream []int, s orchestrator.Summary) {
	dropped := make([]int, len(s.PerPort))
	outOfOrder := make([]int, len(s.PerPort))

	for i, p := range s.PerPort {
		dropped[i] = p.Dropped
		outOfOrder[i] = p.OutOfOrder
	}

	log.Summary(packetsRead, dropped, outOfOrder, bytesPerStream)
}

func classifyExitCode(err error) int {
	switch {
	case errors.Is(err, config.ErrUsage):
		return exitUsage
	case errors.Is(err, kernel.ErrModeUnsupported),
		errors.Is(err, calibration.ErrCalibrationUnavailable),
		errors.Is(err, orchestrator.ErrPortCannotAlign):
		return exitIntegrityFailure
	default:
		return exitIOFailure
	}
}

// buildOrchestrator wires a config.ObservationPlan into a runnable
// Orchestrator: one Reader per configured port, one Writer per output
// stream the selected mode requires, the metadata sidecar (if configured),
// and calibration if enabled.
func buildOrchestrator(plan config.ObservationPlan, log *obslog.Logger) (*orchestrator.Orchestrator, []closer, error) {
	var closers []closer

	mode, err := decodeMode(plan.Mode)
	if err != nil {
		return nil, closers, err
	}

	ports, err := buildPorts(plan, &closers)
	if err != nil {
		return nil, closers, err
	}

	writers, hdf5Writer, err := buildWriters(plan, mode, &closers)
	if err != nil {
		return nil, closers, err
	}

	if err := writeMetadataSidecar(plan, hdf5Writer, &closers); err != nil {
		return nil, closers, err
	}

	var calBinding *calibration.Binding

	if plan.CalibrationEnabled {
		totalBeamlets := 0
		for _, p := range ports {
			totalBeamlets += int(p.BeamletsPerPacket)
		}

		pipePath := filepath.Join(filepath.Dir(plan.OutputFormat), "calibration.pipe")

		r, err := transport.OpenFIFOReader(pipePath)
		if err != nil {
			return nil, closers, fmt.Errorf("opening calibration pipe: %w", err)
		}

		closers = append(closers, r)
		calBinding = calibration.New(fifoBinaryReader{r}, totalBeamlets)
	}

	cfg := orchestrator.Config{
		Ports:          ports,
		P:              plan.PacketsPerIteration,
		Mode:           mode,
		OutputElem:     kernel.ElemFloat32,
		Calibration:    calBinding,
		CadenceSamples: int64(plan.CalibrationDurationSec) * wire.ClockTicks200MHz,
		Writers:        writers,
	}

	o, err := orchestrator.New(cfg)
	if err != nil {
		return nil, closers, fmt.Errorf("constructing orchestrator: %w", err)
	}

	log.Info("orchestrator built", "ports", len(ports), "mode", plan.Mode, "calibration", plan.CalibrationEnabled)

	return o, closers, nil
}

// closer is the common interface satisfied by every transport adapter.
type closer interface {
	Close() error
}

func closeAll(closers []closer, log *obslog.Logger) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Warn("closing transport", "err", err)
		}
	}
}

// fifoBinaryReader adapts *transport.FIFOReader to io.Reader for the
// calibration binding, which reads fixed-size chunks via io.ReadFull rather
// than the orchestrator's ReadAtLeast contract.
type fifoBinaryReader struct {
	r *transport.FIFOReader
}

func (f fifoBinaryReader) Read(p []byte) (int, error) {
	return f.r.ReadAtLeast(context.Background(), p, len(p))
}

func buildPorts(plan config.ObservationPlan, closers *[]closer) ([]orchestrator.PortConfig, error) {
	if len(plan.Ports) == 0 {
		return nil, fmt.Errorf("%w: no ports configured", config.ErrUsage)
	}

	ports := make([]orchestrator.PortConfig, len(plan.Ports))
	cumulative := 0

	for i, pp := range plan.Ports {
		reader, err := openReader(pp)
		if err != nil {
			return nil, err
		}

		*closers = append(*closers, reader.(closer))

		ports[i] = orchestrator.PortConfig{
			Reader:            reader,
			BitMode:           wire.BitMode(pp.BitMode), //nolint:gosec
			BeamletsPerPacket: uint8(pp.Beamlets),        //nolint:gosec
			ReplayMode:        plan.ReplayDrops,
			BaseBeamlet:       pp.BaseBeamlet,
			PortOffset:        cumulative,
		}

		cumulative += pp.Beamlets
	}

	return ports, nil
}

func openReader(pp config.PortPlan) (orchestrator.Reader, error) {
	switch pp.Transport {
	case "file":
		return transport.OpenFileReader(pp.Path)
	case "fifo":
		return transport.OpenFIFOReader(pp.Path)
	case "zstd":
		return transport.OpenZstdReader(pp.Path, true)
	case "shm":
		packetLength := wire.PacketLength(wire.BitMode(pp.BitMode), uint8(pp.Beamlets)) //nolint:gosec
		return transport.OpenShmReader(pp.ShmKey, pp.ShmCapacity, packetLength, pp.Path+".lock")
	default:
		return nil, fmt.Errorf("%w: unknown input transport %q", config.ErrUsage, pp.Transport)
	}
}

// buildWriters constructs one Writer per output plan entry, also returning
// the *transport.HDF5Writer among them (nil if none) so the metadata
// sidecar can attach attributes to its group when MetadataFormat is
// "hdf5".
func buildWriters(plan config.ObservationPlan, mode kernel.Mode, closers *[]closer) ([]orchestrator.Writer, *transport.HDF5Writer, error) {
	need := mode.NumOutputStreams()

	if len(plan.Outputs) != need {
		return nil, nil, fmt.Errorf("%w: mode needs %d output streams, got %d configured", config.ErrUsage, need, len(plan.Outputs))
	}

	writers := make([]orchestrator.Writer, need)

	var hdf5Writer *transport.HDF5Writer

	for i, op := range plan.Outputs {
		w, err := openWriter(op)
		if err != nil {
			return nil, nil, err
		}

		*closers = append(*closers, w.(closer))
		writers[i] = w

		if hw, ok := w.(*transport.HDF5Writer); ok {
			hdf5Writer = hw
		}
	}

	return writers, hdf5Writer, nil
}

func openWriter(op config.OutputPlan) (orchestrator.Writer, error) {
	switch op.Transport {
	case "file":
		return transport.CreateFileWriter(op.Path, 1<<20)
	case "fifo":
		return transport.OpenFIFOWriter(op.Path)
	case "zstd":
		return transport.CreateZstdWriter(op.Path)
	case "shm":
		return transport.OpenShmWriter(op.ShmKey, op.ShmCapacity)
	case "hdf5":
		return transport.CreateHDF5Writer(op.Path, op.Dataset, transport.HDF5Options{
			Cols:           op.Cols,
			ElementSize:    op.ElementSize,
			BitshuffleZstd: op.Bitshuffle,
		})
	default:
		return nil, fmt.Errorf("%w: unknown output transport %q", config.ErrUsage, op.Transport)
	}
}

// writeMetadataSidecar encodes the observation's metadata fields through
// the format named by plan.MetadataFormat, before any data byte is
// written. A blank MetadataFormat disables the sidecar entirely.
func writeMetadataSidecar(plan config.ObservationPlan, hdf5Writer *transport.HDF5Writer, closers *[]closer) error {
	if plan.MetadataFormat == "" {
		return nil
	}

	fs := observationFields(plan)

	if plan.MetadataFormat == "hdf5" {
		if hdf5Writer == nil {
			return fmt.Errorf("%w: metadata format hdf5 requires an hdf5 output stream", config.ErrUsage)
		}

		group, err := hdf5Writer.Group()
		if err != nil {
			return fmt.Errorf("opening hdf5 root group for metadata: %w", err)
		}
		defer group.Close()

		return metadata.NewHDF5AttributeEncoder(group).Encode(fs)
	}

	f, err := os.Create(plan.MetadataPath) //nolint:gosec
	if err != nil {
		return fmt.Errorf("%w: creating metadata sidecar %s: %v", config.ErrUsage, plan.MetadataPath, err)
	}

	*closers = append(*closers, f)

	var enc metadata.Encoder

	switch plan.MetadataFormat {
	case "flat":
		enc = metadata.NewFlatEncoder(f)
	case "filterbank":
		enc = metadata.NewFilterbankEncoder(f)
	case "ringblock":
		enc = metadata.NewRingBlockEncoder(f)
	default:
		return fmt.Errorf("%w: unknown metadata format %q", config.ErrUsage, plan.MetadataFormat)
	}

	return enc.Encode(fs)
}

// observationFields builds the shared metadata field set every encoder
// writes, from the resolved plan.
func observationFields(plan config.ObservationPlan) *metadata.FieldSet {
	return metadata.NewFieldSet().
		AddInt32("numPorts", int32(plan.NumPorts)).                         //nolint:gosec
		AddInt32("mode", int32(plan.Mode)).                                 //nolint:gosec
		AddInt32("packetsPerIteration", int32(plan.PacketsPerIteration)).   //nolint:gosec
		AddInt32("beamletLow", int32(plan.Beamlets.Low)).                   //nolint:gosec
		AddInt32("beamletHigh", int32(plan.Beamlets.High)).                 //nolint:gosec
		AddInt32("startSec", int32(plan.StartSec)).                        //nolint:gosec
		AddInt32("durationSec", int32(plan.DurationSec)).                   //nolint:gosec
		AddString("replayDrops", strconv.FormatBool(plan.ReplayDrops))
}

// decodeMode maps spec.md's symbolic mode codes onto a kernel.Mode. Codes
// below 100 select a non-Stokes layout; codes ≥100 select a Stokes product
// at mode = 100 + productIndex*20 + decimationIndex, where decimationIndex
// 0..4 maps to decimation factor 2^decimationIndex (matching S2's mode=100
// for Stokes I at decimation 1, and S3's mode=101 for Stokes I at
// decimation 2).
func decodeMode(code int) (kernel.Mode, error) {
	switch code {
	case 0:
		return kernel.Mode{Layout: kernel.LayoutPacketCopy}, nil
	case 1:
		return kernel.Mode{Layout: kernel.LayoutPacketCopyNoHeader}, nil
	case 10:
		return kernel.Mode{Layout: kernel.LayoutSplitPolarisations}, nil
	case 20:
		return kernel.Mode{Layout: kernel.LayoutFrequencyMajor, Ordering: kernel.OrderFrequencyMajor}, nil
	case 21:
		return kernel.Mode{Layout: kernel.LayoutFrequencyMajor, Ordering: kernel.OrderReversedFrequencyMajor}, nil
	case 30:
		return kernel.Mode{Layout: kernel.LayoutTimeMajorSingle, Ordering: kernel.OrderTimeMajor}, nil
	case 31:
		return kernel.Mode{Layout: kernel.LayoutTimeMajorSplitPol, Ordering: kernel.OrderTimeMajor}, nil
	case 32:
		return kernel.Mode{Layout: kernel.LayoutTimeMajorAntennaPol, Ordering: kernel.OrderTimeMajor}, nil
	}

	if code < 100 {
		return kernel.Mode{}, fmt.Errorf("%w: unknown mode code %d", kernel.ErrModeUnsupported, code)
	}

	offset := code - 100

	productIndex := offset / 20
	decimationIndex := offset % 20

	products := []kernel.StokesProduct{
		kernel.StokesI, kernel.StokesQ, kernel.StokesU, kernel.StokesV,
		kernel.StokesIV, kernel.StokesIQUV,
	}

	if productIndex >= len(products) || decimationIndex > 4 {
		return kernel.Mode{}, fmt.Errorf("%w: unknown mode code %d", kernel.ErrModeUnsupported, code)
	}

	decimation := 1 << decimationIndex //nolint:gosec

	return kernel.Mode{
		Layout:     kernel.LayoutStokes,
		Ordering:   kernel.OrderFrequencyMajor,
		Stokes:     products[productIndex],
		Decimation: decimation,
	}, nil
}
