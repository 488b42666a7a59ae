// Package calibration binds the per-beamlet polarimetric calibration
// pipeline: it reads sequential steps of Jones matrices from an external
// producer and serves the currently-cached step to the transform kernels,
// advancing on a configured cadence.
//
// The producer contract (SPEC_FULL.md section 4.E): for each step, an
// external process writes totalBeamlets Jones matrices (8 little-endian
// float32 values each) into a named pipe, one step at a time, blocking
// between steps.
package calibration

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/stationdaq/rtstation/internal/kernel"
)

// ErrCalibrationUnavailable is returned when the producer cannot supply the
// next step (closed pipe, short read, malformed stream). It aborts the
// iteration per SPEC_FULL.md section 7.
var ErrCalibrationUnavailable = errors.New("calibration: producer unavailable")

const bytesPerJones = 8 * 4 // 8 float32 values

// Binding owns the calibration cache for one observation: it reads whole
// steps on demand from r and hands out Jones matrices per beamlet.
type Binding struct {
	mu sync.Mutex

	r             io.Reader
	totalBeamlets int

	current []kernel.Jones // len == totalBeamlets, the currently-cached step

	calibrationStep           int64 // the step index consumers are reading
	calibrationStepsGenerated int64 // steps the producer has delivered so far
}

// New constructs a Binding that reads steps from r, each step carrying
// totalBeamlets Jones matrices. Callers must call Setup once before any
// other method.
func New(r io.Reader, totalBeamlets int) *Binding {
	return &Binding{r: r, totalBeamlets: totalBeamlets}
}

// Setup consumes the initial step, per SPEC_FULL.md section 4.E ("Initial
// step is consumed during setup").
func (b *Binding) Setup() error {
	return b.advance()
}

// advance blocks reading one full step from the producer and installs it as
// the current cache, bumping both counters.
func (b *Binding) advance() error {
	step := make([]kernel.Jones, b.totalBeamlets)
	buf := make([]byte, bytesPerJones)

	for i := range step {
		if _, err := io.ReadFull(b.r, buf); err != nil {
			return fmt.Errorf("%w: reading beamlet %d of step %d: %v", ErrCalibrationUnavailable, i, b.calibrationStepsGenerated, err)
		}

		for j := 0; j < 8; j++ {
			step[i][j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:]))
		}
	}

	b.mu.Lock()
	b.current = step
	b.calibrationStepsGenerated++
	b.calibrationStep = b.calibrationStepsGenerated - 1
	b.mu.Unlock()

	return nil
}

// Jones returns the Jones matrix currently cached for beamlet.
func (b *Binding) Jones(beamlet int) kernel.Jones {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.current[beamlet]
}

// AsKernelSource returns a closure suitable for kernel.Context.Jones.
func (b *Binding) AsKernelSource() func(int) kernel.Jones {
	return b.Jones
}

// AdvanceIfDue checks whether the sample counter has crossed the configured
// calibration cadence boundary and, if so, blocks until the producer
// delivers the next step. cadenceSamples is the number of time samples one
// calibration step covers; sampleCounter is the observation's running
// sample count as of this iteration.
func (b *Binding) AdvanceIfDue(sampleCounter int64, cadenceSamples int64) error {
	if cadenceSamples <= 0 {
		return fmt.Errorf("%w: non-positive calibration cadence", ErrCalibrationUnavailable)
	}

	wantStep := sampleCounter / cadenceSamples

	b.mu.Lock()
	needMore := wantStep >= b.calibrationStepsGenerated
	b.mu.Unlock()

	if !needMore {
		return nil
	}

	return b.advance()
}

// Step reports the step index consumers are currently reading.
func (b *Binding) Step() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.calibrationStep
}

// StepsGenerated reports how many steps the producer has delivered so far.
func (b *Binding) StepsGenerated() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.calibrationStepsGenerated
}
