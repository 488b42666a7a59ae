package calibration_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationdaq/rtstation/internal/calibration"
)

// encodeStep writes one calibration step (one Jones matrix per beamlet, with
// all 8 coefficients set to value) in the producer's wire format.
func encodeStep(beamlets int, value float32) []byte {
	var buf bytes.Buffer

	for i := 0; i < beamlets; i++ {
		for j := 0; j < 8; j++ {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(value))
			buf.Write(b[:])
		}
	}

	return buf.Bytes()
}

func TestBinding_SetupConsumesInitialStep(t *testing.T) {
	r := bytes.NewReader(encodeStep(2, 1.5))
	b := calibration.New(r, 2)

	require.NoError(t, b.Setup())
	assert.Equal(t, int64(1), b.StepsGenerated())
	assert.Equal(t, float32(1.5), b.Jones(0)[0])
	assert.Equal(t, float32(1.5), b.Jones(1)[7])
}

func TestBinding_AdvanceIfDue_BlocksUntilCadenceCrossed(t *testing.T) {
	data := append(encodeStep(1, 1.0), encodeStep(1, 2.0)...)
	r := bytes.NewReader(data)
	b := calibration.New(r, 1)

	require.NoError(t, b.Setup())
	assert.Equal(t, float32(1.0), b.Jones(0)[0])

	// Cadence of 100 samples per step: sample 50 is still within step 0.
	require.NoError(t, b.AdvanceIfDue(50, 100))
	assert.Equal(t, int64(1), b.StepsGenerated())
	assert.Equal(t, float32(1.0), b.Jones(0)[0])

	// Sample 100 crosses into step 1, forcing a read of the next step.
	require.NoError(t, b.AdvanceIfDue(100, 100))
	assert.Equal(t, int64(2), b.StepsGenerated())
	assert.Equal(t, float32(2.0), b.Jones(0)[0])
}

func TestBinding_ProducerExhausted_ReturnsCalibrationUnavailable(t *testing.T) {
	r := bytes.NewReader(encodeStep(1, 1.0)) // only one step available
	b := calibration.New(r, 1)

	require.NoError(t, b.Setup())

	err := b.AdvanceIfDue(1, 1) // sample 1 crosses into step 1, which the producer never sends
	require.ErrorIs(t, err, calibration.ErrCalibrationUnavailable)
}
