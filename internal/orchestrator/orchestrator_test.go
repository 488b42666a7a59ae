package orchestrator_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationdaq/rtstation/internal/kernel"
	"github.com/stationdaq/rtstation/internal/orchestrator"
	"github.com/stationdaq/rtstation/internal/wire"
)

const testTicksPerSecond = wire.ClockTicks200MHz
const testBase = 1_700_000_000 * (testTicksPerSecond / wire.TimeslicesPerPacket)

// packetAt builds one valid bitmode-8 packet with the given beamlet count for
// logical packet number testBase+logical, payload bytes all equal to fill.
func packetAt(logical int64, beamlets uint8, fill byte) []byte {
	packetLen := wire.PacketLength(wire.BitMode8, beamlets)
	buf := make([]byte, packetLen)

	buf[0] = wire.ExpectedRSPVersion
	binary.LittleEndian.PutUint16(buf[1:3], 1<<7|1<<8) // 200MHz clock, bitmode field 1 (8-bit)
	buf[5] = beamlets
	buf[6] = wire.TimeslicesPerPacket

	total := (testBase + logical) * wire.TimeslicesPerPacket
	coarse := total / testTicksPerSecond
	seq := total % testTicksPerSecond

	binary.LittleEndian.PutUint32(buf[8:12], uint32(coarse)) //nolint:gosec
	binary.LittleEndian.PutUint32(buf[12:16], uint32(seq))   //nolint:gosec

	for i := wire.HeaderLength; i < packetLen; i++ {
		buf[i] = fill
	}

	return buf
}

// sequentialReader hands back fixed-size frames from a concatenated byte
// stream, one ReadAtLeast call per frame, matching the "deliver >= N bytes
// or EOF" reader contract.
type sequentialReader struct {
	frames [][]byte
	next   int
}

func (r *sequentialReader) ReadAtLeast(_ context.Context, dst []byte, n int) (int, error) {
	if r.next >= len(r.frames) {
		return 0, io.EOF
	}

	f := r.frames[r.next]
	r.next++

	if len(f) < n {
		return 0, io.ErrUnexpectedEOF
	}

	return copy(dst, f), nil
}

// captureWriter records every Write call's bytes, concatenated.
type captureWriter struct {
	buf bytes.Buffer
}

func (w *captureWriter) Write(_ context.Context, src []byte) (int, error) {
	return w.buf.Write(src)
}

func TestOrchestrator_S1_RawCopyNoDrops(t *testing.T) {
	const beamlets = 4
	const p = 4

	// Setup's fill reads these P frames to learn the start logical number;
	// the first Step reconciles that same window without refilling, so the
	// first iteration's packets are exactly logical 0..p-1. The second
	// iteration's frames are queued right after for the second Step call.
	frames := make([][]byte, 0, p*2)
	for i := int64(0); i < p*2; i++ {
		frames = append(frames, packetAt(i, beamlets, byte(i)))
	}

	reader := &sequentialReader{frames: frames}
	writer := &captureWriter{}

	cfg := orchestrator.Config{
		Ports: []orchestrator.PortConfig{{
			Reader:            reader,
			BitMode:           wire.BitMode8,
			BeamletsPerPacket: beamlets,
		}},
		P:          p,
		Mode:       kernel.Mode{Layout: kernel.LayoutPacketCopy},
		OutputElem: kernel.ElemInt8,
		Writers:    []orchestrator.Writer{writer},
	}

	o, err := orchestrator.New(cfg)
	require.NoError(t, err)
	require.NoError(t, o.Setup(context.Background()))

	res, err := o.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.DroppedThisStep)
	assert.Equal(t, 0, res.OutOfOrder)
	assert.Equal(t, p, res.PacketsProduced)

	packetLen := wire.PacketLength(wire.BitMode8, beamlets)
	assert.Equal(t, p*packetLen, writer.buf.Len())

	for i := 0; i < p; i++ {
		got := writer.buf.Bytes()[i*packetLen : (i+1)*packetLen]
		assert.Equal(t, byte(i), got[wire.HeaderLength], "packet %d payload marker", i)
	}

	// Second Step refills the window with the next P frames (logical p..2p-1).
	res, err = o.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.DroppedThisStep)
	assert.Equal(t, 0, res.OutOfOrder)

	secondIteration := writer.buf.Bytes()[p*packetLen:]
	for i := 0; i < p; i++ {
		got := secondIteration[i*packetLen : (i+1)*packetLen]
		assert.Equal(t, byte(p+i), got[wire.HeaderLength], "second iteration packet %d payload marker", i)
	}
}

func TestOrchestrator_S5_GapsCountAsDrops(t *testing.T) {
	const beamlets = 4
	const p = 4

	// Setup's fill reads exactly these P frames and decodes window[2]
	// (the first of them) to learn the observation's start logical number,
	// then the first Step reconciles this same window without refilling.
	frames := [][]byte{
		packetAt(100, beamlets, 1),
		packetAt(101, beamlets, 1),
		packetAt(104, beamlets, 1), // 102, 103 missing
		packetAt(999, beamlets, 1),
	}

	reader := &sequentialReader{frames: frames}
	writer := &captureWriter{}

	cfg := orchestrator.Config{
		Ports: []orchestrator.PortConfig{{
			Reader:            reader,
			BitMode:           wire.BitMode8,
			BeamletsPerPacket: beamlets,
		}},
		P:          p,
		Mode:       kernel.Mode{Layout: kernel.LayoutPacketCopy},
		OutputElem: kernel.ElemInt8,
		Writers:    []orchestrator.Writer{writer},
	}

	o, err := orchestrator.New(cfg)
	require.NoError(t, err)
	require.NoError(t, o.Setup(context.Background()))

	res, err := o.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.DroppedThisStep)
	assert.Equal(t, 0, res.OutOfOrder)
}

func TestOrchestrator_PacketCopyRejectsMultiplePorts(t *testing.T) {
	cfg := orchestrator.Config{
		Ports: []orchestrator.PortConfig{
			{BitMode: wire.BitMode8, BeamletsPerPacket: 4},
			{BitMode: wire.BitMode8, BeamletsPerPacket: 4},
		},
		P:          4,
		Mode:       kernel.Mode{Layout: kernel.LayoutPacketCopy},
		OutputElem: kernel.ElemInt8,
		Writers:    []orchestrator.Writer{&captureWriter{}},
	}

	_, err := orchestrator.New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "packet-copy layouts support exactly one port")
}
