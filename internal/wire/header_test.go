package wire_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationdaq/rtstation/internal/wire"
)

func buildHeader(t *testing.T, rspVersion uint8, clock200 bool, bitModeField uint8, beamlets, timeslices uint8, coarseTime, sequence uint32) []byte {
	t.Helper()

	buf := make([]byte, wire.HeaderLength)
	buf[0] = rspVersion

	source := uint16(bitModeField) << 8
	if clock200 {
		source |= 1 << 7
	}

	binary.LittleEndian.PutUint16(buf[1:3], source)
	binary.LittleEndian.PutUint16(buf[3:5], 42) // station id
	buf[5] = beamlets
	buf[6] = timeslices
	binary.LittleEndian.PutUint32(buf[8:12], coarseTime)
	binary.LittleEndian.PutUint32(buf[12:16], sequence)

	return buf
}

func TestDecode_ValidHeader(t *testing.T) {
	buf := buildHeader(t, wire.ExpectedRSPVersion, true, 1, 16, 16, 1_700_000_000, 1600)

	h, err := wire.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, wire.BitMode8, h.BitMode)
	assert.True(t, h.ClockIs200MHz)
	assert.Equal(t, uint16(42), h.StationID)
	assert.Equal(t, uint8(16), h.BeamletsPerPacket)
}

func TestDecode_WrongRSPVersion(t *testing.T) {
	buf := buildHeader(t, 2, true, 1, 16, 16, 1_700_000_000, 16)

	_, err := wire.Decode(buf)
	require.ErrorIs(t, err, wire.ErrMalformedHeader)
}

func TestDecode_TooShort(t *testing.T) {
	_, err := wire.Decode(make([]byte, 4))
	require.ErrorIs(t, err, wire.ErrMalformedHeader)
}

func TestDecode_SequenceBeyondTicksPerSecond(t *testing.T) {
	buf := buildHeader(t, wire.ExpectedRSPVersion, true, 1, 16, 16, 1_700_000_000, wire.ClockTicks200MHz+1)

	_, err := wire.Decode(buf)
	require.ErrorIs(t, err, wire.ErrMalformedHeader)
}

func TestDecode_BeforeSanityEpoch(t *testing.T) {
	buf := buildHeader(t, wire.ExpectedRSPVersion, true, 1, 16, 16, 1000, 16)

	_, err := wire.Decode(buf)
	require.ErrorIs(t, err, wire.ErrMalformedHeader)
}

func TestLogicalPacketNumber_AdvancesBy1PerPacket(t *testing.T) {
	const coarse = 1_700_000_000

	first := buildHeader(t, wire.ExpectedRSPVersion, true, 1, 16, 16, coarse, 1600)
	second := buildHeader(t, wire.ExpectedRSPVersion, true, 1, 16, 16, coarse, 1616)

	h1, err := wire.Decode(first)
	require.NoError(t, err)

	h2, err := wire.Decode(second)
	require.NoError(t, err)

	assert.Equal(t, h1.LogicalPacketNumber()+1, h2.LogicalPacketNumber())
}

func TestPacketLength_DerivedNotHardcoded(t *testing.T) {
	// 8-bit mode, 244 beamlets: 16*244*2*2*8/8 + 16 = 16*244*4 + 16.
	got := wire.PacketLength(wire.BitMode8, 244)
	assert.Equal(t, 16*244*2*2*8/8+16, got)

	// 4-bit mode halves the payload relative to 8-bit.
	eight := wire.PacketLength(wire.BitMode8, 16) - wire.HeaderLength
	four := wire.PacketLength(wire.BitMode4, 16) - wire.HeaderLength
	assert.Equal(t, eight/2, four)
}

func TestPutSequence_RoundTrips(t *testing.T) {
	buf := buildHeader(t, wire.ExpectedRSPVersion, true, 1, 16, 16, 1_700_000_000, 1600)

	wire.PutSequence(buf, 3200)

	h, err := wire.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(3200), h.Sequence)
}
