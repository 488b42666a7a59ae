// Package wire decodes the fixed 16-byte station packet header.
//
// Layout (all multi-byte fields little-endian):
//
//	byte 0      RSP version
//	bytes 1-2   source (bitfields: rsp-id:5 reserved:1 error:1 clock:1 bitmode:2 reserved:6)
//	bytes 3-4   station id
//	byte 5      beamlets per packet
//	byte 6      timeslices (always 16)
//	byte 7      unused padding to align the 32-bit fields that follow
//	bytes 8-11  coarse time (seconds)
//	bytes 12-15 sequence (ticks within the second, multiple of 16)
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// HeaderLength is the size in bytes of the fixed packet header.
	HeaderLength = 16

	// TimeslicesPerPacket is always 16 for this wire format.
	TimeslicesPerPacket = 16

	// ExpectedRSPVersion is the only RSP version this decoder accepts.
	ExpectedRSPVersion = 3

	// ClockTicks200MHz and ClockTicks160MHz are the logical-number divisors
	// for the two supported station clock rates.
	ClockTicks200MHz = 195312
	ClockTicks160MHz = 156250
)

// sanityEpoch is the earliest coarse-time value considered plausible. Packets
// that claim to predate it are rejected as malformed rather than accepted and
// fed into reconciliation with a nonsensical logical number.
var sanityEpoch = time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC).Unix()

// ErrMalformedHeader is returned by Decode when a header fails validation.
var ErrMalformedHeader = errors.New("wire: malformed packet header")

// BitMode is the sample width in bits of each quadrature component.
type BitMode uint8

const (
	BitMode16 BitMode = 16
	BitMode8  BitMode = 8
	BitMode4  BitMode = 4
)

func bitModeFromField(field uint8) (BitMode, error) {
	switch field & 0x3 {
	case 0:
		return BitMode16, nil
	case 1:
		return BitMode8, nil
	case 2:
		return BitMode4, nil
	default:
		return 0, fmt.Errorf("%w: reserved bitmode field value %d", ErrMalformedHeader, field&0x3)
	}
}

// Header is the decoded, validated content of one packet header.
type Header struct {
	RSPVersion        uint8
	RSPID             uint8
	ClockIs200MHz     bool
	ErrorFlag         bool
	BitMode           BitMode
	StationID         uint16
	BeamletsPerPacket uint8
	Timeslices        uint8
	CoarseTime        uint32
	Sequence          uint32
}

// TicksPerSecond returns the clock tick rate implied by the header's clock bit.
func (h Header) TicksPerSecond() uint32 {
	if h.ClockIs200MHz {
		return ClockTicks200MHz
	}

	return ClockTicks160MHz
}

// LogicalPacketNumber maps (coarse time, sequence) onto the dense monotonic
// integer used throughout reconciliation, per spec.md section 3.
func (h Header) LogicalPacketNumber() int64 {
	return (int64(h.CoarseTime)*int64(h.TicksPerSecond()) + int64(h.Sequence)) / TimeslicesPerPacket
}

// Decode parses the 16-byte header at the front of buf. buf must be at least
// HeaderLength bytes; Decode never reads past HeaderLength.
//
// Decode is a pure function: same bytes in, same Header (or error) out, no
// side effects, and branch-predictable enough to run once per packet on the
// hot path.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderLength {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrMalformedHeader, len(buf))
	}

	var h Header

	h.RSPVersion = buf[0]
	if h.RSPVersion != ExpectedRSPVersion {
		return Header{}, fmt.Errorf("%w: rsp version %d != %d", ErrMalformedHeader, h.RSPVersion, ExpectedRSPVersion)
	}

	source := binary.LittleEndian.Uint16(buf[1:3])
	h.RSPID = uint8(source & 0x1F) //nolint:gosec
	h.ErrorFlag = source&(1<<6) != 0
	h.ClockIs200MHz = source&(1<<7) != 0

	bitMode, err := bitModeFromField(uint8(source >> 8)) //nolint:gosec
	if err != nil {
		return Header{}, err
	}

	h.BitMode = bitMode

	h.StationID = binary.LittleEndian.Uint16(buf[3:5])
	h.BeamletsPerPacket = buf[5]
	h.Timeslices = buf[6]

	if h.Timeslices != TimeslicesPerPacket {
		return Header{}, fmt.Errorf("%w: timeslices %d != %d", ErrMalformedHeader, h.Timeslices, TimeslicesPerPacket)
	}

	h.CoarseTime = binary.LittleEndian.Uint32(buf[8:12])
	h.Sequence = binary.LittleEndian.Uint32(buf[12:16])

	if int64(h.CoarseTime) < sanityEpoch {
		return Header{}, fmt.Errorf("%w: coarse time %d predates sanity epoch", ErrMalformedHeader, h.CoarseTime)
	}

	if h.Sequence > h.TicksPerSecond() {
		return Header{}, fmt.Errorf("%w: sequence %d exceeds ticks-per-second %d", ErrMalformedHeader, h.Sequence, h.TicksPerSecond())
	}

	return h, nil
}

// PutSequence rewrites the sequence field of a header in place, used by the
// reconciler to stamp a plausible sequence number onto a synthesised
// prefix-pad packet in raw-copy mode.
func PutSequence(buf []byte, sequence uint32) {
	binary.LittleEndian.PutUint32(buf[12:16], sequence)
}

// PacketLength returns the total on-wire length of a packet (header +
// payload) for the given bit mode and beamlet count. It is the single
// source of truth other components must derive sizes from — never a literal
// like the reference implementation's hard-coded 7824.
func PacketLength(bitMode BitMode, beamletsPerPacket uint8) int {
	const polarisations = 2
	const quadratureComponents = 2

	bits := TimeslicesPerPacket * int(beamletsPerPacket) * polarisations * quadratureComponents * int(bitMode)

	return HeaderLength + bits/8
}
