package kernel

// Index algebra for the beamlet-major output layouts, per SPEC_FULL.md
// section 4.D. b is the packet-absolute beamlet index, beta the port's base
// beamlet, c the port's cumulative beamlet offset into the global axis, and
// totalBeamlets (T) the number of beamlets selected across all ports.
//
// strideF is 16 for split-pol single-component outputs, 64 (16*4) for
// interleaved-pol outputs, and 1 for Stokes variants — callers pass the
// value appropriate to their output stream.

// FrequencyMajorIndex returns the output offset for a beamlet-outer,
// time-inner stream.
func FrequencyMajorIndex(outputPacketOffset, b, beta, c, strideF int) int {
	return outputPacketOffset + (b-beta+c)*strideF
}

// ReversedFrequencyMajorIndex is FrequencyMajorIndex with the beamlet axis
// flipped within the iteration.
func ReversedFrequencyMajorIndex(outputPacketOffset, b, beta, c, totalBeamlets, strideF int) int {
	return outputPacketOffset + (totalBeamlets-1-(b-beta+c))*strideF
}

// TimeMajorIndex returns the output offset for a beamlet that runs through
// all P iterations of its own contiguous region before the axis advances to
// the next beamlet. decimationFactor divides the 16 timeslices per packet
// down to the number of samples actually emitted per packet.
func TimeMajorIndex(b, beta, c, p, iLoop, decimationFactor int) int {
	samplesPerPacket := 16 / decimationFactor

	return (b-beta+c)*p*samplesPerPacket + iLoop*samplesPerPacket
}

// strideF values for each output stream kind, per the convention described
// at the top of this file.
const (
	strideSplitPolSingle    = 16
	strideInterleavedPol    = 16 * 4
	strideStokesPerProduct  = 1
)
