package unpack_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/stationdaq/rtstation/internal/unpack"
)

func TestExpand_S4Scenario(t *testing.T) {
	// spec.md S4: payload byte 0x7F -> upper nibble 7, lower nibble -1.
	dst := make([]int8, 2)
	unpack.Expand(dst, []byte{0x7F})

	assert.EqualValues(t, -1, dst[0], "lower nibble arrives first")
	assert.EqualValues(t, 7, dst[1])
}

func TestExpand_AllBytesSignExtendCorrectly(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := byte(rapid.IntRange(0, 255).Draw(t, "byte"))

		dst := make([]int8, 2)
		unpack.Expand(dst, []byte{b})

		lower := int8(b << 4) //nolint:gosec
		lower >>= 4
		upper := int8(b) >> 4 //nolint:gosec

		assert.Equal(t, lower, dst[0])
		assert.Equal(t, upper, dst[1])
	})
}

func TestExpand_WritesTwicePerInputByte(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		src := rapid.SliceOf(rapid.Byte()).Draw(t, "src")
		dst := make([]int8, 2*len(src))

		n := unpack.Expand(dst, src)

		assert.Equal(t, 2*len(src), n)
	})
}

func TestScratch_ExpandReusesBackingBuffer(t *testing.T) {
	s := unpack.NewScratch(8)

	out := s.Expand([]byte{0x12, 0x34})
	assert.Len(t, out, 4)
	assert.EqualValues(t, []int8{2, 1, 4, 3}, out)

	again := s.Expand([]byte{0x56})
	assert.Same(t, &out[0], &again[0], "second Expand reuses the same backing storage")
}
