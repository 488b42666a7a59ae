package kernel_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/stationdaq/rtstation/internal/kernel"
	"github.com/stationdaq/rtstation/internal/wire"
)

// uniformPacket builds a one-beamlet PacketView where every timeslice has
// the same (Xr, Xi, Yr, Yi) quadruple.
func uniformPacket(xr, xi, yr, yi int8) kernel.PacketView {
	samples := make([]int8, wire.TimeslicesPerPacket*4)
	for ts := 0; ts < wire.TimeslicesPerPacket; ts++ {
		base := ts * 4
		samples[base+0] = xr
		samples[base+1] = xi
		samples[base+2] = yr
		samples[base+3] = yi
	}

	return kernel.PacketView{Samples: samples, Beamlets: 1}
}

func baseContext(p int) kernel.Context {
	return kernel.Context{
		BitMode:       wire.BitMode8,
		P:             p,
		BeamletLow:    0,
		BeamletHigh:   0,
		TotalBeamlets: 1,
		OutputElem:    kernel.ElemFloat32,
	}
}

func float32At(buf []byte, i int) float32 {
	return math.Float32frombits(uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24)
}

// S2: Stokes I, P=2, every sample (Xr=1,Xi=1,Yr=1,Yi=1) -> every output
// sample is 4.0.
func TestKernel_S2_StokesI(t *testing.T) {
	ctx := baseContext(2)
	mode := kernel.Mode{Layout: kernel.LayoutStokes, Stokes: kernel.StokesI, Decimation: 1}

	packets := []kernel.PacketView{uniformPacket(1, 1, 1, 1), uniformPacket(1, 1, 1, 1)}
	out := [][]byte{make([]byte, ctx.P*wire.TimeslicesPerPacket*4)}

	require.NoError(t, kernel.Dispatch(ctx, mode, packets, out))

	for i := 0; i < ctx.P*wire.TimeslicesPerPacket; i++ {
		assert.Equal(t, float32(4.0), float32At(out[0], i))
	}
}

// S3: Stokes I with decimation 2 over the same input as S2 -> every output
// sample is 8.0 (two summed samples of 4.0 each).
func TestKernel_S3_StokesIDecimated(t *testing.T) {
	ctx := baseContext(2)
	mode := kernel.Mode{Layout: kernel.LayoutStokes, Stokes: kernel.StokesI, Decimation: 2}

	packets := []kernel.PacketView{uniformPacket(1, 1, 1, 1), uniformPacket(1, 1, 1, 1)}
	out := [][]byte{make([]byte, ctx.P*(wire.TimeslicesPerPacket/2)*4)}

	require.NoError(t, kernel.Dispatch(ctx, mode, packets, out))

	for i := 0; i < ctx.P*(wire.TimeslicesPerPacket/2); i++ {
		assert.Equal(t, float32(8.0), float32At(out[0], i))
	}
}

// S4: bitmode 4 scenario, unpacked Xr=7, Xi=-1, Yr=7, Yi=-1 ->
// I = 49+1+49+1 = 100.0.
func TestKernel_S4_StokesIFromUnpackedNibbles(t *testing.T) {
	ctx := baseContext(1)
	ctx.BitMode = wire.BitMode4
	mode := kernel.Mode{Layout: kernel.LayoutStokes, Stokes: kernel.StokesI, Decimation: 1}

	packets := []kernel.PacketView{uniformPacket(7, -1, 7, -1)}
	out := [][]byte{make([]byte, wire.TimeslicesPerPacket*4)}

	require.NoError(t, kernel.Dispatch(ctx, mode, packets, out))

	for i := 0; i < wire.TimeslicesPerPacket; i++ {
		assert.Equal(t, float32(100.0), float32At(out[0], i))
	}
}

// S1: packet-copy mode reproduces the input stream byte for byte.
func TestKernel_S1_PacketCopyRoundTrips(t *testing.T) {
	ctx := baseContext(2)
	mode := kernel.Mode{Layout: kernel.LayoutPacketCopy}

	raw0 := []byte{1, 2, 3, 4}
	raw1 := []byte{5, 6, 7, 8}
	packets := []kernel.PacketView{{Raw: raw0}, {Raw: raw1}}
	out := [][]byte{make([]byte, len(raw0)+len(raw1))}

	require.NoError(t, kernel.Dispatch(ctx, mode, packets, out))
	assert.Equal(t, append(append([]byte{}, raw0...), raw1...), out[0])
}

// Stokes U must use the standard 2*(Xr*Yr + Xi*Yi) form, not the buggy
// 2*Xr*Yr - 3*Xi*Yi variant described in the comment on the Stokes functions.
func TestStokesU_UsesCorrectFormula(t *testing.T) {
	got := kernel.StokesUVal(2, 3, 5, 7)
	want := float32(2 * (2*5 + 3*7))
	assert.Equal(t, want, got)
}

// Invariant 3: Stokes linearity, calibrate off: stokesI(aX, aY) == a^2 * stokesI(X, Y).
func TestStokesI_IsLinearUnderScaling(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		xr := rapid.Float32Range(-100, 100).Draw(t, "xr")
		xi := rapid.Float32Range(-100, 100).Draw(t, "xi")
		yr := rapid.Float32Range(-100, 100).Draw(t, "yr")
		yi := rapid.Float32Range(-100, 100).Draw(t, "yi")
		a := rapid.Float32Range(-10, 10).Draw(t, "a")

		base := kernel.StokesIVal(xr, xi, yr, yi)
		scaled := kernel.StokesIVal(a*xr, a*xi, a*yr, a*yi)

		want := float64(a * a * base)
		assert.InDelta(t, want, float64(scaled), 1e-5*math.Max(1, math.Abs(want)))
	})
}

// Invariant 4 (partial): decimation k followed by identity equals decimation
// k in a single pass — summing k samples through the Decimator gives the
// same result as computing the sum directly.
func TestDecimator_MatchesDirectSum(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOfN(rapid.Float32Range(-50, 50), 1, 16).Draw(t, "values")

		var d kernel.Decimator
		for _, v := range values {
			d.Add(v)
		}

		var want float32
		for _, v := range values {
			want += v
		}

		assert.InDelta(t, float64(want), float64(d.Sum()), 1e-2)
	})
}

func TestJones_IdentityMatrixIsNoOp(t *testing.T) {
	identity := kernel.Jones{1, 0, 0, 0, 0, 0, 1, 0}

	xr, xi, yr, yi := identity.Apply(3, -2, 5, 1)
	assert.Equal(t, float32(3), xr)
	assert.Equal(t, float32(-2), xi)
	assert.Equal(t, float32(5), yr)
	assert.Equal(t, float32(1), yi)
}

func TestDispatch_UnregisteredModeIsRejected(t *testing.T) {
	ctx := baseContext(1)
	mode := kernel.Mode{Layout: kernel.LayoutStokes, Stokes: kernel.StokesI, Decimation: 3}

	_, err := dispatchErr(ctx, mode)
	require.ErrorIs(t, err, kernel.ErrModeUnsupported)
}

func dispatchErr(ctx kernel.Context, mode kernel.Mode) (struct{}, error) {
	packets := []kernel.PacketView{uniformPacket(0, 0, 0, 0)}
	out := [][]byte{make([]byte, 64)}

	return struct{}{}, kernel.Dispatch(ctx, mode, packets, out)
}
