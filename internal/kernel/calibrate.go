package kernel

// Jones is a per-beamlet, per-calibration-step 2x2 complex polarimetric
// correction matrix: [[a+bi, c+di], [e+fi, g+hi]], stored as 8 floats in
// that order (matching the little-endian f32 wire layout the calibration
// producer writes).
type Jones [8]float32

// Apply corrects the raw (X, Y) complex pair through the Jones matrix,
// per the equations in SPEC_FULL.md section 4.D.
func (j Jones) Apply(xr, xi, yr, yi float32) (xr2, xi2, yr2, yi2 float32) {
	a, b, c, d, e, f, g, h := j[0], j[1], j[2], j[3], j[4], j[5], j[6], j[7]

	xr2 = a*xr - b*xi + c*yr - d*yi
	xi2 = a*xi + b*xr + c*yi + d*yr
	yr2 = e*xr - f*xi + g*yr - h*yi
	yi2 = e*xi + f*xr + g*yi + h*yr

	return xr2, xi2, yr2, yi2
}
