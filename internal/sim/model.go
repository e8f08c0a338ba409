package sim

import "math"

// Simulator is the forward model boundary: it maps a parameter vector
// (A1, A2, ozone, pwv, aerosols, reso, shift) to a predicted spectrum and
// its uncertainty over a fixed wavelength grid. Implementations are
// deterministic and possibly expensive.
type Simulator interface {
	Simulate(p []float64) (flux, fluxErr []float64)
}

// Parameter vector layout shared by the model and the fitter.
const (
	ParamA1 = iota
	ParamA2
	ParamOzone
	ParamPWV
	ParamAerosols
	ParamReso
	ParamShift
	NumParams
)

// absorptionBand is a Gaussian atmospheric absorption feature whose optical
// depth scales linearly with its column relative to a reference column.
type absorptionBand struct {
	center float64 // nm
	width  float64 // nm
	depth  float64 // optical depth at the reference column
	ref    float64 // reference column (DU for ozone, mm for PWV)
}

// TransmissionModel is a lightweight parametric atmosphere and instrument
// model: a continuum attenuated by aerosol extinction and a handful of
// ozone/water absorption bands, smoothed by the instrumental resolution,
// shifted in wavelength, with a second diffraction order scaled by A2.
// It is deliberately simple; accurate radiative transfer is out of scope.
type TransmissionModel struct {
	lambdas      []float64
	continuum    []float64
	continuumErr []float64
	ozoneBand    absorptionBand
	waterBands   []absorptionBand
}

// NewTransmissionModel builds a model over the given wavelength grid with a
// smooth synthetic stellar-like continuum.
func NewTransmissionModel(lambdas []float64) *TransmissionModel {
	continuum := make([]float64, len(lambdas))
	continuumErr := make([]float64, len(lambdas))
	for i, l := range lambdas {
		// Broad peak around 500 nm falling off to the red.
		x := (l - 500) / 400
		continuum[i] = math.Exp(-x * x)
		continuumErr[i] = 0.01 * continuum[i]
	}
	return NewTransmissionModelWithContinuum(lambdas, continuum, continuumErr)
}

// NewTransmissionModelWithContinuum builds a model with a caller-supplied
// top-of-atmosphere continuum and its uncertainty.
func NewTransmissionModelWithContinuum(lambdas, continuum, continuumErr []float64) *TransmissionModel {
	return &TransmissionModel{
		lambdas:      lambdas,
		continuum:    continuum,
		continuumErr: continuumErr,
		ozoneBand:    absorptionBand{center: 602, width: 80, depth: 0.06, ref: 300},
		waterBands: []absorptionBand{
			{center: 718, width: 12, depth: 0.15, ref: 3},
			{center: 935, width: 30, depth: 0.55, ref: 3},
		},
	}
}

// Lambdas returns the model's wavelength grid.
func (m *TransmissionModel) Lambdas() []float64 {
	return m.lambdas
}

// Simulate evaluates the forward model for one parameter vector.
func (m *TransmissionModel) Simulate(p []float64) (flux, fluxErr []float64) {
	a1 := p[ParamA1]
	a2 := p[ParamA2]
	ozone := p[ParamOzone]
	pwv := p[ParamPWV]
	aerosols := p[ParamAerosols]
	reso := p[ParamReso]
	shift := p[ParamShift]

	n := len(m.lambdas)
	raw := make([]float64, n)
	rawVar := make([]float64, n)
	for i, l := range m.lambdas {
		ls := l - shift
		t := m.transmission(ls, ozone, pwv, aerosols)
		c := interp(m.lambdas, m.continuum, ls)
		ce := interp(m.lambdas, m.continuumErr, ls)
		raw[i] = c * t
		rawVar[i] = ce * t * ce * t
	}

	conv := smoothGaussian(raw, reso)
	convVar := smoothGaussian(rawVar, reso)

	flux = make([]float64, n)
	fluxErr = make([]float64, n)
	for i, l := range m.lambdas {
		first := conv[i]
		second := interp(m.lambdas, conv, l/2)
		flux[i] = a1*first + a1*a2*second

		e1 := a1 * math.Sqrt(math.Max(convVar[i], 0))
		e2 := 0.5 * a1 * a2 * math.Sqrt(math.Max(interp(m.lambdas, convVar, l/2), 0))
		fluxErr[i] = math.Sqrt(e1*e1 + e2*e2)
	}
	return flux, fluxErr
}

// transmission evaluates the atmospheric transmission at one wavelength.
func (m *TransmissionModel) transmission(l, ozone, pwv, aerosols float64) float64 {
	if l <= 0 {
		return 0
	}
	// Angstrom-law aerosol extinction, exponent 1.3, referenced at 550 nm.
	tau := aerosols * math.Pow(550/l, 1.3)
	tau += m.ozoneBand.tau(l, ozone)
	for _, b := range m.waterBands {
		tau += b.tau(l, pwv)
	}
	return math.Exp(-tau)
}

func (b absorptionBand) tau(l, column float64) float64 {
	x := (l - b.center) / b.width
	return b.depth * (column / b.ref) * math.Exp(-0.5*x*x)
}

// smoothGaussian convolves y with a truncated normalized Gaussian kernel of
// the given sigma, expressed in samples.
func smoothGaussian(y []float64, sigma float64) []float64 {
	if sigma <= 0 {
		return append([]float64(nil), y...)
	}
	half := int(4*sigma) + 1
	if half > len(y)-1 {
		half = len(y) - 1
	}
	kernel := make([]float64, 2*half+1)
	var norm float64
	for k := -half; k <= half; k++ {
		v := math.Exp(-0.5 * float64(k) * float64(k) / (sigma * sigma))
		kernel[k+half] = v
		norm += v
	}
	for i := range kernel {
		kernel[i] /= norm
	}

	out := make([]float64, len(y))
	for i := range y {
		var sum float64
		for k := -half; k <= half; k++ {
			j := i + k
			if j < 0 {
				j = 0
			} else if j >= len(y) {
				j = len(y) - 1
			}
			sum += kernel[k+half] * y[j]
		}
		out[i] = sum
	}
	return out
}

// interp linearly interpolates ys over the increasing grid xs, returning 0
// outside the grid, matching the fill behavior of the extraction pipeline.
func interp(xs, ys []float64, x float64) float64 {
	n := len(xs)
	if n == 0 || x < xs[0] || x > xs[n-1] {
		return 0
	}
	// Binary search for the bracketing interval.
	lo, hi := 0, n-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if xs[mid] <= x {
			lo = mid
		} else {
			hi = mid
		}
	}
	if xs[hi] == xs[lo] {
		return ys[lo]
	}
	f := (x - xs[lo]) / (xs[hi] - xs[lo])
	return ys[lo] + f*(ys[hi]-ys[lo])
}
