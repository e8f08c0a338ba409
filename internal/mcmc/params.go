package mcmc

import (
	"fmt"
	"math"
)

// Param describes one dimension of the fit vector.
type Param struct {
	// Name is the machine-readable parameter name (e.g. "ozone").
	Name string

	// Label is the display label (e.g. "$O_3$ [DB]").
	Label string

	// Low and High are the hard bounds. The bounds act as a hard prior:
	// outside bounds the prior weight is zero.
	Low, High float64

	// Start is the default starting value.
	Start float64
}

// Space is the static description of the fit vector: names, labels, hard
// bounds and starting values, with fixed dimension for the whole run.
type Space struct {
	Params []Param
}

// NewSpace validates and wraps a parameter list.
func NewSpace(params []Param) (*Space, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("parameter space cannot be empty")
	}
	for i, p := range params {
		if p.Name == "" {
			return nil, fmt.Errorf("parameter %d: name cannot be empty", i)
		}
		if math.IsNaN(p.Low) || math.IsNaN(p.High) || math.IsInf(p.Low, 0) || math.IsInf(p.High, 0) {
			return nil, fmt.Errorf("parameter %q: bounds must be finite", p.Name)
		}
		if p.Low >= p.High {
			return nil, fmt.Errorf("parameter %q: low bound %g not below high bound %g", p.Name, p.Low, p.High)
		}
		if p.Start < p.Low || p.Start > p.High {
			return nil, fmt.Errorf("parameter %q: start %g outside bounds [%g, %g]", p.Name, p.Start, p.Low, p.High)
		}
	}
	return &Space{Params: params}, nil
}

// Dim returns the dimension of the parameter vector.
func (s *Space) Dim() int {
	return len(s.Params)
}

// Names returns the parameter names in vector order.
func (s *Space) Names() []string {
	names := make([]string, len(s.Params))
	for i, p := range s.Params {
		names[i] = p.Name
	}
	return names
}

// Labels returns the display labels in vector order.
func (s *Space) Labels() []string {
	labels := make([]string, len(s.Params))
	for i, p := range s.Params {
		labels[i] = p.Label
	}
	return labels
}

// Start returns a copy of the default starting vector.
func (s *Space) Start() []float64 {
	start := make([]float64, len(s.Params))
	for i, p := range s.Params {
		start[i] = p.Start
	}
	return start
}

// Bounds returns copies of the lower and upper bound vectors.
func (s *Space) Bounds() (lower, upper []float64) {
	lower = make([]float64, len(s.Params))
	upper = make([]float64, len(s.Params))
	for i, p := range s.Params {
		lower[i] = p.Low
		upper[i] = p.High
	}
	return lower, upper
}

// InBounds reports whether every component of x lies within its bounds.
func (s *Space) InBounds(x []float64) bool {
	if len(x) != len(s.Params) {
		return false
	}
	for i, p := range s.Params {
		if x[i] < p.Low || x[i] > p.High {
			return false
		}
	}
	return true
}

// Prior is the hard-bounds prior: weight 1 inside the bounded box, 0
// outside. It satisfies the PriorFunc contract consumed by the sampler.
func (s *Space) Prior(x []float64) float64 {
	if s.InBounds(x) {
		return 1
	}
	return 0
}

// Clamp limits every component of x to its bounds, in place.
func (s *Space) Clamp(x []float64) {
	for i, p := range s.Params {
		x[i] = math.Max(p.Low, math.Min(p.High, x[i]))
	}
}
