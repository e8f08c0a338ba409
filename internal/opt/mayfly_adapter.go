package opt

import (
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MayflyAdapter wraps the external Mayfly library to conform to our
// Optimizer interface. The library only supports a scalar bound shared by
// all dimensions, so the adapter optimizes in the unit hypercube and maps
// candidates back to the per-dimension bounds of the fit vector.
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a new Mayfly optimizer adapter.
func NewMayfly(maxIters, popSize int, seed int64) Optimizer {
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// Run executes the Mayfly optimization using the external library.
func (m *MayflyAdapter) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64) {
	denorm := func(u []float64) []float64 {
		x := make([]float64, dim)
		for i := 0; i < dim; i++ {
			f := u[i]
			if f < 0 {
				f = 0
			} else if f > 1 {
				f = 1
			}
			x[i] = lower[i] + f*(upper[i]-lower[i])
		}
		return x
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(u []float64) float64 {
		return eval(denorm(u))
	}
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = 0
	config.UpperBound = 1
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		// Fall back to the box midpoint if optimization fails.
		mid := make([]float64, dim)
		for i := range mid {
			mid[i] = 0.5
		}
		best := denorm(mid)
		return best, eval(best)
	}

	best := denorm(result.GlobalBest.Position)
	return best, result.GlobalBest.Cost
}
