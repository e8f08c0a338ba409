package opt

// Optimizer defines a global optimization algorithm interface, used as the
// standalone point-fit alternative and as the MCMC start-vector initializer.
type Optimizer interface {
	// Run minimizes eval over the box [lower, upper] of dimension dim.
	// Returns the best parameters and the best cost found.
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64)
}
