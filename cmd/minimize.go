package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JulienPeloton/Spectractor/internal/fitter"
	"github.com/JulienPeloton/Spectractor/internal/sim"
	"github.com/JulienPeloton/Spectractor/internal/spectrum"
)

var (
	minSpecPath string
	minIters    int
	minPop      int
	minSeed     int64
)

var minimizeCmd = &cobra.Command{
	Use:   "minimize",
	Short: "Run a standalone global point fit (no sampling)",
	Long: `Minimizes the chi-square of the transmission model against a
spectrum with the mayfly global optimizer. Useful as a quick point
estimate or to pick a starting vector before a full MCMC run.`,
	RunE: runMinimize,
}

func init() {
	minimizeCmd.Flags().StringVar(&minSpecPath, "spectrum", "", "Observed spectrum CSV (lambda,flux,flux_err) (required)")
	minimizeCmd.Flags().IntVar(&minIters, "iters", 200, "Optimizer iterations")
	minimizeCmd.Flags().IntVar(&minPop, "pop", 40, "Optimizer population size")
	minimizeCmd.Flags().Int64Var(&minSeed, "seed", 42, "Optimizer random seed")

	minimizeCmd.MarkFlagRequired("spectrum")
	rootCmd.AddCommand(minimizeCmd)
}

func runMinimize(cmd *cobra.Command, args []string) error {
	spec, err := spectrum.Load(minSpecPath)
	if err != nil {
		return fmt.Errorf("failed to load spectrum: %w", err)
	}

	model := sim.NewTransmissionModel(spec.Lambdas)
	f, err := fitter.New(spec, model, fitter.Config{
		OptIters: minIters,
		OptPop:   minPop,
		OptSeed:  minSeed,
	})
	if err != nil {
		return err
	}

	best, cost := f.Minimize()
	fmt.Printf("Best cost: %.4f\n", cost)
	for i, name := range f.Space().Names() {
		fmt.Printf("  %-10s %.6g\n", name, best[i])
	}
	return nil
}
