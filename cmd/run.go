package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/JulienPeloton/Spectractor/internal/fitter"
	"github.com/JulienPeloton/Spectractor/internal/sim"
	"github.com/JulienPeloton/Spectractor/internal/spectrum"
)

var (
	specPath    string
	dataDir     string
	runID       string
	chains      int
	steps       int
	burnIn      int
	bins        int
	exploration int
	covPath     string
	initOpt     bool
	optIters    int
	optPop      int
	optSeed     int64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run (or resume) an MCMC fit of a spectrum",
	Long: `Fits the atmospheric-transmission model to a spectrum by adaptive
Metropolis-Hastings sampling. Interrupted runs resume automatically:
re-invoking with the same run id continues from the persisted chain
logs, and a fully complete run performs no additional sampling.`,
	RunE: runFit,
}

func init() {
	runCmd.Flags().StringVar(&specPath, "spectrum", "", "Observed spectrum CSV (lambda,flux,flux_err) (required)")
	runCmd.Flags().StringVar(&dataDir, "data", "data", "Data directory for run artifacts")
	runCmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (default: new UUID)")
	runCmd.Flags().IntVar(&chains, "chains", 4, "Number of parallel chains")
	runCmd.Flags().IntVar(&steps, "steps", 10000, "Steps per chain")
	runCmd.Flags().IntVar(&burnIn, "burnin", 2000, "Burn-in steps discarded per chain")
	runCmd.Flags().IntVar(&bins, "bins", 10, "Histogram bins for marginal distributions")
	runCmd.Flags().IntVar(&exploration, "exploration", 500, "Steps before proposal adaptation begins")
	runCmd.Flags().StringVar(&covPath, "cov", "", "Seed proposal covariance file (text matrix)")
	runCmd.Flags().BoolVar(&initOpt, "init-opt", false, "Initialize chains from a global optimizer fit")
	runCmd.Flags().IntVar(&optIters, "opt-iters", 200, "Global optimizer iterations")
	runCmd.Flags().IntVar(&optPop, "opt-pop", 40, "Global optimizer population size")
	runCmd.Flags().Int64Var(&optSeed, "opt-seed", 42, "Global optimizer random seed")

	runCmd.MarkFlagRequired("spectrum")
	rootCmd.AddCommand(runCmd)
}

func runFit(cmd *cobra.Command, args []string) error {
	spec, err := spectrum.Load(specPath)
	if err != nil {
		return fmt.Errorf("failed to load spectrum: %w", err)
	}
	slog.Info("Loaded spectrum", "path", specPath, "samples", spec.Len())

	model := sim.NewTransmissionModel(spec.Lambdas)

	f, err := fitter.New(spec, model, fitter.Config{
		RunID:           runID,
		DataDir:         dataDir,
		Chains:          chains,
		Steps:           steps,
		BurnIn:          burnIn,
		Bins:            bins,
		ExplorationTime: exploration,
		SeedCovPath:     covPath,
		InitOptimize:    initOpt,
		OptIters:        optIters,
		OptPop:          optPop,
		OptSeed:         optSeed,
	})
	if err != nil {
		return err
	}

	// An interrupt stops all chains at a step boundary; flushed rows stay
	// resumable.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	slog.Info("Starting fit", "run_id", f.RunID(), "chains", chains, "steps", steps)
	start := time.Now()
	report, err := f.Run(ctx)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	for _, o := range report.Outcomes {
		slog.Info("Chain outcome",
			"chain", o.Chain,
			"rows", o.Rows,
			"added", o.Added,
			"complete", o.Complete,
			"accept_rate", fmt.Sprintf("%.3f", o.AcceptRate),
		)
	}

	if report.Interrupted {
		fmt.Printf("Run %s interrupted after %s; partial chains saved, re-run to resume.\n", f.RunID(), elapsed.Round(time.Second))
		return nil
	}
	if report.Summary == nil {
		fmt.Printf("Run %s finished without a posterior summary (no complete chains).\n", f.RunID())
		return nil
	}

	s := report.Summary
	fmt.Printf("Run %s complete in %s (%d samples from %d chain(s))\n", f.RunID(), elapsed.Round(time.Second), s.Samples, len(s.Chains))
	fmt.Printf("Best fit: cost %.4f (chain %d, step %d)\n", s.BestCost, s.BestChain, s.BestStep)
	for i, m := range s.Marginals {
		line := fmt.Sprintf("  %-10s best %.5g  mean %.5g  +%.3g -%.3g", m.Name, s.BestParams[i], m.Mean, m.ErrHigh, m.ErrLow)
		if s.GelmanRubin != nil {
			line += fmt.Sprintf("  R-hat %.3f", s.GelmanRubin[i])
		}
		fmt.Println(line)
	}
	return nil
}
