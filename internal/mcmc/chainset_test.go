package mcmc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/JulienPeloton/Spectractor/internal/store"
)

func newQuadChainSet(t *testing.T, dir string, chains, steps int) *ChainSet {
	t.Helper()

	space := space1D(t, -50, 50, 0)
	seed := mat.NewSymDense(1, []float64{4})
	cfg := Config{
		Chains:          chains,
		Steps:           steps,
		BurnIn:          steps / 4,
		Bins:            10,
		ExplorationTime: 50,
	}
	cs, err := NewChainSet(dir, cfg, space, quadCost, space.Prior, seed, space.Start())
	if err != nil {
		t.Fatalf("NewChainSet failed: %v", err)
	}
	return cs
}

func TestNewChainSetValidation(t *testing.T) {
	space := space1D(t, -50, 50, 0)
	seed := mat.NewSymDense(1, []float64{4})
	good := Config{Chains: 1, Steps: 10, BurnIn: 2, Bins: 5, ExplorationTime: 1}

	tests := []struct {
		name string
		call func() (*ChainSet, error)
	}{
		{"zero chains", func() (*ChainSet, error) {
			cfg := good
			cfg.Chains = 0
			return NewChainSet(t.TempDir(), cfg, space, quadCost, space.Prior, seed, space.Start())
		}},
		{"burn-in too long", func() (*ChainSet, error) {
			cfg := good
			cfg.BurnIn = 10
			return NewChainSet(t.TempDir(), cfg, space, quadCost, space.Prior, seed, space.Start())
		}},
		{"nil cost", func() (*ChainSet, error) {
			return NewChainSet(t.TempDir(), good, space, nil, space.Prior, seed, space.Start())
		}},
		{"dimension mismatch", func() (*ChainSet, error) {
			bad := mat.NewSymDense(2, []float64{1, 0, 0, 1})
			return NewChainSet(t.TempDir(), good, space, quadCost, space.Prior, bad, space.Start())
		}},
		{"start length mismatch", func() (*ChainSet, error) {
			return NewChainSet(t.TempDir(), good, space, quadCost, space.Prior, seed, []float64{0, 0})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.call(); err == nil {
				t.Fatal("Expected an error")
			}
		})
	}
}

func TestChainSetRunProducesSummary(t *testing.T) {
	dir := t.TempDir()
	cs := newQuadChainSet(t, dir, 2, 600)

	report, err := cs.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Interrupted {
		t.Fatal("Run reported interrupted without cancellation")
	}
	if len(report.Outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(report.Outcomes))
	}
	for _, o := range report.Outcomes {
		if o.Err != nil || !o.Complete || o.Rows != 600 {
			t.Fatalf("Unexpected outcome: %+v", o)
		}
	}

	s := report.Summary
	if s == nil {
		t.Fatal("Expected a posterior summary")
	}
	if s.Samples != 2*(600-150) {
		t.Fatalf("Expected %d pooled samples, got %d", 2*(600-150), s.Samples)
	}
	if math.Abs(s.Marginals[0].Mean-5) > 0.7 {
		t.Fatalf("Posterior mean %g, want ~5", s.Marginals[0].Mean)
	}
	if s.GelmanRubin == nil || s.GelmanRubin[0] > 1.5 {
		t.Fatalf("Unexpected convergence diagnostic: %v", s.GelmanRubin)
	}
	if s.BestCost > 0.1 {
		t.Fatalf("Best cost %g suspiciously far from the minimum", s.BestCost)
	}
}

func TestChainSetRunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cs := newQuadChainSet(t, dir, 2, 200)

	if _, err := cs.Run(context.Background()); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	before := make(map[int][]byte)
	for id := 0; id < 2; id++ {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("chain_%03d.jsonl", id)))
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		before[id] = data
	}

	report, err := cs.Run(context.Background())
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	for _, o := range report.Outcomes {
		if o.Added != 0 {
			t.Fatalf("Second run sampled %d rows on chain %d", o.Added, o.Chain)
		}
		if !o.Complete {
			t.Fatalf("Chain %d not complete on second run", o.Chain)
		}
	}
	if report.Summary == nil {
		t.Fatal("Second run lost the posterior summary")
	}

	for id := 0; id < 2; id++ {
		after, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("chain_%03d.jsonl", id)))
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if string(after) != string(before[id]) {
			t.Fatalf("Second run modified chain %d log", id)
		}
	}
}

func TestChainSetInterruptedRun(t *testing.T) {
	dir := t.TempDir()
	cs := newQuadChainSet(t, dir, 2, 200)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := cs.Run(ctx)
	if err != nil {
		t.Fatalf("Interrupted run returned an error: %v", err)
	}
	if !report.Interrupted {
		t.Fatal("Expected Interrupted to be set")
	}
	if report.Summary != nil {
		t.Fatal("Interrupted run with no complete chains produced a summary")
	}

	// Resume cleanly with the same configuration.
	resumed, err := cs.Run(context.Background())
	if err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}
	if resumed.Summary == nil {
		t.Fatal("Resumed run produced no summary")
	}
	for _, o := range resumed.Outcomes {
		if !o.Complete {
			t.Fatalf("Chain %d incomplete after resume", o.Chain)
		}
	}
}

func TestChainSetFailedChainIsIsolatedAndReported(t *testing.T) {
	dir := t.TempDir()

	// Corrupt chain 1's log before the run.
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	corrupt := filepath.Join(dir, "chain_001.jsonl")
	if err := os.WriteFile(corrupt, []byte("garbage\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cs := newQuadChainSet(t, dir, 2, 200)
	report, err := cs.Run(context.Background())

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Expected RunError, got %v", err)
	}
	if len(runErr.Failed) != 1 || runErr.Failed[0] != 1 {
		t.Fatalf("Expected chain 1 to fail, got %v", runErr.Failed)
	}

	// The healthy chain still finished and feeds the posterior alone.
	if report == nil || report.Summary == nil {
		t.Fatal("Expected a summary from the surviving chain")
	}
	if len(report.Summary.Chains) != 1 || report.Summary.Chains[0] != 0 {
		t.Fatalf("Summary built from wrong chains: %v", report.Summary.Chains)
	}

	n, cerr := store.CountChainRows(dir, 0, 1)
	if cerr != nil {
		t.Fatalf("CountChainRows failed: %v", cerr)
	}
	if n != 200 {
		t.Fatalf("Healthy chain has %d rows, want 200", n)
	}
}

func TestChainSetResumeMismatchIsPerChain(t *testing.T) {
	dir := t.TempDir()

	// Complete a 50-step run on chain 0 only.
	first := newQuadChainSet(t, dir, 1, 50)
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatalf("Seeding run failed: %v", err)
	}

	// A 20-step configuration finds an over-long log for chain 0.
	second := newQuadChainSet(t, dir, 2, 20)
	report, err := second.Run(context.Background())

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Expected RunError, got %v", err)
	}

	var mismatch *ResumeMismatchError
	if !errors.As(report.Outcomes[0].Err, &mismatch) {
		t.Fatalf("Expected ResumeMismatchError on chain 0, got %v", report.Outcomes[0].Err)
	}
	if report.Outcomes[1].Err != nil || !report.Outcomes[1].Complete {
		t.Fatalf("Chain 1 should have completed: %+v", report.Outcomes[1])
	}
}

func TestCheckCompleteness(t *testing.T) {
	dir := t.TempDir()
	cs := newQuadChainSet(t, dir, 2, 30)

	complete, counts, err := cs.CheckCompleteness()
	if err != nil {
		t.Fatalf("CheckCompleteness failed: %v", err)
	}
	if complete {
		t.Fatal("Empty run reported complete")
	}
	if counts[0] != 0 || counts[1] != 0 {
		t.Fatalf("Expected zero counts, got %v", counts)
	}

	if _, err := cs.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	complete, counts, err = cs.CheckCompleteness()
	if err != nil {
		t.Fatalf("CheckCompleteness failed: %v", err)
	}
	if !complete {
		t.Fatal("Finished run reported incomplete")
	}
	if counts[0] != 30 || counts[1] != 30 {
		t.Fatalf("Expected 30 rows per chain, got %v", counts)
	}
}
