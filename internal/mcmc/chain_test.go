package mcmc

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/JulienPeloton/Spectractor/internal/store"
)

// quadCost is a 1-D parabola with its minimum at 5; under the Metropolis
// rule it targets a unit normal centered at 5.
func quadCost(x []float64) float64 {
	return (x[0] - 5) * (x[0] - 5)
}

func chainConfig(steps int) Config {
	return Config{
		Chains:          1,
		Steps:           steps,
		BurnIn:          steps / 4,
		Bins:            10,
		ExplorationTime: 100,
	}
}

func TestChainQuadraticScenario(t *testing.T) {
	dir := t.TempDir()
	space := space1D(t, -50, 50, 0)
	seed := mat.NewSymDense(1, []float64{4})
	cfg := chainConfig(2000)

	chain, err := NewChain(dir, 0, cfg, quadCost, space.Prior, seed, space.Start())
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}

	added, err := chain.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if added != 2000 {
		t.Fatalf("Expected 2000 rows, got %d", added)
	}

	rows, err := store.ReadChainRows(dir, 0, 1)
	if err != nil {
		t.Fatalf("ReadChainRows failed: %v", err)
	}
	if len(rows) != 2000 {
		t.Fatalf("Expected 2000 persisted rows, got %d", len(rows))
	}

	// Row keys are the global step keys, and every state is in bounds.
	for i, row := range rows {
		if row.Key != i || row.Step != i {
			t.Fatalf("Row %d has key %d, step %d", i, row.Key, row.Step)
		}
		if row.Params[0] < -50 || row.Params[0] > 50 {
			t.Fatalf("Row %d out of bounds: %g", i, row.Params[0])
		}
	}

	// The post-burn-in marginal mean must approach the target mean of 5.
	var sum float64
	burnIn := 500
	for _, row := range rows[burnIn:] {
		sum += row.Params[0]
	}
	mean := sum / float64(len(rows)-burnIn)
	if math.Abs(mean-5) > 0.5 {
		t.Fatalf("Posterior mean %g, want 5 +- 0.5", mean)
	}

	// Each row's cost matches its state: the row is the post-decision state.
	for i, row := range rows {
		if math.Abs(row.Cost-quadCost(row.Params)) > 1e-9 {
			t.Fatalf("Row %d cost %g does not match state %g", i, row.Cost, quadCost(row.Params))
		}
	}

	if rate := chain.AcceptRate(); rate <= 0 || rate >= 1 {
		t.Fatalf("Implausible acceptance rate %g", rate)
	}
}

func TestChainResumeProducesExactRows(t *testing.T) {
	dir := t.TempDir()
	space := space1D(t, -50, 50, 0)
	seed := mat.NewSymDense(1, []float64{4})
	cfg := chainConfig(200)

	// Cancel mid-run from inside the cost callable, after ~100 evaluations.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	evals := 0
	interruptibleCost := func(x []float64) float64 {
		evals++
		if evals == 101 {
			cancel()
		}
		return quadCost(x)
	}

	chain, err := NewChain(dir, 0, cfg, interruptibleCost, space.Prior, seed, space.Start())
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	if _, err := chain.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	firstRows, err := store.ReadChainRows(dir, 0, 1)
	if err != nil {
		t.Fatalf("ReadChainRows failed: %v", err)
	}
	k := len(firstRows)
	if k == 0 || k >= 200 {
		t.Fatalf("Expected a partial log, got %d rows", k)
	}
	firstBytes, err := os.ReadFile(filepath.Join(dir, "chain_000.jsonl"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	// Restart with identical configuration.
	resumed, err := NewChain(dir, 0, cfg, quadCost, space.Prior, seed, space.Start())
	if err != nil {
		t.Fatalf("NewChain (resume) failed: %v", err)
	}
	if resumed.Remaining() != 200-k {
		t.Fatalf("Expected %d remaining steps, got %d", 200-k, resumed.Remaining())
	}
	added, err := resumed.Run(context.Background())
	if err != nil {
		t.Fatalf("Resumed Run failed: %v", err)
	}
	if added != 200-k {
		t.Fatalf("Expected %d new rows, got %d", 200-k, added)
	}

	finalRows, err := store.ReadChainRows(dir, 0, 1)
	if err != nil {
		t.Fatalf("ReadChainRows failed: %v", err)
	}
	if len(finalRows) != 200 {
		t.Fatalf("Expected 200 rows after resume, got %d", len(finalRows))
	}
	for i, row := range finalRows {
		if row.Step != i {
			t.Fatalf("Row %d has step %d after resume", i, row.Step)
		}
	}

	// The already-written prefix is byte-identical.
	finalBytes, err := os.ReadFile(filepath.Join(dir, "chain_000.jsonl"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(finalBytes) < len(firstBytes) || string(finalBytes[:len(firstBytes)]) != string(firstBytes) {
		t.Fatal("Resume rewrote the persisted prefix")
	}
}

func TestChainInfeasibleRegion(t *testing.T) {
	dir := t.TempDir()
	space := space1D(t, 0, 1, 0.5)
	// Proposal spread much wider than the feasible box: most candidates are
	// rejected by the prior without touching the cost function.
	seed := mat.NewSymDense(1, []float64{4})
	cfg := chainConfig(500)

	costCalls := 0
	flatCost := func(x []float64) float64 {
		costCalls++
		return 0
	}

	chain, err := NewChain(dir, 0, cfg, flatCost, space.Prior, seed, space.Start())
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	if _, err := chain.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	rows, err := store.ReadChainRows(dir, 0, 1)
	if err != nil {
		t.Fatalf("ReadChainRows failed: %v", err)
	}
	for i, row := range rows {
		if row.Params[0] < 0 || row.Params[0] > 1 {
			t.Fatalf("Row %d escaped the feasible region: %g", i, row.Params[0])
		}
	}

	// With sigma 2 around [0,1] most draws are infeasible, so the cost
	// callable must have been short-circuited for most steps.
	if costCalls >= 400 {
		t.Fatalf("Cost called %d times; infeasible candidates were not short-circuited", costCalls)
	}

	rate := chain.AcceptRate()
	if rate <= 0 || rate > 0.5 {
		t.Fatalf("Acceptance rate %g outside the expected feasible-fraction range", rate)
	}
}

func TestChainNonFiniteCostIsRejected(t *testing.T) {
	dir := t.TempDir()
	space := space1D(t, -50, 50, 0)
	seed := mat.NewSymDense(1, []float64{4})
	cfg := chainConfig(100)

	calls := 0
	nanCost := func(x []float64) float64 {
		calls++
		if calls == 1 {
			return 1 // starting point
		}
		return math.NaN()
	}

	chain, err := NewChain(dir, 0, cfg, nanCost, space.Prior, seed, space.Start())
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	if _, err := chain.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Every candidate after the start is NaN-cost, so nothing is accepted
	// and every row repeats the starting state with its finite cost.
	rows, err := store.ReadChainRows(dir, 0, 1)
	if err != nil {
		t.Fatalf("ReadChainRows failed: %v", err)
	}
	for i, row := range rows {
		if row.Cost != 1 {
			t.Fatalf("Row %d has cost %g, expected the start cost", i, row.Cost)
		}
	}
	if chain.AcceptRate() != 0 {
		t.Fatalf("Expected zero acceptance, got %g", chain.AcceptRate())
	}
}

func TestChainCompleteIsSkipped(t *testing.T) {
	dir := t.TempDir()
	space := space1D(t, -50, 50, 0)
	seed := mat.NewSymDense(1, []float64{4})
	cfg := chainConfig(50)

	chain, err := NewChain(dir, 0, cfg, quadCost, space.Prior, seed, space.Start())
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	if _, err := chain.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	again, err := NewChain(dir, 0, cfg, quadCost, space.Prior, seed, space.Start())
	if err != nil {
		t.Fatalf("NewChain (complete) failed: %v", err)
	}
	if !again.Complete() {
		t.Fatal("Expected chain to be complete")
	}
	added, err := again.Run(context.Background())
	if err != nil {
		t.Fatalf("Run on complete chain failed: %v", err)
	}
	if added != 0 {
		t.Fatalf("Complete chain added %d rows", added)
	}
}

func TestChainResumeMismatch(t *testing.T) {
	dir := t.TempDir()
	space := space1D(t, -50, 50, 0)
	seed := mat.NewSymDense(1, []float64{4})

	chain, err := NewChain(dir, 0, chainConfig(20), quadCost, space.Prior, seed, space.Start())
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	if _, err := chain.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The log now holds 20 rows; a 10-step configuration cannot resume it.
	_, err = NewChain(dir, 0, chainConfig(10), quadCost, space.Prior, seed, space.Start())
	var mismatch *ResumeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected ResumeMismatchError, got %v", err)
	}
	if mismatch.Have != 20 || mismatch.Want != 10 {
		t.Fatalf("Unexpected mismatch detail: %+v", mismatch)
	}
}

func TestChainSeedingIsDeterministicPerIndex(t *testing.T) {
	space := space1D(t, -50, 50, 0)
	seed := mat.NewSymDense(1, []float64{4})
	cfg := chainConfig(100)

	runOnce := func(dir string, id int) []store.Row {
		t.Helper()
		chain, err := NewChain(dir, id, cfg, quadCost, space.Prior, seed, space.Start())
		if err != nil {
			t.Fatalf("NewChain failed: %v", err)
		}
		if _, err := chain.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		rows, err := store.ReadChainRows(dir, id, 1)
		if err != nil {
			t.Fatalf("ReadChainRows failed: %v", err)
		}
		return rows
	}

	a := runOnce(t.TempDir(), 0)
	b := runOnce(t.TempDir(), 0)
	c := runOnce(t.TempDir(), 1)

	for i := range a {
		if a[i].Params[0] != b[i].Params[0] || a[i].Cost != b[i].Cost {
			t.Fatalf("Chain 0 not reproducible at step %d", i)
		}
	}

	same := true
	for i := range a {
		if a[i].Params[0] != c[i].Params[0] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("Chains 0 and 1 produced identical walks")
	}
}
