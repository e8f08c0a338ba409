package mcmc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/JulienPeloton/Spectractor/internal/store"
)

// Config holds the sampling configuration shared by all chains of a set.
type Config struct {
	// Chains is the number of parallel chains.
	Chains int

	// Steps is the number of steps each chain must reach.
	Steps int

	// BurnIn is the per-chain warm-up prefix discarded before posterior
	// estimation.
	BurnIn int

	// Bins is the histogram bin count for marginal distributions.
	Bins int

	// ExplorationTime is the step count before proposal adaptation begins.
	ExplorationTime int
}

// Validate checks the sampling configuration.
func (c Config) Validate() error {
	if c.Chains <= 0 {
		return fmt.Errorf("chains must be positive, got %d", c.Chains)
	}
	if c.Steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", c.Steps)
	}
	if c.BurnIn < 0 || c.BurnIn >= c.Steps {
		return fmt.Errorf("burn-in must be in [0, steps), got %d", c.BurnIn)
	}
	if c.Bins <= 0 {
		return fmt.Errorf("bins must be positive, got %d", c.Bins)
	}
	if c.ExplorationTime < 0 {
		return fmt.Errorf("exploration time cannot be negative, got %d", c.ExplorationTime)
	}
	return nil
}

// ChainOutcome is the per-chain result of a ChainSet run.
type ChainOutcome struct {
	Chain      int
	Rows       int
	Added      int
	Complete   bool
	AcceptRate float64
	Err        error
}

// RunReport aggregates the outcome of all chains plus the posterior summary
// built from the chains that finished.
type RunReport struct {
	Outcomes    []ChainOutcome
	Interrupted bool
	Summary     *PosteriorSummary
}

// RunError reports chains that failed with real errors (not cancellation).
// The orchestrator never drops a failed chain silently.
type RunError struct {
	Failed []int
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%d chain(s) failed: %v", len(e.Failed), e.Failed)
}

// ChainSet owns N chains bound to a shared target posterior (cost and prior
// callables) and a shared run directory partitioned by chain id.
type ChainSet struct {
	cfg     Config
	dir     string
	space   *Space
	cost    CostFunc
	prior   PriorFunc
	seedCov *mat.SymDense
	start   []float64
}

// NewChainSet validates the configuration and binds the target posterior.
func NewChainSet(dir string, cfg Config, space *Space, cost CostFunc, prior PriorFunc, seedCov *mat.SymDense, start []float64) (*ChainSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if space == nil {
		return nil, fmt.Errorf("parameter space cannot be nil")
	}
	if cost == nil || prior == nil {
		return nil, fmt.Errorf("cost and prior callables cannot be nil")
	}
	if seedCov == nil {
		return nil, fmt.Errorf("seed covariance cannot be nil")
	}
	dim := space.Dim()
	if seedCov.SymmetricDim() != dim {
		return nil, fmt.Errorf("seed covariance dimension %d does not match parameter space dimension %d", seedCov.SymmetricDim(), dim)
	}
	if len(start) != dim {
		return nil, fmt.Errorf("start vector has %d components, parameter space has %d", len(start), dim)
	}

	startCopy := make([]float64, dim)
	copy(startCopy, start)
	return &ChainSet{
		cfg:     cfg,
		dir:     dir,
		space:   space,
		cost:    cost,
		prior:   prior,
		seedCov: seedCov,
		start:   startCopy,
	}, nil
}

// CheckCompleteness inspects the persisted row logs and reports whether all
// chains already hold the configured number of rows, plus the per-chain
// counts. A chain log holding more rows than configured is a
// ResumeMismatchError.
func (cs *ChainSet) CheckCompleteness() (bool, map[int]int, error) {
	counts := make(map[int]int, cs.cfg.Chains)
	complete := true
	for id := 0; id < cs.cfg.Chains; id++ {
		n, err := store.CountChainRows(cs.dir, id, cs.space.Dim())
		if err != nil {
			return false, nil, err
		}
		if n > cs.cfg.Steps {
			return false, nil, &ResumeMismatchError{Chain: id, Have: n, Want: cs.cfg.Steps}
		}
		counts[id] = n
		if n < cs.cfg.Steps {
			complete = false
		}
	}
	return complete, counts, nil
}

// Run ensures every chain reaches the configured number of steps, then
// builds a posterior summary from the chains that finished.
//
// A second invocation with everything already complete performs zero
// sampling. External cancellation stops all workers at step boundaries,
// keeps flushed rows valid for resumption and yields a report with
// Interrupted set instead of an error. Chains that failed with real errors
// are reported collectively via RunError after all other chains finish, and
// are excluded from the summary with a warning.
func (cs *ChainSet) Run(ctx context.Context) (*RunReport, error) {
	// Inspect the persisted logs first. A chain whose log is corrupt or
	// over-long fails alone: the other chains still run.
	outcomes := make([]ChainOutcome, cs.cfg.Chains)
	dispatch := make([]int, 0, cs.cfg.Chains)
	for id := 0; id < cs.cfg.Chains; id++ {
		n, err := store.CountChainRows(cs.dir, id, cs.space.Dim())
		switch {
		case err != nil:
			outcomes[id] = ChainOutcome{Chain: id, Err: err}
		case n > cs.cfg.Steps:
			outcomes[id] = ChainOutcome{Chain: id, Rows: n, Err: &ResumeMismatchError{Chain: id, Have: n, Want: cs.cfg.Steps}}
		case n == cs.cfg.Steps:
			outcomes[id] = ChainOutcome{Chain: id, Rows: n, Complete: true}
		default:
			outcomes[id] = ChainOutcome{Chain: id, Rows: n}
			dispatch = append(dispatch, id)
		}
	}

	if len(dispatch) == 0 {
		slog.Info("No chains to sample", "chains", cs.cfg.Chains, "steps", cs.cfg.Steps)
	} else {
		slog.Info("Dispatching chains", "chains", len(dispatch), "steps", cs.cfg.Steps)

		var wg sync.WaitGroup
		for _, id := range dispatch {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				outcomes[id] = cs.runChain(ctx, id)
			}(id)
		}
		wg.Wait()
	}

	report := &RunReport{
		Outcomes:    outcomes,
		Interrupted: ctx.Err() != nil,
	}

	var failed []int
	var usable []int
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			slog.Warn("Chain failed, excluded from posterior", "chain", o.Chain, "error", o.Err)
			failed = append(failed, o.Chain)
		case !o.Complete:
			slog.Warn("Chain incomplete, excluded from posterior", "chain", o.Chain, "rows", o.Rows, "steps", cs.cfg.Steps)
		default:
			usable = append(usable, o.Chain)
		}
	}
	sort.Ints(usable)

	if len(usable) > 0 {
		byChain := make(map[int][]store.Row, len(usable))
		for _, id := range usable {
			rows, rerr := store.ReadChainRows(cs.dir, id, cs.space.Dim())
			if rerr != nil {
				return report, rerr
			}
			byChain[id] = rows
		}
		summary, serr := Summarize(byChain, cs.space, cs.cfg.BurnIn, cs.cfg.Bins)
		if serr != nil {
			return report, serr
		}
		report.Summary = summary
	}

	if len(failed) > 0 {
		return report, &RunError{Failed: failed}
	}
	return report, nil
}

// runChain constructs and drives a single chain worker. Construction happens
// inside the worker because a fresh chain evaluates the cost function for
// its starting point.
func (cs *ChainSet) runChain(ctx context.Context, id int) ChainOutcome {
	outcome := ChainOutcome{Chain: id}

	chain, err := NewChain(cs.dir, id, cs.cfg, cs.cost, cs.prior, cs.seedCov, cs.start)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	added, err := chain.Run(ctx)
	outcome.Added = added
	outcome.AcceptRate = chain.AcceptRate()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		outcome.Err = err
	}

	rows, cerr := store.CountChainRows(cs.dir, id, cs.space.Dim())
	if cerr != nil {
		if outcome.Err == nil {
			outcome.Err = cerr
		}
		return outcome
	}
	outcome.Rows = rows
	outcome.Complete = rows >= cs.cfg.Steps
	return outcome
}
