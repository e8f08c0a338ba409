package mcmc

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/JulienPeloton/Spectractor/internal/store"
)

// CostFunc maps a parameter vector within bounds to a non-negative scalar
// cost (a chi-square acts as -2 log likelihood).
type CostFunc func(x []float64) float64

// PriorFunc maps a parameter vector to a prior weight in [0, 1]: zero
// outside the static bounds, nonzero otherwise.
type PriorFunc func(x []float64) float64

// priorEpsilon is the feasibility threshold: any prior weight at or below it
// is treated as zero.
const priorEpsilon = 1e-10

// maxStartDraws bounds the feasible-start search of a brand-new chain.
const maxStartDraws = 10000

// ResumeMismatchError reports a chain whose persisted log holds more rows
// than the configured number of steps. Resuming such a chain would silently
// truncate or overrun the configured run length, so it is fatal for that
// chain.
type ResumeMismatchError struct {
	Chain int
	Have  int
	Want  int
}

func (e *ResumeMismatchError) Error() string {
	return fmt.Sprintf("chain %d: log holds %d rows but run is configured for %d steps", e.Chain, e.Have, e.Want)
}

// Chain is one Metropolis-Hastings random walk: the current state, its
// adaptive proposal covariance, a private random generator and a resumable
// on-disk row log. A chain is never driven by more than one worker.
type Chain struct {
	id              int
	steps           int
	explorationTime int
	dir             string

	cost     CostFunc
	prior    PriorFunc
	proposal *Proposal
	rng      *rand.Rand

	current     []float64
	currentCost float64
	startIndex  int

	accepted int
	sampled  int
}

// NewChain builds a chain and restores its resumable state from the run
// directory. A chain with k persisted rows resumes from the last row's state
// and will produce exactly steps-k further rows; k > steps is a
// ResumeMismatchError.
//
// A brand-new chain repeatedly draws from the seed covariance around start
// until the prior weight is positive, so the walk never begins outside the
// feasible region.
func NewChain(dir string, id int, cfg Config, cost CostFunc, prior PriorFunc, seedCov *mat.SymDense, start []float64) (*Chain, error) {
	proposal, err := NewProposal(seedCov)
	if err != nil {
		return nil, fmt.Errorf("chain %d: %w", id, err)
	}
	dim := proposal.Dim()
	if len(start) != dim {
		return nil, fmt.Errorf("chain %d: start vector has %d components, covariance has %d", id, len(start), dim)
	}

	c := &Chain{
		id:              id,
		steps:           cfg.Steps,
		explorationTime: cfg.ExplorationTime,
		dir:             dir,
		cost:            cost,
		prior:           prior,
		proposal:        proposal,
		// Each chain owns a generator seeded from its index, so parallel
		// chains never share random state and a chain index always
		// reproduces the same walk.
		rng:     rand.New(rand.NewSource(uint64(id) + 1)),
		current: make([]float64, dim),
	}

	rows, err := store.ReadChainRows(dir, id, dim)
	if err != nil {
		return nil, fmt.Errorf("chain %d: %w", id, err)
	}
	if len(rows) > cfg.Steps {
		return nil, &ResumeMismatchError{Chain: id, Have: len(rows), Want: cfg.Steps}
	}

	if len(rows) > 0 {
		last := rows[len(rows)-1]
		copy(c.current, last.Params)
		c.currentCost = last.Cost
		c.startIndex = len(rows)
		// Replay the persisted post-exploration history so the adapted
		// proposal picks up where the interrupted run left it.
		for i, row := range rows {
			if i > c.explorationTime {
				c.proposal.Observe(row.Params)
			}
		}
		return c, nil
	}

	// Fresh chain: find a feasible starting point around the configured
	// start vector.
	drawn := false
	for attempt := 0; attempt < maxStartDraws; attempt++ {
		c.proposal.Draw(c.current, start, c.rng)
		if c.prior(c.current) > priorEpsilon {
			drawn = true
			break
		}
	}
	if !drawn {
		return nil, fmt.Errorf("chain %d: could not draw a feasible starting point after %d attempts", id, maxStartDraws)
	}

	c.currentCost = c.cost(c.current)
	if math.IsNaN(c.currentCost) || math.IsInf(c.currentCost, 0) {
		return nil, fmt.Errorf("chain %d: cost is non-finite at the starting point", id)
	}
	return c, nil
}

// ID returns the chain index.
func (c *Chain) ID() int {
	return c.id
}

// Complete reports whether the chain already holds all configured rows.
func (c *Chain) Complete() bool {
	return c.startIndex >= c.steps
}

// Remaining returns the number of steps still to sample.
func (c *Chain) Remaining() int {
	return c.steps - c.startIndex
}

// AcceptRate returns the fraction of accepted proposals in this process.
// Steps replayed from a previous run are not counted.
func (c *Chain) AcceptRate() float64 {
	if c.sampled == 0 {
		return 0
	}
	return float64(c.accepted) / float64(c.sampled)
}

// Run executes the remaining steps of the random walk, appending one row per
// step to the chain's log. On context cancellation it stops at a step
// boundary, flushes and returns the context error: already-appended rows
// stay valid for resumption, and at most the in-flight step is lost.
func (c *Chain) Run(ctx context.Context) (added int, err error) {
	if c.Complete() {
		return 0, nil
	}

	w, err := store.NewRowWriter(c.dir, c.id)
	if err != nil {
		return 0, fmt.Errorf("chain %d: %w", c.id, err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("chain %d: %w", c.id, cerr)
		}
	}()

	slog.Info("Chain sampling", "chain", c.id, "start", c.startIndex, "steps", c.steps)

	candidate := make([]float64, len(c.current))
	for i := c.startIndex; i < c.steps; i++ {
		if cerr := ctx.Err(); cerr != nil {
			c.startIndex = i
			return added, cerr
		}

		c.proposal.Draw(candidate, c.current, c.rng)

		// Infeasible candidates are rejected without touching the
		// expensive cost function.
		candidateCost := math.Inf(1)
		if c.prior(candidate) > priorEpsilon {
			candidateCost = c.cost(candidate)
			if math.IsNaN(candidateCost) || math.IsInf(candidateCost, 0) {
				slog.Debug("Non-finite cost, rejecting candidate", "chain", c.id, "step", i)
				candidateCost = math.Inf(1)
			}
		}

		// Metropolis rule for a symmetric proposal: accept with
		// probability min(1, exp(-0.5*(c'-c))). A candidate at or below
		// the current cost is always accepted since u < 1.
		c.sampled++
		if math.Exp(-0.5*(candidateCost-c.currentCost)) > c.rng.Float64() {
			copy(c.current, candidate)
			c.currentCost = candidateCost
			c.accepted++
		}

		// The row records the post-decision state, accepted or not.
		params := make([]float64, len(c.current))
		copy(params, c.current)
		row := store.Row{
			Key:    c.id*c.steps + i,
			Chain:  c.id,
			Step:   i,
			Cost:   c.currentCost,
			Params: params,
		}
		if werr := w.Append(row); werr != nil {
			c.startIndex = i
			return added, fmt.Errorf("chain %d: %w", c.id, werr)
		}
		added++

		// Adaptation is held back during the exploration window so the
		// proposal cannot collapse around an unrepresentative early
		// region.
		if i > c.explorationTime {
			c.proposal.Observe(c.current)
		}
	}

	c.startIndex = c.steps
	if ferr := w.Flush(); ferr != nil {
		return added, fmt.Errorf("chain %d: %w", c.id, ferr)
	}

	slog.Info("Chain complete", "chain", c.id, "rows", added, "accept_rate", fmt.Sprintf("%.3f", c.AcceptRate()))
	return added, nil
}
