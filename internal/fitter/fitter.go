package fitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/JulienPeloton/Spectractor/internal/mcmc"
	"github.com/JulienPeloton/Spectractor/internal/opt"
	"github.com/JulienPeloton/Spectractor/internal/sim"
	"github.com/JulienPeloton/Spectractor/internal/spectrum"
	"github.com/JulienPeloton/Spectractor/internal/store"
)

// Config holds the fit configuration.
type Config struct {
	// RunID names the run directory. A fresh UUID is generated when empty.
	RunID string

	// DataDir is the root directory for persisted runs.
	DataDir string

	// Sampling configuration.
	Chains          int
	Steps           int
	BurnIn          int
	Bins            int
	ExplorationTime int

	// SeedCovPath optionally points to a text covariance file used to seed
	// the proposal. When empty, a diagonal seed derived from the parameter
	// bounds is used.
	SeedCovPath string

	// InitOptimize runs the global optimizer first and starts the chains
	// from its best point.
	InitOptimize bool
	OptIters     int
	OptPop       int
	OptSeed      int64
}

// DefaultSpace returns the atmospheric-transmission fit vector:
// two amplitude terms, ozone column, precipitable water vapor, aerosol
// optical depth, spectral resolution and wavelength shift.
func DefaultSpace() *mcmc.Space {
	space, err := mcmc.NewSpace([]mcmc.Param{
		{Name: "A1", Label: "$A_1$", Low: 0, High: 100, Start: 1},
		{Name: "A2", Label: "$A_2$", Low: 0, High: 1, Start: 0.1},
		{Name: "ozone", Label: "ozone [DB]", Low: 0, High: 700, Start: 300},
		{Name: "pwv", Label: "PWV [mm]", Low: 0, High: 10, Start: 3},
		{Name: "aerosols", Label: "VAOD", Low: 0, High: 1, Start: 0.03},
		{Name: "reso", Label: "reso [pix]", Low: 1, High: 100, Start: 10},
		{Name: "shift", Label: "$\\lambda_{shift}$ [nm]", Low: -20, High: 20, Start: 0.001},
	})
	if err != nil {
		panic(err)
	}
	return space
}

// Fitter binds an observed spectrum and a forward simulator into the cost
// and prior callables consumed by the MCMC engine, and drives the fit.
type Fitter struct {
	cfg      Config
	spectrum *spectrum.Spectrum
	sim      sim.Simulator
	space    *mcmc.Space
}

// New creates a fitter for one spectrum and one forward model.
func New(spec *spectrum.Spectrum, simulator sim.Simulator, cfg Config) (*Fitter, error) {
	if spec == nil {
		return nil, fmt.Errorf("spectrum cannot be nil")
	}
	if simulator == nil {
		return nil, fmt.Errorf("simulator cannot be nil")
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	return &Fitter{
		cfg:      cfg,
		spectrum: spec,
		sim:      simulator,
		space:    DefaultSpace(),
	}, nil
}

// RunID returns the effective run identifier.
func (f *Fitter) RunID() string {
	return f.cfg.RunID
}

// RunDir returns the run directory holding chain logs and artifacts.
func (f *Fitter) RunDir() string {
	return filepath.Join(f.cfg.DataDir, "runs", f.cfg.RunID)
}

// Space returns the parameter space of the fit.
func (f *Fitter) Space() *mcmc.Space {
	return f.space
}

// Cost is the chi-square of the simulated spectrum against the observation.
func (f *Fitter) Cost(p []float64) float64 {
	model, modelErr := f.sim.Simulate(p)
	return f.spectrum.Chisq(model, modelErr)
}

// Prior is the hard-bounds prior of the parameter space.
func (f *Fitter) Prior(p []float64) float64 {
	return f.space.Prior(p)
}

// Minimize runs the global optimizer over the bounded box and returns the
// best point and cost. Used standalone and as the MCMC initializer.
func (f *Fitter) Minimize() ([]float64, float64) {
	iters, pop := f.cfg.OptIters, f.cfg.OptPop
	if iters <= 0 {
		iters = 200
	}
	if pop <= 0 {
		pop = 40
	}
	lower, upper := f.space.Bounds()
	optimizer := opt.NewMayfly(iters, pop, f.cfg.OptSeed)

	slog.Info("Running global optimizer", "iters", iters, "pop", pop)
	best, cost := optimizer.Run(f.Cost, lower, upper, f.space.Dim())
	slog.Info("Global optimizer finished", "cost", cost)
	return best, cost
}

// rescaleAmplitude scales A1 so the simulated peak matches the observed
// peak, then clamps the vector back into bounds. Starting the walk at a
// grossly mis-scaled amplitude wastes most of the exploration window.
func (f *Fitter) rescaleAmplitude(start []float64) {
	model, _ := f.sim.Simulate(start)
	var peak float64
	for _, v := range model {
		if v > peak {
			peak = v
		}
	}
	if peak > 0 {
		start[sim.ParamA1] *= f.spectrum.Peak() / peak
	}
	f.space.Clamp(start)
}

// seedCovariance loads the configured seed proposal covariance, or derives a
// diagonal one from the bounds when none is configured: each standard
// deviation is a small fraction of the parameter's allowed range.
func (f *Fitter) seedCovariance() (*mat.SymDense, error) {
	if f.cfg.SeedCovPath != "" {
		cov, err := store.LoadCovariance(f.cfg.SeedCovPath)
		if err != nil {
			return nil, err
		}
		if cov.SymmetricDim() != f.space.Dim() {
			return nil, fmt.Errorf("seed covariance dimension %d does not match parameter space dimension %d",
				cov.SymmetricDim(), f.space.Dim())
		}
		return cov, nil
	}

	dim := f.space.Dim()
	lower, upper := f.space.Bounds()
	cov := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		sigma := (upper[i] - lower[i]) / 100
		cov.SetSym(i, i, sigma*sigma)
	}
	return cov, nil
}

// Run executes (or resumes) the MCMC fit and returns the chain set report.
// On success the posterior covariance is persisted as cov.txt inside the run
// directory, reusable as a future seed proposal.
func (f *Fitter) Run(ctx context.Context) (*mcmc.RunReport, error) {
	cfg := mcmc.Config{
		Chains:          f.cfg.Chains,
		Steps:           f.cfg.Steps,
		BurnIn:          f.cfg.BurnIn,
		Bins:            f.cfg.Bins,
		ExplorationTime: f.cfg.ExplorationTime,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seedCov, err := f.seedCovariance()
	if err != nil {
		return nil, err
	}

	start := f.space.Start()
	if f.cfg.InitOptimize {
		start, _ = f.Minimize()
		f.space.Clamp(start)
	}
	f.rescaleAmplitude(start)

	dir := f.RunDir()
	lower, upper := f.space.Bounds()
	runConfig := &store.RunConfig{
		RunID:           f.cfg.RunID,
		Chains:          cfg.Chains,
		Steps:           cfg.Steps,
		BurnIn:          cfg.BurnIn,
		Bins:            cfg.Bins,
		ExplorationTime: cfg.ExplorationTime,
		Params:          f.space.Names(),
		Start:           start,
		Lower:           lower,
		Upper:           upper,
		CreatedAt:       time.Now(),
	}

	existing, err := store.LoadRunConfig(dir)
	switch {
	case err == nil:
		if cerr := existing.IsCompatible(runConfig); cerr != nil {
			return nil, fmt.Errorf("run %s cannot be resumed: %w", f.cfg.RunID, cerr)
		}
		// Resume from the configuration that produced the existing rows.
		start = existing.Start
	case errors.Is(err, store.ErrNotFound):
		if serr := store.SaveRunConfig(dir, runConfig); serr != nil {
			return nil, serr
		}
	default:
		return nil, err
	}

	cs, err := mcmc.NewChainSet(dir, cfg, f.space, f.Cost, f.Prior, seedCov, start)
	if err != nil {
		return nil, err
	}

	report, runErr := cs.Run(ctx)
	if report != nil && report.Summary != nil {
		covPath := filepath.Join(dir, "cov.txt")
		if serr := store.SaveCovariance(covPath, report.Summary.Covariance); serr != nil {
			slog.Warn("Failed to persist posterior covariance", "path", covPath, "error", serr)
		} else {
			slog.Info("Posterior covariance saved", "path", covPath)
		}
	}
	return report, runErr
}
