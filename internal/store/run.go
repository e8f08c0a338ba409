package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunConfig is the persisted configuration of a fit run. It is written next
// to the chain row logs so a resumed run can be validated against the
// configuration that produced the existing rows.
type RunConfig struct {
	// RunID identifies this run (directory name under the data root).
	RunID string `json:"runId"`

	// Chains is the number of parallel MCMC chains.
	Chains int `json:"chains"`

	// Steps is the configured number of steps per chain.
	Steps int `json:"steps"`

	// BurnIn is the number of initial steps per chain discarded before
	// posterior estimation.
	BurnIn int `json:"burnIn"`

	// Bins is the number of histogram bins for marginal distributions.
	Bins int `json:"bins"`

	// ExplorationTime is the step count before proposal adaptation begins.
	ExplorationTime int `json:"explorationTime"`

	// Params holds the parameter names, in vector order.
	Params []string `json:"params"`

	// Start is the starting parameter vector.
	Start []float64 `json:"start"`

	// Lower and Upper are the hard per-parameter bounds.
	Lower []float64 `json:"lower"`
	Upper []float64 `json:"upper"`

	// CreatedAt records when the run was first configured.
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks that the run configuration is internally consistent.
func (c *RunConfig) Validate() error {
	if c.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if c.Chains <= 0 {
		return &ValidationError{Field: "Chains", Reason: "must be positive"}
	}
	if c.Steps <= 0 {
		return &ValidationError{Field: "Steps", Reason: "must be positive"}
	}
	if c.BurnIn < 0 {
		return &ValidationError{Field: "BurnIn", Reason: "cannot be negative"}
	}
	if c.BurnIn >= c.Steps {
		return &ValidationError{Field: "BurnIn", Reason: "must be smaller than Steps"}
	}
	if c.Bins <= 0 {
		return &ValidationError{Field: "Bins", Reason: "must be positive"}
	}
	if c.ExplorationTime < 0 {
		return &ValidationError{Field: "ExplorationTime", Reason: "cannot be negative"}
	}
	if len(c.Params) == 0 {
		return &ValidationError{Field: "Params", Reason: "cannot be empty"}
	}
	dim := len(c.Params)
	if len(c.Start) != dim {
		return &ValidationError{Field: "Start", Reason: fmt.Sprintf("length %d, expected %d", len(c.Start), dim)}
	}
	if len(c.Lower) != dim || len(c.Upper) != dim {
		return &ValidationError{Field: "Lower/Upper", Reason: "bounds length must match parameter count"}
	}
	return nil
}

// IsCompatible checks whether a resumed run may reuse rows written under a
// previous configuration. Chain count, step count and the parameter layout
// must match exactly; burn-in and bins only affect summarization and are
// free to change between invocations.
func (c *RunConfig) IsCompatible(other *RunConfig) error {
	if c.Chains != other.Chains {
		return &CompatibilityError{Field: "Chains", Expected: fmt.Sprintf("%d", c.Chains), Actual: fmt.Sprintf("%d", other.Chains)}
	}
	if c.Steps != other.Steps {
		return &CompatibilityError{Field: "Steps", Expected: fmt.Sprintf("%d", c.Steps), Actual: fmt.Sprintf("%d", other.Steps)}
	}
	if len(c.Params) != len(other.Params) {
		return &CompatibilityError{Field: "Params", Expected: fmt.Sprintf("%d parameters", len(c.Params)), Actual: fmt.Sprintf("%d parameters", len(other.Params))}
	}
	for i, name := range c.Params {
		if other.Params[i] != name {
			return &CompatibilityError{Field: "Params", Expected: name, Actual: other.Params[i]}
		}
	}
	return nil
}

// runConfigPath returns the run.json path inside a run directory.
func runConfigPath(dir string) string {
	return filepath.Join(dir, "run.json")
}

// SaveRunConfig atomically saves the run configuration (temp file + rename).
func SaveRunConfig(dir string, config *RunConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize run config: %w", err)
	}

	tempPath := runConfigPath(dir) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp run config: %w", err)
	}
	if err := os.Rename(tempPath, runConfigPath(dir)); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename run config: %w", err)
	}
	return nil
}

// LoadRunConfig retrieves the run configuration for a run directory.
// Returns a NotFoundError if the run has never been configured.
func LoadRunConfig(dir string) (*RunConfig, error) {
	path := runConfigPath(dir)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{RunID: filepath.Base(dir)}
		}
		return nil, fmt.Errorf("failed to read run config: %w", err)
	}

	var config RunConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to deserialize run config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config %s: %w", path, err)
	}
	return &config, nil
}

// NotFoundError reports a missing run configuration.
// Use errors.Is(err, ErrNotFound) to check for this error.
type NotFoundError struct {
	RunID string
}

// ErrNotFound is the sentinel target for NotFoundError.
var ErrNotFound = &NotFoundError{}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return "run config not found: " + e.RunID
	}
	return "run config not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ValidationError represents an invalid run configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// CompatibilityError reports a resumed run whose configuration conflicts
// with the configuration that produced the existing rows.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
