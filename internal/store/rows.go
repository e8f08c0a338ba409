package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// Row is one persisted MCMC step: the post-decision state of a chain.
// Rows are append-only and never mutated after being written.
type Row struct {
	// Key is the globally unique step key: chain*nsteps + step.
	Key int `json:"key"`

	// Chain is the chain index this row belongs to.
	Chain int `json:"chain"`

	// Step is the local step index within the chain (0-based).
	Step int `json:"step"`

	// Cost is the cost value of the current state after the accept/reject
	// decision. Always finite: infeasible candidates are never accepted.
	Cost float64 `json:"cost"`

	// Params is the full parameter vector of the current state.
	Params []float64 `json:"params"`
}

// chainLogPath returns the row log path for a chain inside a run directory.
func chainLogPath(dir string, chain int) string {
	return filepath.Join(dir, fmt.Sprintf("chain_%03d.jsonl", chain))
}

// RowWriter appends rows for a single chain to a JSONL file.
// Each chain owns exactly one writer, so writers never contend on a file.
type RowWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewRowWriter opens the row log for the given chain in append mode,
// creating the run directory if needed.
func NewRowWriter(dir string, chain int) (*RowWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	path := chainLogPath(dir, chain)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open row log: %w", err)
	}

	return &RowWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Append writes one row as a JSON line. The row is buffered and becomes
// durable on Flush or Close.
func (w *RowWriter) Append(row Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Flush writes buffered rows and syncs the file to disk.
func (w *RowWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush row log: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync row log: %w", err)
	}
	return nil
}

// Close flushes buffered rows, syncs and closes the row log.
func (w *RowWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to sync on close: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close row log: %w", err)
	}
	return nil
}

// Path returns the filesystem path of the row log.
func (w *RowWriter) Path() string {
	return w.path
}

// RowFormatError reports a malformed or inconsistent persisted row.
// Malformed rows are never skipped silently: a corrupt log would otherwise
// corrupt resumption counts.
type RowFormatError struct {
	Path   string
	Line   int
	Reason string
}

func (e *RowFormatError) Error() string {
	return fmt.Sprintf("row log %s: line %d: %s", e.Path, e.Line, e.Reason)
}

// ReadChainRows loads and validates all rows of one chain.
// dim is the expected parameter dimension. Rows must be contiguous from
// step 0 with matching chain ids and finite values.
// A missing log file means zero rows, not an error.
func ReadChainRows(dir string, chain, dim int) ([]Row, error) {
	path := chainLogPath(dir, chain)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open row log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var rows []Row
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var row Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, &RowFormatError{Path: path, Line: line, Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
		if row.Chain != chain {
			return nil, &RowFormatError{Path: path, Line: line, Reason: fmt.Sprintf("chain id %d, expected %d", row.Chain, chain)}
		}
		if row.Step != len(rows) {
			return nil, &RowFormatError{Path: path, Line: line, Reason: fmt.Sprintf("step %d out of order, expected %d", row.Step, len(rows))}
		}
		if len(row.Params) != dim {
			return nil, &RowFormatError{Path: path, Line: line, Reason: fmt.Sprintf("%d parameters, expected %d", len(row.Params), dim)}
		}
		if math.IsNaN(row.Cost) || math.IsInf(row.Cost, 0) {
			return nil, &RowFormatError{Path: path, Line: line, Reason: "non-finite cost"}
		}
		for _, v := range row.Params {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &RowFormatError{Path: path, Line: line, Reason: "non-finite parameter value"}
			}
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, &RowFormatError{Path: path, Line: line + 1, Reason: "row exceeds maximum line length"}
		}
		return nil, fmt.Errorf("failed to scan row log: %w", err)
	}

	return rows, nil
}

// CountChainRows returns the number of valid persisted rows for one chain.
func CountChainRows(dir string, chain, dim int) (int, error) {
	rows, err := ReadChainRows(dir, chain, dim)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
