package store

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Covariance matrices are persisted as whitespace-delimited text, one matrix
// row per line. This is the same format accepted as a seed proposal, so a
// finished run's posterior covariance can feed the next run directly.

// LoadCovariance reads a square symmetric matrix from a text file.
// Small asymmetries from formatting are symmetrized away; anything beyond
// rounding noise is rejected.
func LoadCovariance(path string) (*mat.SymDense, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open covariance file: %w", err)
	}
	defer file.Close()

	var values [][]float64
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("covariance file %s: line %d: invalid value %q", path, line, f)
			}
			row[i] = v
		}
		values = append(values, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan covariance file: %w", err)
	}

	n := len(values)
	if n == 0 {
		return nil, fmt.Errorf("covariance file %s: empty matrix", path)
	}
	for i, row := range values {
		if len(row) != n {
			return nil, fmt.Errorf("covariance file %s: row %d has %d values, expected %d", path, i, len(row), n)
		}
	}

	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			a, b := values[i][j], values[j][i]
			if math.IsNaN(a) || math.IsNaN(b) {
				return nil, fmt.Errorf("covariance file %s: NaN entry at (%d,%d)", path, i, j)
			}
			scale := math.Max(math.Abs(a), math.Abs(b))
			if diff := math.Abs(a - b); scale > 0 && diff > 1e-6*scale {
				return nil, fmt.Errorf("covariance file %s: asymmetric entries at (%d,%d): %g vs %g", path, i, j, a, b)
			}
			cov.SetSym(i, j, 0.5*(a+b))
		}
	}
	return cov, nil
}

// SaveCovariance atomically writes a symmetric matrix as text via a temp
// file and rename, so readers never observe a partially written matrix.
func SaveCovariance(path string, cov *mat.SymDense) error {
	if cov == nil {
		return fmt.Errorf("covariance cannot be nil")
	}

	n := cov.SymmetricDim()
	var sb strings.Builder
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if j > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strconv.FormatFloat(cov.At(i, j), 'e', 12, 64))
		}
		sb.WriteByte('\n')
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write temp covariance file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename covariance file: %w", err)
	}
	return nil
}
