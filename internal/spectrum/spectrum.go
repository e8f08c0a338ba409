package spectrum

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
)

// Spectrum is an extracted 1-D spectrum: wavelength grid, flux and flux
// uncertainty, all the same length.
type Spectrum struct {
	Lambdas []float64
	Data    []float64
	Err     []float64
}

// New validates and wraps the three arrays. Zero or negative flux errors are
// replaced by ones so a chi-square against the spectrum is always defined.
func New(lambdas, data, errs []float64) (*Spectrum, error) {
	if len(lambdas) == 0 {
		return nil, fmt.Errorf("spectrum cannot be empty")
	}
	if len(data) != len(lambdas) || len(errs) != len(lambdas) {
		return nil, fmt.Errorf("spectrum arrays must have equal length: %d lambdas, %d flux, %d errors",
			len(lambdas), len(data), len(errs))
	}
	for i := 1; i < len(lambdas); i++ {
		if lambdas[i] <= lambdas[i-1] {
			return nil, fmt.Errorf("wavelengths must be strictly increasing at index %d", i)
		}
	}

	s := &Spectrum{
		Lambdas: append([]float64(nil), lambdas...),
		Data:    append([]float64(nil), data...),
		Err:     append([]float64(nil), errs...),
	}
	for i, e := range s.Err {
		if e <= 0 || math.IsNaN(e) {
			s.Err[i] = 1
		}
	}
	return s, nil
}

// Len returns the number of spectral samples.
func (s *Spectrum) Len() int {
	return len(s.Lambdas)
}

// Peak returns the maximum flux value.
func (s *Spectrum) Peak() float64 {
	peak := math.Inf(-1)
	for _, v := range s.Data {
		if v > peak {
			peak = v
		}
	}
	return peak
}

// Chisq computes the chi-square of a model against the spectrum, with the
// model uncertainty added in quadrature to the data uncertainty.
func (s *Spectrum) Chisq(model, modelErr []float64) float64 {
	var sum float64
	for i := range s.Data {
		var me float64
		if i < len(modelErr) {
			me = modelErr[i]
		}
		d := model[i] - s.Data[i]
		sum += d * d / (me*me + s.Err[i]*s.Err[i])
	}
	return sum
}

// Load reads a spectrum from a CSV file with columns lambda,flux,flux_err.
// A non-numeric first record is treated as a header.
func Load(path string) (*Spectrum, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spectrum: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 3
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse spectrum CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("spectrum file %s is empty", path)
	}

	start := 0
	if _, err := strconv.ParseFloat(records[0][0], 64); err != nil {
		start = 1
	}

	var lambdas, data, errs []float64
	for i := start; i < len(records); i++ {
		row := make([]float64, 3)
		for j, field := range records[i] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("spectrum file %s: record %d: invalid value %q", path, i+1, field)
			}
			row[j] = v
		}
		lambdas = append(lambdas, row[0])
		data = append(data, row[1])
		errs = append(errs, row[2])
	}
	return New(lambdas, data, errs)
}

// Save writes the spectrum as CSV with a header row.
func (s *Spectrum) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create spectrum file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"lambda", "flux", "flux_err"}); err != nil {
		return fmt.Errorf("failed to write spectrum header: %w", err)
	}
	for i := range s.Lambdas {
		record := []string{
			strconv.FormatFloat(s.Lambdas[i], 'g', -1, 64),
			strconv.FormatFloat(s.Data[i], 'g', -1, 64),
			strconv.FormatFloat(s.Err[i], 'g', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write spectrum record: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush spectrum file: %w", err)
	}
	return nil
}
