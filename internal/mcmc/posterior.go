package mcmc

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/JulienPeloton/Spectractor/internal/store"
)

// Marginal is the 1-D empirical posterior of one parameter, pooled across
// chains after burn-in trimming.
type Marginal struct {
	Name  string
	Label string

	// Mean is the pooled sample mean.
	Mean float64

	// Median is the 50th percentile.
	Median float64

	// Mode is the center of the most populated histogram bin.
	Mode float64

	// ErrLow and ErrHigh are the asymmetric credible bounds: the distances
	// from the median to the 16th and 84th percentiles.
	ErrLow  float64
	ErrHigh float64

	// Min, Max and Counts describe the nbins histogram over [Min, Max].
	Min    float64
	Max    float64
	Counts []int
}

// PosteriorSummary is the read-only view derived from the merged,
// burn-in-trimmed rows of all finished chains.
type PosteriorSummary struct {
	Names     []string
	Marginals []Marginal

	// BestParams and BestCost identify the single minimum-cost row across
	// all trimmed rows of all chains: the point estimate.
	BestParams []float64
	BestCost   float64
	BestChain  int
	BestStep   int

	// Covariance and Correlation are estimated from the pooled trimmed
	// samples. The covariance can seed a future run's proposal.
	Covariance  *mat.SymDense
	Correlation *mat.SymDense

	// GelmanRubin holds the between-chain vs within-chain variance ratio
	// per parameter. Nil when fewer than two chains contributed. A value
	// materially above 1 flags non-convergence; it is reported, never
	// fatal.
	GelmanRubin []float64

	// Chains lists the chain ids that contributed samples.
	Chains []int

	// Samples is the pooled post-burn-in sample count.
	Samples int
}

// Summarize builds the posterior summary from per-chain row sets. The first
// burnIn rows of each chain are trimmed independently: burn-in is a
// per-chain warm-up artifact, not a global prefix.
func Summarize(byChain map[int][]store.Row, space *Space, burnIn, bins int) (*PosteriorSummary, error) {
	if len(byChain) == 0 {
		return nil, fmt.Errorf("no chains to summarize")
	}
	if bins <= 0 {
		return nil, fmt.Errorf("bins must be positive, got %d", bins)
	}
	dim := space.Dim()

	ids := make([]int, 0, len(byChain))
	for id := range byChain {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	trimmed := make(map[int][]store.Row, len(byChain))
	total := 0
	for _, id := range ids {
		rows := byChain[id]
		if len(rows) <= burnIn {
			return nil, fmt.Errorf("chain %d: %d rows do not survive burn-in of %d", id, len(rows), burnIn)
		}
		trimmed[id] = rows[burnIn:]
		total += len(rows) - burnIn
	}
	if total < 2 {
		return nil, fmt.Errorf("not enough post-burn-in samples: %d", total)
	}

	// Pool the samples and track the global best row.
	pooled := mat.NewDense(total, dim, nil)
	best := store.Row{Cost: math.Inf(1)}
	r := 0
	for _, id := range ids {
		for _, row := range trimmed[id] {
			pooled.SetRow(r, row.Params)
			r++
			if row.Cost < best.Cost {
				best = row
			}
		}
	}

	summary := &PosteriorSummary{
		Names:      space.Names(),
		Marginals:  make([]Marginal, dim),
		BestParams: append([]float64(nil), best.Params...),
		BestCost:   best.Cost,
		BestChain:  best.Chain,
		BestStep:   best.Step,
		Chains:     ids,
		Samples:    total,
	}

	column := make([]float64, total)
	for j := 0; j < dim; j++ {
		mat.Col(column, j, pooled)
		summary.Marginals[j] = marginal(space.Params[j], column, bins)
	}

	cov := mat.NewSymDense(dim, nil)
	stat.CovarianceMatrix(cov, pooled, nil)
	summary.Covariance = cov

	corr := mat.NewSymDense(dim, nil)
	stat.CorrelationMatrix(corr, pooled, nil)
	summary.Correlation = corr

	if len(ids) >= 2 {
		summary.GelmanRubin = gelmanRubin(trimmed, ids, dim)
	}
	return summary, nil
}

// marginal computes the 1-D empirical distribution of one parameter.
func marginal(p Param, samples []float64, bins int) Marginal {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	m := Marginal{
		Name:   p.Name,
		Label:  p.Label,
		Mean:   stat.Mean(sorted, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Counts: make([]int, bins),
	}
	q16 := stat.Quantile(0.16, stat.Empirical, sorted, nil)
	q84 := stat.Quantile(0.84, stat.Empirical, sorted, nil)
	m.ErrLow = m.Median - q16
	m.ErrHigh = q84 - m.Median

	if m.Max == m.Min {
		// Degenerate marginal: all samples identical.
		m.Mode = m.Min
		m.Counts[0] = len(sorted)
		return m
	}

	width := (m.Max - m.Min) / float64(bins)
	for _, v := range sorted {
		k := int((v - m.Min) / width)
		if k >= bins {
			k = bins - 1
		}
		m.Counts[k]++
	}
	modeBin := 0
	for k, c := range m.Counts {
		if c > m.Counts[modeBin] {
			modeBin = k
		}
	}
	m.Mode = m.Min + (float64(modeBin)+0.5)*width
	return m
}

// gelmanRubin computes the classic between/within variance ratio per
// parameter from the per-chain trimmed samples.
func gelmanRubin(trimmed map[int][]store.Row, ids []int, dim int) []float64 {
	mCount := len(ids)
	ratios := make([]float64, dim)

	for j := 0; j < dim; j++ {
		chainMeans := make([]float64, mCount)
		chainVars := make([]float64, mCount)
		minLen := math.MaxInt

		for c, id := range ids {
			rows := trimmed[id]
			if len(rows) < minLen {
				minLen = len(rows)
			}
			values := make([]float64, len(rows))
			for i, row := range rows {
				values[i] = row.Params[j]
			}
			chainMeans[c] = stat.Mean(values, nil)
			chainVars[c] = stat.Variance(values, nil)
		}

		n := float64(minLen)
		within := stat.Mean(chainVars, nil)
		between := n * stat.Variance(chainMeans, nil)
		if within <= 0 {
			ratios[j] = 1
			continue
		}
		varPlus := (n-1)/n*within + between/n
		ratios[j] = math.Sqrt(varPlus / within)
	}
	return ratios
}
