package mcmc

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Proposal is the adaptive covariance of the multivariate-normal random-walk
// proposal. It starts from a caller-supplied seed covariance and, once fed
// with accepted-history states via Observe, replaces the seed with the scaled
// running sample covariance (Haario-style adaptive Metropolis).
//
// A Proposal is owned exclusively by one chain and is not safe for
// concurrent use.
type Proposal struct {
	dim  int
	cov  *mat.SymDense
	chol mat.Cholesky

	// Running first and second moments of the observed states.
	n        int
	mean     []float64
	delta    []float64
	comoment *mat.SymDense

	// scale is the Haario factor 2.38^2/dim applied to the sample
	// covariance.
	scale float64

	// minObservations gates the switch from the seed covariance to the
	// adapted one, so a near-singular early history cannot collapse the
	// proposal.
	minObservations int
}

// NewProposal builds a proposal generator from a seed covariance. The seed
// must be positive definite up to a small diagonal jitter.
func NewProposal(seed *mat.SymDense) (*Proposal, error) {
	if seed == nil {
		return nil, fmt.Errorf("seed covariance cannot be nil")
	}
	dim := seed.SymmetricDim()
	if dim == 0 {
		return nil, fmt.Errorf("seed covariance cannot be empty")
	}

	p := &Proposal{
		dim:             dim,
		cov:             mat.NewSymDense(dim, nil),
		mean:            make([]float64, dim),
		delta:           make([]float64, dim),
		comoment:        mat.NewSymDense(dim, nil),
		scale:           2.38 * 2.38 / float64(dim),
		minObservations: 2*dim + 2,
	}
	p.cov.CopySym(seed)
	if err := factorize(&p.chol, p.cov); err != nil {
		return nil, fmt.Errorf("seed covariance is not positive definite: %w", err)
	}
	return p, nil
}

// Dim returns the proposal dimension.
func (p *Proposal) Dim() int {
	return p.dim
}

// Draw samples a candidate from N(center, C) into dst and returns dst.
// If dst is nil a fresh vector is allocated.
func (p *Proposal) Draw(dst, center []float64, src rand.Source) []float64 {
	return distmv.NormalRand(dst, center, &p.chol, src)
}

// Observe feeds one post-decision state into the running moments and, once
// enough history has accumulated, re-estimates the proposal covariance as
// scale * sampleCov + scale * jitter * I.
//
// If the re-estimated covariance cannot be factorized even with jitter, the
// previous factorization is kept; the proposal must always remain a valid
// multivariate-normal generator.
func (p *Proposal) Observe(x []float64) {
	p.n++
	if p.n == 1 {
		copy(p.mean, x)
		return
	}

	// Welford update of mean and co-moment matrix.
	for i := range p.mean {
		p.delta[i] = x[i] - p.mean[i]
		p.mean[i] += p.delta[i] / float64(p.n)
	}
	for i := 0; i < p.dim; i++ {
		for j := i; j < p.dim; j++ {
			p.comoment.SetSym(i, j, p.comoment.At(i, j)+p.delta[i]*(x[j]-p.mean[j]))
		}
	}

	if p.n < p.minObservations {
		return
	}

	inv := 1 / float64(p.n-1)
	next := mat.NewSymDense(p.dim, nil)
	for i := 0; i < p.dim; i++ {
		for j := i; j < p.dim; j++ {
			next.SetSym(i, j, p.scale*p.comoment.At(i, j)*inv)
		}
	}

	var chol mat.Cholesky
	if err := factorize(&chol, next); err != nil {
		// Degenerate history; keep sampling from the previous covariance.
		return
	}
	p.cov = next
	p.chol = chol
}

// Cov returns a copy of the current proposal covariance.
func (p *Proposal) Cov() *mat.SymDense {
	out := mat.NewSymDense(p.dim, nil)
	out.CopySym(p.cov)
	return out
}

// Observations returns how many states have been fed into the adaptation.
func (p *Proposal) Observations() int {
	return p.n
}

// factorize attempts a Cholesky factorization of cov, regularizing with an
// escalating diagonal jitter when the matrix is only positive semi-definite.
// cov is updated in place with whatever jitter made it factorizable.
func factorize(chol *mat.Cholesky, cov *mat.SymDense) error {
	if chol.Factorize(cov) {
		return nil
	}

	dim := cov.SymmetricDim()
	var trace float64
	for i := 0; i < dim; i++ {
		trace += cov.At(i, i)
	}
	jitter := 1e-12 * trace / float64(dim)
	if jitter <= 0 {
		jitter = 1e-12
	}

	for attempt := 0; attempt < 8; attempt++ {
		for i := 0; i < dim; i++ {
			cov.SetSym(i, i, cov.At(i, i)+jitter)
		}
		if chol.Factorize(cov) {
			return nil
		}
		jitter *= 10
	}
	return fmt.Errorf("cholesky factorization failed after jitter regularization")
}
