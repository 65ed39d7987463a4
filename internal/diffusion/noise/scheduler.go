// Package noise implements the forward diffusion process applied to
// continuous point coordinates.
//
// Timesteps are zero-based: t is drawn uniformly from [0, Steps) and
// t = 0 is the boundary step whose cumulative signal fraction is
// ᾱ_0 = 1 - β_min, i.e. near-identity scaling.
package noise

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/sparsediff/internal/diffusion/pointcloud"
)

// ErrInvalidParams is returned by NewScheduler for unusable hyperparameters.
var ErrInvalidParams = errors.New("invalid noise schedule parameters")

// Mode selects how betas are interpolated between BetaMin and BetaMax.
type Mode string

const (
	// ModeLinear spaces betas evenly between BetaMin and BetaMax.
	ModeLinear Mode = "linear"
	// ModeQuadratic spaces sqrt(beta) evenly, then squares.
	ModeQuadratic Mode = "quadratic"
)

// Params are the schedule hyperparameters.
type Params struct {
	BetaMin float64
	BetaMax float64
	Steps   int
	Mode    Mode
}

// DefaultParams returns the DDPM defaults used for training.
func DefaultParams() Params {
	return Params{BetaMin: 1e-4, BetaMax: 2e-2, Steps: 1000, Mode: ModeLinear}
}

// Validate checks the hyperparameters without building tables.
func (p Params) Validate() error {
	if p.Steps < 1 {
		return fmt.Errorf("%w: n_steps must be >= 1, got %d", ErrInvalidParams, p.Steps)
	}
	if !(p.BetaMin > 0) || !(p.BetaMax < 1) {
		return fmt.Errorf("%w: betas must lie in (0, 1), got [%g, %g]", ErrInvalidParams, p.BetaMin, p.BetaMax)
	}
	if p.BetaMin >= p.BetaMax {
		return fmt.Errorf("%w: beta_min (%g) must be < beta_max (%g)", ErrInvalidParams, p.BetaMin, p.BetaMax)
	}
	switch p.Mode {
	case ModeLinear, ModeQuadratic:
	default:
		return fmt.Errorf("%w: unknown schedule mode %q", ErrInvalidParams, p.Mode)
	}
	return nil
}

// Scheduler holds the precomputed β and ᾱ tables. It is immutable after
// construction and safe for concurrent use; all randomness comes from the
// caller's source.
type Scheduler struct {
	params         Params
	betas          []float64
	alphaBars      []float64
	sqrtAlphaBar   []float64
	sqrtOneMinusAB []float64
}

// NewScheduler validates p and precomputes the schedule tables.
func NewScheduler(p Params) (*Scheduler, error) {
	if p.Mode == "" {
		p.Mode = ModeLinear
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	betas := make([]float64, p.Steps)
	switch p.Mode {
	case ModeLinear:
		linspace(betas, p.BetaMin, p.BetaMax)
	case ModeQuadratic:
		linspace(betas, math.Sqrt(p.BetaMin), math.Sqrt(p.BetaMax))
		for i, b := range betas {
			betas[i] = b * b
		}
	}

	alphas := make([]float64, p.Steps)
	for i, b := range betas {
		alphas[i] = 1 - b
	}
	alphaBars := make([]float64, p.Steps)
	floats.CumProd(alphaBars, alphas)

	s := &Scheduler{
		params:         p,
		betas:          betas,
		alphaBars:      alphaBars,
		sqrtAlphaBar:   make([]float64, p.Steps),
		sqrtOneMinusAB: make([]float64, p.Steps),
	}
	for i, ab := range alphaBars {
		s.sqrtAlphaBar[i] = math.Sqrt(ab)
		s.sqrtOneMinusAB[i] = math.Sqrt(1 - ab)
	}
	return s, nil
}

// linspace fills dst with evenly spaced values from lo to hi inclusive.
// A single-element dst receives lo.
func linspace(dst []float64, lo, hi float64) {
	if len(dst) == 1 {
		dst[0] = lo
		return
	}
	floats.Span(dst, lo, hi)
}

// Params returns the hyperparameters the scheduler was built with.
func (s *Scheduler) Params() Params { return s.params }

// Steps returns the number of diffusion steps.
func (s *Scheduler) Steps() int { return s.params.Steps }

// Beta returns β_t.
func (s *Scheduler) Beta(t int) float64 { return s.betas[t] }

// AlphaBar returns ᾱ_t, the cumulative product of (1 - β_i) for i <= t.
func (s *Scheduler) AlphaBar(t int) float64 { return s.alphaBars[t] }

// AlphaBars returns a copy of the full ᾱ table.
func (s *Scheduler) AlphaBars() []float64 {
	return append([]float64(nil), s.alphaBars...)
}

// SampleTimestep draws t uniformly from [0, Steps).
func (s *Scheduler) SampleTimestep(rng *rand.Rand) int {
	return rng.IntN(s.params.Steps)
}

// Gaussian draws a standard normal value per coordinate of a cloud with n points.
func Gaussian(n int, rng *rand.Rand) pointcloud.Cloud {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	eps := make(pointcloud.Cloud, n)
	for i := range eps {
		eps[i] = r3.Vec{X: normal.Rand(), Y: normal.Rand(), Z: normal.Rand()}
	}
	return eps
}

// Apply computes x_t = sqrt(ᾱ_t)·x0 + sqrt(1-ᾱ_t)·eps. It is pure.
func (s *Scheduler) Apply(x0 pointcloud.Cloud, t int, eps pointcloud.Cloud) (pointcloud.Cloud, error) {
	if t < 0 || t >= s.params.Steps {
		return nil, fmt.Errorf("timestep %d out of range [0, %d)", t, s.params.Steps)
	}
	if len(eps) != len(x0) {
		return nil, fmt.Errorf("noise has %d points, cloud has %d", len(eps), len(x0))
	}
	a, b := s.sqrtAlphaBar[t], s.sqrtOneMinusAB[t]
	xt := make(pointcloud.Cloud, len(x0))
	for i := range x0 {
		xt[i] = r3.Add(r3.Scale(a, x0[i]), r3.Scale(b, eps[i]))
	}
	return xt, nil
}

// Noise draws fresh gaussian noise and applies it at timestep t.
func (s *Scheduler) Noise(x0 pointcloud.Cloud, t int, rng *rand.Rand) (xt, eps pointcloud.Cloud, err error) {
	eps = Gaussian(len(x0), rng)
	xt, err = s.Apply(x0, t, eps)
	if err != nil {
		return nil, nil, err
	}
	return xt, eps, nil
}

// Sample is one forward-diffusion draw.
type Sample struct {
	Points pointcloud.Cloud // x_t
	T      int
	Noise  pointcloud.Cloud // eps, same cardinality as Points
}

// Sample draws a timestep, then noise, from rng and returns the noised
// cloud. The draw order is fixed so a seeded rng reproduces the sample.
func (s *Scheduler) Sample(x0 pointcloud.Cloud, rng *rand.Rand) (Sample, error) {
	t := s.SampleTimestep(rng)
	xt, eps, err := s.Noise(x0, t, rng)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Points: xt, T: t, Noise: eps}, nil
}
