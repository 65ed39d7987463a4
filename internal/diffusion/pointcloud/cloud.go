// Package pointcloud holds clean point clouds as produced by the upstream
// loader, their split-level normalization statistics, and the codecs used
// to read and store them.
package pointcloud

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// Cloud is an ordered sequence of 3-D points.
type Cloud []r3.Vec

// Min returns the per-axis minimum. An empty cloud returns the zero vector.
func (c Cloud) Min() r3.Vec {
	if len(c) == 0 {
		return r3.Vec{}
	}
	m := c[0]
	for _, p := range c[1:] {
		m.X = math.Min(m.X, p.X)
		m.Y = math.Min(m.Y, p.Y)
		m.Z = math.Min(m.Z, p.Z)
	}
	return m
}

// Translate returns a copy of the cloud shifted by -origin.
func (c Cloud) Translate(origin r3.Vec) Cloud {
	out := make(Cloud, len(c))
	for i, p := range c {
		out[i] = r3.Sub(p, origin)
	}
	return out
}

// Subsample returns n points drawn without replacement using rng.
// When n >= len(c) the cloud is returned in a random order.
func (c Cloud) Subsample(n int, rng *rand.Rand) Cloud {
	if n <= 0 || len(c) == 0 {
		return nil
	}
	perm := rng.Perm(len(c))
	if n > len(c) {
		n = len(c)
	}
	out := make(Cloud, n)
	for i := 0; i < n; i++ {
		out[i] = c[perm[i]]
	}
	return out
}

// Shape is a single clean example from the upstream source.
type Shape struct {
	Cloud    Cloud
	SynsetID string // category identifier
	ModelID  string // file stem within the category
}

// Stats are split-level normalization statistics: a per-axis mean and a
// single standard deviation over all centred coordinates. They are
// computed once on the training split and reused unmodified for
// validation.
type Stats struct {
	Mean r3.Vec  `json:"mean"`
	Std  float64 `json:"std"`
}

// IdentityStats leaves clouds unchanged when applied.
func IdentityStats() Stats {
	return Stats{Std: 1}
}

// ComputeStats computes Stats over every point of every cloud.
func ComputeStats(clouds []Cloud) (Stats, error) {
	var n int
	for _, c := range clouds {
		n += len(c)
	}
	if n == 0 {
		return Stats{}, fmt.Errorf("compute stats: no points")
	}

	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	zs := make([]float64, 0, n)
	for _, c := range clouds {
		for _, p := range c {
			xs = append(xs, p.X)
			ys = append(ys, p.Y)
			zs = append(zs, p.Z)
		}
	}
	mean := r3.Vec{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil), Z: stat.Mean(zs, nil)}

	centred := make([]float64, 0, 3*n)
	for i := range xs {
		centred = append(centred, xs[i]-mean.X, ys[i]-mean.Y, zs[i]-mean.Z)
	}
	std := stat.PopStdDev(centred, nil)
	if std == 0 || math.IsNaN(std) {
		return Stats{}, fmt.Errorf("compute stats: degenerate std %v", std)
	}
	return Stats{Mean: mean, Std: std}, nil
}

// Normalize returns (c - Mean) / Std.
func (s Stats) Normalize(c Cloud) Cloud {
	out := make(Cloud, len(c))
	inv := 1 / s.Std
	for i, p := range c {
		out[i] = r3.Scale(inv, r3.Sub(p, s.Mean))
	}
	return out
}

// Source is the upstream point-cloud collaborator. Implementations must
// be safe for concurrent Shape calls.
type Source interface {
	Len() int
	// Shape returns the clean, normalized example at idx. Any random
	// subsampling draws from rng only.
	Shape(idx int, rng *rand.Rand) (Shape, error)
	// Categories lists every category identifier the source can return.
	Categories() []string
	Stats() Stats
}
