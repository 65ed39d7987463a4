// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertClose fails the test if |got-want| > tol.
func AssertClose(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v (tol %g)", name, got, want, tol)
	}
}

// SpherePoints returns n points on the unit sphere drawn from a seeded
// source. The same seed always yields the same points.
func SpherePoints(n int, seed uint64) []r3.Vec {
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	pts := make([]r3.Vec, n)
	for i := range pts {
		v := r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		norm := r3.Norm(v)
		if norm == 0 {
			v, norm = r3.Vec{X: 1}, 1
		}
		pts[i] = r3.Scale(1/norm, v)
	}
	return pts
}

// LatticePoints returns an n×n×n lattice with the given spacing, starting
// at origin, in x-fastest order.
func LatticePoints(n int, spacing float64, origin r3.Vec) []r3.Vec {
	pts := make([]r3.Vec, 0, n*n*n)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				pts = append(pts, r3.Add(origin, r3.Vec{
					X: float64(x) * spacing,
					Y: float64(y) * spacing,
					Z: float64(z) * spacing,
				}))
			}
		}
	}
	return pts
}
