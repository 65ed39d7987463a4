// Package voxel converts noised point clouds into deduplicated sparse
// voxel grids.
//
// Collision policy: when several points quantize to the same voxel the
// first one in input order is kept and the rest are dropped. Output
// voxels are ordered by first encounter. Collisions are expected and are
// not errors.
package voxel

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/sparsediff/internal/diffusion/pointcloud"
)

// ErrInvalidVoxelSize is returned for non-positive or non-finite voxel sizes.
var ErrInvalidVoxelSize = errors.New("invalid voxel size")

// Coord is an integer voxel coordinate.
type Coord [3]int32

// Grid is a sparse voxel grid: unique coordinates and one feature row per
// coordinate, in the same order. Feats is K×3.
type Grid struct {
	Coords []Coord
	Feats  *mat.Dense
}

// Len returns the number of occupied voxels.
func (g Grid) Len() int { return len(g.Coords) }

// Pair is the noisy-input grid and the noise-target grid for one example.
// Both grids share the same Coords slice.
type Pair struct {
	Input  Grid
	Target Grid
	// Indices are the positions in the original cloud of the retained points.
	Indices []int
}

// Encoder quantizes clouds with a fixed voxel size. It is stateless and
// safe for concurrent use.
type Encoder struct {
	size float64
}

// NewEncoder returns an Encoder for voxel size v.
func NewEncoder(v float64) (*Encoder, error) {
	if !(v > 0) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVoxelSize, v)
	}
	return &Encoder{size: v}, nil
}

// Size returns the voxel edge length.
func (e *Encoder) Size() float64 { return e.size }

// Quantize translates c so its per-axis minimum is zero, floors each
// coordinate divided by the voxel size, and keeps the first point that
// lands in each voxel. It returns the unique coordinates and the indices
// of the retained points.
func (e *Encoder) Quantize(c pointcloud.Cloud) ([]Coord, []int, error) {
	if len(c) == 0 {
		return nil, nil, fmt.Errorf("quantize: empty cloud")
	}
	shifted := c.Translate(c.Min())

	seen := make(map[Coord]struct{}, len(c))
	coords := make([]Coord, 0, len(c))
	indices := make([]int, 0, len(c))
	for i, p := range shifted {
		q, err := e.quantizePoint(p)
		if err != nil {
			return nil, nil, fmt.Errorf("quantize point %d: %w", i, err)
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		coords = append(coords, q)
		indices = append(indices, i)
	}
	return coords, indices, nil
}

func (e *Encoder) quantizePoint(p r3.Vec) (Coord, error) {
	var q Coord
	for axis, v := range [3]float64{p.X, p.Y, p.Z} {
		f := math.Floor(v / e.size)
		if math.IsNaN(f) || f < math.MinInt32 || f > math.MaxInt32 {
			return Coord{}, fmt.Errorf("coordinate %v overflows int32 at voxel size %g", v, e.size)
		}
		q[axis] = int32(f)
	}
	return q, nil
}

// Encode builds the noisy-input and noise-target grids for a noised cloud
// and its noise. Input features are the original, non-quantized noised
// coordinates of the retained points; target features are the noise at
// the same indices.
func (e *Encoder) Encode(points, noise pointcloud.Cloud) (Pair, error) {
	if len(points) != len(noise) {
		return Pair{}, fmt.Errorf("encode: %d points but %d noise vectors", len(points), len(noise))
	}
	coords, indices, err := e.Quantize(points)
	if err != nil {
		return Pair{}, err
	}

	k := len(indices)
	inFeats := mat.NewDense(k, 3, nil)
	tgtFeats := mat.NewDense(k, 3, nil)
	for row, idx := range indices {
		p, n := points[idx], noise[idx]
		inFeats.SetRow(row, []float64{p.X, p.Y, p.Z})
		tgtFeats.SetRow(row, []float64{n.X, n.Y, n.Z})
	}

	return Pair{
		Input:   Grid{Coords: coords, Feats: inFeats},
		Target:  Grid{Coords: coords, Feats: tgtFeats},
		Indices: indices,
	}, nil
}

// Requantize re-applies translation and deduplication to coordinates that
// are already in voxel units. Coordinates produced by Quantize come back
// unchanged.
func Requantize(coords []Coord) ([]Coord, []int) {
	if len(coords) == 0 {
		return nil, nil
	}
	lo := coords[0]
	for _, q := range coords[1:] {
		for axis := range q {
			if q[axis] < lo[axis] {
				lo[axis] = q[axis]
			}
		}
	}

	seen := make(map[Coord]struct{}, len(coords))
	out := make([]Coord, 0, len(coords))
	indices := make([]int, 0, len(coords))
	for i, q := range coords {
		shifted := Coord{q[0] - lo[0], q[1] - lo[1], q[2] - lo[2]}
		if _, dup := seen[shifted]; dup {
			continue
		}
		seen[shifted] = struct{}{}
		out = append(out, shifted)
		indices = append(indices, i)
	}
	return out, indices
}
