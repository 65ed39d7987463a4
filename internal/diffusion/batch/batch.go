// Package batch concatenates per-example sparse grids into one batched
// grid with a batch-index coordinate channel.
//
// Collate runs on the consuming goroutine after workers hand back
// prepared items. It is not parallelized.
package batch

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sparsediff/internal/diffusion/dataset"
	"github.com/banshee-data/sparsediff/internal/diffusion/voxel"
)

// Coord is a batched voxel coordinate: x, y, z and the example index.
type Coord [4]int32

// Spatial drops the batch-index channel.
func (c Coord) Spatial() voxel.Coord { return voxel.Coord{c[0], c[1], c[2]} }

// Example returns the batch index channel.
func (c Coord) Example() int { return int(c[3]) }

// Batch is N examples merged into one sparse structure. Rows of Input and
// Noise follow Coords.
type Batch struct {
	Coords []Coord
	Input  *mat.Dense // V×3 noisy coordinates
	Noise  *mat.Dense // V×3 target noise
	T      []int      // one per example
	Labels []int      // one per example, nil for unconditional batches

	// Size is the number of examples, not the number of voxels.
	Size int
	// Offsets[i]..Offsets[i+1] are the rows belonging to example i.
	Offsets []int
}

// Voxels returns the total number of voxels across all examples.
func (b *Batch) Voxels() int { return len(b.Coords) }

// Rows returns the row range of example i.
func (b *Batch) Rows(i int) (lo, hi int) { return b.Offsets[i], b.Offsets[i+1] }

// ExampleOf returns, per voxel row, the index of the example it belongs to.
func (b *Batch) ExampleOf() []int {
	out := make([]int, len(b.Coords))
	for i, c := range b.Coords {
		out[i] = c.Example()
	}
	return out
}

// Collate merges items in input order. Item i receives batch index i.
// Either every item carries a label or none does.
func Collate(items []dataset.Item) (*Batch, error) {
	if len(items) == 0 {
		return nil, errors.New("collate: no items")
	}

	labeled := items[0].Labeled
	total := 0
	for i, it := range items {
		if err := checkItem(it); err != nil {
			return nil, fmt.Errorf("collate item %d: %w", i, err)
		}
		if it.Labeled != labeled {
			return nil, fmt.Errorf("collate item %d: mixed labeled and unlabeled items", i)
		}
		total += it.Input.Len()
	}

	b := &Batch{
		Coords:  make([]Coord, 0, total),
		Input:   mat.NewDense(total, 3, nil),
		Noise:   mat.NewDense(total, 3, nil),
		T:       make([]int, len(items)),
		Size:    len(items),
		Offsets: make([]int, 1, len(items)+1),
	}
	if labeled {
		b.Labels = make([]int, len(items))
	}

	row := 0
	for i, it := range items {
		k := it.Input.Len()
		for _, c := range it.Input.Coords {
			b.Coords = append(b.Coords, Coord{c[0], c[1], c[2], int32(i)})
		}
		b.Input.Slice(row, row+k, 0, 3).(*mat.Dense).Copy(it.Input.Feats)
		b.Noise.Slice(row, row+k, 0, 3).(*mat.Dense).Copy(it.Noise.Feats)
		row += k

		b.T[i] = it.T
		if labeled {
			b.Labels[i] = it.Label
		}
		b.Offsets = append(b.Offsets, row)
	}
	return b, nil
}

func checkItem(it dataset.Item) error {
	k := it.Input.Len()
	if k == 0 {
		return errors.New("empty grid")
	}
	if it.Noise.Len() != k {
		return fmt.Errorf("input has %d voxels, noise has %d", k, it.Noise.Len())
	}
	for _, g := range []voxel.Grid{it.Input, it.Noise} {
		if g.Feats == nil {
			return errors.New("missing features")
		}
		if r, c := g.Feats.Dims(); r != k || c != 3 {
			return fmt.Errorf("features are %d×%d, want %d×3", r, c, k)
		}
	}
	for j := range it.Input.Coords {
		if it.Input.Coords[j] != it.Noise.Coords[j] {
			return fmt.Errorf("input and noise coords differ at row %d", j)
		}
	}
	return nil
}
