package train

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sparsediff/internal/diffusion/batch"
)

// ModelInput is the noisy sparse grid paired with its timesteps.
type ModelInput struct {
	Coords  []batch.Coord
	Feats   *mat.Dense // V×3 noisy coordinates
	T       []int      // per example
	Labels  []int      // per example; nil for unconditional tasks
	Example []int      // per voxel row, the example it belongs to
}

// Task is the pluggable data-unpacking and loss pair. Loss returns the
// scalar loss and its gradient with respect to the prediction.
type Task struct {
	Name   string
	Unpack func(b *batch.Batch) (ModelInput, *mat.Dense, error)
	Loss   func(pred, target *mat.Dense) (float64, *mat.Dense, error)
}

// SparseGeneration predicts the noise of each retained voxel.
func SparseGeneration() Task {
	return Task{Name: "sparse_generation", Unpack: unpackNoise, Loss: MSE}
}

// ConditionalSparseGeneration is SparseGeneration with category labels
// fed to the model. Batches without labels are rejected.
func ConditionalSparseGeneration() Task {
	return Task{
		Name: "conditional_sparse_generation",
		Unpack: func(b *batch.Batch) (ModelInput, *mat.Dense, error) {
			if b.Labels == nil {
				return ModelInput{}, nil, errors.New("conditional task: batch has no labels")
			}
			in, target, err := unpackNoise(b)
			if err != nil {
				return ModelInput{}, nil, err
			}
			in.Labels = b.Labels
			return in, target, nil
		},
		Loss: MSE,
	}
}

func unpackNoise(b *batch.Batch) (ModelInput, *mat.Dense, error) {
	if b == nil || b.Size == 0 || b.Voxels() == 0 {
		return ModelInput{}, nil, errors.New("empty batch")
	}
	in := ModelInput{
		Coords:  b.Coords,
		Feats:   b.Input,
		T:       b.T,
		Example: b.ExampleOf(),
	}
	return in, b.Noise, nil
}

// MSE is the mean squared error over every voxel and feature channel.
func MSE(pred, target *mat.Dense) (float64, *mat.Dense, error) {
	pr, pc := pred.Dims()
	tr, tc := target.Dims()
	if pr != tr || pc != tc {
		return 0, nil, fmt.Errorf("mse: prediction is %d×%d, target is %d×%d", pr, pc, tr, tc)
	}
	var diff mat.Dense
	diff.Sub(pred, target)
	n := float64(pr * pc)

	var sum float64
	for _, v := range diff.RawMatrix().Data {
		sum += v * v
	}
	diff.Scale(2/n, &diff)
	return sum / n, &diff, nil
}
