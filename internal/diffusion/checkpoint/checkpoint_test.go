package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/sparsediff/internal/diffusion/model"
	"github.com/banshee-data/sparsediff/internal/diffusion/optim"
	"github.com/banshee-data/sparsediff/internal/diffusion/pointcloud"
	"github.com/banshee-data/sparsediff/internal/diffusion/train"
	"github.com/banshee-data/sparsediff/internal/fsutil"
)

func sampleFile() *File {
	return &File{
		SavedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RunID:      "run-1",
		Model:      model.Config{Variant: model.VariantSmall, TimeDim: 16, Classes: 55, Seed: 4},
		Categories: []string{"02691156", "03001627"},
		Stats:      pointcloud.Stats{Mean: r3.Vec{X: 0.1, Y: -0.2, Z: 0.3}, Std: 0.25},
		Trainer: train.Snapshot{
			Task:          "sparse_generation",
			State:         train.StateStepping,
			Epoch:         2,
			Step:          200,
			StepsPerEpoch: 100,
			Params:        []train.ParamState{{Name: "w", Data: []float64{1, 2, 3}}},
			Optimizer: optim.AdamWState{
				Config:  optim.DefaultAdamW(2e-4),
				Step:    200,
				Moments: []optim.Moments{{Name: "w", M: []float64{0.1, 0.2, 0.3}, V: []float64{1e-3, 2e-3, 3e-3}}},
			},
			Schedule: optim.OneCycleState{Config: optim.DefaultOneCycle(2e-4), Finalized: true, Total: 500, Step: 200},
		},
	}
}

func TestSaveLoad_Memory(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	c := &FileCheckpointer{Dir: "checkpoints", FS: fs}

	want := sampleFile()
	p, err := c.Save("chairs", want)
	require.NoError(t, err)
	assert.Equal(t, "checkpoints/chairs.ckpt", p)
	assert.True(t, c.Exists("chairs"))
	assert.False(t, fs.Exists("checkpoints/chairs.ckpt.tmp"))

	got, err := c.Load("chairs")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("checkpoint round trip (-want +got):\n%s", diff)
	}
	assert.Equal(t, "chairs", got.Name)
	assert.Equal(t, formatVersion, got.Version)
}

func TestSaveLoad_OS(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "ckpt")
	c := NewFileCheckpointer(dir)
	_, err := c.Save("cars", sampleFile())
	require.NoError(t, err)

	// Overwrite keeps a single, latest file.
	f := sampleFile()
	f.Trainer.Epoch = 3
	_, err = c.Save("cars", f)
	require.NoError(t, err)

	got, err := c.LoadPath(filepath.Join(dir, "cars.ckpt"))
	require.NoError(t, err)
	assert.Equal(t, 3, got.Trainer.Epoch)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	c := &FileCheckpointer{Dir: "checkpoints", FS: fs}

	_, err := c.Load("missing")
	assert.Error(t, err)

	fs.WriteFile("checkpoints/junk.ckpt", []byte("not gzip"))
	_, err = c.Load("junk")
	assert.Error(t, err)

	_, err = c.Save("", sampleFile())
	assert.Error(t, err)

	for _, name := range []string{"../escape", "a/b"} {
		_, err = c.Save(name, sampleFile())
		assert.Error(t, err, name)
		_, err = c.Load(name)
		assert.Error(t, err, name)
	}
	assert.False(t, fs.Exists("escape.ckpt"))
}

func TestDefaultDir(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "checkpoints/x.ckpt", NewFileCheckpointer("").Path("x"))
}
