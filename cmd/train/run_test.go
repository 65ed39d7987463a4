package main

import (
	"bytes"
	"context"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sparsediff/internal/db"
	"github.com/banshee-data/sparsediff/internal/diffusion/checkpoint"
	"github.com/banshee-data/sparsediff/internal/diffusion/pointcloud"
	"github.com/banshee-data/sparsediff/internal/fsutil"
	"github.com/banshee-data/sparsediff/internal/testutil"
)

const smallConfig = `{
  "voxel_size": 0.05,
  "sample_size": 64,
  "batch_size": 2,
  "num_workers": 2,
  "prefetch": 1,
  "n_steps": 50,
  "seed": 3
}`

// shapeNetFixture writes four training and two validation spheres for
// the airplane and chair synsets.
func shapeNetFixture(t *testing.T) *fsutil.MemoryFileSystem {
	t.Helper()
	fs := fsutil.NewMemoryFileSystem()
	seed := uint64(1)
	for _, synset := range []string{"02691156", "03001627"} {
		for split, n := range map[string]int{"train": 4, "val": 2} {
			for k := 0; k < n; k++ {
				var buf bytes.Buffer
				require.NoError(t, pointcloud.WriteNPY(&buf, pointcloud.Cloud(testutil.SpherePoints(96, seed))))
				seed++
				fs.WriteFile(path.Join("/pc15k", synset, split, string(rune('a'+k))+".npy"), buf.Bytes())
			}
		}
	}
	return fs
}

func testOptions(t *testing.T) options {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "small.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(smallConfig), 0o644))
	return options{
		Variant:    "S",
		Categories: []string{"airplane", "chair"},
		CkptName:   "both",
		CkptDir:    filepath.Join(dir, "checkpoints"),
		Epochs:     2,
		LR:         1e-2,
		DataPath:   "/pc15k",
		Precision:  "medium",
		ConfigPath: cfgPath,
		DBPath:     filepath.Join(dir, "runs.db"),
		PlotDir:    filepath.Join(dir, "plots"),
		FS:         shapeNetFixture(t),
	}
}

func TestRun_TrainsAndRecords(t *testing.T) {
	o := testOptions(t)
	require.NoError(t, run(context.Background(), o))

	ckpt := checkpoint.NewFileCheckpointer(o.CkptDir)
	f, err := ckpt.Load(o.CkptName)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Trainer.Epoch)
	// 8 training shapes, batch 2, drop_last: 4 steps per epoch.
	assert.Equal(t, 4, f.Trainer.StepsPerEpoch)
	assert.Equal(t, 8, f.Trainer.Step)
	assert.Equal(t, []string{"02691156", "03001627"}, f.Categories)
	assert.Equal(t, "sparse_generation", f.Trainer.Task)

	runDB, err := db.NewDB(o.DBPath)
	require.NoError(t, err)
	defer runDB.Close()

	runs, err := runDB.Runs().List(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunStatusCompleted, runs[0].Status)
	assert.NotNil(t, runs[0].FinishedAt)

	recs, err := runDB.Checkpoints().ListByRun(runs[0].RunID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.NotNil(t, recs[1].ValLoss)

	sums, err := runDB.Metrics().EpochSummaries(runs[0].RunID, "train_loss")
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, 8, sums[0].Examples)

	_, err = os.Stat(filepath.Join(o.PlotDir, "both_epochs.png"))
	assert.NoError(t, err)
}

func TestRun_ResumeCompletedRun(t *testing.T) {
	o := testOptions(t)
	require.NoError(t, run(context.Background(), o))

	o.Resume = true
	require.NoError(t, run(context.Background(), o))

	f, err := checkpoint.NewFileCheckpointer(o.CkptDir).Load(o.CkptName)
	require.NoError(t, err)
	assert.Equal(t, 8, f.Trainer.Step, "a finished run has no steps left")

	// A different epoch budget would change the one-cycle length.
	o.Epochs = 3
	assert.Error(t, run(context.Background(), o))

	// So would a different category set.
	o.Epochs = 2
	o.Categories = []string{"airplane"}
	assert.Error(t, run(context.Background(), o))
}

func TestRun_ResumeRejectsModelMismatch(t *testing.T) {
	o := testOptions(t)
	o.PlotDir = ""
	require.NoError(t, run(context.Background(), o))
	o.Resume = true

	larger := o
	larger.Variant = "M"
	assert.ErrorContains(t, run(context.Background(), larger), "variant")

	cond := o
	cond.Conditional = true
	assert.ErrorContains(t, run(context.Background(), cond), "classes")
}

func TestRun_ResumeUsesRecordedCheckpointPath(t *testing.T) {
	o := testOptions(t)
	o.PlotDir = ""
	require.NoError(t, run(context.Background(), o))

	// The database remembers where the last run saved, so a new
	// checkpoint directory still resumes the finished run.
	o.Resume = true
	o.CkptDir = filepath.Join(t.TempDir(), "moved")
	require.NoError(t, run(context.Background(), o))

	f, err := checkpoint.NewFileCheckpointer(o.CkptDir).Load(o.CkptName)
	require.NoError(t, err)
	assert.Equal(t, 8, f.Trainer.Step)

	runDB, err := db.NewDB(o.DBPath)
	require.NoError(t, err)
	defer runDB.Close()
	latest, err := runDB.Runs().LatestFor(o.CkptName)
	require.NoError(t, err)
	_, err = runDB.Checkpoints().Latest(latest.RunID)
	assert.ErrorIs(t, err, db.ErrNotFound, "a resumed finished run trains no further epochs")
}

func TestRun_Conditional(t *testing.T) {
	o := testOptions(t)
	o.Conditional = true
	o.DBPath = ""
	o.PlotDir = ""
	o.Epochs = 1
	require.NoError(t, run(context.Background(), o))

	f, err := checkpoint.NewFileCheckpointer(o.CkptDir).Load(o.CkptName)
	require.NoError(t, err)
	assert.Equal(t, "conditional_sparse_generation", f.Trainer.Task)
	assert.Equal(t, 55, f.Model.Classes)
}

func TestRun_CancelledMarksRun(t *testing.T) {
	o := testOptions(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, run(ctx, o))

	runDB, err := db.NewDB(o.DBPath)
	require.NoError(t, err)
	defer runDB.Close()
	runs, err := runDB.Runs().List(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunStatusCancelled, runs[0].Status)
}

func TestRun_RejectsBadOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*options)
	}{
		{"unknown category", func(o *options) { o.Categories = []string{"spaceship"} }},
		{"bad variant", func(o *options) { o.Variant = "XL" }},
		{"bad precision", func(o *options) { o.Precision = "low" }},
		{"zero epochs", func(o *options) { o.Epochs = 0 }},
		{"traversing ckpt name", func(o *options) { o.CkptName = "../escape" }},
		{"missing data", func(o *options) { o.DataPath = "/nowhere" }},
		{"bad config", func(o *options) { o.ConfigPath = "training.yaml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOptions(t)
			tt.mutate(&o)
			assert.Error(t, run(context.Background(), o))
		})
	}
}
