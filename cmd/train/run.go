package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/banshee-data/sparsediff/internal/config"
	"github.com/banshee-data/sparsediff/internal/db"
	"github.com/banshee-data/sparsediff/internal/diffusion/checkpoint"
	"github.com/banshee-data/sparsediff/internal/diffusion/dataset"
	"github.com/banshee-data/sparsediff/internal/diffusion/labels"
	"github.com/banshee-data/sparsediff/internal/diffusion/loader"
	"github.com/banshee-data/sparsediff/internal/diffusion/model"
	"github.com/banshee-data/sparsediff/internal/diffusion/monitor"
	"github.com/banshee-data/sparsediff/internal/diffusion/noise"
	"github.com/banshee-data/sparsediff/internal/diffusion/pointcloud"
	"github.com/banshee-data/sparsediff/internal/diffusion/train"
	"github.com/banshee-data/sparsediff/internal/diffusion/voxel"
	"github.com/banshee-data/sparsediff/internal/fsutil"
	"github.com/banshee-data/sparsediff/internal/security"
	"github.com/banshee-data/sparsediff/internal/version"
)

// options are the resolved command-line settings.
type options struct {
	Variant     string
	Categories  []string
	CkptName    string
	CkptDir     string
	Epochs      int
	LR          float64
	DataPath    string
	Precision   string
	ConfigPath  string
	DBPath      string
	Listen      string
	PlotDir     string
	Conditional bool
	Resume      bool

	// FS overrides the filesystem the dataset is read from.
	FS fsutil.FileSystem
}

// run wires the data pipeline, model, trainer and run bookkeeping, then
// trains until the epoch budget is spent or ctx is cancelled.
func run(ctx context.Context, o options) (err error) {
	cfg := config.EmptyTrainingConfig()
	if o.ConfigPath != "" {
		if cfg, err = config.LoadTrainingConfig(o.ConfigPath); err != nil {
			return err
		}
	}
	conditional := o.Conditional || cfg.GetConditional()

	synsets, err := labels.ResolveCategories(o.Categories)
	if err != nil {
		return err
	}
	variant, err := model.ParseVariant(o.Variant)
	if err != nil {
		return err
	}
	prec, err := train.ParsePrecision(o.Precision)
	if err != nil {
		return err
	}
	if o.Epochs < 1 {
		return fmt.Errorf("epochs must be positive, got %d", o.Epochs)
	}
	if err := security.ValidateName(o.CkptName); err != nil {
		return fmt.Errorf("ckpt-name: %w", err)
	}

	// Data: validation reuses the training split's statistics.
	trainSrc, err := pointcloud.NewShapeNetSource(pointcloud.ShapeNetOptions{
		Root: o.DataPath, Categories: synsets, Split: "train",
		SampleSize: cfg.GetSampleSize(), FS: o.FS,
	})
	if err != nil {
		return fmt.Errorf("load training split: %w", err)
	}
	stats := trainSrc.Stats()
	valSrc, err := pointcloud.NewShapeNetSource(pointcloud.ShapeNetOptions{
		Root: o.DataPath, Categories: synsets, Split: "val",
		SampleSize: cfg.GetSampleSize(), Stats: &stats, FS: o.FS,
	})
	if err != nil {
		log.Printf("[train] validation disabled: %v", err)
		valSrc = nil
	}
	log.Printf("[train] %d categories, %d training shapes, stats mean=%v std=%.4f",
		len(synsets), trainSrc.Len(), stats.Mean, stats.Std)

	sched, err := noise.NewScheduler(cfg.NoiseParams())
	if err != nil {
		return err
	}
	enc, err := voxel.NewEncoder(cfg.GetVoxelSize())
	if err != nil {
		return err
	}
	lm := labels.DefaultMap()

	trainSet, err := dataset.New(trainSrc, sched, enc, lm, dataset.Options{Conditional: conditional, Seed: cfg.GetSeed()})
	if err != nil {
		return err
	}
	trainLoader, err := loader.New(trainSet, cfg.LoaderConfig(true))
	if err != nil {
		return err
	}
	var valLoader *loader.Loader
	if valSrc != nil {
		valSet, err := dataset.New(valSrc, sched, enc, lm, dataset.Options{Conditional: conditional, Seed: cfg.GetSeed() + 1})
		if err != nil {
			return err
		}
		if valLoader, err = loader.New(valSet, cfg.LoaderConfig(false)); err != nil {
			return err
		}
	}

	var runDB *db.DB
	if o.DBPath != "" {
		if runDB, err = db.NewDB(o.DBPath); err != nil {
			return fmt.Errorf("open run database: %w", err)
		}
		defer runDB.Close()
	}

	// Model, restored from an existing checkpoint when resuming.
	modelCfg := model.Config{Variant: variant, Seed: cfg.GetSeed()}
	if conditional {
		modelCfg.Classes = lm.Len()
	}
	ckpt := checkpoint.NewFileCheckpointer(o.CkptDir)
	var resumed *checkpoint.File
	if o.Resume {
		if resumed, err = loadResumeCheckpoint(ckpt, runDB, o.CkptName); err != nil {
			return err
		}
	}
	if resumed != nil {
		if err := sameCategories(resumed.Categories, synsets); err != nil {
			return err
		}
		if err := sameModel(resumed.Model, modelCfg); err != nil {
			return err
		}
		modelCfg = resumed.Model
		log.Printf("[train] resuming %s from epoch %d step %d", o.CkptName, resumed.Trainer.Epoch, resumed.Trainer.Step)
	}
	net, err := model.New(modelCfg)
	if err != nil {
		return err
	}
	task := train.SparseGeneration()
	if conditional {
		task = train.ConditionalSparseGeneration()
	}

	// Run bookkeeping.
	history := monitor.NewHistory()
	metrics := monitor.NewMetrics()
	trainerOpts := []train.Option{
		train.WithMetricSink(history),
		train.WithMetricSink(metrics),
		train.WithEpochHook(history.ObserveEpoch),
		train.WithEpochHook(metrics.ObserveEpoch),
	}

	log.Printf("[train] %s", version.Info("sparsediff-train"))
	var runRow *db.Run
	if runDB != nil {
		cfgJSON, _ := json.Marshal(cfg)
		runRow = &db.Run{
			CkptName:   o.CkptName,
			Task:       task.Name,
			Variant:    string(variant),
			Categories: synsets,
			Config:     cfgJSON,
		}
		if err := runDB.Runs().Insert(runRow); err != nil {
			return err
		}
		trainerOpts = append(trainerOpts, train.WithMetricSink(runDB.Metrics().Sink(runRow.RunID)))
		defer func() {
			status := db.RunStatusCompleted
			switch {
			case errors.Is(err, context.Canceled):
				status = db.RunStatusCancelled
			case err != nil:
				status = db.RunStatusFailed
			}
			if ferr := runDB.Runs().Finish(runRow.RunID, status, err); ferr != nil {
				log.Printf("[train] failed to record run status: %v", ferr)
			}
		}()
	}

	var tr *train.Trainer
	saver := &checkpointSaver{
		ckpt: ckpt, name: o.CkptName, model: net, categories: synsets, stats: stats,
		trainer: func() *train.Trainer { return tr },
	}
	if runRow != nil {
		saver.runID = runRow.RunID
		saver.records = runDB.Checkpoints()
	}
	trainerOpts = append(trainerOpts, train.WithEpochHook(saver.ObserveEpoch))

	if o.PlotDir != "" {
		plotter, err := monitor.NewLossPlotter(history, o.PlotDir, o.CkptName)
		if err != nil {
			return err
		}
		trainerOpts = append(trainerOpts, train.WithEpochHook(plotter.ObserveEpoch))
	}

	tr, err = train.New(net, task, cfg.TrainerConfig(o.LR, o.Epochs, prec), trainerOpts...)
	if err != nil {
		return err
	}
	if resumed != nil {
		if err := tr.Restore(resumed.Trainer); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	serverCtx, stopServer := context.WithCancel(ctx)
	defer func() {
		stopServer()
		wg.Wait()
	}()
	if o.Listen != "" {
		srv, err := monitor.NewServer(monitor.ServerConfig{
			Address: o.Listen, History: history, Metrics: metrics, DB: runDB, RunLabel: o.CkptName,
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(serverCtx); err != nil {
				log.Printf("[monitor] server error: %v", err)
			}
		}()
	}

	if err := tr.Fit(ctx, trainLoader, valLoader); err != nil {
		return err
	}
	path, err := saver.save()
	if err != nil {
		return err
	}
	log.Printf("[train] finished %d epochs, checkpoint at %s", o.Epochs, path)
	return nil
}

// loadResumeCheckpoint returns the checkpoint to resume from, or nil when
// there is none. The run database, when attached, knows where the most
// recent run for name last saved, even if -ckpt-dir has changed since;
// otherwise the checkpoint is looked up in the checkpoint directory.
func loadResumeCheckpoint(ckpt *checkpoint.FileCheckpointer, runDB *db.DB, name string) (*checkpoint.File, error) {
	if runDB != nil {
		rec, err := latestCheckpointRecord(runDB, name)
		switch {
		case err != nil:
			return nil, err
		case rec != nil && ckpt.FS.Exists(rec.Path):
			log.Printf("[train] resume checkpoint %s was recorded by run %s at epoch %d", rec.Path, rec.RunID, rec.Epoch)
			return ckpt.LoadPath(rec.Path)
		case rec != nil:
			log.Printf("[train] recorded checkpoint %s is missing; looking in %s", rec.Path, ckpt.Dir)
		}
	}
	if !ckpt.Exists(name) {
		log.Printf("[train] no checkpoint named %s; starting fresh", name)
		return nil, nil
	}
	return ckpt.Load(name)
}

func latestCheckpointRecord(runDB *db.DB, name string) (*db.CheckpointRecord, error) {
	prev, err := runDB.Runs().LatestFor(name)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := runDB.Checkpoints().Latest(prev.RunID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// sameModel rejects resuming with a different size variant or a
// different conditioning mode than the checkpoint was trained with.
func sameModel(saved, requested model.Config) error {
	if saved.Variant != requested.Variant {
		return fmt.Errorf("checkpoint was trained with variant %s, requested %s", saved.Variant, requested.Variant)
	}
	if saved.Classes != requested.Classes {
		return fmt.Errorf("checkpoint was trained with %d classes (conditional=%v), requested %d (conditional=%v)",
			saved.Classes, saved.Classes > 0, requested.Classes, requested.Classes > 0)
	}
	return nil
}

func sameCategories(saved, requested []string) error {
	if len(saved) != len(requested) {
		return fmt.Errorf("checkpoint was trained on %v, requested %v", saved, requested)
	}
	for i := range saved {
		if saved[i] != requested[i] {
			return fmt.Errorf("checkpoint was trained on %v, requested %v", saved, requested)
		}
	}
	return nil
}

// checkpointSaver writes the checkpoint at the end of every epoch and
// indexes it in the run database when one is attached.
type checkpointSaver struct {
	ckpt       *checkpoint.FileCheckpointer
	name       string
	model      *model.MLP
	categories []string
	stats      pointcloud.Stats
	trainer    func() *train.Trainer

	runID   string
	records *db.CheckpointStore
}

func (s *checkpointSaver) save() (string, error) {
	snap, err := s.trainer().Snapshot()
	if err != nil {
		return "", err
	}
	return s.ckpt.Save(s.name, &checkpoint.File{
		RunID:      s.runID,
		Model:      s.model.Config(),
		Categories: s.categories,
		Stats:      s.stats,
		Trainer:    snap,
	})
}

// ObserveEpoch is a train.EpochHook.
func (s *checkpointSaver) ObserveEpoch(_ context.Context, sum train.EpochSummary) error {
	path, err := s.save()
	if err != nil {
		return err
	}
	if s.records == nil {
		return nil
	}
	rec := &db.CheckpointRecord{
		RunID:     s.runID,
		Path:      path,
		Epoch:     sum.Epoch,
		Step:      s.trainer().GlobalStep(),
		TrainLoss: sum.TrainLoss,
	}
	if sum.ValExamples > 0 {
		v := sum.ValLoss
		rec.ValLoss = &v
	}
	return s.records.Insert(rec)
}
