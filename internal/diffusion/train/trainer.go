// Package train runs the optimization loop around a denoising model.
//
// A run moves through a fixed sequence of states:
//
//	Constructed → SchedulePlaceholderSet → DataEnumerated →
//	ScheduleFinalized → Stepping → Done
//
// ConfigureOptimizers builds the optimizer and a pending one-cycle
// schedule. OnTrainStart is the single point where the number of batches
// per epoch becomes known; it finalizes the schedule exactly once.
// TrainStep refuses to run until that has happened.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sparsediff/internal/diffusion/batch"
	"github.com/banshee-data/sparsediff/internal/diffusion/loader"
	"github.com/banshee-data/sparsediff/internal/diffusion/optim"
	"github.com/banshee-data/sparsediff/internal/monitoring"
	"github.com/banshee-data/sparsediff/internal/timeutil"
)

// ErrInvalidState is returned when an operation is attempted in the
// wrong lifecycle state.
var ErrInvalidState = errors.New("invalid trainer state")

// State is the lifecycle state of a training run.
type State int

const (
	StateConstructed State = iota
	StateSchedulePlaceholderSet
	StateDataEnumerated
	StateScheduleFinalized
	StateStepping
	StateDone
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateSchedulePlaceholderSet:
		return "schedule_placeholder_set"
	case StateDataEnumerated:
		return "data_enumerated"
	case StateScheduleFinalized:
		return "schedule_finalized"
	case StateStepping:
		return "stepping"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Model is a trainable noise predictor. Backward uses the activations
// cached by the most recent Forward and accumulates into Params' grads.
type Model interface {
	Forward(in ModelInput) (*mat.Dense, error)
	Backward(gradOut *mat.Dense) error
	Params() []*optim.Param
}

// Config holds the optimization hyperparameters.
type Config struct {
	LR          float64
	MaxEpochs   int
	WeightDecay float64
	GradClip    float64 // 0 disables clipping
	OneCycle    optim.OneCycleConfig
	Precision   Precision
}

// DefaultConfig returns the training defaults for learning rate lr.
func DefaultConfig(lr float64, epochs int) Config {
	return Config{
		LR:          lr,
		MaxEpochs:   epochs,
		WeightDecay: 0.05,
		GradClip:    10,
		OneCycle:    optim.DefaultOneCycle(lr),
		Precision:   DefaultPrecision,
	}
}

// EpochHook runs after every epoch, outside the trainer lock.
type EpochHook func(ctx context.Context, s EpochSummary) error

// Option configures a Trainer.
type Option func(*Trainer)

// WithClock sets the clock used for metric timestamps and durations.
func WithClock(c timeutil.Clock) Option { return func(t *Trainer) { t.clock = c } }

// WithMetricSink adds a sink that receives every logged metric.
func WithMetricSink(s MetricSink) Option { return func(t *Trainer) { t.sinks = append(t.sinks, s) } }

// WithEpochHook adds a hook run at the end of each epoch.
func WithEpochHook(h EpochHook) Option { return func(t *Trainer) { t.hooks = append(t.hooks, h) } }

// Trainer owns the model, optimizer and schedule of one run. Its methods
// are safe to call from multiple goroutines; a step and a Snapshot never
// interleave.
type Trainer struct {
	mu    sync.Mutex
	model Model
	task  Task
	cfg   Config
	clock timeutil.Clock
	sinks []MetricSink
	hooks []EpochHook

	state         State
	opt           *optim.AdamW
	sched         *optim.OneCycle
	stepsPerEpoch int
	epoch         int
	step          int

	trainLoss weightedMean
	valLoss   weightedMean
}

// New returns a Trainer in the Constructed state.
func New(model Model, task Task, cfg Config, opts ...Option) (*Trainer, error) {
	if model == nil {
		return nil, errors.New("train: nil model")
	}
	if task.Unpack == nil || task.Loss == nil {
		return nil, errors.New("train: task needs unpack and loss functions")
	}
	if cfg.MaxEpochs < 1 {
		return nil, fmt.Errorf("train: max epochs must be >= 1, got %d", cfg.MaxEpochs)
	}
	if cfg.Precision == "" {
		cfg.Precision = DefaultPrecision
	}
	if _, err := ParsePrecision(string(cfg.Precision)); err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	t := &Trainer{model: model, task: task, cfg: cfg, clock: timeutil.RealClock{}}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// State returns the current lifecycle state.
func (t *Trainer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Schedule returns the learning-rate schedule, or nil before
// ConfigureOptimizers.
func (t *Trainer) Schedule() *optim.OneCycle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sched
}

// Epoch returns the index of the next epoch to run.
func (t *Trainer) Epoch() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// GlobalStep returns the number of optimizer steps taken.
func (t *Trainer) GlobalStep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.step
}

// ConfigureOptimizers builds AdamW and a pending one-cycle schedule.
func (t *Trainer) ConfigureOptimizers() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.configureLocked()
}

func (t *Trainer) configureLocked() error {
	if t.state != StateConstructed {
		return fmt.Errorf("%w: configure optimizers in state %s", ErrInvalidState, t.state)
	}
	adam := optim.DefaultAdamW(t.cfg.LR)
	adam.WeightDecay = t.cfg.WeightDecay
	opt, err := optim.NewAdamW(t.model.Params(), adam)
	if err != nil {
		return err
	}
	oc := t.cfg.OneCycle
	oc.MaxLR = t.cfg.LR
	sched, err := optim.NewOneCycle(oc)
	if err != nil {
		return err
	}
	t.opt, t.sched = opt, sched
	t.state = StateSchedulePlaceholderSet
	return nil
}

// OnTrainStart records the number of batches per epoch and finalizes the
// schedule to stepsPerEpoch × MaxEpochs steps. It must be called exactly
// once, after ConfigureOptimizers and before the first TrainStep.
func (t *Trainer) OnTrainStart(stepsPerEpoch int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onTrainStartLocked(stepsPerEpoch)
}

func (t *Trainer) onTrainStartLocked(stepsPerEpoch int) error {
	if t.state != StateSchedulePlaceholderSet {
		return fmt.Errorf("%w: train start in state %s", ErrInvalidState, t.state)
	}
	if stepsPerEpoch < 1 {
		return fmt.Errorf("train start: training data yields %d batches per epoch", stepsPerEpoch)
	}
	t.stepsPerEpoch = stepsPerEpoch
	t.state = StateDataEnumerated

	total := stepsPerEpoch * t.cfg.MaxEpochs
	if err := t.sched.Finalize(total); err != nil {
		return err
	}
	t.state = StateScheduleFinalized
	monitoring.Logf("[train] schedule finalized: %d steps (%d per epoch × %d epochs)", total, stepsPerEpoch, t.cfg.MaxEpochs)
	return nil
}

// TrainStep runs forward, loss, backward, clipping, the optimizer step
// and the schedule step for one batch. It returns the batch loss.
func (t *Trainer) TrainStep(b *batch.Batch) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateScheduleFinalized && t.state != StateStepping {
		return 0, fmt.Errorf("%w: train step in state %s (schedule must be finalized first)", ErrInvalidState, t.state)
	}
	if !t.sched.Finalized() {
		return 0, optim.ErrScheduleNotFinalized
	}
	if err := t.sched.Apply(t.opt); err != nil {
		return 0, err
	}

	in, target, err := t.task.Unpack(b)
	if err != nil {
		return 0, fmt.Errorf("train step: %w", err)
	}
	in.Feats = t.cfg.Precision.Round(in.Feats)
	pred, err := t.model.Forward(in)
	if err != nil {
		return 0, fmt.Errorf("train step: forward: %w", err)
	}
	loss, grad, err := t.task.Loss(pred, target)
	if err != nil {
		return 0, fmt.Errorf("train step: %w", err)
	}

	t.opt.ZeroGrad()
	if err := t.model.Backward(grad); err != nil {
		return 0, fmt.Errorf("train step: backward: %w", err)
	}
	if t.cfg.GradClip > 0 {
		if _, err := optim.ClipGradNorm(t.opt.Params(), t.cfg.GradClip); err != nil {
			return 0, fmt.Errorf("train step %d: %w", t.step, err)
		}
	}
	lr := t.opt.LR()
	t.opt.Step()
	if err := t.sched.Step(); err != nil {
		return 0, err
	}
	t.step++
	t.state = StateStepping

	t.trainLoss.add(loss, b.Size)
	t.emit(Metric{
		Split: SplitTrain, Name: "train_loss", Value: loss,
		BatchSize: b.Size, Voxels: b.Voxels(),
		Epoch: t.epoch, Step: t.step, LR: lr,
	})
	return loss, nil
}

// ValidationStep computes the loss of one batch without updating
// anything.
func (t *Trainer) ValidationStep(b *batch.Batch) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	in, target, err := t.task.Unpack(b)
	if err != nil {
		return 0, fmt.Errorf("validation step: %w", err)
	}
	in.Feats = t.cfg.Precision.Round(in.Feats)
	pred, err := t.model.Forward(in)
	if err != nil {
		return 0, fmt.Errorf("validation step: forward: %w", err)
	}
	loss, _, err := t.task.Loss(pred, target)
	if err != nil {
		return 0, fmt.Errorf("validation step: %w", err)
	}

	t.valLoss.add(loss, b.Size)
	t.emit(Metric{
		Split: SplitVal, Name: "val_loss", Value: loss,
		BatchSize: b.Size, Voxels: b.Voxels(),
		Epoch: t.epoch, Step: t.step,
	})
	return loss, nil
}

func (t *Trainer) emit(m Metric) {
	m.At = t.clock.Now()
	for _, s := range t.sinks {
		if err := s.Record(m); err != nil {
			monitoring.Logf("[train] metric sink: %v", err)
		}
	}
}

// Fit runs the remaining epochs. The training loader's Len at this point
// fixes the schedule length. A resumed trainer checks that the loader
// still produces the same number of steps. val may be nil.
func (t *Trainer) Fit(ctx context.Context, trainLoader, valLoader *loader.Loader) error {
	if err := t.prepareFit(trainLoader.Len()); err != nil {
		return err
	}

	for {
		t.mu.Lock()
		epoch := t.epoch
		t.trainLoss, t.valLoss = weightedMean{}, weightedMean{}
		t.mu.Unlock()
		if epoch >= t.cfg.MaxEpochs {
			break
		}

		start := t.clock.Now()
		steps, err := t.runEpoch(ctx, trainLoader, epoch, t.TrainStep)
		if err != nil {
			return fmt.Errorf("epoch %d train: %w", epoch, err)
		}
		if valLoader != nil {
			if _, err := t.runEpoch(ctx, valLoader, epoch, t.ValidationStep); err != nil {
				return fmt.Errorf("epoch %d val: %w", epoch, err)
			}
		}

		t.mu.Lock()
		summary := EpochSummary{
			Epoch:         epoch,
			TrainLoss:     t.trainLoss.mean(),
			TrainExamples: t.trainLoss.n,
			ValLoss:       t.valLoss.mean(),
			ValExamples:   t.valLoss.n,
			Steps:         steps,
			LR:            t.opt.LR(),
			Duration:      t.clock.Since(start),
		}
		t.epoch = epoch + 1
		t.mu.Unlock()

		monitoring.Logf("[train] epoch %d: train_loss=%.6f (%d examples) val_loss=%.6f (%d examples) lr=%.3g in %s",
			summary.Epoch, summary.TrainLoss, summary.TrainExamples, summary.ValLoss, summary.ValExamples,
			summary.LR, summary.Duration.Round(time.Millisecond))
		for _, h := range t.hooks {
			if err := h(ctx, summary); err != nil {
				return fmt.Errorf("epoch %d hook: %w", epoch, err)
			}
		}
	}

	t.mu.Lock()
	t.state = StateDone
	t.mu.Unlock()
	return nil
}

func (t *Trainer) prepareFit(stepsPerEpoch int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateConstructed {
		if err := t.configureLocked(); err != nil {
			return err
		}
	}
	switch t.state {
	case StateSchedulePlaceholderSet:
		return t.onTrainStartLocked(stepsPerEpoch)
	case StateScheduleFinalized, StateStepping:
		if want := t.sched.Total(); stepsPerEpoch*t.cfg.MaxEpochs != want {
			return fmt.Errorf("%w: schedule was finalized for %d steps but loader gives %d×%d",
				ErrInvalidState, want, stepsPerEpoch, t.cfg.MaxEpochs)
		}
		if got, want := t.sched.StepCount(), t.epoch*stepsPerEpoch; got != want {
			return fmt.Errorf("%w: schedule is at step %d but epoch %d starts at step %d",
				ErrInvalidState, got, t.epoch, want)
		}
		return nil
	default:
		return fmt.Errorf("%w: fit in state %s", ErrInvalidState, t.state)
	}
}

func (t *Trainer) runEpoch(ctx context.Context, l *loader.Loader, epoch int, step func(*batch.Batch) (float64, error)) (int, error) {
	it := l.Epoch(ctx, epoch)
	defer it.Close()

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		b, err := it.Next()
		if errors.Is(err, io.EOF) {
			if n < l.Len() {
				return n, fmt.Errorf("epoch ended after %d of %d steps", n, l.Len())
			}
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if _, err := step(b); err != nil {
			return n, err
		}
		n++
	}
}
