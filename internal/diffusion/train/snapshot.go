package train

import (
	"fmt"

	"github.com/banshee-data/sparsediff/internal/diffusion/optim"
)

// ParamState is a saved parameter tensor.
type ParamState struct {
	Name string    `json:"name"`
	Data []float64 `json:"data"`
}

// Snapshot is everything needed to resume a run between steps.
type Snapshot struct {
	Task          string              `json:"task"`
	State         State               `json:"state"`
	Epoch         int                 `json:"epoch"`
	Step          int                 `json:"step"`
	StepsPerEpoch int                 `json:"steps_per_epoch"`
	Params        []ParamState        `json:"params"`
	Optimizer     optim.AdamWState    `json:"optimizer"`
	Schedule      optim.OneCycleState `json:"schedule"`
}

// Snapshot copies the model, optimizer and schedule state. It takes the
// trainer lock, so it never observes a half-applied step.
func (t *Trainer) Snapshot() (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.opt == nil {
		return Snapshot{}, fmt.Errorf("%w: snapshot before optimizers are configured", ErrInvalidState)
	}
	s := Snapshot{
		Task:          t.task.Name,
		State:         t.state,
		Epoch:         t.epoch,
		Step:          t.step,
		StepsPerEpoch: t.stepsPerEpoch,
		Optimizer:     t.opt.State(),
		Schedule:      t.sched.State(),
	}
	for _, p := range t.model.Params() {
		s.Params = append(s.Params, ParamState{Name: p.Name, Data: append([]float64(nil), p.Data...)})
	}
	return s, nil
}

// Restore loads a snapshot into a freshly constructed or configured
// trainer whose model has the same parameter layout.
func (t *Trainer) Restore(s Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.Task != t.task.Name {
		return fmt.Errorf("restore: snapshot is for task %q, trainer runs %q", s.Task, t.task.Name)
	}
	switch t.state {
	case StateConstructed:
		if err := t.configureLocked(); err != nil {
			return err
		}
	case StateSchedulePlaceholderSet:
	default:
		return fmt.Errorf("%w: restore in state %s", ErrInvalidState, t.state)
	}

	params := t.model.Params()
	if len(params) != len(s.Params) {
		return fmt.Errorf("restore: snapshot has %d params, model has %d", len(s.Params), len(params))
	}
	for i, p := range params {
		if s.Params[i].Name != p.Name || len(s.Params[i].Data) != len(p.Data) {
			return fmt.Errorf("restore: param %d is %s[%d], snapshot has %s[%d]",
				i, p.Name, len(p.Data), s.Params[i].Name, len(s.Params[i].Data))
		}
	}
	if s.Schedule.Finalized && s.Schedule.Step != s.Epoch*s.StepsPerEpoch {
		return fmt.Errorf("%w: restore: snapshot schedule is at step %d, not at the start of epoch %d (%d steps per epoch)",
			ErrInvalidState, s.Schedule.Step, s.Epoch, s.StepsPerEpoch)
	}
	sched, err := optim.RestoreOneCycle(s.Schedule)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if err := t.opt.Restore(s.Optimizer); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	for i, p := range params {
		copy(p.Data, s.Params[i].Data)
	}

	t.sched = sched
	t.epoch, t.step, t.stepsPerEpoch = s.Epoch, s.Step, s.StepsPerEpoch
	switch {
	case !sched.Finalized():
		t.state = StateSchedulePlaceholderSet
	case sched.StepCount() == 0:
		t.state = StateScheduleFinalized
	default:
		t.state = StateStepping
	}
	return nil
}
