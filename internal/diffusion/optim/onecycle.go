package optim

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrScheduleNotFinalized is returned when the schedule is used before
	// its total step count is known.
	ErrScheduleNotFinalized = errors.New("learning-rate schedule not finalized")
	// ErrScheduleAlreadyFinalized is returned by a second Finalize call.
	ErrScheduleAlreadyFinalized = errors.New("learning-rate schedule already finalized")
	// ErrScheduleExhausted is returned when stepping past the total.
	ErrScheduleExhausted = errors.New("learning-rate schedule exhausted")
)

// OneCycleConfig holds the one-cycle hyperparameters.
type OneCycleConfig struct {
	MaxLR          float64 `json:"max_lr"`
	PctStart       float64 `json:"pct_start"`
	DivFactor      float64 `json:"div_factor"`
	FinalDivFactor float64 `json:"final_div_factor"`
	BaseMomentum   float64 `json:"base_momentum"`
	MaxMomentum    float64 `json:"max_momentum"`
}

// DefaultOneCycle returns the standard one-cycle settings for maxLR.
func DefaultOneCycle(maxLR float64) OneCycleConfig {
	return OneCycleConfig{
		MaxLR:          maxLR,
		PctStart:       0.3,
		DivFactor:      25,
		FinalDivFactor: 1e4,
		BaseMomentum:   0.85,
		MaxMomentum:    0.95,
	}
}

type phase struct {
	endStep          float64
	startLR, endLR   float64
	startMom, endMom float64
}

// OneCycle is a cosine one-cycle learning-rate and momentum schedule.
//
// It is created pending: the total step count is unknown until the
// training data has been enumerated. Finalize must be called exactly
// once before the first Step; LR, Momentum and Step fail with
// ErrScheduleNotFinalized until then. Phase boundaries are derived at
// Finalize, so no placeholder total ever reaches the arithmetic.
type OneCycle struct {
	cfg       OneCycleConfig
	finalized bool
	total     int
	step      int
	phases    [2]phase
}

// NewOneCycle validates cfg and returns a pending schedule.
func NewOneCycle(cfg OneCycleConfig) (*OneCycle, error) {
	switch {
	case !(cfg.MaxLR > 0):
		return nil, fmt.Errorf("one-cycle: max_lr must be positive, got %g", cfg.MaxLR)
	case !(cfg.PctStart > 0) || cfg.PctStart >= 1:
		return nil, fmt.Errorf("one-cycle: pct_start must lie in (0, 1), got %g", cfg.PctStart)
	case !(cfg.DivFactor > 0) || !(cfg.FinalDivFactor > 0):
		return nil, fmt.Errorf("one-cycle: div factors must be positive, got %g and %g", cfg.DivFactor, cfg.FinalDivFactor)
	case cfg.BaseMomentum > cfg.MaxMomentum:
		return nil, fmt.Errorf("one-cycle: base momentum %g exceeds max momentum %g", cfg.BaseMomentum, cfg.MaxMomentum)
	}
	return &OneCycle{cfg: cfg}, nil
}

// Config returns the schedule hyperparameters.
func (s *OneCycle) Config() OneCycleConfig { return s.cfg }

// Finalized reports whether the total step count has been set.
func (s *OneCycle) Finalized() bool { return s.finalized }

// Total returns the finalized total step count, or 0 while pending.
func (s *OneCycle) Total() int { return s.total }

// StepCount returns how many times Step has been called.
func (s *OneCycle) StepCount() int { return s.step }

// Finalize fixes the total number of optimizer steps. It may be called
// once.
func (s *OneCycle) Finalize(total int) error {
	if s.finalized {
		return fmt.Errorf("%w (total %d)", ErrScheduleAlreadyFinalized, s.total)
	}
	if total < 1 {
		return fmt.Errorf("one-cycle: total steps must be >= 1, got %d", total)
	}
	initial := s.cfg.MaxLR / s.cfg.DivFactor
	minLR := initial / s.cfg.FinalDivFactor
	s.phases = [2]phase{
		{
			endStep: s.cfg.PctStart*float64(total) - 1,
			startLR: initial, endLR: s.cfg.MaxLR,
			startMom: s.cfg.MaxMomentum, endMom: s.cfg.BaseMomentum,
		},
		{
			endStep: float64(total) - 1,
			startLR: s.cfg.MaxLR, endLR: minLR,
			startMom: s.cfg.BaseMomentum, endMom: s.cfg.MaxMomentum,
		},
	}
	s.total = total
	s.finalized = true
	return nil
}

// LR returns the learning rate for the current step.
func (s *OneCycle) LR() (float64, error) {
	lr, _, err := s.at(s.step)
	return lr, err
}

// Momentum returns the momentum (Adam β₁) for the current step.
func (s *OneCycle) Momentum() (float64, error) {
	_, m, err := s.at(s.step)
	return m, err
}

// Step advances the schedule by one optimizer step. Stepping up to and
// including Total is allowed; beyond that it fails.
func (s *OneCycle) Step() error {
	if !s.finalized {
		return ErrScheduleNotFinalized
	}
	if s.step >= s.total {
		return fmt.Errorf("%w: step %d of %d", ErrScheduleExhausted, s.step+1, s.total)
	}
	s.step++
	return nil
}

func (s *OneCycle) at(step int) (lr, momentum float64, err error) {
	if !s.finalized {
		return 0, 0, ErrScheduleNotFinalized
	}
	n := float64(step)
	start := 0.0
	for i, ph := range s.phases {
		if n <= ph.endStep || i == len(s.phases)-1 {
			pct := 1.0
			if ph.endStep != start {
				pct = (n - start) / (ph.endStep - start)
			}
			return cosAnneal(ph.startLR, ph.endLR, pct), cosAnneal(ph.startMom, ph.endMom, pct), nil
		}
		start = ph.endStep
	}
	panic("unreachable")
}

func cosAnneal(start, end, pct float64) float64 {
	return end + (start-end)/2*(math.Cos(math.Pi*pct)+1)
}

// Apply writes the current learning rate and momentum into opt.
func (s *OneCycle) Apply(opt *AdamW) error {
	lr, m, err := s.at(s.step)
	if err != nil {
		return err
	}
	opt.SetLR(lr)
	opt.SetBeta1(m)
	return nil
}

// OneCycleState is the resumable schedule state.
type OneCycleState struct {
	Config    OneCycleConfig `json:"config"`
	Finalized bool           `json:"finalized"`
	Total     int            `json:"total"`
	Step      int            `json:"step"`
}

// State returns the schedule state.
func (s *OneCycle) State() OneCycleState {
	return OneCycleState{Config: s.cfg, Finalized: s.finalized, Total: s.total, Step: s.step}
}

// RestoreOneCycle rebuilds a schedule from a saved state.
func RestoreOneCycle(st OneCycleState) (*OneCycle, error) {
	s, err := NewOneCycle(st.Config)
	if err != nil {
		return nil, err
	}
	if !st.Finalized {
		return s, nil
	}
	if err := s.Finalize(st.Total); err != nil {
		return nil, err
	}
	if st.Step < 0 || st.Step > st.Total {
		return nil, fmt.Errorf("one-cycle restore: step %d outside [0, %d]", st.Step, st.Total)
	}
	s.step = st.Step
	return s, nil
}
