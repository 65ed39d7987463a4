// Package optim holds the parameter optimizer and learning-rate schedule
// used by the training loop.
package optim

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Param is one trainable tensor, flattened. Grad has the same length as
// Data and is accumulated by the model's backward pass.
type Param struct {
	Name string
	Data []float64
	Grad []float64
	// NoDecay exempts the tensor (biases, norms) from weight decay.
	NoDecay bool
}

// NewParam allocates a zeroed gradient for data.
func NewParam(name string, data []float64, noDecay bool) *Param {
	return &Param{Name: name, Data: data, Grad: make([]float64, len(data)), NoDecay: noDecay}
}

// AdamWConfig holds the optimizer hyperparameters.
type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultAdamW returns the training defaults for learning rate lr.
func DefaultAdamW(lr float64) AdamWConfig {
	return AdamWConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.05}
}

// AdamW implements Adam with decoupled weight decay.
type AdamW struct {
	cfg    AdamWConfig
	params []*Param
	m, v   [][]float64
	step   int
}

// NewAdamW returns an optimizer over params.
func NewAdamW(params []*Param, cfg AdamWConfig) (*AdamW, error) {
	if !(cfg.LR > 0) {
		return nil, fmt.Errorf("adamw: learning rate must be positive, got %g", cfg.LR)
	}
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 || cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
		return nil, fmt.Errorf("adamw: betas must lie in [0, 1), got (%g, %g)", cfg.Beta1, cfg.Beta2)
	}
	if cfg.WeightDecay < 0 {
		return nil, fmt.Errorf("adamw: negative weight decay %g", cfg.WeightDecay)
	}
	o := &AdamW{cfg: cfg, params: params, m: make([][]float64, len(params)), v: make([][]float64, len(params))}
	for i, p := range params {
		if len(p.Grad) != len(p.Data) {
			return nil, fmt.Errorf("adamw: param %s has %d values but %d grads", p.Name, len(p.Data), len(p.Grad))
		}
		o.m[i] = make([]float64, len(p.Data))
		o.v[i] = make([]float64, len(p.Data))
	}
	return o, nil
}

// LR returns the current learning rate.
func (o *AdamW) LR() float64 { return o.cfg.LR }

// SetLR sets the learning rate used by the next Step.
func (o *AdamW) SetLR(lr float64) { o.cfg.LR = lr }

// Beta1 returns the current first-moment coefficient.
func (o *AdamW) Beta1() float64 { return o.cfg.Beta1 }

// SetBeta1 sets the first-moment coefficient; the one-cycle schedule
// cycles it as momentum.
func (o *AdamW) SetBeta1(b float64) { o.cfg.Beta1 = b }

// Steps returns the number of updates applied.
func (o *AdamW) Steps() int { return o.step }

// Params returns the parameters being optimized.
func (o *AdamW) Params() []*Param { return o.params }

// ZeroGrad clears every gradient.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// Step applies one update from the accumulated gradients.
func (o *AdamW) Step() {
	o.step++
	c := o.cfg
	bc1 := 1 - math.Pow(c.Beta1, float64(o.step))
	bc2 := math.Sqrt(1 - math.Pow(c.Beta2, float64(o.step)))
	stepSize := c.LR / bc1

	for i, p := range o.params {
		if !p.NoDecay && c.WeightDecay > 0 {
			floats.Scale(1-c.LR*c.WeightDecay, p.Data)
		}
		m, v := o.m[i], o.v[i]
		for j, g := range p.Grad {
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*g
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*g*g
			p.Data[j] -= stepSize * m[j] / (math.Sqrt(v[j])/bc2 + c.Eps)
		}
	}
}

// Moments are the per-parameter optimizer buffers.
type Moments struct {
	Name string    `json:"name"`
	M    []float64 `json:"m"`
	V    []float64 `json:"v"`
}

// AdamWState is the resumable optimizer state.
type AdamWState struct {
	Config  AdamWConfig `json:"config"`
	Step    int         `json:"step"`
	Moments []Moments   `json:"moments"`
}

// State returns a deep copy of the optimizer state.
func (o *AdamW) State() AdamWState {
	st := AdamWState{Config: o.cfg, Step: o.step, Moments: make([]Moments, len(o.params))}
	for i, p := range o.params {
		st.Moments[i] = Moments{
			Name: p.Name,
			M:    append([]float64(nil), o.m[i]...),
			V:    append([]float64(nil), o.v[i]...),
		}
	}
	return st
}

// Restore loads a state produced by State for the same parameter layout.
func (o *AdamW) Restore(st AdamWState) error {
	if len(st.Moments) != len(o.params) {
		return fmt.Errorf("adamw restore: state has %d params, optimizer has %d", len(st.Moments), len(o.params))
	}
	for i, p := range o.params {
		mo := st.Moments[i]
		if mo.Name != p.Name || len(mo.M) != len(p.Data) || len(mo.V) != len(p.Data) {
			return fmt.Errorf("adamw restore: param %d is %s[%d], state has %s[%d]", i, p.Name, len(p.Data), mo.Name, len(mo.M))
		}
	}
	for i := range o.params {
		copy(o.m[i], st.Moments[i].M)
		copy(o.v[i], st.Moments[i].V)
	}
	o.cfg = st.Config
	o.step = st.Step
	return nil
}

// ErrNonFiniteGradient is returned by ClipGradNorm when the total norm is
// NaN or infinite.
var ErrNonFiniteGradient = errors.New("non-finite gradient norm")

// ClipGradNorm rescales all gradients so their joint L2 norm is at most
// maxNorm. It returns the norm before clipping.
func ClipGradNorm(params []*Param, maxNorm float64) (float64, error) {
	var sq float64
	for _, p := range params {
		n := floats.Norm(p.Grad, 2)
		sq += n * n
	}
	total := math.Sqrt(sq)
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return total, ErrNonFiniteGradient
	}
	if coef := maxNorm / (total + 1e-6); coef < 1 {
		for _, p := range params {
			floats.Scale(coef, p.Grad)
		}
	}
	return total, nil
}
