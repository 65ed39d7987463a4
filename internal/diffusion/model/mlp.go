// Package model provides a baseline per-voxel denoiser.
//
// The network sees each voxel independently: its noisy coordinates, a
// sinusoidal embedding of its example's timestep and, for conditional
// runs, a one-hot category label. Two tanh hidden layers map that to a
// 3-channel noise prediction. It stands in for a sparse convolutional
// network behind the same train.Model interface.
package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/sparsediff/internal/diffusion/optim"
	"github.com/banshee-data/sparsediff/internal/diffusion/rngstream"
	"github.com/banshee-data/sparsediff/internal/diffusion/train"
)

// Variant selects the model size.
type Variant string

const (
	VariantSmall  Variant = "S"
	VariantMedium Variant = "M"
	VariantLarge  Variant = "L"
)

// Hidden returns the hidden width of v.
func (v Variant) Hidden() (int, error) {
	switch v {
	case VariantSmall:
		return 32, nil
	case VariantMedium:
		return 64, nil
	case VariantLarge:
		return 128, nil
	}
	return 0, fmt.Errorf("unknown model variant %q (want S, M or L)", string(v))
}

// ParseVariant accepts S, M or L in either case.
func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToUpper(s))
	if _, err := v.Hidden(); err != nil {
		return "", err
	}
	return v, nil
}

// Config describes the network shape.
type Config struct {
	Variant Variant
	// Hidden overrides the variant width when positive.
	Hidden int
	// TimeDim is the width of the timestep embedding; it must be even.
	TimeDim int
	// Classes is the number of category labels; 0 for unconditional.
	Classes int
	Seed    uint64
}

// MLP is the baseline denoiser. It is not safe for concurrent use; the
// trainer serializes calls.
type MLP struct {
	cfg    Config
	hidden int
	inDim  int

	w1, b1, w2, b2, w3, b3 *optim.Param

	// activations cached by Forward for Backward
	x, a1, a2 *mat.Dense
}

// New builds an MLP with weights drawn from a seeded source.
func New(cfg Config) (*MLP, error) {
	hidden := cfg.Hidden
	if hidden <= 0 {
		h, err := cfg.Variant.Hidden()
		if err != nil {
			return nil, err
		}
		hidden = h
	}
	if cfg.TimeDim <= 0 {
		cfg.TimeDim = 16
	}
	if cfg.TimeDim%2 != 0 {
		return nil, fmt.Errorf("time embedding width must be even, got %d", cfg.TimeDim)
	}
	if cfg.Classes < 0 {
		return nil, fmt.Errorf("negative class count %d", cfg.Classes)
	}

	m := &MLP{cfg: cfg, hidden: hidden, inDim: 3 + cfg.TimeDim + cfg.Classes}
	rng := rngstream.New(cfg.Seed, rngstream.ModelInit())
	m.w1 = weights("l1.weight", m.inDim, hidden, rng)
	m.b1 = optim.NewParam("l1.bias", make([]float64, hidden), true)
	m.w2 = weights("l2.weight", hidden, hidden, rng)
	m.b2 = optim.NewParam("l2.bias", make([]float64, hidden), true)
	m.w3 = weights("out.weight", hidden, 3, rng)
	m.b3 = optim.NewParam("out.bias", make([]float64, 3), true)
	return m, nil
}

func weights(name string, in, out int, rng *rand.Rand) *optim.Param {
	normal := distuv.Normal{Mu: 0, Sigma: 1 / math.Sqrt(float64(in)), Src: rng}
	data := make([]float64, in*out)
	for i := range data {
		data[i] = normal.Rand()
	}
	return optim.NewParam(name, data, false)
}

// Config returns the model configuration.
func (m *MLP) Config() Config { return m.cfg }

// Params returns the trainable tensors in a fixed order.
func (m *MLP) Params() []*optim.Param {
	return []*optim.Param{m.w1, m.b1, m.w2, m.b2, m.w3, m.b3}
}

// TimeEmbedding writes the sinusoidal embedding of t into dst.
func TimeEmbedding(dst []float64, t int) {
	half := len(dst) / 2
	for i := 0; i < half; i++ {
		freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
		dst[2*i] = math.Sin(float64(t) * freq)
		dst[2*i+1] = math.Cos(float64(t) * freq)
	}
}

func (m *MLP) features(in train.ModelInput) (*mat.Dense, error) {
	rows, cols := in.Feats.Dims()
	if cols != 3 {
		return nil, fmt.Errorf("input features have %d columns, want 3", cols)
	}
	if len(in.Example) != rows {
		return nil, fmt.Errorf("%d rows but %d example indices", rows, len(in.Example))
	}
	if m.cfg.Classes > 0 && in.Labels == nil {
		return nil, fmt.Errorf("conditional model needs labels")
	}

	embeds := make([][]float64, len(in.T))
	for i, t := range in.T {
		embeds[i] = make([]float64, m.cfg.TimeDim)
		TimeEmbedding(embeds[i], t)
	}

	x := mat.NewDense(rows, m.inDim, nil)
	for r := 0; r < rows; r++ {
		ex := in.Example[r]
		if ex < 0 || ex >= len(in.T) {
			return nil, fmt.Errorf("row %d belongs to example %d of %d", r, ex, len(in.T))
		}
		row := x.RawRowView(r)
		row[0], row[1], row[2] = in.Feats.At(r, 0), in.Feats.At(r, 1), in.Feats.At(r, 2)
		copy(row[3:], embeds[ex])
		if m.cfg.Classes > 0 {
			label := in.Labels[ex]
			if label < 0 || label >= m.cfg.Classes {
				return nil, fmt.Errorf("label %d outside [0, %d)", label, m.cfg.Classes)
			}
			row[3+m.cfg.TimeDim+label] = 1
		}
	}
	return x, nil
}

func affine(x *mat.Dense, w, b *optim.Param, out int) *mat.Dense {
	rows, in := x.Dims()
	var h mat.Dense
	h.Mul(x, mat.NewDense(in, out, w.Data))
	for r := 0; r < rows; r++ {
		row := h.RawRowView(r)
		for j := range row {
			row[j] += b.Data[j]
		}
	}
	return &h
}

func tanh(h *mat.Dense) *mat.Dense {
	h.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, h)
	return h
}

// Forward predicts per-voxel noise.
func (m *MLP) Forward(in train.ModelInput) (*mat.Dense, error) {
	x, err := m.features(in)
	if err != nil {
		return nil, err
	}
	a1 := tanh(affine(x, m.w1, m.b1, m.hidden))
	a2 := tanh(affine(a1, m.w2, m.b2, m.hidden))
	out := affine(a2, m.w3, m.b3, 3)
	m.x, m.a1, m.a2 = x, a1, a2
	return out, nil
}

// Backward accumulates parameter gradients for gradOut, the loss
// gradient with respect to the last Forward's output.
func (m *MLP) Backward(gradOut *mat.Dense) error {
	if m.x == nil {
		return fmt.Errorf("backward called before forward")
	}
	rows, _ := m.x.Dims()
	if r, c := gradOut.Dims(); r != rows || c != 3 {
		return fmt.Errorf("gradient is %d×%d, want %d×3", r, c, rows)
	}

	dA2 := m.backLayer(m.a2, gradOut, m.w3, m.b3, 3)
	dH2 := tanhGrad(m.a2, dA2)
	dA1 := m.backLayer(m.a1, dH2, m.w2, m.b2, m.hidden)
	dH1 := tanhGrad(m.a1, dA1)
	m.backLayer(m.x, dH1, m.w1, m.b1, m.hidden)
	return nil
}

// backLayer accumulates dW = inᵀ·dOut and db = Σ dOut, and returns the
// gradient with respect to in.
func (m *MLP) backLayer(in, dOut *mat.Dense, w, b *optim.Param, out int) *mat.Dense {
	_, inDim := in.Dims()

	var dW mat.Dense
	dW.Mul(in.T(), dOut)
	gw := mat.NewDense(inDim, out, w.Grad)
	gw.Add(gw, &dW)

	rows, _ := dOut.Dims()
	for r := 0; r < rows; r++ {
		for j, v := range dOut.RawRowView(r) {
			b.Grad[j] += v
		}
	}

	var dIn mat.Dense
	dIn.Mul(dOut, mat.NewDense(inDim, out, w.Data).T())
	return &dIn
}

func tanhGrad(a, dA *mat.Dense) *mat.Dense {
	var d mat.Dense
	d.Apply(func(i, j int, v float64) float64 {
		y := a.At(i, j)
		return v * (1 - y*y)
	}, dA)
	return &d
}

var _ train.Model = (*MLP)(nil)
