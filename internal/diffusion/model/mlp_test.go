package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sparsediff/internal/diffusion/train"
)

func sampleInput() (train.ModelInput, *mat.Dense) {
	feats := mat.NewDense(5, 3, []float64{
		0.1, -0.2, 0.3,
		0.5, 0.1, -0.7,
		-0.3, 0.8, 0.2,
		0.0, 0.4, -0.1,
		0.9, -0.5, 0.6,
	})
	target := mat.NewDense(5, 3, []float64{
		1, 0, -1,
		0.5, 0.5, 0.5,
		-1, 2, 0,
		0.3, -0.3, 0.1,
		0, 0, 1,
	})
	return train.ModelInput{
		Feats:   feats,
		T:       []int{3, 870},
		Labels:  []int{1, 0},
		Example: []int{0, 0, 1, 1, 1},
	}, target
}

func lossOf(t *testing.T, m *MLP, in train.ModelInput, target *mat.Dense) float64 {
	t.Helper()
	pred, err := m.Forward(in)
	require.NoError(t, err)
	loss, _, err := train.MSE(pred, target)
	require.NoError(t, err)
	return loss
}

func TestMLP_GradientsMatchFiniteDifferences(t *testing.T) {
	t.Parallel()

	m, err := New(Config{Hidden: 6, TimeDim: 4, Classes: 2, Seed: 1})
	require.NoError(t, err)
	in, target := sampleInput()

	pred, err := m.Forward(in)
	require.NoError(t, err)
	_, grad, err := train.MSE(pred, target)
	require.NoError(t, err)
	require.NoError(t, m.Backward(grad))

	const h = 1e-6
	for _, p := range m.Params() {
		for _, i := range []int{0, len(p.Data) / 2, len(p.Data) - 1} {
			orig := p.Data[i]
			p.Data[i] = orig + h
			up := lossOf(t, m, in, target)
			p.Data[i] = orig - h
			down := lossOf(t, m, in, target)
			p.Data[i] = orig

			numeric := (up - down) / (2 * h)
			assert.InDelta(t, numeric, p.Grad[i], 1e-6+1e-4*math.Abs(numeric), "%s[%d]", p.Name, i)
		}
	}
}

func TestMLP_BackwardAccumulates(t *testing.T) {
	t.Parallel()

	m, err := New(Config{Hidden: 4, TimeDim: 2, Seed: 2})
	require.NoError(t, err)
	in, target := sampleInput()

	pred, err := m.Forward(in)
	require.NoError(t, err)
	_, grad, err := train.MSE(pred, target)
	require.NoError(t, err)
	require.NoError(t, m.Backward(grad))
	once := append([]float64(nil), m.b3.Grad...)
	require.NoError(t, m.Backward(grad))
	for i := range once {
		assert.InDelta(t, 2*once[i], m.b3.Grad[i], 1e-12)
	}
}

func TestMLP_Shapes(t *testing.T) {
	t.Parallel()

	for _, v := range []Variant{VariantSmall, VariantMedium, VariantLarge} {
		m, err := New(Config{Variant: v, Seed: 3})
		require.NoError(t, err)
		in, _ := sampleInput()
		out, err := m.Forward(in)
		require.NoError(t, err)
		r, c := out.Dims()
		assert.Equal(t, 5, r)
		assert.Equal(t, 3, c)

		hidden, _ := v.Hidden()
		assert.Len(t, m.w2.Data, hidden*hidden)
	}
}

func TestMLP_Deterministic(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Variant: VariantSmall, Seed: 9})
	require.NoError(t, err)
	b, err := New(Config{Variant: VariantSmall, Seed: 9})
	require.NoError(t, err)
	for i, p := range a.Params() {
		assert.Equal(t, p.Data, b.Params()[i].Data, p.Name)
	}
}

func TestMLP_InputErrors(t *testing.T) {
	t.Parallel()

	cond, err := New(Config{Hidden: 4, Classes: 2})
	require.NoError(t, err)
	in, _ := sampleInput()

	noLabels := in
	noLabels.Labels = nil
	_, err = cond.Forward(noLabels)
	assert.Error(t, err)

	badLabel := in
	badLabel.Labels = []int{0, 5}
	_, err = cond.Forward(badLabel)
	assert.Error(t, err)

	badExample := in
	badExample.Example = []int{0, 0, 1, 1, 2}
	_, err = cond.Forward(badExample)
	assert.Error(t, err)

	short := in
	short.Example = []int{0}
	_, err = cond.Forward(short)
	assert.Error(t, err)

	fresh, err := New(Config{Hidden: 4})
	require.NoError(t, err)
	assert.Error(t, fresh.Backward(mat.NewDense(1, 3, nil)))
}

func TestParseVariant(t *testing.T) {
	t.Parallel()

	v, err := ParseVariant("m")
	require.NoError(t, err)
	assert.Equal(t, VariantMedium, v)
	_, err = ParseVariant("XL")
	assert.Error(t, err)

	_, err = New(Config{Variant: "XL"})
	assert.Error(t, err)
	_, err = New(Config{Hidden: 4, TimeDim: 3})
	assert.Error(t, err)
}

func TestTimeEmbedding(t *testing.T) {
	t.Parallel()

	e := make([]float64, 4)
	TimeEmbedding(e, 0)
	assert.Equal(t, []float64{0, 1, 0, 1}, e)

	TimeEmbedding(e, 10)
	assert.InDelta(t, math.Sin(10), e[0], 1e-12)
	assert.InDelta(t, math.Cos(10*0.01), e[3], 1e-12)
}
