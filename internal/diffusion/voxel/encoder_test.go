package voxel

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sparsediff/internal/diffusion/noise"
	"github.com/banshee-data/sparsediff/internal/diffusion/pointcloud"
	"github.com/banshee-data/sparsediff/internal/testutil"
)

func TestNewEncoder_RejectsBadSizes(t *testing.T) {
	t.Parallel()

	for _, v := range []float64{0, -0.1, math.NaN(), math.Inf(1)} {
		e, err := NewEncoder(v)
		assert.Nil(t, e)
		assert.True(t, errors.Is(err, ErrInvalidVoxelSize), "size %v: got %v", v, err)
	}
}

func TestQuantize_TranslatesToZero(t *testing.T) {
	t.Parallel()

	e, err := NewEncoder(1.0)
	require.NoError(t, err)

	cloud := pointcloud.Cloud{
		{X: -3.2, Y: 10.1, Z: 0.5},
		{X: -1.1, Y: 12.9, Z: 2.7},
	}
	coords, indices, err := e.Quantize(cloud)
	require.NoError(t, err)

	want := []Coord{{0, 0, 0}, {2, 2, 2}}
	if diff := cmp.Diff(want, coords); diff != "" {
		t.Errorf("coords mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{0, 1}, indices)
}

func TestQuantize_FirstEncounteredWins(t *testing.T) {
	t.Parallel()

	e, err := NewEncoder(1.0)
	require.NoError(t, err)

	cloud := pointcloud.Cloud{
		{X: 0.0, Y: 0.0, Z: 0.0},
		{X: 2.5, Y: 0.1, Z: 0.1}, // voxel (2,0,0)
		{X: 0.9, Y: 0.9, Z: 0.9}, // collides with point 0
		{X: 2.1, Y: 0.7, Z: 0.2}, // collides with point 1
		{X: 0.2, Y: 1.5, Z: 0.0}, // voxel (0,1,0)
	}
	coords, indices, err := e.Quantize(cloud)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 4}, indices)
	assert.Equal(t, []Coord{{0, 0, 0}, {2, 0, 0}, {0, 1, 0}}, coords)
}

func TestQuantize_TinyVoxelKeepsEveryPoint(t *testing.T) {
	t.Parallel()

	e, err := NewEncoder(1e-8)
	require.NoError(t, err)

	cloud := pointcloud.Cloud(testutil.SpherePoints(2048, 3))
	coords, indices, err := e.Quantize(cloud)
	require.NoError(t, err)
	assert.Len(t, coords, len(cloud))
	for i, idx := range indices {
		assert.Equal(t, i, idx)
	}
}

func TestQuantize_Overflow(t *testing.T) {
	t.Parallel()

	e, err := NewEncoder(1e-12)
	require.NoError(t, err)
	_, _, err = e.Quantize(pointcloud.Cloud{{X: 0}, {X: 10}})
	assert.Error(t, err)
}

func TestQuantize_Empty(t *testing.T) {
	t.Parallel()

	e, err := NewEncoder(0.1)
	require.NoError(t, err)
	_, _, err = e.Quantize(nil)
	assert.Error(t, err)
}

func TestRequantize_Idempotent(t *testing.T) {
	t.Parallel()

	e, err := NewEncoder(0.1)
	require.NoError(t, err)

	cloud := pointcloud.Cloud(testutil.SpherePoints(2048, 11))
	coords, _, err := e.Quantize(cloud)
	require.NoError(t, err)

	again, indices := Requantize(coords)
	if diff := cmp.Diff(coords, again); diff != "" {
		t.Errorf("requantize changed coords (-want +got):\n%s", diff)
	}
	assert.Len(t, indices, len(coords))
}

func TestRequantize_CollapsesDuplicatesAndShifts(t *testing.T) {
	t.Parallel()

	got, indices := Requantize([]Coord{{5, 5, 5}, {6, 5, 5}, {5, 5, 5}})
	assert.Equal(t, []Coord{{0, 0, 0}, {1, 0, 0}}, got)
	assert.Equal(t, []int{0, 1}, indices)

	empty, idx := Requantize(nil)
	assert.Nil(t, empty)
	assert.Nil(t, idx)
}

func TestEncode_GridsSharePairedCoords(t *testing.T) {
	t.Parallel()

	e, err := NewEncoder(0.25)
	require.NoError(t, err)

	points := pointcloud.Cloud(testutil.SpherePoints(512, 2))
	eps := noise.Gaussian(len(points), rand.New(rand.NewPCG(1, 1)))
	pair, err := e.Encode(points, eps)
	require.NoError(t, err)

	if diff := cmp.Diff(pair.Input.Coords, pair.Target.Coords); diff != "" {
		t.Fatalf("grid coords differ:\n%s", diff)
	}
	k := pair.Input.Len()
	assert.Less(t, k, len(points), "0.25 voxels on a unit sphere should collide")

	r, c := pair.Input.Feats.Dims()
	assert.Equal(t, k, r)
	assert.Equal(t, 3, c)
	r, c = pair.Target.Feats.Dims()
	assert.Equal(t, k, r)
	assert.Equal(t, 3, c)

	for row, idx := range pair.Indices {
		assert.Equal(t, []float64{points[idx].X, points[idx].Y, points[idx].Z}, mat.Row(nil, row, pair.Input.Feats))
		assert.Equal(t, []float64{eps[idx].X, eps[idx].Y, eps[idx].Z}, mat.Row(nil, row, pair.Target.Feats))
	}
}

func TestEncode_LengthMismatch(t *testing.T) {
	t.Parallel()

	e, err := NewEncoder(0.1)
	require.NoError(t, err)
	_, err = e.Encode(pointcloud.Cloud{{}, {X: 1}}, pointcloud.Cloud{{}})
	assert.Error(t, err)
}

func TestEncode_EndToEndScenario(t *testing.T) {
	t.Parallel()

	s, err := noise.NewScheduler(noise.Params{BetaMin: 1e-4, BetaMax: 2e-2, Steps: 1000, Mode: noise.ModeLinear})
	require.NoError(t, err)
	e, err := NewEncoder(1e-1)
	require.NoError(t, err)

	x0 := pointcloud.Cloud(testutil.SpherePoints(2048, 99))
	sample, err := s.Sample(x0, rand.New(rand.NewPCG(2048, 1)))
	require.NoError(t, err)
	pair, err := e.Encode(sample.Points, sample.Noise)
	require.NoError(t, err)

	k := pair.Input.Len()
	assert.LessOrEqual(t, k, 2048)
	assert.Greater(t, k, 0)
	r, c := pair.Input.Feats.Dims()
	assert.Equal(t, [2]int{k, 3}, [2]int{r, c})
	r, c = pair.Target.Feats.Dims()
	assert.Equal(t, [2]int{k, 3}, [2]int{r, c})
	assert.GreaterOrEqual(t, sample.T, 0)
	assert.Less(t, sample.T, 1000)

	seen := make(map[Coord]bool)
	for _, q := range pair.Input.Coords {
		require.False(t, seen[q], "duplicate coord %v", q)
		seen[q] = true
	}
}

func TestEncode_NegativeRegionUsesFloor(t *testing.T) {
	t.Parallel()

	e, err := NewEncoder(0.5)
	require.NoError(t, err)

	// After translation the second point sits at 0.49 → voxel 0, the
	// third at 0.5 → voxel 1.
	cloud := pointcloud.Cloud{
		{X: -1.0},
		{X: -0.51},
		{X: -0.5},
	}
	pair, err := e.Encode(cloud, make(pointcloud.Cloud, 3))
	require.NoError(t, err)
	assert.Equal(t, []Coord{{0, 0, 0}, {1, 0, 0}}, pair.Input.Coords)
	assert.Equal(t, []int{0, 2}, pair.Indices)
}
