package pointcloud

import (
	"bytes"
	"math/rand/v2"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/sparsediff/internal/fsutil"
	"github.com/banshee-data/sparsediff/internal/testutil"
)

func writeShape(t *testing.T, fs *fsutil.MemoryFileSystem, name string, c Cloud) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteNPY(&buf, c))
	fs.WriteFile(name, buf.Bytes())
}

func newShapeNetFixture(t *testing.T) *fsutil.MemoryFileSystem {
	t.Helper()
	fs := fsutil.NewMemoryFileSystem()
	root := "/data/pc15k"
	for i, synset := range []string{"03001627", "02691156"} {
		for j, split := range []string{"train", "val"} {
			for k := 0; k < 2; k++ {
				origin := r3.Vec{X: float64(i), Y: float64(j), Z: float64(k)}
				c := Cloud(testutil.LatticePoints(3, 0.5, origin))
				writeShape(t, fs, path.Join(root, synset, split, string(rune('a'+k))+".npy"), c)
			}
		}
	}
	fs.WriteFile(path.Join(root, "03001627", "train", "README"), []byte("ignored"))
	return fs
}

func TestShapeNetSource_Load(t *testing.T) {
	t.Parallel()

	fs := newShapeNetFixture(t)
	src, err := NewShapeNetSource(ShapeNetOptions{
		Root:       "/data/pc15k",
		Categories: []string{"03001627", "02691156"},
		Split:      "train",
		SampleSize: 16,
		FS:         fs,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, src.Len())
	assert.Equal(t, []string{"02691156", "03001627"}, src.Categories())
	assert.Greater(t, src.Stats().Std, 0.0)

	s, err := src.Shape(0, rand.New(rand.NewPCG(5, 5)))
	require.NoError(t, err)
	assert.Len(t, s.Cloud, 16)
	assert.Equal(t, "02691156", s.SynsetID)
	assert.Equal(t, "a", s.ModelID)

	again, err := src.Shape(0, rand.New(rand.NewPCG(5, 5)))
	require.NoError(t, err)
	assert.Equal(t, s.Cloud, again.Cloud)

	_, err = src.Shape(4, rand.New(rand.NewPCG(5, 5)))
	assert.Error(t, err)
}

func TestShapeNetSource_ValReusesTrainStats(t *testing.T) {
	t.Parallel()

	fs := newShapeNetFixture(t)
	train, err := NewShapeNetSource(ShapeNetOptions{
		Root: "/data/pc15k", Categories: []string{"03001627"}, Split: "train", SampleSize: 27, FS: fs,
	})
	require.NoError(t, err)

	st := train.Stats()
	val, err := NewShapeNetSource(ShapeNetOptions{
		Root: "/data/pc15k", Categories: []string{"03001627"}, Split: "val", SampleSize: 27, Stats: &st, FS: fs,
	})
	require.NoError(t, err)
	assert.Equal(t, st, val.Stats())

	own, err := NewShapeNetSource(ShapeNetOptions{
		Root: "/data/pc15k", Categories: []string{"03001627"}, Split: "val", SampleSize: 27, FS: fs,
	})
	require.NoError(t, err)
	assert.NotEqual(t, st.Mean, own.Stats().Mean)
}

func TestShapeNetSource_Errors(t *testing.T) {
	t.Parallel()

	fs := newShapeNetFixture(t)
	base := ShapeNetOptions{Root: "/data/pc15k", Categories: []string{"03001627"}, Split: "train", SampleSize: 8, FS: fs}

	missing := base
	missing.Categories = []string{"04379243"}
	_, err := NewShapeNetSource(missing)
	assert.Error(t, err)

	tooMany := base
	tooMany.SampleSize = 100
	_, err = NewShapeNetSource(tooMany)
	assert.Error(t, err)

	noSplit := base
	noSplit.Split = ""
	_, err = NewShapeNetSource(noSplit)
	assert.Error(t, err)

	fs.WriteFile("/data/pc15k/03001627/train/broken.npy", []byte("garbage"))
	_, err = NewShapeNetSource(base)
	assert.Error(t, err)
}
