package pointcloud

import (
	"fmt"
	"log"
	"math/rand/v2"
	"path"
	"sort"
	"strings"

	"github.com/banshee-data/sparsediff/internal/fsutil"
)

// ShapeNetOptions configures a ShapeNetSource. The directory layout is
// Root/<synset>/<split>/<model>.npy as in ShapeNetCore.v2.PC15k.
type ShapeNetOptions struct {
	Root       string
	Categories []string // synset IDs
	Split      string   // "train", "val" or "test"
	SampleSize int      // points per example after subsampling

	// Stats, when set, are applied instead of computing them from this
	// split. Validation sources must pass the training source's Stats.
	Stats *Stats

	FS fsutil.FileSystem // defaults to the OS filesystem
}

type shapeRecord struct {
	blob     []byte
	synsetID string
	modelID  string
}

// ShapeNetSource serves ShapeNet point clouds from memory. Shapes are
// loaded once at construction and kept as compact blobs.
type ShapeNetSource struct {
	opts       ShapeNetOptions
	records    []shapeRecord
	stats      Stats
	categories []string
}

// NewShapeNetSource loads every shape of the requested categories and split.
func NewShapeNetSource(opts ShapeNetOptions) (*ShapeNetSource, error) {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.SampleSize <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", opts.SampleSize)
	}
	if len(opts.Categories) == 0 {
		return nil, fmt.Errorf("no categories requested")
	}
	if opts.Split == "" {
		return nil, fmt.Errorf("split is required")
	}

	categories := append([]string(nil), opts.Categories...)
	sort.Strings(categories)

	s := &ShapeNetSource{opts: opts, categories: categories}
	var clouds []Cloud
	for _, synset := range categories {
		dir := path.Join(opts.Root, synset, opts.Split)
		entries, err := opts.FS.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		var loaded int
		for _, e := range entries {
			if e.IsDir || !strings.HasSuffix(e.Name, ".npy") {
				continue
			}
			c, err := s.readShape(path.Join(dir, e.Name))
			if err != nil {
				return nil, err
			}
			if len(c) < opts.SampleSize {
				return nil, fmt.Errorf("%s/%s has %d points, need at least %d", synset, e.Name, len(c), opts.SampleSize)
			}
			s.records = append(s.records, shapeRecord{
				blob:     EncodeCloudBlob(c),
				synsetID: synset,
				modelID:  strings.TrimSuffix(e.Name, ".npy"),
			})
			if opts.Stats == nil {
				clouds = append(clouds, c)
			}
			loaded++
		}
		if loaded == 0 {
			return nil, fmt.Errorf("no .npy shapes in %s", dir)
		}
	}

	if opts.Stats != nil {
		s.stats = *opts.Stats
	} else {
		st, err := ComputeStats(clouds)
		if err != nil {
			return nil, fmt.Errorf("%s split: %w", opts.Split, err)
		}
		s.stats = st
	}

	log.Printf("[pointcloud] loaded %d %s shapes from %d categories (mean=%.4f,%.4f,%.4f std=%.4f)",
		len(s.records), opts.Split, len(categories), s.stats.Mean.X, s.stats.Mean.Y, s.stats.Mean.Z, s.stats.Std)
	return s, nil
}

func (s *ShapeNetSource) readShape(name string) (Cloud, error) {
	f, err := s.opts.FS.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	c, err := ReadNPY(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return c, nil
}

// Len returns the number of shapes.
func (s *ShapeNetSource) Len() int {
	return len(s.records)
}

// Shape returns shape idx subsampled to SampleSize points and normalized.
func (s *ShapeNetSource) Shape(idx int, rng *rand.Rand) (Shape, error) {
	if idx < 0 || idx >= len(s.records) {
		return Shape{}, fmt.Errorf("shape index %d out of range [0, %d)", idx, len(s.records))
	}
	rec := s.records[idx]
	c, err := DecodeCloudBlob(rec.blob)
	if err != nil {
		return Shape{}, fmt.Errorf("decode %s/%s: %w", rec.synsetID, rec.modelID, err)
	}
	return Shape{
		Cloud:    s.stats.Normalize(c.Subsample(s.opts.SampleSize, rng)),
		SynsetID: rec.synsetID,
		ModelID:  rec.modelID,
	}, nil
}

// Categories returns the sorted synset IDs this source serves.
func (s *ShapeNetSource) Categories() []string {
	return append([]string(nil), s.categories...)
}

// Stats returns the normalization statistics in use.
func (s *ShapeNetSource) Stats() Stats {
	return s.stats
}

var _ Source = (*ShapeNetSource)(nil)
