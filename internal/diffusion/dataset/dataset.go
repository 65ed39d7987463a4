// Package dataset turns clean shapes into noised sparse training items.
//
// Each call to Get runs the full preparation chain (subsample, noise,
// voxelize) with a random source derived from the dataset seed, the
// epoch and the item index. Items are never cached: the same index
// yields a fresh timestep and noise in every epoch, and the same
// (epoch, index) pair always yields the same item.
package dataset

import (
	"fmt"

	"github.com/banshee-data/sparsediff/internal/diffusion/labels"
	"github.com/banshee-data/sparsediff/internal/diffusion/noise"
	"github.com/banshee-data/sparsediff/internal/diffusion/pointcloud"
	"github.com/banshee-data/sparsediff/internal/diffusion/rngstream"
	"github.com/banshee-data/sparsediff/internal/diffusion/voxel"
)

// Item is one prepared example.
type Item struct {
	Input voxel.Grid // noisy coordinates per retained voxel
	Noise voxel.Grid // target noise, same coords as Input
	T     int

	// Label is the dense category index; only meaningful when Labeled.
	Label   int
	Labeled bool
}

// Options configures a Dataset.
type Options struct {
	// Conditional attaches category labels to every item.
	Conditional bool
	// Seed selects the random stream family. Train and validation
	// datasets should use different seeds.
	Seed uint64
}

// Dataset prepares items from a point-cloud source. It is safe for
// concurrent Get calls as long as the source is.
type Dataset struct {
	src    pointcloud.Source
	sched  *noise.Scheduler
	enc    *voxel.Encoder
	labels *labels.Map
	opts   Options
}

// New builds a Dataset. When a label map is supplied every category the
// source can produce is checked against it here, so an unknown category
// fails at construction rather than mid-run.
func New(src pointcloud.Source, sched *noise.Scheduler, enc *voxel.Encoder, lm *labels.Map, opts Options) (*Dataset, error) {
	if src == nil || sched == nil || enc == nil {
		return nil, fmt.Errorf("dataset: source, scheduler and encoder are required")
	}
	if opts.Conditional && lm == nil {
		return nil, fmt.Errorf("dataset: conditional dataset needs a label map")
	}
	if lm != nil {
		if err := lm.Validate(src.Categories()); err != nil {
			return nil, fmt.Errorf("dataset: %w", err)
		}
	}
	return &Dataset{src: src, sched: sched, enc: enc, labels: lm, opts: opts}, nil
}

// Len returns the number of items per epoch.
func (d *Dataset) Len() int { return d.src.Len() }

// Conditional reports whether items carry labels.
func (d *Dataset) Conditional() bool { return d.opts.Conditional }

// Get prepares item idx for the given epoch.
func (d *Dataset) Get(idx, epoch int) (Item, error) {
	rng := rngstream.New(d.opts.Seed, rngstream.Item(idx, epoch))

	shape, err := d.src.Shape(idx, rng)
	if err != nil {
		return Item{}, fmt.Errorf("item %d: %w", idx, err)
	}
	sample, err := d.sched.Sample(shape.Cloud, rng)
	if err != nil {
		return Item{}, fmt.Errorf("item %d: noise: %w", idx, err)
	}
	pair, err := d.enc.Encode(sample.Points, sample.Noise)
	if err != nil {
		return Item{}, fmt.Errorf("item %d: voxelize: %w", idx, err)
	}

	item := Item{Input: pair.Input, Noise: pair.Target, T: sample.T}
	if d.opts.Conditional {
		label, err := d.labels.Index(shape.SynsetID)
		if err != nil {
			return Item{}, fmt.Errorf("item %d: %w", idx, err)
		}
		item.Label, item.Labeled = label, true
	}
	return item, nil
}
