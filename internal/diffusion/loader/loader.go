// Package loader feeds batches to the training loop.
//
// Items are prepared by a bounded pool of goroutines and handed back in
// index order through a bounded prefetch queue. Collation happens on the
// consuming goroutine when it calls Next, so the consumer only blocks
// when no prepared batch is waiting.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/sparsediff/internal/diffusion/batch"
	"github.com/banshee-data/sparsediff/internal/diffusion/dataset"
	"github.com/banshee-data/sparsediff/internal/diffusion/rngstream"
)

// Dataset is the item source consumed by a Loader.
type Dataset interface {
	Len() int
	Get(idx, epoch int) (dataset.Item, error)
}

// Config controls batching and parallelism.
type Config struct {
	BatchSize int
	Workers   int  // concurrent item preparations
	Prefetch  int  // prepared batches held ahead of the consumer
	Shuffle   bool // new permutation per epoch, derived from Seed
	DropLast  bool // discard a trailing partial batch
	Seed      uint64
}

// Loader produces batches for one dataset.
type Loader struct {
	ds  Dataset
	cfg Config
}

// New validates cfg and returns a Loader.
func New(ds Dataset, cfg Config) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("loader: nil dataset")
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("loader: batch size must be >= 1, got %d", cfg.BatchSize)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	return &Loader{ds: ds, cfg: cfg}, nil
}

// BatchSize returns the configured number of examples per batch.
func (l *Loader) BatchSize() int { return l.cfg.BatchSize }

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	n := l.ds.Len()
	if l.cfg.DropLast {
		return n / l.cfg.BatchSize
	}
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// order returns the item indices for epoch.
func (l *Loader) order(epoch int) []int {
	n := l.ds.Len()
	if l.cfg.Shuffle {
		return rngstream.New(l.cfg.Seed, rngstream.Shuffle(epoch)).Perm(n)
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

type prepared struct {
	items []dataset.Item
	err   error
}

// Iterator yields the batches of one epoch. It is not safe for
// concurrent use.
type Iterator struct {
	ctx     context.Context
	out     <-chan prepared
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	err     error
	batches int // expected this epoch
	n       int // delivered so far
}

// Epoch starts preparing batches for epoch and returns an iterator over
// them. The caller must call Close when finished, even after io.EOF.
func (l *Loader) Epoch(ctx context.Context, epoch int) *Iterator {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan prepared, l.cfg.Prefetch)
	batches := l.Len()
	it := &Iterator{ctx: ctx, out: out, cancel: cancel, done: make(chan struct{}), batches: batches}

	order := l.order(epoch)
	go func() {
		defer close(it.done)
		defer close(out)
		for b := 0; b < batches; b++ {
			lo := b * l.cfg.BatchSize
			hi := min(lo+l.cfg.BatchSize, len(order))
			items, err := l.prepare(ctx, order[lo:hi], epoch)
			if err != nil {
				err = fmt.Errorf("epoch %d batch %d: %w", epoch, b, err)
			}
			select {
			case out <- prepared{items: items, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return it
}

// prepare fetches the items of one batch concurrently, preserving order.
func (l *Loader) prepare(ctx context.Context, indices []int, epoch int) ([]dataset.Item, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Workers)

	items := make([]dataset.Item, len(indices))
	for i, idx := range indices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			item, err := l.ds.Get(idx, epoch)
			if err != nil {
				return err
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// Next returns the next collated batch, or io.EOF once every batch of
// the epoch has been delivered. If the context is cancelled first, Next
// returns the context's error instead of io.EOF, so a cut-short epoch is
// never mistaken for a complete one. A preparation error is returned once
// and ends the epoch.
func (it *Iterator) Next() (*batch.Batch, error) {
	if it.err != nil {
		return nil, it.err
	}
	p, ok := <-it.out
	if !ok {
		if it.n < it.batches {
			it.err = it.ctx.Err()
			if it.err == nil {
				it.err = fmt.Errorf("loader: epoch stopped after %d of %d batches", it.n, it.batches)
			}
			return nil, it.err
		}
		it.err = io.EOF
		return nil, io.EOF
	}
	if p.err != nil {
		it.err = p.err
		log.Printf("[loader] %v", p.err)
		return nil, p.err
	}
	b, err := batch.Collate(p.items)
	if err != nil {
		it.err = err
		return nil, err
	}
	it.n++
	return b, nil
}

// Close stops the producer and waits for it to exit.
func (it *Iterator) Close() error {
	it.once.Do(func() {
		it.cancel()
		for range it.out {
		}
		<-it.done
	})
	return nil
}
