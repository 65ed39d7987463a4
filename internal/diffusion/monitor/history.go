// Package monitor exposes a running training job over HTTP: prometheus
// metrics, loss charts and the run database debug console. It also
// writes loss curves to PNG files.
package monitor

import (
	"context"
	"sort"
	"sync"

	"github.com/banshee-data/sparsediff/internal/diffusion/train"
)

// Point is one logged value of a series.
type Point struct {
	Step  int
	Epoch int
	Value float64
}

// History keeps every logged metric in memory, keyed by metric name. It
// is a train.MetricSink and its ObserveEpoch method is a train.EpochHook.
type History struct {
	mu     sync.RWMutex
	series map[string][]Point
	epochs []train.EpochSummary
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{series: make(map[string][]Point)}
}

// Record appends m to its series.
func (h *History) Record(m train.Metric) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.series[m.Name] = append(h.series[m.Name], Point{Step: m.Step, Epoch: m.Epoch, Value: m.Value})
	return nil
}

// ObserveEpoch stores an epoch summary.
func (h *History) ObserveEpoch(_ context.Context, s train.EpochSummary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.epochs = append(h.epochs, s)
	return nil
}

// Series returns a copy of the named series.
func (h *History) Series(name string) []Point {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Point(nil), h.series[name]...)
}

// Names returns the recorded series names, sorted.
func (h *History) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.series))
	for n := range h.series {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Epochs returns a copy of the epoch summaries in arrival order.
func (h *History) Epochs() []train.EpochSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]train.EpochSummary(nil), h.epochs...)
}

var _ train.MetricSink = (*History)(nil)
