package monitor

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/sparsediff/internal/diffusion/train"
)

const namespace = "sparsediff"

// Metrics is the prometheus view of one training process. It owns its
// registry so several trainers (or tests) never collide on the default
// one.
type Metrics struct {
	registry *prometheus.Registry

	loss      *prometheus.GaugeVec
	epochLoss *prometheus.GaugeVec
	lr        prometheus.Gauge
	epoch     prometheus.Gauge
	steps     *prometheus.CounterVec
	examples  *prometheus.CounterVec
	voxels    prometheus.Histogram
	duration  prometheus.Histogram
}

// NewMetrics registers the training collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "batch_loss",
			Help: "Loss of the most recent batch.",
		}, []string{"split"}),
		epochLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "epoch_loss",
			Help: "Batch-size weighted mean loss of the last completed epoch.",
		}, []string{"split"}),
		lr: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "learning_rate",
			Help: "Learning rate used by the most recent optimizer step.",
		}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "epoch",
			Help: "Index of the last completed epoch.",
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "steps_total",
			Help: "Batches processed.",
		}, []string{"split"}),
		examples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "examples_total",
			Help: "Examples processed.",
		}, []string{"split"}),
		voxels: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_voxels",
			Help:    "Occupied voxels per batch.",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10),
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "epoch_duration_seconds",
			Help:    "Wall time per epoch including validation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	m.registry.MustRegister(m.loss, m.epochLoss, m.lr, m.epoch, m.steps, m.examples, m.voxels, m.duration)
	m.registry.MustRegister(prometheus.NewGoCollector())
	return m
}

// Record updates the per-batch collectors.
func (m *Metrics) Record(mt train.Metric) error {
	split := string(mt.Split)
	m.loss.WithLabelValues(split).Set(mt.Value)
	m.steps.WithLabelValues(split).Inc()
	m.examples.WithLabelValues(split).Add(float64(mt.BatchSize))
	m.voxels.Observe(float64(mt.Voxels))
	if mt.Split == train.SplitTrain {
		m.lr.Set(mt.LR)
	}
	return nil
}

// ObserveEpoch updates the per-epoch collectors.
func (m *Metrics) ObserveEpoch(_ context.Context, s train.EpochSummary) error {
	m.epoch.Set(float64(s.Epoch))
	m.epochLoss.WithLabelValues(string(train.SplitTrain)).Set(s.TrainLoss)
	if s.ValExamples > 0 {
		m.epochLoss.WithLabelValues(string(train.SplitVal)).Set(s.ValLoss)
	}
	m.duration.Observe(s.Duration.Seconds())
	return nil
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

var _ train.MetricSink = (*Metrics)(nil)
