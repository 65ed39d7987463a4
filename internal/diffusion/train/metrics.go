package train

import "time"

// Split names the data split a metric came from.
type Split string

const (
	SplitTrain Split = "train"
	SplitVal   Split = "val"
)

// Metric is one logged scalar. BatchSize is the number of examples the
// value was averaged over, which is what epoch aggregation weights by.
type Metric struct {
	Split     Split
	Name      string
	Value     float64
	BatchSize int
	Voxels    int
	Epoch     int
	Step      int
	LR        float64
	At        time.Time
}

// MetricSink receives metrics as they are logged.
type MetricSink interface {
	Record(m Metric) error
}

// EpochSummary is the batch-size weighted mean loss of one epoch.
type EpochSummary struct {
	Epoch         int
	TrainLoss     float64
	TrainExamples int
	ValLoss       float64
	ValExamples   int
	Steps         int
	LR            float64
	Duration      time.Duration
}

// weightedMean accumulates a mean weighted by batch size.
type weightedMean struct {
	sum float64
	n   int
}

func (w *weightedMean) add(v float64, size int) {
	w.sum += v * float64(size)
	w.n += size
}

func (w *weightedMean) mean() float64 {
	if w.n == 0 {
		return 0
	}
	return w.sum / float64(w.n)
}
