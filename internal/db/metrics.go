package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/sparsediff/internal/diffusion/train"
)

// MetricRow is one stored scalar.
type MetricRow struct {
	MetricID  int64     `json:"metric_id"`
	RunID     string    `json:"run_id"`
	Split     string    `json:"split"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	BatchSize int       `json:"batch_size"`
	Voxels    int       `json:"voxels"`
	Epoch     int       `json:"epoch"`
	Step      int       `json:"step"`
	LR        float64   `json:"lr"`
	At        time.Time `json:"at"`
}

// EpochLoss is the batch-size weighted mean of one metric over an epoch.
type EpochLoss struct {
	Epoch    int     `json:"epoch"`
	Split    string  `json:"split"`
	Mean     float64 `json:"mean"`
	Examples int     `json:"examples"`
	Batches  int     `json:"batches"`
}

// MetricStore persists logged metrics.
type MetricStore struct {
	db *sql.DB
}

// NewMetricStore creates a MetricStore.
func NewMetricStore(db *sql.DB) *MetricStore {
	return &MetricStore{db: db}
}

// Insert stores one metric for runID.
func (s *MetricStore) Insert(runID string, m train.Metric) error {
	at := m.At
	if at.IsZero() {
		at = time.Now()
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO training_metrics (
				run_id, split, name, value, batch_size, voxels, epoch, step, lr, recorded_at_ns
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, string(m.Split), m.Name, m.Value, m.BatchSize, m.Voxels, m.Epoch, m.Step, m.LR, at.UnixNano())
		if err != nil {
			return fmt.Errorf("insert metric: %w", err)
		}
		return nil
	})
}

// ListByRun returns metrics for runID in insertion order. An empty name
// returns every metric.
func (s *MetricStore) ListByRun(runID, name string) ([]MetricRow, error) {
	query := `
		SELECT metric_id, run_id, split, name, value, batch_size, voxels, epoch, step, lr, recorded_at_ns
		FROM training_metrics
		WHERE run_id = ? AND (? = '' OR name = ?)
		ORDER BY metric_id
	`
	rows, err := s.db.Query(query, runID, name, name)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricRow
	for rows.Next() {
		var (
			m  MetricRow
			lr sql.NullFloat64
			ns int64
		)
		if err := rows.Scan(&m.MetricID, &m.RunID, &m.Split, &m.Name, &m.Value, &m.BatchSize,
			&m.Voxels, &m.Epoch, &m.Step, &lr, &ns); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.LR = lr.Float64
		m.At = time.Unix(0, ns)
		out = append(out, m)
	}
	return out, rows.Err()
}

// EpochSummaries aggregates the named metric per epoch and split,
// weighting each logged value by its batch size.
func (s *MetricStore) EpochSummaries(runID, name string) ([]EpochLoss, error) {
	rows, err := s.db.Query(`
		SELECT epoch, split,
			SUM(value * batch_size) / SUM(batch_size),
			SUM(batch_size),
			COUNT(*)
		FROM training_metrics
		WHERE run_id = ? AND name = ? AND batch_size > 0
		GROUP BY epoch, split
		ORDER BY epoch, split
	`, runID, name)
	if err != nil {
		return nil, fmt.Errorf("summarise metrics: %w", err)
	}
	defer rows.Close()

	var out []EpochLoss
	for rows.Next() {
		var e EpochLoss
		if err := rows.Scan(&e.Epoch, &e.Split, &e.Mean, &e.Examples, &e.Batches); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Sink returns a train.MetricSink writing to this store under runID.
func (s *MetricStore) Sink(runID string) train.MetricSink {
	return &runSink{store: s, runID: runID}
}

type runSink struct {
	store *MetricStore
	runID string
}

func (r *runSink) Record(m train.Metric) error {
	return r.store.Insert(r.runID, m)
}
