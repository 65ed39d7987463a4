package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CheckpointRecord indexes a checkpoint file written during a run.
type CheckpointRecord struct {
	CheckpointID string    `json:"checkpoint_id"`
	RunID        string    `json:"run_id"`
	Path         string    `json:"path"`
	Epoch        int       `json:"epoch"`
	Step         int       `json:"step"`
	TrainLoss    float64   `json:"train_loss"`
	ValLoss      *float64  `json:"val_loss,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CheckpointStore persists checkpoint records.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates a CheckpointStore.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Insert records a checkpoint. CheckpointID and CreatedAt are filled in
// when empty.
func (s *CheckpointStore) Insert(rec *CheckpointRecord) error {
	if rec.CheckpointID == "" {
		rec.CheckpointID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO training_checkpoints (
				checkpoint_id, run_id, path, epoch, step, train_loss, val_loss, created_at_ns
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.CheckpointID, rec.RunID, rec.Path, rec.Epoch, rec.Step, rec.TrainLoss, rec.ValLoss, rec.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
}

// ListByRun returns a run's checkpoints, oldest first.
func (s *CheckpointStore) ListByRun(runID string) ([]*CheckpointRecord, error) {
	rows, err := s.db.Query(`
		SELECT checkpoint_id, run_id, path, epoch, step, train_loss, val_loss, created_at_ns
		FROM training_checkpoints
		WHERE run_id = ?
		ORDER BY created_at_ns, epoch
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	return scanCheckpoints(rows)
}

// Latest returns the most recent checkpoint recorded for runID.
func (s *CheckpointStore) Latest(runID string) (*CheckpointRecord, error) {
	rows, err := s.db.Query(`
		SELECT checkpoint_id, run_id, path, epoch, step, train_loss, val_loss, created_at_ns
		FROM training_checkpoints
		WHERE run_id = ?
		ORDER BY created_at_ns DESC, epoch DESC
		LIMIT 1
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	defer rows.Close()

	recs, err := scanCheckpoints(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: no checkpoint for run %s", ErrNotFound, runID)
	}
	return recs[0], nil
}

func scanCheckpoints(rows *sql.Rows) ([]*CheckpointRecord, error) {
	var out []*CheckpointRecord
	for rows.Next() {
		var (
			rec       CheckpointRecord
			trainLoss sql.NullFloat64
			valLoss   sql.NullFloat64
			ns        int64
		)
		if err := rows.Scan(&rec.CheckpointID, &rec.RunID, &rec.Path, &rec.Epoch, &rec.Step,
			&trainLoss, &valLoss, &ns); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		rec.TrainLoss = trainLoss.Float64
		if valLoss.Valid {
			v := valLoss.Float64
			rec.ValLoss = &v
		}
		rec.CreatedAt = time.Unix(0, ns)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
