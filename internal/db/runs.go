package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Run is one invocation of the training loop.
type Run struct {
	RunID        string          `json:"run_id"`
	CkptName     string          `json:"ckpt_name"`
	Task         string          `json:"task"`
	Variant      string          `json:"variant"`
	Categories   []string        `json:"categories"`
	Config       json.RawMessage `json:"config,omitempty"`
	Status       string          `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// RunStore persists training runs.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Insert records a new run in the running state. RunID and StartedAt are
// filled in when empty.
func (s *RunStore) Insert(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	categories := run.Categories
	if categories == nil {
		categories = []string{}
	}
	categoriesJSON, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	var config interface{}
	if len(run.Config) > 0 {
		config = string(run.Config)
	}

	query := `
		INSERT INTO training_runs (
			run_id, ckpt_name, task, variant, categories_json, config_json,
			status, started_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	return retryOnBusy(func() error {
		_, err := s.db.Exec(query,
			run.RunID, run.CkptName, run.Task, run.Variant, string(categoriesJSON), config,
			run.Status, run.StartedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// Finish marks a run terminal. A nil runErr records success.
func (s *RunStore) Finish(runID, status string, runErr error) error {
	var msg interface{}
	if runErr != nil {
		msg = runErr.Error()
	}
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE training_runs
			SET status = ?, error_message = ?, finished_at_ns = ?
			WHERE run_id = ?
		`, status, msg, time.Now().UnixNano(), runID)
		if err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("run %s %w", runID, ErrNotFound)
		}
		return nil
	})
}

const runColumns = `run_id, ckpt_name, task, variant, categories_json, config_json,
	status, error_message, started_at_ns, finished_at_ns`

// Get returns one run by ID.
func (s *RunStore) Get(runID string) (*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM training_runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run %s %w", runID, ErrNotFound)
	}
	return runs[0], nil
}

// List returns the most recent runs first. limit <= 0 means no limit.
func (s *RunStore) List(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM training_runs ORDER BY started_at_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// LatestFor returns the most recent run writing to the named checkpoint.
func (s *RunStore) LatestFor(ckptName string) (*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM training_runs WHERE ckpt_name = ? ORDER BY started_at_ns DESC LIMIT 1`, ckptName)
	if err != nil {
		return nil, fmt.Errorf("query latest run: %w", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no run for checkpoint %q", ErrNotFound, ckptName)
	}
	return runs[0], nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var (
			r              Run
			categoriesJSON string
			configJSON     sql.NullString
			errMsg         sql.NullString
			startedNs      int64
			finishedNs     sql.NullInt64
		)
		if err := rows.Scan(
			&r.RunID, &r.CkptName, &r.Task, &r.Variant, &categoriesJSON, &configJSON,
			&r.Status, &errMsg, &startedNs, &finishedNs,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(categoriesJSON), &r.Categories); err != nil {
			return nil, fmt.Errorf("decode categories for run %s: %w", r.RunID, err)
		}
		if configJSON.Valid {
			r.Config = json.RawMessage(configJSON.String)
		}
		r.ErrorMessage = errMsg.String
		r.StartedAt = time.Unix(0, startedNs)
		if finishedNs.Valid {
			t := time.Unix(0, finishedNs.Int64)
			r.FinishedAt = &t
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
