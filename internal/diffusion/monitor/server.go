package monitor

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/banshee-data/sparsediff/internal/db"
	"github.com/banshee-data/sparsediff/internal/httputil"
)

// ServerConfig contains configuration options for the monitoring server.
type ServerConfig struct {
	Address string
	History *History
	Metrics *Metrics
	// DB is optional; when set, /debug/ serves the run database console
	// and /api/runs lists recorded runs.
	DB       *db.DB
	RunLabel string
}

// Server handles the HTTP interface for watching a training job.
type Server struct {
	address  string
	history  *History
	metrics  *Metrics
	db       *db.DB
	runLabel string
	server   *http.Server
}

// NewServer creates a monitoring server. It does not start listening.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.History == nil {
		cfg.History = NewHistory()
	}
	s := &Server{
		address:  cfg.Address,
		history:  cfg.History,
		metrics:  cfg.Metrics,
		db:       cfg.DB,
		runLabel: cfg.RunLabel,
	}
	mux, err := s.setupRoutes()
	if err != nil {
		return nil, err
	}
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Printf("[monitor] starting HTTP server on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[monitor] HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			log.Printf("[monitor] HTTP server force close error: %v", err)
		}
	}
	log.Printf("[monitor] HTTP server stopped")
	return nil
}

func (s *Server) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/charts/loss", s.handleLossChart)
	mux.HandleFunc("/charts/epochs", s.handleEpochChart)
	mux.HandleFunc("/api/epochs", s.handleEpochs)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	if s.db != nil {
		mux.HandleFunc("/api/runs", s.handleRuns)
		mux.HandleFunc("/api/runs/{id}/epochs", s.handleRunEpochs)
		mux.HandleFunc("/api/runs/{id}/metrics", s.handleRunMetrics)
		mux.HandleFunc("/api/runs/{id}/checkpoints", s.handleRunCheckpoints)
		if err := s.db.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"run":    s.runLabel,
		"epochs": len(s.history.Epochs()),
	})
}

type epochJSON struct {
	Epoch         int     `json:"epoch"`
	TrainLoss     float64 `json:"train_loss"`
	TrainExamples int     `json:"train_examples"`
	ValLoss       float64 `json:"val_loss"`
	ValExamples   int     `json:"val_examples"`
	Steps         int     `json:"steps"`
	LR            float64 `json:"lr"`
	DurationMs    int64   `json:"duration_ms"`
}

func (s *Server) handleEpochs(w http.ResponseWriter, r *http.Request) {
	if !httputil.GetOnly(w, r) {
		return
	}
	epochs := s.history.Epochs()
	out := make([]epochJSON, len(epochs))
	for i, e := range epochs {
		out[i] = epochJSON{
			Epoch: e.Epoch, TrainLoss: e.TrainLoss, TrainExamples: e.TrainExamples,
			ValLoss: e.ValLoss, ValExamples: e.ValExamples, Steps: e.Steps,
			LR: e.LR, DurationMs: e.Duration.Milliseconds(),
		}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !httputil.GetOnly(w, r) {
		return
	}
	runs, err := s.db.Runs().List(50)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if runs == nil {
		runs = []*db.Run{}
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

// lossMetrics are the names the trainer logs per batch.
var lossMetrics = []string{"train_loss", "val_loss"}

// lookupRun writes a 404 or 500 and returns false when the {id} path
// value does not name a stored run.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !httputil.GetOnly(w, r) {
		return "", false
	}
	id := r.PathValue("id")
	if _, err := s.db.Runs().Get(id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			httputil.NotFound(w, err.Error())
		} else {
			httputil.InternalServerError(w, err.Error())
		}
		return "", false
	}
	return id, true
}

// handleRunEpochs serves the stored batch-size weighted epoch means of a
// run, keyed by metric name. ?name= restricts the result to one metric.
func (s *Server) handleRunEpochs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	names := lossMetrics
	if n := r.URL.Query().Get("name"); n != "" {
		names = []string{n}
	}
	out := make(map[string][]db.EpochLoss, len(names))
	for _, name := range names {
		sums, err := s.db.Metrics().EpochSummaries(id, name)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if sums == nil {
			sums = []db.EpochLoss{}
		}
		out[name] = sums
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// handleRunMetrics serves the raw logged values of a run; ?name= filters.
func (s *Server) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	rows, err := s.db.Metrics().ListByRun(id, r.URL.Query().Get("name"))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if rows == nil {
		rows = []db.MetricRow{}
	}
	httputil.WriteJSON(w, http.StatusOK, rows)
}

func (s *Server) handleRunCheckpoints(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	recs, err := s.db.Checkpoints().ListByRun(id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if recs == nil {
		recs = []*db.CheckpointRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, recs)
}
