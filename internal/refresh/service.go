// Package refresh guards the on-demand single-establishment sync: one
// refresh per establishment at a time, a hard wall-clock budget, and the
// last outcome kept for inspection.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vespa-academy/datasync/internal/metrics"
	"github.com/vespa-academy/datasync/internal/pipeline"
	"github.com/vespa-academy/datasync/internal/syncrun"
)

// ErrAlreadyRunning reports a refresh request for an establishment whose
// previous refresh has not finished.
var ErrAlreadyRunning = errors.New("refresh already in progress")

// States of one establishment's refresh lifecycle.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateComplete = "complete"
	StateFailed   = "failed"
)

// Status is the externally visible outcome of one refresh.
type Status struct {
	EstablishmentID string         `json:"establishment_id"`
	State           string         `json:"state"`
	RunID           string         `json:"run_id,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	StudentsSynced  int            `json:"students_synced"`
	VespaSynced     int            `json:"vespa_synced"`
	ResponsesSynced int            `json:"responses_synced"`
	Skipped         int            `json:"skipped"`
	Diagnostics     map[string]int `json:"diagnostics,omitempty"`
	Errors          []string       `json:"errors,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Syncer runs the scoped re-ingestion. Satisfied by *pipeline.Pipeline.
type Syncer interface {
	SyncOne(ctx context.Context, establishmentID string) (pipeline.Outcome, error)
}

type Service struct {
	pipe    Syncer
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	running map[string]bool
	last    map[string]Status
}

func New(pipe Syncer, timeout time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pipe:    pipe,
		timeout: timeout,
		log:     log,
		running: map[string]bool{},
		last:    map[string]Status{},
	}
}

// Run executes a refresh for one establishment, blocking until it finishes
// or the budget expires. Concurrent refreshes of distinct establishments
// proceed independently; a second request for the same one is rejected.
func (s *Service) Run(ctx context.Context, establishmentID string) (Status, error) {
	s.mu.Lock()
	if s.running[establishmentID] {
		s.mu.Unlock()
		return Status{}, ErrAlreadyRunning
	}
	s.running[establishmentID] = true
	s.mu.Unlock()
	metrics.RefreshInProgress.Inc()

	defer func() {
		metrics.RefreshInProgress.Dec()
		s.mu.Lock()
		delete(s.running, establishmentID)
		s.mu.Unlock()
	}()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	s.log.Info("refresh started", "establishment", establishmentID)
	out, err := s.pipe.SyncOne(cctx, establishmentID)

	st := Status{
		EstablishmentID: establishmentID,
		RunID:           out.RunID,
		StartedAt:       start,
		DurationSeconds: time.Since(start).Seconds(),
	}
	if out.Report != nil {
		fill(&st, out.Report)
	}
	switch {
	case err != nil && errors.Is(err, pipeline.ErrEstablishmentNotFound):
		// Not a refresh outcome at all; nothing to remember.
		return st, err
	case err != nil:
		st.State = StateFailed
		st.Error = err.Error()
	case cctx.Err() != nil:
		st.State = StateFailed
		st.Error = "refresh timed out"
		err = cctx.Err()
	default:
		st.State = StateComplete
	}

	s.mu.Lock()
	s.last[establishmentID] = st
	s.mu.Unlock()

	s.log.Info("refresh finished", "establishment", establishmentID,
		"state", st.State, "duration_s", st.DurationSeconds)
	return st, err
}

// Last returns the most recent finished refresh for an establishment, or a
// running/idle placeholder when none has completed yet.
func (s *Service) Last(establishmentID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[establishmentID] {
		return Status{EstablishmentID: establishmentID, State: StateRunning}
	}
	if st, ok := s.last[establishmentID]; ok {
		return st
	}
	return Status{EstablishmentID: establishmentID, State: StateIdle}
}

func fill(st *Status, r *syncrun.Report) {
	if ec, ok := r.Entities["students"]; ok {
		st.StudentsSynced = ec.Inserted + ec.Updated
		st.Skipped += ec.Skipped
	}
	if ec, ok := r.Entities["vespa_scores"]; ok {
		st.VespaSynced = ec.Inserted + ec.Updated
		st.Skipped += ec.Skipped
	}
	if ec, ok := r.Entities["question_responses"]; ok {
		st.ResponsesSynced = ec.Inserted + ec.Updated
		st.Skipped += ec.Skipped
	}
	if len(r.Diagnostics) > 0 {
		st.Diagnostics = r.Diagnostics
	}
	st.Errors = r.Errors
}
