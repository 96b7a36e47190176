// Package syncrun owns the pipeline's bookkeeping: the sync_runs ledger row
// per invocation, the structured sync_events trail, the crash-resume
// checkpoint file, and the human-readable run report.
package syncrun

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vespa-academy/datasync/internal/model"
)

type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Open inserts a started run row and returns its id.
func (s *Store) Open(ctx context.Context, typ string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, typ, status, started_at) VALUES ($1,$2,$3,$4)`,
		id, typ, model.RunStarted, time.Now().Unix())
	if err != nil {
		return "", err
	}
	return id, nil
}

// Close finalizes the run row with its terminal status and counts.
func (s *Store) Close(ctx context.Context, id, status string, counts map[string]int, errText string) error {
	cj, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status=$1, finished_at=$2, counts_json=$3, error_text=$4 WHERE id=$5`,
		status, time.Now().Unix(), string(cj), errText, id)
	return err
}

// Get returns one run row.
func (s *Store) Get(ctx context.Context, id string) (model.SyncRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, typ, status, started_at, COALESCE(finished_at,0), counts_json, error_text
		 FROM sync_runs WHERE id=$1`, id)
	var r model.SyncRun
	var cj string
	if err := row.Scan(&r.ID, &r.Type, &r.Status, &r.StartedAt, &r.FinishedAt, &cj, &r.ErrorText); err != nil {
		return model.SyncRun{}, err
	}
	if err := json.Unmarshal([]byte(cj), &r.Counts); err != nil {
		r.Counts = map[string]int{}
	}
	return r, nil
}

// Event appends one structured progress event for a run. Failures to write
// an event never fail the pipeline; the caller ignores the error at its
// discretion.
func (s *Store) Event(ctx context.Context, runID, typ, key string, data any) error {
	dj, err := json.Marshal(data)
	if err != nil {
		dj = []byte(`{}`)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_events (run_id, typ, key, data, created_at) VALUES ($1,$2,$3,$4,$5)`,
		runID, typ, key, string(dj), time.Now().Unix())
	return err
}
