package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vespa-academy/datasync/internal/academic"
	"github.com/vespa-academy/datasync/internal/metrics"
	"github.com/vespa-academy/datasync/internal/model"
	"github.com/vespa-academy/datasync/internal/questions"
	"github.com/vespa-academy/datasync/internal/syncrun"
)

// ErrEstablishmentNotFound reports a refresh request for an establishment
// the warehouse has never seen. The caller decides how to surface it.
var ErrEstablishmentNotFound = errors.New("establishment not found")

// SyncOne re-ingests one establishment's students, scores and responses,
// bounded to the establishment's current academic year: the pull is
// date-filtered to that year and anything still classifying outside it is
// skipped, so historical rows stay untouched.
// No checkpointing: a refresh is small enough to restart from scratch, and
// it must never touch the full-sync resume state. Statistics are not
// recomputed here; the nightly full sync owns aggregation.
func (p *Pipeline) SyncOne(ctx context.Context, establishmentExternalID string) (Outcome, error) {
	est, err := p.lookupEstablishment(ctx, establishmentExternalID)
	if err != nil {
		return Outcome{}, err
	}

	flags := academic.Flags{IsAustralian: est.IsAustralian, UseStandardYear: est.UseStandardYear}
	year := academic.YearForDate(p.now(), flags)
	from, to, err := academic.YearBounds(year)
	if err != nil {
		return Outcome{}, err
	}
	scope := &refreshScope{est: est, year: year, from: from, to: to}

	if err := questions.Seed(ctx, p.db); err != nil {
		return Outcome{}, fmt.Errorf("seed question catalog: %w", err)
	}

	runID, err := p.runs.Open(ctx, "refresh")
	if err != nil {
		return Outcome{}, err
	}
	report := syncrun.NewReport(runID, "refresh")
	report.Diag("establishment_"+est.ExternalID, 1)
	p.log.Info("refresh scoped", "establishment", est.ExternalID, "year", scope.year)

	p.scoreSourceIDs = map[string]int64{}

	status := model.RunCompleted
	var runErr error
	steps := []struct {
		name string
		fn   func() error
	}{
		{"warm_linker", func() error { return p.linker.Warm(ctx, p.db) }},
		{"students", func() error { return p.syncStudents(ctx, report, scope, nil, nil) }},
		{"vespa_scores", func() error { return p.syncScores(ctx, report, scope, nil, nil) }},
		{"question_responses", func() error {
			idx, err := p.buildScoreIndex(ctx)
			if err != nil {
				return err
			}
			return p.syncResponses(ctx, report, scope, idx, nil, nil)
		}},
	}
	for _, s := range steps {
		p.event(ctx, runID, "step_started", s.name, nil)
		if err := s.fn(); err != nil {
			p.event(ctx, runID, "step_failed", s.name, map[string]string{"err": err.Error()})
			status = model.RunFailed
			runErr = fmt.Errorf("step %s: %w", s.name, err)
			break
		}
		p.event(ctx, runID, "step_finished", s.name, nil)
	}

	report.Status = status
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	if cerr := p.runs.Close(ctx, runID, status, report.FlatCounts(), errText); cerr != nil {
		p.log.Error("failed to close sync run row", "run", runID, "err", cerr)
	}
	metrics.SyncRuns.WithLabelValues("refresh", status).Inc()

	out := Outcome{RunID: runID, Status: status, Report: report}
	if runErr != nil {
		return out, runErr
	}
	return out, nil
}

func (p *Pipeline) lookupEstablishment(ctx context.Context, externalID string) (model.Establishment, error) {
	var est model.Establishment
	var usy string
	err := p.db.QueryRowContext(ctx,
		`SELECT id, external_id, name, trust, is_australian, use_standard_year
		   FROM establishments WHERE external_id = $1`, externalID).
		Scan(&est.ID, &est.ExternalID, &est.Name, &est.Trust, &est.IsAustralian, &usy)
	if err == sql.ErrNoRows {
		return est, fmt.Errorf("%w: %s", ErrEstablishmentNotFound, externalID)
	}
	if err != nil {
		return est, err
	}
	est.UseStandardYear = model.TriFromString(usy)
	return est, nil
}
