// Package pipeline orchestrates a sync: extract from the source CRM,
// classify into academic-year cohorts, resolve identifiers, upsert into the
// warehouse, then rebuild statistics. Steps run strictly in order; within a
// step the extractor pipelines page fetches while the loader consumes
// batches off a bounded stream.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vespa-academy/datasync/internal/config"
	"github.com/vespa-academy/datasync/internal/crm"
	"github.com/vespa-academy/datasync/internal/linker"
	"github.com/vespa-academy/datasync/internal/loader"
	"github.com/vespa-academy/datasync/internal/metrics"
	"github.com/vespa-academy/datasync/internal/model"
	"github.com/vespa-academy/datasync/internal/questions"
	"github.com/vespa-academy/datasync/internal/stats"
	"github.com/vespa-academy/datasync/internal/syncrun"
)

// pageDone marks a fully extracted entity in the checkpoint.
const pageDone = -1

type Pipeline struct {
	cfg    config.Config
	db     *sql.DB
	crm    *crm.Client
	loader *loader.Loader
	linker *linker.Linker
	runs   *syncrun.Store
	agg    *stats.Aggregator
	log    *slog.Logger
	now    func() time.Time

	// scoreSourceIDs maps object_10 record ids to the student rows their
	// scores landed on, for the response connection fallback. Valid only
	// within the run that populated it.
	scoreSourceIDs map[string]int64
}

func New(cfg config.Config, db *sql.DB, client *crm.Client, agg *stats.Aggregator, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		db:     db,
		crm:    client,
		loader: loader.New(db, loader.Options{
			BatchSizes:  cfg.BatchSizes,
			Concurrency: cfg.LoaderConcurrency,
			LoadTimeout: cfg.LoadTimeout,
		}, log),
		linker: linker.New(),
		runs:   syncrun.NewStore(db),
		agg:    agg,
		log:    log,
		now:    time.Now,
	}
}

// Outcome is the terminal state of a run plus its report.
type Outcome struct {
	RunID  string
	Status string
	Report *syncrun.Report
}

// RunFull executes the scheduled full sync. The returned error is non-nil
// only for fatal conditions; a sync that limps through with skipped records
// returns a partial outcome and a nil error.
func (p *Pipeline) RunFull(ctx context.Context) (Outcome, error) {
	cpm := syncrun.NewCheckpointManager(p.cfg.CheckpointPath)
	if err := cpm.Acquire(); err != nil {
		return Outcome{}, err
	}
	defer cpm.Release()

	cp, err := cpm.Load()
	if err != nil {
		return Outcome{}, err
	}

	if err := questions.Seed(ctx, p.db); err != nil {
		return Outcome{}, fmt.Errorf("seed question catalog: %w", err)
	}

	runID, err := p.runs.Open(ctx, "full")
	if err != nil {
		return Outcome{}, err
	}
	report := syncrun.NewReport(runID, "full")

	status, runErr := p.runSteps(ctx, runID, report, cpm, &cp)

	report.Status = status
	if path, werr := report.Write(p.cfg.ReportDir); werr != nil {
		p.log.Warn("report write failed", "err", werr)
	} else {
		p.log.Info("report written", "path", path)
	}

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	if cerr := p.runs.Close(ctx, runID, status, report.FlatCounts(), errText); cerr != nil {
		p.log.Error("failed to close sync run row", "run", runID, "err", cerr)
	}
	metrics.SyncRuns.WithLabelValues("full", status).Inc()

	if status == model.RunCompleted {
		if err := cpm.Clear(); err != nil {
			p.log.Warn("checkpoint clear failed", "err", err)
		}
	}

	out := Outcome{RunID: runID, Status: status, Report: report}
	if status == model.RunFailed {
		return out, runErr
	}
	return out, nil
}

func (p *Pipeline) runSteps(ctx context.Context, runID string, report *syncrun.Report, cpm *syncrun.CheckpointManager, cp *syncrun.Checkpoint) (string, error) {
	partial := false

	step := func(name string, fn func() error) (fatal error) {
		if ctx.Err() != nil {
			partial = true
			return nil
		}
		p.event(ctx, runID, "step_started", name, nil)
		err := fn()
		switch {
		case err == nil:
			p.event(ctx, runID, "step_finished", name, nil)
			return nil
		case errors.Is(err, crm.ErrTransient) || errors.Is(err, context.Canceled):
			// Exhausted retries: the step is partial, later steps may still
			// run if their preconditions hold.
			p.log.Warn("step ended partial", "step", name, "err", err)
			p.event(ctx, runID, "step_partial", name, map[string]string{"err": err.Error()})
			partial = true
			return nil
		default:
			p.event(ctx, runID, "step_failed", name, map[string]string{"err": err.Error()})
			return fmt.Errorf("step %s: %w", name, err)
		}
	}

	if err := step("establishments", func() error {
		return p.syncEstablishments(ctx, report, cpm, cp)
	}); err != nil {
		return model.RunFailed, err
	}

	if err := step("warm_linker", func() error {
		return p.linker.Warm(ctx, p.db)
	}); err != nil {
		return model.RunFailed, err
	}

	if err := step("students", func() error {
		return p.syncStudents(ctx, report, nil, cpm, cp)
	}); err != nil {
		return model.RunFailed, err
	}

	if err := step("vespa_scores", func() error {
		return p.syncScores(ctx, report, nil, cpm, cp)
	}); err != nil {
		return model.RunFailed, err
	}

	// Barrier: responses inherit years from the scores written above, so
	// the index is built only after the score step fully completes.
	var idx *scoreIndex
	if err := step("score_index", func() error {
		var err error
		idx, err = p.buildScoreIndex(ctx)
		return err
	}); err != nil {
		return model.RunFailed, err
	}

	if err := step("question_responses", func() error {
		return p.syncResponses(ctx, report, nil, idx, cpm, cp)
	}); err != nil {
		return model.RunFailed, err
	}

	if err := step("aggregate", func() error {
		counts, err := p.agg.Recompute(ctx, stats.ScopeAll())
		if err != nil {
			return err
		}
		report.Diag("stat_rows_school", counts.SchoolRows)
		report.Diag("stat_rows_question", counts.QuestionRows)
		report.Diag("stat_rows_national", counts.NationalRows+counts.NationalQuestionRows)
		report.Diag("pairing_mismatches", counts.PairingMismatches)
		return nil
	}); err != nil {
		return model.RunFailed, err
	}

	if partial || ctx.Err() != nil {
		return model.RunPartial, nil
	}
	return model.RunCompleted, nil
}

func (p *Pipeline) event(ctx context.Context, runID, typ, key string, data any) {
	if err := p.runs.Event(ctx, runID, typ, key, data); err != nil {
		p.log.Debug("event write failed", "typ", typ, "err", err)
	}
}

// Linker exposes the warmed caches for the refresh service.
func (p *Pipeline) Linker() *linker.Linker { return p.linker }

// DB exposes the warehouse handle for collaborators wired at startup.
func (p *Pipeline) DB() *sql.DB { return p.db }
