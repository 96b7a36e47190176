// Package loader performs batched, idempotent upserts into the warehouse.
//
// Every entity has a declared conflict key that must exactly match the
// warehouse uniqueness constraint; a mismatch here is the classic cause of
// silent data loss, so batches are validated against the entity's key
// columns before dispatch and a unique-constraint violation escaping
// ON CONFLICT is treated
// as a fatal configuration bug. Because academic_year is part of every
// student/score/response key, a prior-year row can never be overwritten by a
// later year's data.
package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/vespa-academy/datasync/internal/model"
)

// ErrConflictKeyMismatch means the warehouse rejected a row on a uniqueness
// constraint the declared conflict key should have absorbed. The sync must
// halt: continuing would mask the misconfiguration.
var ErrConflictKeyMismatch = errors.New("loader: unique violation outside declared conflict key")

const maxBatchRetries = 3

// Spec declares how one entity maps onto its warehouse table.
type Spec struct {
	Table        string
	Columns      []string
	ConflictCols []string
	UpdateCols   []string
	// Returning is the id column handed back for linker updates.
	Returning string
}

// Specs must match the schema constraints in internal/db exactly.
var Specs = map[model.Entity]Spec{
	model.EntityEstablishment: {
		Table:        "establishments",
		Columns:      []string{"external_id", "name", "trust", "is_australian", "use_standard_year"},
		ConflictCols: []string{"external_id"},
		UpdateCols:   []string{"name", "trust", "is_australian", "use_standard_year"},
		Returning:    "id",
	},
	model.EntityStudent: {
		Table:        "students",
		Columns:      []string{"external_id", "email", "name", "establishment_id", "year_group", "course", "faculty", "group_name", "academic_year"},
		ConflictCols: []string{"email", "academic_year"},
		UpdateCols:   []string{"external_id", "name", "establishment_id", "year_group", "course", "faculty", "group_name"},
		Returning:    "id",
	},
	model.EntityVespaScore: {
		Table:        "vespa_scores",
		Columns:      []string{"student_id", "cycle", "vision", "effort", "systems", "practice", "attitude", "overall", "completed_at", "academic_year"},
		ConflictCols: []string{"student_id", "cycle", "academic_year"},
		UpdateCols:   []string{"vision", "effort", "systems", "practice", "attitude", "overall", "completed_at"},
		Returning:    "id",
	},
	model.EntityResponse: {
		Table:        "question_responses",
		Columns:      []string{"student_id", "question_id", "cycle", "value", "academic_year"},
		ConflictCols: []string{"student_id", "cycle", "academic_year", "question_id"},
		UpdateCols:   []string{"value"},
		Returning:    "id",
	},
}

// Row is one prepared warehouse row. Ref carries a source-side identifier
// for diagnostics (external id or email).
type Row struct {
	Ref    string
	Values map[string]any
}

// RowError records one skipped row.
type RowError struct {
	Ref string
	Err string
}

// Result summarizes one UpsertBatch call.
type Result struct {
	Inserted int
	Updated  int
	// Matched rows existed already with identical values; re-running a sync
	// with an unchanged source reports everything here.
	Matched int
	Skipped int
	// SourceDuplicates counts rows dropped by within-batch dedup (last
	// occurrence wins), reported so upstream duplication gets investigated.
	SourceDuplicates int
	Errors           []RowError
	// IDs maps Ref to the warehouse id, for linker cache updates.
	IDs map[string]int64
}

func (r *Result) merge(o Result) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Matched += o.Matched
	r.Skipped += o.Skipped
	r.SourceDuplicates += o.SourceDuplicates
	r.Errors = append(r.Errors, o.Errors...)
	for k, v := range o.IDs {
		r.IDs[k] = v
	}
}

type Loader struct {
	db          *sql.DB
	log         *slog.Logger
	batchSizes  map[string]int
	concurrency int
	loadTimeout time.Duration
}

// Options tunes batch dispatch.
type Options struct {
	// Max rows per dispatched sub-batch, per entity.
	BatchSizes map[string]int
	// Concurrent sub-batch transactions (min 1).
	Concurrency int
	// Wall-clock bound per sub-batch transaction, retries included.
	// Zero means no bound.
	LoadTimeout time.Duration
}

func New(db *sql.DB, opts Options, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Loader{
		db:          db,
		log:         log,
		batchSizes:  opts.BatchSizes,
		concurrency: opts.Concurrency,
		loadTimeout: opts.LoadTimeout,
	}
}

// UpsertBatch validates, dedupes and upserts rows for one entity. Per-row
// data errors are collected in the result; the returned error is non-nil
// only for fatal conditions (conflict-key misconfiguration, exhausted
// warehouse retries, cancellation).
func (l *Loader) UpsertBatch(ctx context.Context, entity model.Entity, rows []Row) (Result, error) {
	spec, ok := Specs[entity]
	if !ok {
		return Result{}, fmt.Errorf("loader: unknown entity %q", entity)
	}

	res := Result{IDs: map[string]int64{}}

	valid := make([]Row, 0, len(rows))
	for _, r := range rows {
		if err := validateShape(spec, r); err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, RowError{Ref: r.Ref, Err: err.Error()})
			continue
		}
		valid = append(valid, r)
	}

	deduped, dups := dedupe(spec, valid)
	res.SourceDuplicates = dups

	size := l.batchSizes[string(entity)]
	if size <= 0 {
		size = 200
	}
	// Sub-batches cover disjoint conflict keys after dedup, so they can run
	// as concurrent transactions.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	var mu sync.Mutex
	for start := 0; start < len(deduped); start += size {
		end := start + size
		if end > len(deduped) {
			end = len(deduped)
		}
		chunk := deduped[start:end]
		g.Go(func() error {
			sub, err := l.applyWithSplit(gctx, spec, chunk)
			mu.Lock()
			res.merge(sub)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

// applyWithSplit tries the rows as one transaction; on failure it halves the
// batch and recurses, so one poisoned row costs one skip, not the batch.
func (l *Loader) applyWithSplit(ctx context.Context, spec Spec, rows []Row) (Result, error) {
	res, err := l.applyTx(ctx, spec, rows)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, ErrConflictKeyMismatch) || ctx.Err() != nil {
		return Result{IDs: map[string]int64{}}, err
	}
	if len(rows) == 1 {
		l.log.Warn("row rejected by warehouse", "table", spec.Table, "ref", rows[0].Ref, "err", err)
		return Result{
			Skipped: 1,
			Errors:  []RowError{{Ref: rows[0].Ref, Err: err.Error()}},
			IDs:     map[string]int64{},
		}, nil
	}
	mid := len(rows) / 2
	left, err := l.applyWithSplit(ctx, spec, rows[:mid])
	if err != nil {
		return left, err
	}
	right, err := l.applyWithSplit(ctx, spec, rows[mid:])
	if err != nil {
		return left, err
	}
	left.merge(right)
	return left, nil
}

// applyTx upserts one sub-batch inside a transaction, retrying transient
// warehouse errors with backoff.
func (l *Loader) applyTx(ctx context.Context, spec Spec, rows []Row) (Result, error) {
	if l.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.loadTimeout)
		defer cancel()
	}
	var out Result

	op := func() error {
		out = Result{IDs: map[string]int64{}}
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, r := range rows {
			outcome, id, err := upsertRow(ctx, tx, spec, r)
			if err != nil {
				if isUniqueViolation(err) {
					return backoff.Permanent(fmt.Errorf("%w: table %s ref %s: %v", ErrConflictKeyMismatch, spec.Table, r.Ref, err))
				}
				return err
			}
			switch outcome {
			case rowInserted:
				out.Inserted++
			case rowUpdated:
				out.Updated++
			case rowMatched:
				out.Matched++
			}
			if r.Ref != "" && id != 0 {
				out.IDs[r.Ref] = id
			}
		}
		return tx.Commit()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxBatchRetries), ctx))
	return out, err
}

type rowOutcome int

const (
	rowInserted rowOutcome = iota
	rowUpdated
	rowMatched
)

// upsertRow reads the current row by conflict key to classify the write,
// then applies an ON CONFLICT upsert so the write itself is race-free
// regardless of the classification read.
func upsertRow(ctx context.Context, tx *sql.Tx, spec Spec, r Row) (rowOutcome, int64, error) {
	outcome := rowInserted
	existingID, same, found, err := selectExisting(ctx, tx, spec, r)
	if err != nil {
		return 0, 0, err
	}
	if found {
		if same {
			// Nothing to write; identical row already present.
			return rowMatched, existingID, nil
		}
		outcome = rowUpdated
	}

	cols := strings.Join(spec.Columns, ",")
	ph := make([]string, len(spec.Columns))
	args := make([]any, len(spec.Columns))
	for i, c := range spec.Columns {
		ph[i] = fmt.Sprintf("$%d", i+1)
		args[i] = r.Values[c]
	}
	sets := make([]string, len(spec.UpdateCols))
	for i, c := range spec.UpdateCols {
		sets[i] = fmt.Sprintf("%s=EXCLUDED.%s", c, c)
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT (%s) DO UPDATE SET %s RETURNING %s`,
		spec.Table, cols, strings.Join(ph, ","),
		strings.Join(spec.ConflictCols, ","), strings.Join(sets, ","), spec.Returning)

	var id int64
	if err := tx.QueryRowContext(ctx, q, args...).Scan(&id); err != nil {
		return 0, 0, err
	}
	return outcome, id, nil
}

func selectExisting(ctx context.Context, tx *sql.Tx, spec Spec, r Row) (id int64, same, found bool, err error) {
	where := make([]string, len(spec.ConflictCols))
	args := make([]any, len(spec.ConflictCols))
	for i, c := range spec.ConflictCols {
		where[i] = fmt.Sprintf("%s=$%d", c, i+1)
		args[i] = r.Values[c]
	}
	q := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s",
		spec.Returning, strings.Join(spec.UpdateCols, ","), spec.Table, strings.Join(where, " AND "))

	dest := make([]any, len(spec.UpdateCols)+1)
	dest[0] = &id
	vals := make([]any, len(spec.UpdateCols))
	for i := range vals {
		dest[i+1] = &vals[i]
	}
	if err := tx.QueryRowContext(ctx, q, args...).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, false, nil
		}
		return 0, false, false, err
	}
	same = true
	for i, c := range spec.UpdateCols {
		if canon(vals[i]) != canon(r.Values[c]) {
			same = false
			break
		}
	}
	return id, same, true, nil
}

func validateShape(spec Spec, r Row) error {
	for _, c := range spec.ConflictCols {
		v, ok := r.Values[c]
		if !ok || v == nil || canon(v) == "" {
			return fmt.Errorf("missing conflict key column %s", c)
		}
	}
	for _, c := range spec.Columns {
		if _, ok := r.Values[c]; !ok {
			return fmt.Errorf("missing column %s", c)
		}
	}
	return nil
}

// dedupe keeps the last occurrence per conflict key, so a source pull that
// repeats a record cannot make the warehouse reject the batch.
func dedupe(spec Spec, rows []Row) ([]Row, int) {
	seen := map[string]int{} // conflict key -> index in out
	out := make([]Row, 0, len(rows))
	dups := 0
	for _, r := range rows {
		k := conflictKeyOf(spec, r)
		if i, ok := seen[k]; ok {
			out[i] = r
			dups++
			continue
		}
		seen[k] = len(out)
		out = append(out, r)
	}
	return out, dups
}

func conflictKeyOf(spec Spec, r Row) string {
	parts := make([]string, len(spec.ConflictCols))
	for i, c := range spec.ConflictCols {
		parts[i] = canon(r.Values[c])
	}
	return strings.Join(parts, "\x1f")
}

// canon renders a value in a driver-independent form so scanned and provided
// values compare equal (sqlite hands back int64 for bools, etc).
func canon(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return "1"
		}
		return "0"
	case []byte:
		return string(t)
	case float64:
		return fmt.Sprintf("%g", t)
	case float32:
		return fmt.Sprintf("%g", float64(t))
	default:
		return fmt.Sprintf("%v", t)
	}
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}
