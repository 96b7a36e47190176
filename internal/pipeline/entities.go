package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vespa-academy/datasync/internal/academic"
	"github.com/vespa-academy/datasync/internal/crm"
	"github.com/vespa-academy/datasync/internal/linker"
	"github.com/vespa-academy/datasync/internal/loader"
	"github.com/vespa-academy/datasync/internal/metrics"
	"github.com/vespa-academy/datasync/internal/model"
	"github.com/vespa-academy/datasync/internal/questions"
	"github.com/vespa-academy/datasync/internal/syncrun"
)

// refreshScope bounds a single-establishment refresh to that school and its
// current academic year. Prior-year rows are immutable; a refresh must not
// re-touch them even when the source backfills old records.
type refreshScope struct {
	est  model.Establishment
	year string
	from time.Time
	to   time.Time
}

// dateFilters narrows the pull server-side to the scope's year. The bounds
// are padded one day because the CRM's date operators are strict.
func (s *refreshScope) dateFilters(field string) []crm.Filter {
	return []crm.Filter{
		{Field: field, Operator: "is after", Value: s.from.AddDate(0, 0, -1).Format("02/01/2006")},
		{Field: field, Operator: "is before", Value: s.to.AddDate(0, 0, 1).Format("02/01/2006")},
	}
}

// streamOpts builds extractor options, honoring a checkpoint resume point.
func (p *Pipeline) streamOpts(cp *syncrun.Checkpoint, entity string) crm.StreamOpts {
	opts := crm.StreamOpts{PageSize: p.cfg.PageSize, Prefetch: p.cfg.CRMConcurrency}
	if cp != nil {
		opts.StartPage = cp.Pages[entity] + 1
	}
	return opts
}

func (p *Pipeline) checkpoint(cpm *syncrun.CheckpointManager, cp *syncrun.Checkpoint, entity string, page int) {
	if cpm == nil || cp == nil {
		return
	}
	cp.Pages[entity] = page
	if err := cpm.Save(*cp); err != nil {
		p.log.Warn("checkpoint save failed", "entity", entity, "err", err)
	}
}

func entityDone(cp *syncrun.Checkpoint, entity string) bool {
	return cp != nil && cp.Pages[entity] == pageDone
}

func (p *Pipeline) syncEstablishments(ctx context.Context, report *syncrun.Report, cpm *syncrun.CheckpointManager, cp *syncrun.Checkpoint) error {
	const name = "establishments"
	if entityDone(cp, name) {
		return nil
	}
	ec := report.Entity(name)

	stream := p.crm.FetchAll(ctx, crm.ObjectEstablishments, nil, p.streamOpts(cp, name))
	defer stream.Close()
	for {
		batch, ok := stream.Next()
		if !ok {
			break
		}
		ec.Pulled += len(batch.Records)
		metrics.RecordsPulled.WithLabelValues(name).Add(float64(len(batch.Records)))

		rows := make([]loader.Row, 0, len(batch.Records))
		for _, rec := range batch.Records {
			src, err := crm.ParseEstablishment(rec)
			if err != nil {
				ec.Skipped++
				report.RecordError(name, rec.ID(), err.Error())
				continue
			}
			rows = append(rows, loader.EstablishmentRow(model.Establishment{
				ExternalID:      src.ExternalID,
				Name:            src.Name,
				Trust:           src.Trust,
				IsAustralian:    src.IsAustralian,
				UseStandardYear: model.TriFromString(src.UseStandardYear),
			}))
		}

		res, err := p.upsert(ctx, model.EntityEstablishment, name, rows, ec, report)
		if err != nil {
			return err
		}
		for ref, id := range res.IDs {
			p.linker.AddEstablishment(id, ref)
		}
		p.checkpoint(cpm, cp, name, batch.Page)
	}
	if err := stream.Err(); err != nil {
		return err
	}
	p.checkpoint(cpm, cp, name, pageDone)
	return nil
}

func (p *Pipeline) syncStudents(ctx context.Context, report *syncrun.Report, scope *refreshScope, cpm *syncrun.CheckpointManager, cp *syncrun.Checkpoint) error {
	const name = "students"
	if entityDone(cp, name) {
		return nil
	}
	ec := report.Entity(name)

	flags, err := p.establishmentFlags(ctx)
	if err != nil {
		return err
	}

	var stream *crm.Stream
	if scope != nil {
		stream = p.crm.FetchForEstablishment(ctx, crm.ObjectStudents, crm.FieldStuEstablishment, scope.est.ExternalID, nil, p.streamOpts(nil, name))
	} else {
		stream = p.crm.FetchAll(ctx, crm.ObjectStudents, nil, p.streamOpts(cp, name))
	}
	defer stream.Close()

	now := p.now()
	for {
		batch, ok := stream.Next()
		if !ok {
			break
		}
		ec.Pulled += len(batch.Records)
		metrics.RecordsPulled.WithLabelValues(name).Add(float64(len(batch.Records)))

		rows := make([]loader.Row, 0, len(batch.Records))
		for _, rec := range batch.Records {
			src, err := crm.ParseStudent(rec)
			if err != nil {
				ec.Skipped++
				report.Diag("students_missing_email", 1)
				report.RecordError(name, rec.ID(), err.Error())
				continue
			}
			estID, err := p.linker.ResolveEstablishment(src.EstablishmentID)
			if err != nil {
				ec.Skipped++
				report.Diag("students_unknown_establishment", 1)
				report.RecordError(name, src.ExternalID, fmt.Sprintf("unknown establishment %q", src.EstablishmentID))
				continue
			}
			// Roster records describe the live cohort: the year is the
			// establishment's current academic year. Cohorts for prior
			// years come from the score records, not the roster.
			year := academic.YearForDate(now, flags[estID])
			rows = append(rows, loader.StudentRow(model.Student{
				ExternalID:      src.ExternalID,
				Email:           src.Email,
				Name:            src.Name,
				EstablishmentID: estID,
				YearGroup:       src.YearGroup,
				Course:          src.Course,
				Faculty:         src.Faculty,
				Group:           src.Group,
				AcademicYear:    year,
			}))
		}

		res, err := p.upsert(ctx, model.EntityStudent, name, rows, ec, report)
		if err != nil {
			return err
		}
		p.addStudentsToLinker(rows, res)
		p.checkpoint(cpm, cp, name, batch.Page)
	}
	if err := stream.Err(); err != nil {
		return err
	}
	p.checkpoint(cpm, cp, name, pageDone)
	return nil
}

func (p *Pipeline) syncScores(ctx context.Context, report *syncrun.Report, scope *refreshScope, cpm *syncrun.CheckpointManager, cp *syncrun.Checkpoint) error {
	const name = "vespa_scores"
	if entityDone(cp, name) {
		return nil
	}
	ec := report.Entity(name)

	flags, err := p.establishmentFlags(ctx)
	if err != nil {
		return err
	}
	if p.scoreSourceIDs == nil {
		p.scoreSourceIDs = map[string]int64{}
	}

	var stream *crm.Stream
	if scope != nil {
		stream = p.crm.FetchForEstablishment(ctx, crm.ObjectScores, crm.FieldScoreEstablishment, scope.est.ExternalID,
			scope.dateFilters(crm.FieldScoreCompleted), p.streamOpts(nil, name))
	} else {
		stream = p.crm.FetchAll(ctx, crm.ObjectScores, nil, p.streamOpts(cp, name))
	}
	defer stream.Close()

	now := p.now()
	for {
		batch, ok := stream.Next()
		if !ok {
			break
		}
		ec.Pulled += len(batch.Records)
		metrics.RecordsPulled.WithLabelValues(name).Add(float64(len(batch.Records)))

		rows := make([]loader.Row, 0, len(batch.Records))
		for _, rec := range batch.Records {
			src, err := crm.ParseScore(rec)
			if err != nil {
				ec.Skipped++
				report.RecordError(name, rec.ID(), err.Error())
				continue
			}
			if src.Email == "" {
				ec.Skipped++
				report.Diag("scores_missing_email", 1)
				report.RecordError(name, src.ExternalID, "missing email")
				continue
			}
			estID, err := p.linker.ResolveEstablishment(src.EstablishmentID)
			if err != nil {
				ec.Skipped++
				report.Diag("scores_unknown_establishment", 1)
				report.RecordError(name, src.ExternalID, fmt.Sprintf("unknown establishment %q", src.EstablishmentID))
				continue
			}

			year, usedNow, err := academic.ScoreYear(src.CompletedDate, src.CreatedDate, flags[estID], now)
			if err != nil {
				ec.Skipped++
				report.Diag("scores_malformed_date", 1)
				report.RecordError(name, src.ExternalID, err.Error())
				continue
			}
			if usedNow {
				p.log.Warn("score record has no dates, classified by current date",
					"record", src.ExternalID, "year", year)
				report.Diag("scores_dateless", 1)
			}
			// The date filter is server-side advice only: a record that
			// still classifies outside the refresh year stays untouched.
			if scope != nil && year != scope.year {
				ec.Skipped++
				report.Diag("scores_outside_refresh_window", 1)
				report.RecordError(name, src.ExternalID, fmt.Sprintf("year %s outside current year %s", year, scope.year))
				continue
			}

			sid, err := p.ensureStudent(ctx, src.Email, estID, year)
			if err != nil {
				ec.Skipped++
				report.RecordError(name, src.ExternalID, err.Error())
				continue
			}
			p.scoreSourceIDs[src.ExternalID] = sid

			completedAt := int64(0)
			if src.CompletedDate != "" {
				if t, perr := academic.ParseDate(src.CompletedDate); perr == nil {
					completedAt = t.Unix()
				}
			}

			for _, cs := range src.Cycles {
				score := model.VespaScore{
					StudentID:    sid,
					Cycle:        cs.Cycle,
					Vision:       cs.Vision,
					Effort:       cs.Effort,
					Systems:      cs.Systems,
					Practice:     cs.Practice,
					Attitude:     cs.Attitude,
					Overall:      cs.Overall,
					CompletedAt:  completedAt,
					AcademicYear: year,
				}
				if err := model.ValidateScore(score); err != nil {
					ec.Skipped++
					report.Diag("scores_out_of_range", 1)
					report.RecordError(name, src.ExternalID, err.Error())
					continue
				}
				rows = append(rows, loader.ScoreRow(score))
			}
		}

		if _, err := p.upsert(ctx, model.EntityVespaScore, name, rows, ec, report); err != nil {
			return err
		}
		p.checkpoint(cpm, cp, name, batch.Page)
	}
	if err := stream.Err(); err != nil {
		return err
	}
	p.checkpoint(cpm, cp, name, pageDone)
	return nil
}

func (p *Pipeline) syncResponses(ctx context.Context, report *syncrun.Report, scope *refreshScope, idx *scoreIndex, cpm *syncrun.CheckpointManager, cp *syncrun.Checkpoint) error {
	const name = "question_responses"
	if entityDone(cp, name) {
		return nil
	}
	ec := report.Entity(name)

	fieldByQuestion := map[string]map[string]string{} // cycle is picked per record
	for cycle := 1; cycle <= 3; cycle++ {
		m := map[string]string{}
		for _, q := range questions.Catalog {
			m[q.ID] = questions.FieldForCycle(q, cycle)
		}
		fieldByQuestion[fmt.Sprint(cycle)] = m
	}

	var stream *crm.Stream
	if scope != nil {
		stream = p.crm.FetchForEstablishment(ctx, crm.ObjectResponses, crm.FieldRespEstablishment, scope.est.ExternalID,
			scope.dateFilters(crm.FieldRespCompleted), p.streamOpts(nil, name))
	} else {
		stream = p.crm.FetchAll(ctx, crm.ObjectResponses, nil, p.streamOpts(cp, name))
	}
	defer stream.Close()

	for {
		batch, ok := stream.Next()
		if !ok {
			break
		}
		ec.Pulled += len(batch.Records)
		metrics.RecordsPulled.WithLabelValues(name).Add(float64(len(batch.Records)))

		rows := make([]loader.Row, 0, len(batch.Records))
		for _, rec := range batch.Records {
			// Parse with a neutral field table first to read the cycle,
			// then re-read values with the cycle's own fields.
			probe, err := crm.ParseResponse(rec, nil)
			if err != nil {
				ec.Skipped++
				report.RecordError(name, rec.ID(), err.Error())
				continue
			}
			if probe.Cycle < 1 || probe.Cycle > 3 {
				ec.Skipped++
				report.RecordError(name, probe.ExternalID, fmt.Sprintf("cycle %d out of range", probe.Cycle))
				continue
			}
			src, err := crm.ParseResponse(rec, fieldByQuestion[fmt.Sprint(probe.Cycle)])
			if err != nil {
				ec.Skipped++
				report.RecordError(name, rec.ID(), err.Error())
				continue
			}

			sid, year, rerr := p.resolveResponse(src, idx)
			if rerr != nil {
				ec.Skipped++
				report.Diag(rerr.diag, 1)
				report.RecordError(name, src.ExternalID, rerr.msg)
				continue
			}
			if scope != nil && year != scope.year {
				ec.Skipped++
				report.Diag("responses_outside_refresh_window", 1)
				report.RecordError(name, src.ExternalID, fmt.Sprintf("inherited year %s outside current year %s", year, scope.year))
				continue
			}

			for qid, val := range src.Values {
				resp := model.QuestionResponse{
					StudentID:    sid,
					QuestionID:   qid,
					Cycle:        src.Cycle,
					Value:        val,
					AcademicYear: year,
				}
				if err := model.ValidateResponse(resp); err != nil {
					ec.Skipped++
					report.Diag("responses_out_of_range", 1)
					report.RecordError(name, src.ExternalID, err.Error())
					continue
				}
				rows = append(rows, loader.ResponseRow(resp))
			}
		}

		if _, err := p.upsert(ctx, model.EntityResponse, name, rows, ec, report); err != nil {
			return err
		}
		p.checkpoint(cpm, cp, name, batch.Page)
	}
	if err := stream.Err(); err != nil {
		return err
	}
	p.checkpoint(cpm, cp, name, pageDone)
	return nil
}

type resolveError struct {
	diag string
	msg  string
}

func (e *resolveError) Error() string { return e.msg }

// resolveResponse finds the student row and inherited year for a response
// record. Email resolution first; the score connection id is the fallback;
// a record with neither is reported and skipped, never guessed.
func (p *Pipeline) resolveResponse(src crm.SourceResponse, idx *scoreIndex) (int64, string, *resolveError) {
	if src.Email != "" {
		candidates := p.linker.StudentYears(src.Email)
		years := make([]string, 0, len(candidates))
		for y := range candidates {
			years = append(years, y)
		}
		// Latest cohort first: a re-assessed student resolves to the most
		// recent year that actually has a score for this cycle.
		sort.Sort(sort.Reverse(sort.StringSlice(years)))
		for _, y := range years {
			sid := candidates[y]
			if year, ok := idx.years[academic.ScoreKey{StudentID: sid, Cycle: src.Cycle}]; ok {
				return sid, year, nil
			}
		}
	}
	if src.ScoreRecordID != "" {
		if sid, ok := idx.bySource[src.ScoreRecordID]; ok {
			if year, ok := idx.years[academic.ScoreKey{StudentID: sid, Cycle: src.Cycle}]; ok {
				return sid, year, nil
			}
		}
	}
	if src.Email == "" && src.ScoreRecordID == "" {
		return 0, "", &resolveError{diag: "responses_unresolvable", msg: "no email and no score connection"}
	}
	return 0, "", &resolveError{
		diag: "responses_no_matching_score",
		msg:  fmt.Sprintf("no matching vespa score for cycle %d", src.Cycle),
	}
}

// ensureStudent returns the warehouse id for (email, year), creating a
// minimal student row when the score is the first sighting of that cohort
// member.
func (p *Pipeline) ensureStudent(ctx context.Context, email string, estID int64, year string) (int64, error) {
	if sid, err := p.linker.ResolveStudent(email, year); err == nil {
		return sid, nil
	} else if err != linker.ErrNotFound {
		return 0, err
	}
	res, err := p.loader.UpsertBatch(ctx, model.EntityStudent, []loader.Row{
		loader.StudentRow(model.Student{
			Email:           email,
			EstablishmentID: estID,
			AcademicYear:    year,
		}),
	})
	if err != nil {
		return 0, err
	}
	sid, ok := res.IDs[loader.StudentRef(email, year)]
	if !ok {
		if len(res.Errors) > 0 {
			return 0, fmt.Errorf("create student %s: %s", email, res.Errors[0].Err)
		}
		return 0, fmt.Errorf("create student %s: no id returned", email)
	}
	p.linker.AddStudent(sid, email, "", year)
	return sid, nil
}

// upsert dispatches one prepared batch and folds the result into the report
// and metrics.
func (p *Pipeline) upsert(ctx context.Context, entity model.Entity, name string, rows []loader.Row, ec *syncrun.EntityCounts, report *syncrun.Report) (loader.Result, error) {
	if len(rows) == 0 {
		return loader.Result{IDs: map[string]int64{}}, nil
	}
	start := time.Now()
	res, err := p.loader.UpsertBatch(ctx, entity, rows)
	metrics.BatchDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		return res, err
	}
	ec.Inserted += res.Inserted
	ec.Updated += res.Updated
	ec.Matched += res.Matched
	ec.Skipped += res.Skipped
	ec.SourceDuplicates += res.SourceDuplicates
	for _, re := range res.Errors {
		report.RecordError(name, re.Ref, re.Err)
	}
	metrics.RowsUpserted.WithLabelValues(name).Add(float64(res.Inserted + res.Updated))
	metrics.RowsSkipped.WithLabelValues(name).Add(float64(res.Skipped))
	metrics.SourceDuplicates.WithLabelValues(name).Add(float64(res.SourceDuplicates))
	return res, nil
}

func (p *Pipeline) addStudentsToLinker(rows []loader.Row, res loader.Result) {
	for _, r := range rows {
		id, ok := res.IDs[r.Ref]
		if !ok {
			continue
		}
		email, _ := r.Values["email"].(string)
		ext, _ := r.Values["external_id"].(string)
		year, _ := r.Values["academic_year"].(string)
		p.linker.AddStudent(id, email, ext, year)
	}
}

// scoreIndex supports response classification: the (student, cycle) year
// map from the warehouse plus this run's source-record-id mapping.
type scoreIndex struct {
	years    map[academic.ScoreKey]string
	bySource map[string]int64
}

func (p *Pipeline) buildScoreIndex(ctx context.Context) (*scoreIndex, error) {
	idx := &scoreIndex{
		years:    map[academic.ScoreKey]string{},
		bySource: p.scoreSourceIDs,
	}
	if idx.bySource == nil {
		idx.bySource = map[string]int64{}
	}
	rows, err := p.db.QueryContext(ctx, `SELECT student_id, cycle, academic_year FROM vespa_scores`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sid int64
		var cycle int
		var year string
		if err := rows.Scan(&sid, &cycle, &year); err != nil {
			return nil, err
		}
		idx.years[academic.ScoreKey{StudentID: sid, Cycle: cycle}] = year
	}
	return idx, rows.Err()
}

// establishmentFlags loads locale flags for every establishment row.
func (p *Pipeline) establishmentFlags(ctx context.Context) (map[int64]academic.Flags, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, is_australian, use_standard_year FROM establishments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]academic.Flags{}
	for rows.Next() {
		var id int64
		var aus bool
		var usy string
		if err := rows.Scan(&id, &aus, &usy); err != nil {
			return nil, err
		}
		out[id] = academic.Flags{IsAustralian: aus, UseStandardYear: model.TriFromString(usy)}
	}
	return out, rows.Err()
}
