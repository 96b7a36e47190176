// Package stats rebuilds every derived statistics table from the raw score
// and response rows. Statistics are pure derivations: each recompute
// truncates the rows in scope and re-inserts inside one transaction, so a
// failure leaves the previous (stale but consistent) snapshot in place.
package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/vespa-academy/datasync/internal/model"
)

// Scope bounds a recompute: everything, one establishment, or one year.
type Scope struct {
	Kind            string // "all" | "establishment" | "year"
	EstablishmentID int64
	AcademicYear    string
}

func ScopeAll() Scope                      { return Scope{Kind: "all"} }
func ScopeEstablishment(id int64) Scope    { return Scope{Kind: "establishment", EstablishmentID: id} }
func ScopeYear(academicYear string) Scope  { return Scope{Kind: "year", AcademicYear: academicYear} }

// Counts summarizes a recompute.
type Counts struct {
	SchoolRows           int
	QuestionRows         int
	NationalRows         int
	NationalQuestionRows int
	// PairingMismatches counts responses whose (student, cycle, year) has no
	// matching score. Zero after a clean sync.
	PairingMismatches int
}

// NationalWriter receives the per-cycle national element means for one
// academic year. The CRM adapter is the only implementation; this is the
// pipeline's single write-back to the source.
type NationalWriter interface {
	WriteNationalAverages(ctx context.Context, academicYear string, means map[int][]float64) error
}

type Aggregator struct {
	db        *sql.DB
	log       *slog.Logger
	writeback NationalWriter // nil disables the write-back
}

func New(db *sql.DB, writeback NationalWriter, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{db: db, log: log, writeback: writeback}
}

type scoreGroupKey struct {
	estID int64
	cycle int
	year  string
}

type respGroupKey struct {
	estID    int64
	question string
	cycle    int
	year     string
}

// Recompute rebuilds the statistics tables within scope. National rows and
// the source write-back are refreshed for "all" and "year" scopes; an
// establishment-scoped recompute touches only that school's rows.
func (a *Aggregator) Recompute(ctx context.Context, scope Scope) (Counts, error) {
	scores, err := a.loadScores(ctx, scope)
	if err != nil {
		return Counts{}, err
	}
	responses, err := a.loadResponses(ctx, scope)
	if err != nil {
		return Counts{}, err
	}

	var counts Counts
	counts.PairingMismatches, err = a.countPairingMismatches(ctx, scope)
	if err != nil {
		return Counts{}, err
	}
	if counts.PairingMismatches > 0 {
		a.log.Warn("responses without a paired score present in warehouse",
			"mismatches", counts.PairingMismatches)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return Counts{}, err
	}
	defer tx.Rollback()

	if err := truncateScope(ctx, tx, scope); err != nil {
		return Counts{}, err
	}

	// Per-school element statistics.
	for key, byElement := range scores {
		for el, vals := range byElement {
			row, err := buildSchoolStat(key, el, vals)
			if err != nil {
				return Counts{}, err
			}
			if err := insertSchoolStat(ctx, tx, "school_statistics", row); err != nil {
				return Counts{}, err
			}
			counts.SchoolRows++
		}
	}

	// Per-school question statistics.
	for key, vals := range responses {
		row, err := buildQuestionStat(key, vals)
		if err != nil {
			return Counts{}, err
		}
		if err := insertQuestionStat(ctx, tx, "question_statistics", row); err != nil {
			return Counts{}, err
		}
		counts.QuestionRows++
	}

	var nationalMeans map[string]map[int][]float64
	if scope.Kind != "establishment" {
		// National statistics aggregate the raw per-row population across
		// establishments, never the per-school means.
		natScores := map[scoreGroupKey]map[string][]float64{}
		for key, byElement := range scores {
			nk := scoreGroupKey{cycle: key.cycle, year: key.year}
			if natScores[nk] == nil {
				natScores[nk] = map[string][]float64{}
			}
			for el, vals := range byElement {
				natScores[nk][el] = append(natScores[nk][el], vals...)
			}
		}
		nationalMeans = map[string]map[int][]float64{}
		for key, byElement := range natScores {
			for el, vals := range byElement {
				row, err := buildSchoolStat(key, el, vals)
				if err != nil {
					return Counts{}, err
				}
				if err := insertSchoolStat(ctx, tx, "national_statistics", row); err != nil {
					return Counts{}, err
				}
				counts.NationalRows++
			}
			if nationalMeans[key.year] == nil {
				nationalMeans[key.year] = map[int][]float64{}
			}
			nationalMeans[key.year][key.cycle] = elementMeans(byElement)
		}

		natResp := map[respGroupKey][]float64{}
		for key, vals := range responses {
			nk := respGroupKey{question: key.question, cycle: key.cycle, year: key.year}
			natResp[nk] = append(natResp[nk], vals...)
		}
		for key, vals := range natResp {
			row, err := buildQuestionStat(key, vals)
			if err != nil {
				return Counts{}, err
			}
			if err := insertQuestionStat(ctx, tx, "national_question_statistics", row); err != nil {
				return Counts{}, err
			}
			counts.NationalQuestionRows++
		}
	}

	if err := tx.Commit(); err != nil {
		return Counts{}, err
	}

	if a.writeback != nil && nationalMeans != nil {
		for year, means := range nationalMeans {
			if err := a.writeback.WriteNationalAverages(ctx, year, means); err != nil {
				return counts, fmt.Errorf("national averages write-back for %s: %w", year, err)
			}
		}
	}
	return counts, nil
}

type schoolStatRow struct {
	estID        int64
	cycle        int
	year         string
	element      string
	mean, sd     float64
	count        int
	p25, p50, p75 float64
	dist         []int
}

// buildSchoolStat computes one aggregate row and verifies its invariants:
// count > 0, distribution sums to count, year taken from the grouped rows.
func buildSchoolStat(key scoreGroupKey, element string, vals []float64) (schoolStatRow, error) {
	if len(vals) == 0 {
		return schoolStatRow{}, fmt.Errorf("stats: empty group %s c%d %s", element, key.cycle, key.year)
	}
	s := sorted(vals)
	m := mean(s)
	dist := histogram(s, 10)
	total := 0
	for _, n := range dist {
		total += n
	}
	if total != len(s) {
		return schoolStatRow{}, fmt.Errorf("stats: distribution sum %d != count %d for %s c%d %s", total, len(s), element, key.cycle, key.year)
	}
	return schoolStatRow{
		estID:   key.estID,
		cycle:   key.cycle,
		year:    key.year,
		element: element,
		mean:    m,
		sd:      stdDev(s, m),
		count:   len(s),
		p25:     percentile(s, 25),
		p50:     percentile(s, 50),
		p75:     percentile(s, 75),
		dist:    dist,
	}, nil
}

type questionStatRow struct {
	estID    int64
	question string
	cycle    int
	year     string
	mean, sd float64
	count    int
	mode     int
	dist     []int
}

func buildQuestionStat(key respGroupKey, vals []float64) (questionStatRow, error) {
	if len(vals) == 0 {
		return questionStatRow{}, fmt.Errorf("stats: empty response group %s c%d %s", key.question, key.cycle, key.year)
	}
	s := sorted(vals)
	m := mean(s)
	dist := histogram(s, 5)
	total := 0
	for _, n := range dist {
		total += n
	}
	if total != len(s) {
		return questionStatRow{}, fmt.Errorf("stats: distribution sum %d != count %d for %s", total, len(s), key.question)
	}
	return questionStatRow{
		estID:    key.estID,
		question: key.question,
		cycle:    key.cycle,
		year:     key.year,
		mean:     m,
		sd:       stdDev(s, m),
		count:    len(s),
		mode:     modeOf(s),
		dist:     dist,
	}, nil
}

// elementMeans returns the six element means in model.Elements order.
func elementMeans(byElement map[string][]float64) []float64 {
	out := make([]float64, len(model.Elements))
	for i, el := range model.Elements {
		if vals := byElement[el]; len(vals) > 0 {
			out[i] = mean(vals)
		}
	}
	return out
}

func insertSchoolStat(ctx context.Context, tx *sql.Tx, table string, r schoolStatRow) error {
	dj, err := json.Marshal(r.dist)
	if err != nil {
		return err
	}
	if table == "national_statistics" {
		_, err = tx.ExecContext(ctx, `INSERT INTO national_statistics
			(cycle, academic_year, element, mean, std_dev, count, p25, p50, p75, distribution_json)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			r.cycle, r.year, r.element, r.mean, r.sd, r.count, r.p25, r.p50, r.p75, string(dj))
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO school_statistics
		(establishment_id, cycle, academic_year, element, mean, std_dev, count, p25, p50, p75, distribution_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.estID, r.cycle, r.year, r.element, r.mean, r.sd, r.count, r.p25, r.p50, r.p75, string(dj))
	return err
}

func insertQuestionStat(ctx context.Context, tx *sql.Tx, table string, r questionStatRow) error {
	dj, err := json.Marshal(r.dist)
	if err != nil {
		return err
	}
	if table == "national_question_statistics" {
		_, err = tx.ExecContext(ctx, `INSERT INTO national_question_statistics
			(question_id, cycle, academic_year, mean, std_dev, count, mode, distribution_json)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			r.question, r.cycle, r.year, r.mean, r.sd, r.count, r.mode, string(dj))
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO question_statistics
		(establishment_id, question_id, cycle, academic_year, mean, std_dev, count, mode, distribution_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.estID, r.question, r.cycle, r.year, r.mean, r.sd, r.count, r.mode, string(dj))
	return err
}

func truncateScope(ctx context.Context, tx *sql.Tx, scope Scope) error {
	type stmt struct {
		q    string
		args []any
	}
	var stmts []stmt
	switch scope.Kind {
	case "all":
		stmts = []stmt{
			{q: `DELETE FROM school_statistics`},
			{q: `DELETE FROM question_statistics`},
			{q: `DELETE FROM national_statistics`},
			{q: `DELETE FROM national_question_statistics`},
		}
	case "establishment":
		stmts = []stmt{
			{q: `DELETE FROM school_statistics WHERE establishment_id=$1`, args: []any{scope.EstablishmentID}},
			{q: `DELETE FROM question_statistics WHERE establishment_id=$1`, args: []any{scope.EstablishmentID}},
		}
	case "year":
		stmts = []stmt{
			{q: `DELETE FROM school_statistics WHERE academic_year=$1`, args: []any{scope.AcademicYear}},
			{q: `DELETE FROM question_statistics WHERE academic_year=$1`, args: []any{scope.AcademicYear}},
			{q: `DELETE FROM national_statistics WHERE academic_year=$1`, args: []any{scope.AcademicYear}},
			{q: `DELETE FROM national_question_statistics WHERE academic_year=$1`, args: []any{scope.AcademicYear}},
		}
	default:
		return fmt.Errorf("stats: unknown scope %q", scope.Kind)
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.q, s.args...); err != nil {
			return err
		}
	}
	return nil
}

// loadScores groups raw score rows by (establishment, cycle, year) and
// element. The year is read from each row, never derived from the clock.
func (a *Aggregator) loadScores(ctx context.Context, scope Scope) (map[scoreGroupKey]map[string][]float64, error) {
	q := `SELECT s.establishment_id, v.cycle, v.academic_year,
	             v.vision, v.effort, v.systems, v.practice, v.attitude, v.overall
	      FROM vespa_scores v JOIN students s ON s.id = v.student_id`
	var args []any
	switch scope.Kind {
	case "establishment":
		q += ` WHERE s.establishment_id=$1`
		args = append(args, scope.EstablishmentID)
	case "year":
		q += ` WHERE v.academic_year=$1`
		args = append(args, scope.AcademicYear)
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[scoreGroupKey]map[string][]float64{}
	for rows.Next() {
		var key scoreGroupKey
		var v, e, s2, p, at int
		var overall float64
		if err := rows.Scan(&key.estID, &key.cycle, &key.year, &v, &e, &s2, &p, &at, &overall); err != nil {
			return nil, err
		}
		if out[key] == nil {
			out[key] = map[string][]float64{}
		}
		for _, ev := range []struct {
			el  string
			val float64
		}{
			{"vision", float64(v)}, {"effort", float64(e)}, {"systems", float64(s2)},
			{"practice", float64(p)}, {"attitude", float64(at)}, {"overall", overall},
		} {
			out[key][ev.el] = append(out[key][ev.el], ev.val)
		}
	}
	return out, rows.Err()
}

func (a *Aggregator) loadResponses(ctx context.Context, scope Scope) (map[respGroupKey][]float64, error) {
	q := `SELECT s.establishment_id, r.question_id, r.cycle, r.academic_year, r.value
	      FROM question_responses r JOIN students s ON s.id = r.student_id`
	var args []any
	switch scope.Kind {
	case "establishment":
		q += ` WHERE s.establishment_id=$1`
		args = append(args, scope.EstablishmentID)
	case "year":
		q += ` WHERE r.academic_year=$1`
		args = append(args, scope.AcademicYear)
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[respGroupKey][]float64{}
	for rows.Next() {
		var key respGroupKey
		var val int
		if err := rows.Scan(&key.estID, &key.question, &key.cycle, &key.year, &val); err != nil {
			return nil, err
		}
		out[key] = append(out[key], float64(val))
	}
	return out, rows.Err()
}

func (a *Aggregator) countPairingMismatches(ctx context.Context, scope Scope) (int, error) {
	q := `SELECT COUNT(*)
	      FROM question_responses r
	      LEFT JOIN vespa_scores v
	        ON v.student_id = r.student_id AND v.cycle = r.cycle AND v.academic_year = r.academic_year
	      WHERE v.id IS NULL`
	var args []any
	switch scope.Kind {
	case "establishment":
		q += ` AND r.student_id IN (SELECT id FROM students WHERE establishment_id=$1)`
		args = append(args, scope.EstablishmentID)
	case "year":
		q += ` AND r.academic_year=$1`
		args = append(args, scope.AcademicYear)
	}
	var n int
	err := a.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}
