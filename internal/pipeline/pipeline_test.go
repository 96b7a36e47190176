package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespa-academy/datasync/internal/config"
	"github.com/vespa-academy/datasync/internal/crm"
	"github.com/vespa-academy/datasync/internal/db"
	"github.com/vespa-academy/datasync/internal/model"
	"github.com/vespa-academy/datasync/internal/stats"
)

// fakeCRM serves the four source objects plus the national write-back
// endpoint, one page per object.
type fakeCRM struct {
	mu       sync.Mutex
	objects  map[crm.Object][]crm.Record
	created  []map[string]any // object_120 creates
	*httptest.Server
}

func newFakeCRM(t *testing.T) *fakeCRM {
	f := &fakeCRM{objects: map[crm.Object][]crm.Record{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/objects/", func(w http.ResponseWriter, r *http.Request) {
		var obj crm.Object
		for _, o := range []crm.Object{crm.ObjectEstablishments, crm.ObjectStudents, crm.ObjectScores, crm.ObjectResponses, crm.ObjectNational} {
			if r.URL.Path == "/v1/objects/"+string(o)+"/records" {
				obj = o
			}
		}
		if obj == "" {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodPost {
			var fields map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&fields))
			f.mu.Lock()
			f.created = append(f.created, fields)
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
			return
		}
		f.mu.Lock()
		recs := f.objects[obj]
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(crm.Page{
			TotalPages:   1,
			CurrentPage:  1,
			TotalRecords: len(recs),
			Records:      recs,
		})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func cycle1Fields(vision, effort, systems, practice, attitude int, overall float64) crm.Record {
	return crm.Record{
		"field_155": float64(vision), "field_156": float64(effort), "field_157": float64(systems),
		"field_158": float64(practice), "field_159": float64(attitude), "field_160": overall,
	}
}

func merged(base crm.Record, extra crm.Record) crm.Record {
	out := crm.Record{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func seedSource(f *fakeCRM) {
	f.objects[crm.ObjectEstablishments] = []crm.Record{
		{"id": "est-1", "field_44": "North College"},
	}
	f.objects[crm.ObjectStudents] = []crm.Record{
		{"id": "stu-a", "field_90": "Alice", "field_91_raw": map[string]any{"email": "alice@x"},
			"field_179_raw": []any{map[string]any{"id": "est-1"}}},
		{"id": "stu-b", "field_90": "Bob", "field_91_raw": map[string]any{"email": "bob@x"},
			"field_179_raw": []any{map[string]any{"id": "est-1"}}},
	}
	f.objects[crm.ObjectScores] = []crm.Record{
		// Current year (Oct 2024 -> 2024/2025).
		merged(crm.Record{"id": "score-a",
			"field_197_raw": map[string]any{"email": "alice@x"},
			"field_133_raw": []any{map[string]any{"id": "est-1"}},
			"field_855":     "2024-10-03",
		}, cycle1Fields(7, 6, 5, 8, 9, 7.0)),
		merged(crm.Record{"id": "score-b",
			"field_197_raw": map[string]any{"email": "bob@x"},
			"field_133_raw": []any{map[string]any{"id": "est-1"}},
			"field_855":     "2024-10-04",
		}, cycle1Fields(5, 5, 5, 5, 5, 5.0)),
		// Prior year (Mar 2024 -> 2023/2024): student absent from the
		// roster, must be created for that cohort.
		merged(crm.Record{"id": "score-c",
			"field_197_raw": map[string]any{"email": "charlie@x"},
			"field_133_raw": []any{map[string]any{"id": "est-1"}},
			"field_855":     "2024-03-01",
		}, cycle1Fields(3, 4, 5, 6, 7, 5.0)),
		// Unknown establishment: skipped and reported.
		merged(crm.Record{"id": "score-x",
			"field_197_raw": map[string]any{"email": "eve@x"},
			"field_133_raw": []any{map[string]any{"id": "est-zzz"}},
			"field_855":     "2024-10-05",
		}, cycle1Fields(5, 5, 5, 5, 5, 5.0)),
	}
	f.objects[crm.ObjectResponses] = []crm.Record{
		{"id": "resp-a", "field_2732_raw": map[string]any{"email": "alice@x"},
			"field_863": "1", "field_794": "4"},
		{"id": "resp-c", "field_2732_raw": map[string]any{"email": "charlie@x"},
			"field_863": "1", "field_794": "2"},
		// No matching score for this student: skipped and reported.
		{"id": "resp-d", "field_2732_raw": map[string]any{"email": "dora@x"},
			"field_863": "1", "field_794": "3"},
	}
}

func newTestPipeline(t *testing.T, f *fakeCRM) (*Pipeline, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	dbh, err := db.Open(ctx, db.DriverSQLite, "file:"+filepath.Join(dir, "warehouse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbh.Close() })

	cfg := config.Config{
		PageSize:       100,
		CRMConcurrency: 2,
		ReportDir:      filepath.Join(dir, "reports"),
		CheckpointPath: filepath.Join(dir, "reports", "checkpoint.json"),
	}
	client := crm.New(crm.Config{BaseURL: f.URL, AppID: "a", APIKey: "k", RateLimit: 1000})
	agg := stats.New(dbh, client, nil)

	p := New(cfg, dbh, client, agg, nil)
	p.now = func() time.Time { return time.Date(2024, 11, 15, 10, 0, 0, 0, time.UTC) }
	return p, dbh
}

func TestRunFullEndToEnd(t *testing.T) {
	f := newFakeCRM(t)
	seedSource(f)
	p, dbh := newTestPipeline(t, f)

	out, err := p.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, out.Status)

	// Roster students classified to the current year; charlie created for
	// the prior cohort from his score.
	var year string
	require.NoError(t, dbh.QueryRow(`SELECT academic_year FROM students WHERE email='alice@x'`).Scan(&year))
	assert.Equal(t, "2024/2025", year)
	require.NoError(t, dbh.QueryRow(`SELECT academic_year FROM students WHERE email='charlie@x'`).Scan(&year))
	assert.Equal(t, "2023/2024", year)

	var n int
	require.NoError(t, dbh.QueryRow(`SELECT COUNT(*) FROM vespa_scores`).Scan(&n))
	assert.Equal(t, 3, n, "score for unknown establishment is skipped")

	// Responses inherit the year from their cycle's score.
	require.NoError(t, dbh.QueryRow(`SELECT COUNT(*) FROM question_responses`).Scan(&n))
	assert.Equal(t, 2, n)
	require.NoError(t, dbh.QueryRow(
		`SELECT r.academic_year FROM question_responses r
		 JOIN students s ON s.id=r.student_id WHERE s.email='charlie@x'`).Scan(&year))
	assert.Equal(t, "2023/2024", year)

	assert.Equal(t, 1, out.Report.Diagnostics["scores_unknown_establishment"])
	assert.Equal(t, 1, out.Report.Diagnostics["responses_no_matching_score"])

	// Statistics rebuilt and national means written back per year.
	require.NoError(t, dbh.QueryRow(`SELECT COUNT(*) FROM school_statistics`).Scan(&n))
	assert.NotZero(t, n)
	f.mu.Lock()
	created := len(f.created)
	f.mu.Unlock()
	assert.Equal(t, 2, created, "one national record per academic year")

	// Report file exists.
	files, err := filepath.Glob(filepath.Join(p.cfg.ReportDir, "sync_report_*"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRunFullIsIdempotent(t *testing.T) {
	f := newFakeCRM(t)
	seedSource(f)
	p, _ := newTestPipeline(t, f)

	_, err := p.RunFull(context.Background())
	require.NoError(t, err)

	out, err := p.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, out.Status)

	for _, entity := range []string{"establishments", "students", "vespa_scores", "question_responses"} {
		ec := out.Report.Entities[entity]
		require.NotNil(t, ec, entity)
		assert.Zero(t, ec.Inserted, "%s: rerun must not insert", entity)
		assert.Zero(t, ec.Updated, "%s: rerun must not update", entity)
	}
}

func TestRunFullDeleteAndReupload(t *testing.T) {
	f := newFakeCRM(t)
	seedSource(f)
	p, dbh := newTestPipeline(t, f)

	_, err := p.RunFull(context.Background())
	require.NoError(t, err)

	var before int
	require.NoError(t, dbh.QueryRow(`SELECT COUNT(*) FROM students`).Scan(&before))

	// Source re-created alice under a fresh record id, scores re-uploaded.
	f.mu.Lock()
	f.objects[crm.ObjectStudents][0]["id"] = "stu-a-reborn"
	f.objects[crm.ObjectScores][0]["id"] = "score-a-reborn"
	f.mu.Unlock()

	out, err := p.RunFull(context.Background())
	require.NoError(t, err)

	var after int
	require.NoError(t, dbh.QueryRow(`SELECT COUNT(*) FROM students`).Scan(&after))
	assert.Equal(t, before, after, "email+year identity survives a source re-upload")
	assert.Zero(t, out.Report.Entities["vespa_scores"].Inserted)
}

func TestSyncOneScopedToEstablishment(t *testing.T) {
	f := newFakeCRM(t)
	seedSource(f)
	p, dbh := newTestPipeline(t, f)

	// The warehouse must already know the establishment.
	_, err := p.RunFull(context.Background())
	require.NoError(t, err)

	// New student appears at the source; a refresh picks it up without
	// touching statistics.
	var statsBefore int
	require.NoError(t, dbh.QueryRow(`SELECT COUNT(*) FROM school_statistics`).Scan(&statsBefore))

	f.mu.Lock()
	f.objects[crm.ObjectStudents] = append(f.objects[crm.ObjectStudents], crm.Record{
		"id": "stu-n", "field_90": "Nina", "field_91_raw": map[string]any{"email": "nina@x"},
		"field_179_raw": []any{map[string]any{"id": "est-1"}},
	})
	f.mu.Unlock()

	out, err := p.SyncOne(context.Background(), "est-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, out.Status)
	assert.Equal(t, 1, out.Report.Entities["students"].Inserted)

	var n int
	require.NoError(t, dbh.QueryRow(`SELECT COUNT(*) FROM students WHERE email='nina@x'`).Scan(&n))
	assert.Equal(t, 1, n)

	var statsAfter int
	require.NoError(t, dbh.QueryRow(`SELECT COUNT(*) FROM school_statistics`).Scan(&statsAfter))
	assert.Equal(t, statsBefore, statsAfter, "refresh does not recompute statistics")
}

func TestSyncOneUnknownEstablishment(t *testing.T) {
	f := newFakeCRM(t)
	seedSource(f)
	p, _ := newTestPipeline(t, f)

	_, err := p.SyncOne(context.Background(), "est-404")
	assert.ErrorIs(t, err, ErrEstablishmentNotFound)
}

func TestCalendarYearLocale(t *testing.T) {
	f := newFakeCRM(t)
	f.objects[crm.ObjectEstablishments] = []crm.Record{
		{"id": "est-au", "field_44": "Melbourne High", "field_3573": "Yes", "field_3648": "No"},
	}
	f.objects[crm.ObjectStudents] = []crm.Record{
		{"id": "stu-m", "field_90": "Mia", "field_91_raw": map[string]any{"email": "mia@x"},
			"field_179_raw": []any{map[string]any{"id": "est-au"}}},
	}
	f.objects[crm.ObjectScores] = []crm.Record{
		merged(crm.Record{"id": "score-m",
			"field_197_raw": map[string]any{"email": "mia@x"},
			"field_133_raw": []any{map[string]any{"id": "est-au"}},
			"field_855":     "2024-10-03",
		}, cycle1Fields(6, 6, 6, 6, 6, 6.0)),
	}
	p, dbh := newTestPipeline(t, f)

	_, err := p.RunFull(context.Background())
	require.NoError(t, err)

	var year string
	require.NoError(t, dbh.QueryRow(
		`SELECT v.academic_year FROM vespa_scores v JOIN students s ON s.id=v.student_id
		 WHERE s.email='mia@x'`).Scan(&year))
	assert.Equal(t, "2024/2024", year, "calendar-year school uses the single calendar year")
}

func TestSyncOneLeavesPriorYearAlone(t *testing.T) {
	f := newFakeCRM(t)
	seedSource(f)
	p, dbh := newTestPipeline(t, f)

	_, err := p.RunFull(context.Background())
	require.NoError(t, err)

	// The source backfills charlie's 2023/2024 record; the refresh is bound
	// to the current year and must leave the historical rows alone.
	f.mu.Lock()
	f.objects[crm.ObjectScores][2]["field_155"] = float64(9)
	f.objects[crm.ObjectResponses][1]["field_794"] = "5"
	f.mu.Unlock()

	out, err := p.SyncOne(context.Background(), "est-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, out.Status)

	var vision int
	require.NoError(t, dbh.QueryRow(
		`SELECT v.vision FROM vespa_scores v JOIN students s ON s.id=v.student_id
		 WHERE s.email='charlie@x' AND v.academic_year='2023/2024'`).Scan(&vision))
	assert.Equal(t, 3, vision, "prior-year score row is immutable under refresh")

	var val int
	require.NoError(t, dbh.QueryRow(
		`SELECT r.value FROM question_responses r JOIN students s ON s.id=r.student_id
		 WHERE s.email='charlie@x'`).Scan(&val))
	assert.Equal(t, 2, val, "prior-year response row is immutable under refresh")

	assert.Equal(t, 1, out.Report.Diagnostics["scores_outside_refresh_window"])
	assert.Equal(t, 1, out.Report.Diagnostics["responses_outside_refresh_window"])
}
