package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespa-academy/datasync/internal/pipeline"
	"github.com/vespa-academy/datasync/internal/refresh"
	"github.com/vespa-academy/datasync/internal/syncrun"
)

type stubSyncer struct {
	err error
}

func (s *stubSyncer) SyncOne(_ context.Context, id string) (pipeline.Outcome, error) {
	if s.err != nil {
		return pipeline.Outcome{}, s.err
	}
	r := syncrun.NewReport("run-9", "refresh")
	r.Entity("students").Inserted = 2
	return pipeline.Outcome{RunID: "run-9", Status: "completed", Report: r}, nil
}

func newRouter(s refresh.Syncer) http.Handler {
	svc := refresh.New(s, time.Second, nil)
	r := chi.NewRouter()
	r.Post("/refresh", PostRefreshHandler(svc))
	r.Get("/refresh/{establishmentID}", GetRefreshStatusHandler(svc))
	return r
}

func TestPostRefreshOK(t *testing.T) {
	h := newRouter(&stubSyncer{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/refresh",
		strings.NewReader(`{"establishment_external_id":"est-1"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"complete"`)
	assert.Contains(t, rec.Body.String(), `"students_synced":2`)
}

func TestPostRefreshLegacyKey(t *testing.T) {
	h := newRouter(&stubSyncer{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/refresh",
		strings.NewReader(`{"establishment_id":"est-1"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPostRefreshBadRequest(t *testing.T) {
	h := newRouter(&stubSyncer{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/refresh", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostRefreshUnknownEstablishment(t *testing.T) {
	h := newRouter(&stubSyncer{err: pipeline.ErrEstablishmentNotFound})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/refresh",
		strings.NewReader(`{"establishment_external_id":"est-404"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"establishment_external_id":"est-404"`)
}

func TestGetRefreshStatusIdle(t *testing.T) {
	h := newRouter(&stubSyncer{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/refresh/est-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"idle"`)
}
