package http

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vespa-academy/datasync/internal/pipeline"
	"github.com/vespa-academy/datasync/internal/refresh"
)

// POST /refresh  { "establishment_external_id": "..." }
// Runs a single-establishment refresh synchronously and returns its summary.
func PostRefreshHandler(svc *refresh.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			EstablishmentExternalID string `json:"establishment_external_id"`
			// Alias kept for older dashboard builds.
			EstablishmentID string `json:"establishment_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "establishment_external_id required", http.StatusBadRequest)
			return
		}
		id := req.EstablishmentExternalID
		if id == "" {
			id = req.EstablishmentID
		}
		if id == "" {
			http.Error(w, "establishment_external_id required", http.StatusBadRequest)
			return
		}

		st, err := svc.Run(r.Context(), id)
		switch {
		case errors.Is(err, refresh.ErrAlreadyRunning):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":                     "refresh already in progress",
				"establishment_external_id": id,
			})
		case errors.Is(err, pipeline.ErrEstablishmentNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":                     "establishment not found",
				"establishment_external_id": id,
			})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, st)
		default:
			writeJSON(w, http.StatusOK, st)
		}
	}
}

// GET /refresh/{establishmentID} returns the last known refresh outcome.
func GetRefreshStatusHandler(svc *refresh.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "establishmentID")
		if id == "" {
			http.Error(w, "establishment id required", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, svc.Last(id))
	}
}

// GET /healthz pings the warehouse.
func HealthzHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
