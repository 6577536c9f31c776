package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// handleListRuns lists the caller's runs, newest first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid limit"})

			return
		}

		limit = n
	}

	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid offset"})

			return
		}

		offset = n
	}

	runs, err := s.store.ListRuns(r.Context(), account.ID, limit, offset)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"limit":  limit,
		"offset": offset,
	})
}

// handleGetRun returns one of the caller's runs. With
// ?include_metrics=true the response also carries the run's ticks in
// chronological order.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"), account.ID)
	if err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"run not found"})

		return
	}

	resp := map[string]any{"run": run}

	if script, serr := s.store.GetScript(
		r.Context(), run.ScriptID, account.ID,
	); serr == nil {
		resp["script_name"] = script.Name
	}

	if r.URL.Query().Get("include_metrics") == "true" {
		ticks, err := s.store.ListTicks(r.Context(), run.ID)
		if err != nil {
			s.log.WithError(err).Error("Failed to list run metrics")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})

			return
		}

		// Full rows, timestamps included, so the series can be
		// reconstructed client-side.
		resp["metrics"] = ticks
	}

	writeJSON(w, http.StatusOK, resp)
}
