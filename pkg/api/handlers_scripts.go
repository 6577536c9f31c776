package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/loadpulse/loadpulse/pkg/store"
	"github.com/loadpulse/loadpulse/pkg/tier"
)

const (
	minVUs = 1
	maxVUs = 10000

	// defaultRegion is assigned when a submission names no regions.
	defaultRegion = "iad"
)

// durationFormat is the accepted wire format for run durations.
var durationFormat = regexp.MustCompile(`^\d+(s|m|h)$`)

type scriptRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Body        string             `json:"body"`
	Config      store.ScriptConfig `json:"config,omitempty"`
}

// handleCreateScript creates a script owned by the caller.
func (s *server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	var req scriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"name is required"})

		return
	}

	script := &store.Script{
		AccountID:   account.ID,
		Name:        req.Name,
		Description: req.Description,
		Body:        req.Body,
		Config:      req.Config,
	}

	if err := s.store.CreateScript(r.Context(), script); err != nil {
		s.log.WithError(err).Error("Failed to create script")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusCreated, script)
}

// handleListScripts lists the caller's scripts.
func (s *server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	scripts, err := s.store.ListScripts(r.Context(), account.ID)
	if err != nil {
		s.log.WithError(err).Error("Failed to list scripts")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, scripts)
}

// handleGetScript returns one of the caller's scripts.
func (s *server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	script, err := s.store.GetScript(
		r.Context(), chi.URLParam(r, "id"), account.ID,
	)
	if err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"script not found"})

		return
	}

	writeJSON(w, http.StatusOK, script)
}

// handleUpdateScript updates one of the caller's scripts.
func (s *server) handleUpdateScript(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	var req scriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"name is required"})

		return
	}

	script := &store.Script{
		ID:          chi.URLParam(r, "id"),
		AccountID:   account.ID,
		Name:        req.Name,
		Description: req.Description,
		Body:        req.Body,
		Config:      req.Config,
	}

	if err := s.store.UpdateScript(r.Context(), script); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"script not found"})

			return
		}

		s.log.WithError(err).Error("Failed to update script")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	updated, err := s.store.GetScript(
		r.Context(), script.ID, account.ID,
	)
	if err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"script not found"})

		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteScript deletes a script and cascades its runs and ticks.
func (s *server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	err := s.store.DeleteScript(r.Context(), chi.URLParam(r, "id"), account.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"script not found"})

			return
		}

		s.log.WithError(err).Error("Failed to delete script")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRunRequest struct {
	VUs      int      `json:"vus"`
	Duration string   `json:"duration"`
	Regions  []string `json:"regions,omitempty"`
}

// handleSubmitRun admits and schedules a run of the given script.
// Admission errors are synchronous; execution errors surface only
// through the run's terminal status.
func (s *server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())

	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.VUs < minVUs || req.VUs > maxVUs {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"vus must be between 1 and 10000"})

		return
	}

	if !durationFormat.MatchString(req.Duration) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid duration format, use e.g. 30s, 5m or 1h"})

		return
	}

	if len(req.Regions) == 0 {
		req.Regions = []string{defaultRegion}
	}

	run, err := s.orch.Submit(
		r.Context(),
		account.ID,
		tier.Tier(account.Tier),
		chi.URLParam(r, "id"),
		store.RunConfig{
			VUs:      req.VUs,
			Duration: req.Duration,
			Regions:  req.Regions,
		},
	)
	if err != nil {
		var (
			policyErr *tier.PolicyError
			capErr    *store.CapacityError
		)

		switch {
		case errors.Is(err, store.ErrNotFound):
			writeJSON(w, http.StatusNotFound,
				errorResponse{"script not found"})
		case errors.As(err, &policyErr):
			writeJSON(w, http.StatusForbidden,
				errorResponse{policyErr.Reason})
		case errors.As(err, &capErr):
			writeJSON(w, http.StatusTooManyRequests,
				errorResponse{capErr.Error()})
		default:
			s.log.WithError(err).Error("Failed to submit run")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})
		}

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}
