package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loadpulse/loadpulse/pkg/store"
	"github.com/loadpulse/loadpulse/pkg/tier"
)

// handleAdminStats returns aggregate counts across all accounts.
func (s *server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to collect stats")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleAdminListAccounts lists all accounts.
func (s *server) handleAdminListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list accounts")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	out := make([]accountResponse, 0, len(accounts))
	for i := range accounts {
		out = append(out, toAccountResponse(&accounts[i]))
	}

	writeJSON(w, http.StatusOK, out)
}

// handleAdminGetAccount returns a single account.
func (s *server) handleAdminGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.store.GetAccountByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"account not found"})

		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

type adminAccountPatch struct {
	Tier *string `json:"tier,omitempty"`
	Role *string `json:"role,omitempty"`
}

var validTiers = map[string]bool{
	string(tier.Free):       true,
	string(tier.Pro):        true,
	string(tier.Business):   true,
	string(tier.Enterprise): true,
}

var validRoles = map[string]bool{
	store.RoleUser:  true,
	store.RoleAdmin: true,
}

// handleAdminUpdateAccount patches an account's tier or role. Fields
// absent from the body are left untouched.
func (s *server) handleAdminUpdateAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.store.GetAccountByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"account not found"})

		return
	}

	var patch adminAccountPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if patch.Tier != nil {
		if !validTiers[*patch.Tier] {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid tier"})

			return
		}

		account.Tier = *patch.Tier
	}

	if patch.Role != nil {
		if !validRoles[*patch.Role] {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid role"})

			return
		}

		account.Role = *patch.Role
	}

	if err := s.store.UpdateAccount(r.Context(), account); err != nil {
		s.log.WithError(err).Error("Failed to update account")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

// handleAdminDeleteAccount removes an account. The caller cannot
// delete itself.
func (s *server) handleAdminDeleteAccount(w http.ResponseWriter, r *http.Request) {
	caller := accountFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if id == caller.ID {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"cannot delete your own account"})

		return
	}

	if err := s.store.DeleteAccount(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"account not found"})

			return
		}

		s.log.WithError(err).Error("Failed to delete account")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
