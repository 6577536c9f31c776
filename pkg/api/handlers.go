package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/loadpulse/loadpulse/pkg/store"
	"github.com/loadpulse/loadpulse/pkg/tier"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Auth handlers ---

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type accountResponse struct {
	ID                 string      `json:"id"`
	Email              string      `json:"email"`
	Name               string      `json:"name"`
	Role               string      `json:"role"`
	Tier               string      `json:"tier"`
	SubscriptionStatus string      `json:"subscription_status,omitempty"`
	Limits             tier.Limits `json:"limits"`
}

func toAccountResponse(a *store.Account) accountResponse {
	return accountResponse{
		ID:                 a.ID,
		Email:              a.Email,
		Name:               a.Name,
		Role:               a.Role,
		Tier:               a.Tier,
		SubscriptionStatus: a.SubscriptionStatus,
		Limits:             tier.LimitsFor(tier.Tier(a.Tier)),
	}
}

// handleSignup registers a new account on the free tier and opens a
// session.
func (s *server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"a valid email is required"})

		return
	}

	if len(req.Password) < 8 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"password must be at least 8 characters"})

		return
	}

	if _, err := s.store.GetAccountByEmail(r.Context(), req.Email); err == nil {
		writeJSON(w, http.StatusConflict,
			errorResponse{"an account with this email already exists"})

		return
	}

	hash, err := bcrypt.GenerateFromPassword(
		[]byte(req.Password), bcrypt.DefaultCost,
	)
	if err != nil {
		s.log.WithError(err).Error("Failed to hash password")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	account := &store.Account{
		Email:        req.Email,
		PasswordHash: string(hash),
		Name:         req.Name,
		Role:         store.RoleUser,
		Tier:         string(tier.Free),
	}

	if err := s.store.CreateAccount(r.Context(), account); err != nil {
		s.log.WithError(err).Error("Failed to create account")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	if err := s.openSession(w, r, account); err != nil {
		return
	}

	writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

// handleLogin authenticates an account and opens a session.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	if req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"email and password are required"})

		return
	}

	account, err := s.store.GetAccountByEmail(r.Context(), req.Email)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized,
			errorResponse{"invalid credentials"})

		return
	}

	if bcrypt.CompareHashAndPassword(
		[]byte(account.PasswordHash), []byte(req.Password),
	) != nil {
		writeJSON(w, http.StatusUnauthorized,
			errorResponse{"invalid credentials"})

		return
	}

	if err := s.openSession(w, r, account); err != nil {
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

// openSession creates a session record and sets the session cookie.
// On failure it writes the error response and returns it.
func (s *server) openSession(
	w http.ResponseWriter, r *http.Request, account *store.Account,
) error {
	token, err := generateSessionToken()
	if err != nil {
		s.log.WithError(err).Error("Failed to generate session token")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return err
	}

	session := &store.Session{
		Token:     token,
		AccountID: account.ID,
		ExpiresAt: time.Now().UTC().Add(s.sessionTTL),
	}

	if err := s.store.CreateSession(r.Context(), session); err != nil {
		s.log.WithError(err).Error("Failed to create session")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(s.sessionTTL.Seconds()),
	})

	return nil
}

// handleLogout destroys the current session.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil {
		_ = s.store.DeleteSession(r.Context(), cookie.Value)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMe returns the currently authenticated account.
func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	account := accountFromContext(r.Context())
	if account == nil {
		writeJSON(w, http.StatusUnauthorized,
			errorResponse{"not authenticated"})

		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

// generateSessionToken returns a 32-byte random hex token.
func generateSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}

	return hex.EncodeToString(buf), nil
}
