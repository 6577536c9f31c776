package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/loadpulse/loadpulse/pkg/store"
	"github.com/loadpulse/loadpulse/pkg/tier"
)

type contextKey string

const accountContextKey contextKey = "account"

// sessionCookieName carries the opaque session token.
const sessionCookieName = "loadpulse_session"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireAuth authenticates via session cookie or Bearer token and
// injects the account into the request context. Bearer tokens are the
// programmatic path and require the tier's API access capability.
func (s *server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		bearer := false

		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = authHeader[7:]
			bearer = true
		} else if cookie, err := r.Cookie(sessionCookieName); err == nil {
			token = cookie.Value
		}

		if token == "" {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		session, err := s.store.GetSessionByToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid or expired session"})

			return
		}

		if time.Now().UTC().After(session.ExpiresAt) {
			_ = s.store.DeleteSession(r.Context(), token)
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"session expired"})

			return
		}

		account, err := s.store.GetAccountByID(r.Context(), session.AccountID)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"account not found"})

			return
		}

		if bearer && !tier.LimitsFor(tier.Tier(account.Tier)).APIAccess {
			writeJSON(w, http.StatusForbidden,
				errorResponse{"your plan does not include API access"})

			return
		}

		if session.LastActiveAt == nil ||
			time.Since(*session.LastActiveAt) > 5*time.Minute {
			go func() {
				if err := s.store.UpdateSessionLastActive(
					context.Background(), session.ID, time.Now().UTC(),
				); err != nil {
					s.log.WithError(err).
						Warn("Failed to update session last active")
				}
			}()
		}

		ctx := context.WithValue(r.Context(), accountContextKey, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole checks that the authenticated account has the given role.
func (s *server) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account := accountFromContext(r.Context())
			if account == nil || account.Role != role {
				writeJSON(w, http.StatusForbidden,
					errorResponse{"insufficient permissions"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// accountFromContext extracts the authenticated account from the
// request context.
func accountFromContext(ctx context.Context) *store.Account {
	account, _ := ctx.Value(accountContextKey).(*store.Account)

	return account
}
