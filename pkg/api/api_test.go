package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadpulse/loadpulse/pkg/config"
	"github.com/loadpulse/loadpulse/pkg/orchestrator"
	"github.com/loadpulse/loadpulse/pkg/simulator"
	"github.com/loadpulse/loadpulse/pkg/store"
	"github.com/loadpulse/loadpulse/pkg/tier"
)

// testAPI wires a full server against an in-memory database with
// inline run execution, so submitted runs are terminal by the time the
// submit response returns.
type testAPI struct {
	t       *testing.T
	srv     *server
	handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		Server: config.ServerConfig{Listen: ":0"},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
		},
		Auth:      config.AuthConfig{SessionTTL: "1h"},
		Execution: config.ExecutionConfig{MaxParallel: 4, Inline: true},
	}

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))

	orch := orchestrator.New(log, &cfg.Execution, st, simulator.NewSynthetic())

	srv := &server{
		log:        log,
		cfg:        cfg,
		store:      st,
		orch:       orch,
		sessionTTL: time.Hour,
		done:       make(chan struct{}),
	}

	t.Cleanup(func() {
		require.NoError(t, orch.Stop())
		require.NoError(t, st.Stop())
	})

	return &testAPI{t: t, srv: srv, handler: srv.buildRouter()}
}

// do performs a request against the router. A non-empty token is sent
// as the session cookie.
func (a *testAPI) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	return rec
}

func (a *testAPI) decode(rec *httptest.ResponseRecorder, out any) {
	a.t.Helper()
	require.NoError(a.t, json.NewDecoder(rec.Body).Decode(out))
}

// signup registers an account and returns its session token and id.
func (a *testAPI) signup(email string) (token, accountID string) {
	a.t.Helper()

	rec := a.do(http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"email":    email,
		"password": "password123",
		"name":     "Test User",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())

	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			token = c.Value
		}
	}

	require.NotEmpty(a.t, token)

	var account accountResponse
	a.decode(rec, &account)

	return token, account.ID
}

// createScript creates a script owned by the token's account and
// returns its id.
func (a *testAPI) createScript(token, name string) string {
	a.t.Helper()

	rec := a.do(http.MethodPost, "/api/v1/scripts", token, map[string]any{
		"name": name,
		"body": "export default function() {}",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())

	var script store.Script
	a.decode(rec, &script)

	return script.ID
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthFlow(t *testing.T) {
	a := newTestAPI(t)

	token, _ := a.signup("user@example.com")

	t.Run("me returns the account", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/auth/me", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var account accountResponse
		a.decode(rec, &account)
		assert.Equal(t, "user@example.com", account.Email)
		assert.Equal(t, string(tier.Free), account.Tier)
		assert.Equal(t, 200, account.Limits.MaxVUs)
	})

	t.Run("login opens a fresh session", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email":    "user@example.com",
			"password": "password123",
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong password is rejected", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email":    "user@example.com",
			"password": "wrong-password",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("logout invalidates the session", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/auth/logout", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = a.do(http.MethodGet, "/api/v1/auth/me", token, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSignupValidation(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name     string
		body     map[string]string
		expected int
	}{
		{
			name:     "invalid email",
			body:     map[string]string{"email": "nope", "password": "password123"},
			expected: http.StatusBadRequest,
		},
		{
			name:     "short password",
			body:     map[string]string{"email": "a@b.com", "password": "short"},
			expected: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(http.MethodPost, "/api/v1/auth/signup", "", tt.body)
			assert.Equal(t, tt.expected, rec.Code)
		})
	}

	t.Run("duplicate email conflicts", func(t *testing.T) {
		a.signup("dup@example.com")

		rec := a.do(http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
			"email":    "dup@example.com",
			"password": "password123",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestUnauthenticatedAccess(t *testing.T) {
	a := newTestAPI(t)

	for _, path := range []string{
		"/api/v1/scripts",
		"/api/v1/runs",
		"/api/v1/auth/me",
	} {
		rec := a.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestScriptCRUD(t *testing.T) {
	a := newTestAPI(t)
	token, _ := a.signup("scripts@example.com")

	id := a.createScript(token, "checkout flow")

	t.Run("list", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/scripts", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var scripts []store.Script
		a.decode(rec, &scripts)
		require.Len(t, scripts, 1)
		assert.Equal(t, "checkout flow", scripts[0].Name)
	})

	t.Run("update", func(t *testing.T) {
		rec := a.do(http.MethodPut, "/api/v1/scripts/"+id, token, map[string]any{
			"name": "renamed flow",
			"body": "export default function() {}",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var script store.Script
		a.decode(rec, &script)
		assert.Equal(t, "renamed flow", script.Name)
	})

	t.Run("missing name rejected", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/scripts", token, map[string]any{
			"body": "x",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("other accounts cannot see it", func(t *testing.T) {
		other, _ := a.signup("other@example.com")

		rec := a.do(http.MethodGet, "/api/v1/scripts/"+id, other, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := a.do(http.MethodDelete, "/api/v1/scripts/"+id, token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = a.do(http.MethodGet, "/api/v1/scripts/"+id, token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSubmitRun_Completes(t *testing.T) {
	a := newTestAPI(t)
	token, _ := a.signup("runner@example.com")
	scriptID := a.createScript(token, "smoke test")

	rec := a.do(http.MethodPost, "/api/v1/scripts/"+scriptID+"/run", token,
		map[string]any{"vus": 50, "duration": "10s"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var submitResp struct {
		Run store.Run `json:"run"`
	}
	a.decode(rec, &submitResp)
	require.NotEmpty(t, submitResp.Run.ID)

	// Inline execution means the run is terminal once submit returns.
	rec = a.do(http.MethodGet,
		"/api/v1/runs/"+submitResp.Run.ID+"?include_metrics=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Run        store.Run          `json:"run"`
		ScriptName string             `json:"script_name"`
		Metrics    []store.MetricTick `json:"metrics"`
	}
	a.decode(rec, &resp)

	assert.Equal(t, store.StatusCompleted, resp.Run.Status)
	assert.Equal(t, "smoke test", resp.ScriptName)
	require.NotNil(t, resp.Run.Summary)
	assert.Equal(t, 50, resp.Run.Summary.VUsMax)
	assert.Len(t, resp.Metrics, 5) // 10s duration yields 5 ticks

	// Each tick carries its timestamp; the series is ordered on a 2s
	// cadence and the ramp never decreases.
	for i := 1; i < len(resp.Metrics); i++ {
		assert.Equal(t, 2*time.Second,
			resp.Metrics[i].Timestamp.Sub(resp.Metrics[i-1].Timestamp))
		assert.GreaterOrEqual(t,
			resp.Metrics[i].Data.VUs, resp.Metrics[i-1].Data.VUs)
	}
}

func TestSubmitRun_Validation(t *testing.T) {
	a := newTestAPI(t)
	token, _ := a.signup("validate@example.com")
	scriptID := a.createScript(token, "s")

	tests := []struct {
		name     string
		body     map[string]any
		expected int
	}{
		{name: "zero vus", body: map[string]any{"vus": 0, "duration": "10s"}, expected: http.StatusBadRequest},
		{name: "too many vus", body: map[string]any{"vus": 10001, "duration": "10s"}, expected: http.StatusBadRequest},
		{name: "bad duration unit", body: map[string]any{"vus": 10, "duration": "10x"}, expected: http.StatusBadRequest},
		{name: "missing duration", body: map[string]any{"vus": 10}, expected: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(http.MethodPost,
				"/api/v1/scripts/"+scriptID+"/run", token, tt.body)
			assert.Equal(t, tt.expected, rec.Code)
		})
	}

	t.Run("unknown script", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/scripts/nope/run", token,
			map[string]any{"vus": 10, "duration": "10s"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSubmitRun_DefaultRegion(t *testing.T) {
	a := newTestAPI(t)
	token, _ := a.signup("regions@example.com")
	scriptID := a.createScript(token, "s")

	t.Run("omitted regions default to iad", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/scripts/"+scriptID+"/run",
			token, map[string]any{"vus": 10, "duration": "4s"})
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp struct {
			Run store.Run `json:"run"`
		}
		a.decode(rec, &resp)
		assert.Equal(t, []string{"iad"}, resp.Run.Config.Regions)
	})

	t.Run("explicit regions are kept", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/scripts/"+scriptID+"/run",
			token, map[string]any{
				"vus": 10, "duration": "4s",
				"regions": []string{"fra", "syd"},
			})
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp struct {
			Run store.Run `json:"run"`
		}
		a.decode(rec, &resp)
		assert.Equal(t, []string{"fra", "syd"}, resp.Run.Config.Regions)
	})
}

func TestSubmitRun_TierPolicy(t *testing.T) {
	a := newTestAPI(t)
	token, _ := a.signup("free@example.com")
	scriptID := a.createScript(token, "big test")

	rec := a.do(http.MethodPost, "/api/v1/scripts/"+scriptID+"/run", token,
		map[string]any{"vus": 500, "duration": "10s"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	var resp errorResponse
	a.decode(rec, &resp)
	assert.Contains(t, resp.Error, "200")
	assert.Contains(t, resp.Error, "500")

	// Rejected submissions must not leave a run behind.
	rec = a.do(http.MethodGet, "/api/v1/runs", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Runs []store.RunWithScript `json:"runs"`
	}
	a.decode(rec, &list)
	assert.Empty(t, list.Runs)
}

func TestSubmitRun_ConcurrencyLimit(t *testing.T) {
	a := newTestAPI(t)
	token, accountID := a.signup("busy@example.com")
	scriptID := a.createScript(token, "s")

	// Pin three runs in the running state to fill the free tier's
	// concurrency budget.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		run, err := a.srv.store.AdmitRun(ctx, accountID, scriptID,
			store.RunConfig{VUs: 10, Duration: "10s"}, 10)
		require.NoError(t, err)
		require.NoError(t, a.srv.store.Transition(
			ctx, run.ID, store.StatusRunning, store.TransitionFields{},
		))
	}

	rec := a.do(http.MethodPost, "/api/v1/scripts/"+scriptID+"/run", token,
		map[string]any{"vus": 10, "duration": "10s"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
}

func TestListRuns(t *testing.T) {
	a := newTestAPI(t)
	token, _ := a.signup("lister@example.com")
	scriptID := a.createScript(token, "listed")

	for i := 0; i < 3; i++ {
		rec := a.do(http.MethodPost, "/api/v1/scripts/"+scriptID+"/run", token,
			map[string]any{"vus": 5, "duration": "4s"})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	t.Run("default listing", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/runs", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Runs  []store.RunWithScript `json:"runs"`
			Limit int                   `json:"limit"`
		}
		a.decode(rec, &resp)
		assert.Len(t, resp.Runs, 3)
		assert.Equal(t, 20, resp.Limit)
		assert.Equal(t, "listed", resp.Runs[0].ScriptName)
	})

	t.Run("limit is clamped", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/runs?limit=500", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Limit int `json:"limit"`
		}
		a.decode(rec, &resp)
		assert.Equal(t, 100, resp.Limit)
	})

	t.Run("invalid pagination rejected", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/runs?limit=abc", token, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = a.do(http.MethodGet, "/api/v1/runs?offset=-1", token, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestBearerTokenAuth(t *testing.T) {
	a := newTestAPI(t)
	token, _ := a.signup("bearer@example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	a := newTestAPI(t)
	adminToken, adminID := a.signup("admin@example.com")
	userToken, userID := a.signup("member@example.com")

	ctx := context.Background()

	// Promote the first account directly.
	admin, err := a.srv.store.GetAccountByID(ctx, adminID)
	require.NoError(t, err)
	admin.Role = store.RoleAdmin
	require.NoError(t, a.srv.store.UpdateAccount(ctx, admin))

	t.Run("non-admin is forbidden", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/admin/stats", userToken, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("stats", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/admin/stats", adminToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var stats store.Stats
		a.decode(rec, &stats)
		assert.Equal(t, int64(2), stats.Accounts)
	})

	t.Run("upgrade a tier", func(t *testing.T) {
		rec := a.do(http.MethodPatch, "/api/v1/admin/accounts/"+userID,
			adminToken, map[string]string{"tier": "pro"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var account accountResponse
		a.decode(rec, &account)
		assert.Equal(t, "pro", account.Tier)
		assert.Equal(t, 1000, account.Limits.MaxVUs)
	})

	t.Run("invalid tier rejected", func(t *testing.T) {
		rec := a.do(http.MethodPatch, "/api/v1/admin/accounts/"+userID,
			adminToken, map[string]string{"tier": "platinum"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("cannot delete own account", func(t *testing.T) {
		rec := a.do(http.MethodDelete, "/api/v1/admin/accounts/"+adminID,
			adminToken, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("delete another account", func(t *testing.T) {
		rec := a.do(http.MethodDelete, "/api/v1/admin/accounts/"+userID,
			adminToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = a.do(http.MethodGet, "/api/v1/auth/me", userToken, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRateLimit(t *testing.T) {
	a := newTestAPI(t)
	a.srv.cfg.Server.RateLimit = config.RateLimitConfig{
		Enabled: true,
		Auth:    config.RateLimitTier{RequestsPerMinute: 3},
	}
	a.handler = a.srv.buildRouter()

	var limited bool

	for i := 0; i < 10; i++ {
		rec := a.do(http.MethodPost, "/api/v1/auth/login", "",
			map[string]string{
				"email":    fmt.Sprintf("rl%d@example.com", i),
				"password": "password123",
			})
		if rec.Code == http.StatusTooManyRequests {
			limited = true

			break
		}
	}

	assert.True(t, limited, "expected the auth limiter to trip")
}
