//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-coach/internal/domain"
	"github.com/ashureev/shsh-coach/internal/identity"
	"github.com/ashureev/shsh-coach/internal/middleware"
)

const (
	testUserID     = "anon_0123456789abcdef0123456789abcdef"
	testAdminToken = "test-admin-token"
)

type fakeRepo struct {
	mu      sync.Mutex
	users   map[string]*domain.User
	pingErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]*domain.User)}
}

func (f *fakeRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	if user == nil {
		return nil, nil
	}
	copy := *user
	return &copy, nil
}

func (f *fakeRepo) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *user
	f.users[user.UserID] = &copy
	return nil
}

func (f *fakeRepo) UpdateLastSeen(_ context.Context, _ string, _ time.Time) error { return nil }

func (f *fakeRepo) Ping(_ context.Context) error { return f.pingErr }

func (f *fakeRepo) Close() error { return nil }

// newRouter mounts handlers behind the identity middleware.
func newRouter(repo *fakeRepo, register ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, false))
	for _, fn := range register {
		fn(r)
	}
	return r
}

// newAppRouter mounts learner routes and token-guarded admin routes the
// way the server does.
func newAppRouter(repo *fakeRepo, client, admin func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, false))
		client(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminToken(testAdminToken))
		r.Use(identity.Middleware(repo, false))
		admin(r)
	})
	return r
}

// do sends a request as testUserID.
func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	return send(t, h, method, target, body, "")
}

// doAdmin sends a request as testUserID with the admin token.
func doAdmin(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	return send(t, h, method, target, body, "Bearer "+testAdminToken)
}

func send(t *testing.T, h http.Handler, method, target, body, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	req.AddCookie(&http.Cookie{Name: identity.AnonCookieName, Value: testUserID})
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"message":"hi","type":"info"}`},
		{name: "empty", body: "", wantErr: true},
		{name: "unknown field", body: `{"message":"hi","extra":1}`, wantErr: true},
		{name: "malformed", body: `{"message":`, wantErr: true},
		{name: "too large", body: `{"message":"` + strings.Repeat("a", maxRequestBodySize) + `"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var v SystemMessageRequest
			err := decodeJSON(httptest.NewRecorder(), req, &v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	repo := newFakeRepo()
	h := NewHealthHandler(repo, nil, nil, 0)
	r := chi.NewRouter()
	h.RegisterHealth(r)

	w := do(t, r, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var body map[string]interface{}
	decode(t, w, &body)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", body["status"])
	}

	repo.pingErr = errors.New("disk gone")
	w = do(t, r, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", w.Code)
	}
}

type countSessions int

func (c countSessions) ActiveSessions() int { return int(c) }

func TestHealthReportsActiveSessions(t *testing.T) {
	h := NewHealthHandler(newFakeRepo(), countSessions(3), nil, time.Second)
	r := chi.NewRouter()
	h.RegisterHealth(r)

	w := do(t, r, http.MethodGet, "/health", "")
	var body map[string]interface{}
	decode(t, w, &body)
	if body["active_sessions"] != float64(3) {
		t.Errorf("Expected 3 active sessions, got %v", body["active_sessions"])
	}
}

func TestConfigAndMe(t *testing.T) {
	repo := newFakeRepo()
	h := NewConfigHandler(repo, ClientConfig{Experiment: "realtime_coaching", WebSocketPath: "/ws/coach"})
	r := newRouter(repo, h.RegisterRoutes)

	w := do(t, r, http.MethodGet, "/api/config", "")
	var cfg ClientConfig
	decode(t, w, &cfg)
	if cfg.Experiment != "realtime_coaching" || cfg.SessionHeader != identity.TabHeaderName {
		t.Errorf("Unexpected config %+v", cfg)
	}

	w = do(t, r, http.MethodGet, "/api/me", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var me map[string]interface{}
	decode(t, w, &me)
	if me["user_id"] != testUserID {
		t.Errorf("Expected user %s, got %v", testUserID, me["user_id"])
	}
}
