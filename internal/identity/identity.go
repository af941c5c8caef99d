// Package identity resolves the anonymous learner behind a request and the
// browser tab it comes from.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/shsh-coach/internal/domain"
	"github.com/ashureev/shsh-coach/internal/store"
)

const (
	AnonCookieName = "coach_anon_id"
	// TabHeaderName carries the tab ID on XHR requests. WebSocket clients
	// cannot set headers and use the tab_id query parameter instead.
	TabHeaderName = "X-Coach-Tab-ID"
	TabQueryParam = "tab_id"
	DefaultTabID  = "default"

	anonCookieMaxAge = 30 * 24 * time.Hour
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	tabIDPattern  = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Identity is the learner and tab a request belongs to.
type Identity struct {
	UserID string
	TabID  string
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// UserIDFromContext returns the learner ID, or "" outside Middleware.
func UserIDFromContext(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.UserID
}

// TabIDFromContext returns the browser tab ID, or DefaultTabID.
func TabIDFromContext(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok && id.TabID != "" {
		return id.TabID
	}
	return DefaultTabID
}

// Middleware gives every request an anonymous learner, creating the cookie
// and the user record on first contact.
func Middleware(repo store.Repository, secureCookies bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := anonIDFromCookie(r)
			if userID == "" {
				var err error
				if userID, err = newAnonID(); err != nil {
					http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
					return
				}
			}
			// Refresh on every request so active learners never expire.
			setAnonCookie(w, userID, secureCookies)

			if err := registerLearner(r.Context(), repo, userID); err != nil {
				http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithIdentity(r.Context(), Identity{UserID: userID, TabID: tabIDFromRequest(r)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func anonIDFromCookie(r *http.Request) string {
	c, err := r.Cookie(AnonCookieName)
	if err != nil || !anonIDPattern.MatchString(c.Value) {
		return ""
	}
	return c.Value
}

func newAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func setAnonCookie(w http.ResponseWriter, userID string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    userID,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

func tabIDFromRequest(r *http.Request) string {
	tab := r.Header.Get(TabHeaderName)
	if tab == "" {
		tab = r.URL.Query().Get(TabQueryParam)
	}
	return sanitizeTabID(tab)
}

func sanitizeTabID(tab string) string {
	tab = strings.TrimSpace(tab)
	if !tabIDPattern.MatchString(tab) {
		return DefaultTabID
	}
	return tab
}

// registerLearner creates the user record the first time a learner is seen.
func registerLearner(ctx context.Context, repo store.Repository, userID string) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil {
		return nil
	}
	now := time.Now()
	return repo.UpsertUser(ctx, &domain.User{
		UserID:     userID,
		Username:   "learner-" + userID[len(userID)-8:],
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// ErrUnknownUser is returned by Authorizer for users with no identity record.
var ErrUnknownUser = errors.New("unknown user")

// Authorizer admits users whose anonymous identity has been established.
type Authorizer struct {
	repo store.Repository
}

// NewAuthorizer creates an Authorizer backed by repo.
func NewAuthorizer(repo store.Repository) *Authorizer {
	return &Authorizer{repo: repo}
}

// Authorize reports whether userID may open a coaching session.
func (a *Authorizer) Authorize(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUnknownUser
	}
	user, err := a.repo.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("look up user: %w", err)
	}
	if user == nil {
		return ErrUnknownUser
	}
	return nil
}
