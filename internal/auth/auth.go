// Package auth owns the credential lifecycle: loading a persisted session,
// installing new tokens, the single refresh attempt, and the fail-closed
// logout that erases every local trace of the account.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cereals/chat-client/internal/cache"
	"github.com/cereals/chat-client/internal/model"
)

// ErrNoSession is returned when no auth session is loaded.
var ErrNoSession = errors.New("auth: no session")

// API is the slice of the REST client the manager needs.
type API interface {
	SetToken(token string)
	Refresh(ctx context.Context, refreshToken string) (model.AuthSession, error)
}

// Manager holds the current auth session and keeps the REST client's
// bearer token and the durable cache in step with it.
type Manager struct {
	api   API
	cache *cache.Cache

	mu      sync.Mutex
	session model.AuthSession
	loaded  bool
}

// NewManager creates a manager bound to the given API client and cache.
func NewManager(api API, c *cache.Cache) *Manager {
	return &Manager{api: api, cache: c}
}

// Load restores the persisted session from the cache, if one exists. A
// missing session or an unavailable cache is not an error; the client
// simply starts signed out.
func (m *Manager) Load() error {
	s, err := m.cache.AuthSession()
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrUnavailable) {
			return nil
		}
		return fmt.Errorf("auth: failed to load session: %w", err)
	}
	m.install(s)
	return nil
}

// SetSession installs a new session, persists it, and points the REST
// client at the new access token. A zero expiry is filled in from the
// token's exp claim when one is present.
func (m *Manager) SetSession(s model.AuthSession) error {
	if s.ExpiresAt.IsZero() {
		if exp, ok := tokenExpiry(s.AccessToken); ok {
			s.ExpiresAt = exp
		}
	}
	m.install(s)
	if err := m.cache.SaveAuthSession(s); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		return fmt.Errorf("auth: failed to persist session: %w", err)
	}
	return nil
}

// install sets the in-memory session and the REST bearer token.
func (m *Manager) install(s model.AuthSession) {
	m.mu.Lock()
	m.session = s
	m.loaded = true
	m.mu.Unlock()
	m.api.SetToken(s.AccessToken)
}

// Session returns the current session.
func (m *Manager) Session() (model.AuthSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.loaded
}

// Credential returns the access token used for socket connects. Empty
// when signed out.
func (m *Manager) Credential() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return ""
	}
	return m.session.AccessToken
}

// Refresh exchanges the stored refresh token for a new session. One
// attempt only; on failure the caller decides whether to sign out.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	refreshToken := m.session.RefreshToken
	loaded := m.loaded
	m.mu.Unlock()

	if !loaded || refreshToken == "" {
		return ErrNoSession
	}
	s, err := m.api.Refresh(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("auth: refresh failed: %w", err)
	}
	return m.SetSession(s)
}

// Logout erases the session everywhere it lives. Cache errors are logged
// and swallowed; logout must always leave the client signed out.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	m.session = model.AuthSession{}
	m.loaded = false
	m.mu.Unlock()
	m.api.SetToken("")

	if err := m.cache.DeleteAuthSession(); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		log.Printf("auth: failed to delete persisted session: %v", err)
	}
	if err := m.cache.ClearAll(); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		log.Printf("auth: failed to clear cache on logout: %v", err)
	}
}

// tokenExpiry pulls the exp claim out of a JWT without verifying the
// signature. The server is the authority on validity; the claim is only
// used to pre-empt a guaranteed 401.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
