package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cereals/chat-client/internal/cache"
	"github.com/cereals/chat-client/internal/model"
)

type fakeAPI struct {
	token      string
	refreshed  model.AuthSession
	refreshErr error
	calls      int
}

func (f *fakeAPI) SetToken(token string) { f.token = token }

func (f *fakeAPI) Refresh(ctx context.Context, refreshToken string) (model.AuthSession, error) {
	f.calls++
	if f.refreshErr != nil {
		return model.AuthSession{}, f.refreshErr
	}
	return f.refreshed, nil
}

func openTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func TestLoad_EmptyCacheIsSignedOut(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(api, openTestCache(t))

	if err := m.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, ok := m.Session(); ok {
		t.Fatal("expected no session")
	}
	if m.Credential() != "" {
		t.Fatal("expected empty credential")
	}
}

func TestSetSession_PersistsAndInstallsToken(t *testing.T) {
	api := &fakeAPI{}
	c := openTestCache(t)
	m := NewManager(api, c)

	s := model.AuthSession{
		UserID:       1,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := m.SetSession(s); err != nil {
		t.Fatalf("set session failed: %v", err)
	}
	if api.token != "access-1" {
		t.Fatalf("REST token not installed, got %q", api.token)
	}

	// A fresh manager over the same cache restores the session.
	m2 := NewManager(&fakeAPI{}, c)
	if err := m2.Load(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if m2.Credential() != "access-1" {
		t.Fatalf("session not persisted, credential %q", m2.Credential())
	}
}

func TestSetSession_FillsExpiryFromTokenClaim(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(api, openTestCache(t))

	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	if err := m.SetSession(model.AuthSession{
		UserID:      1,
		AccessToken: signedToken(t, exp),
	}); err != nil {
		t.Fatalf("set session failed: %v", err)
	}

	s, ok := m.Session()
	if !ok {
		t.Fatal("expected a session")
	}
	if !s.ExpiresAt.Equal(exp) {
		t.Fatalf("expected expiry %v from the token claim, got %v", exp, s.ExpiresAt)
	}
}

func TestRefresh_SingleAttempt(t *testing.T) {
	api := &fakeAPI{refreshErr: errors.New("revoked")}
	m := NewManager(api, openTestCache(t))
	m.install(model.AuthSession{UserID: 1, AccessToken: "old", RefreshToken: "r1"})

	if err := m.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh failure")
	}
	if api.calls != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", api.calls)
	}

	// A successful refresh swaps both tokens.
	api.refreshErr = nil
	api.refreshed = model.AuthSession{UserID: 1, AccessToken: "new", RefreshToken: "r2", ExpiresAt: time.Now().Add(time.Hour)}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if m.Credential() != "new" {
		t.Fatalf("credential not swapped, got %q", m.Credential())
	}
}

func TestRefresh_NoSession(t *testing.T) {
	m := NewManager(&fakeAPI{}, openTestCache(t))
	if err := m.Refresh(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestLogout_ErasesEverything(t *testing.T) {
	api := &fakeAPI{}
	c := openTestCache(t)
	m := NewManager(api, c)

	if err := m.SetSession(model.AuthSession{
		UserID: 1, AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("set session failed: %v", err)
	}
	if err := c.UpsertUser(model.User{ID: 2, Username: "peer", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	m.Logout(context.Background())

	if m.Credential() != "" {
		t.Fatal("credential survived logout")
	}
	if api.token != "" {
		t.Fatal("REST token survived logout")
	}
	if _, err := c.AuthSession(); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("persisted session survived logout: %v", err)
	}
	if _, err := c.User(2); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("cached data survived logout: %v", err)
	}
}
