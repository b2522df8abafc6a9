package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cereals/chat-client/internal/model"
)

// ---------------------------------------------------------------------------
// Test: bearer token and decoding round trip
// ---------------------------------------------------------------------------

func TestFetchConversationPage(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []model.Message{
				{ID: 2, SenderID: 5, Target: model.UserTarget(5), Body: "newer"},
				{ID: 1, SenderID: 5, Target: model.UserTarget(5), Body: "older"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetToken("tok-123")

	msgs, err := c.FetchConversationPage(context.Background(), model.UserTarget(5), 1, 50)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 2 {
		t.Fatalf("unexpected page: %+v", msgs)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("missing bearer token, got %q", gotAuth)
	}
	if gotPath != "/api/conversations/user/5/messages" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotQuery != "limit=50&page=1" {
		t.Errorf("unexpected query %q", gotQuery)
	}
}

// ---------------------------------------------------------------------------
// Test: 401 maps to the auth-expired sentinel
// ---------------------------------------------------------------------------

func TestUnauthorizedMapsToAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.FetchContacts(context.Background())
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: server errors carry status and message
// ---------------------------------------------------------------------------

func TestServerErrorCarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "body too long"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.SendMessage(context.Background(), model.UserTarget(5), "x", model.ContentText, "local-1")

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Message != "body too long" {
		t.Fatalf("unexpected error detail: %+v", apiErr)
	}
}

// ---------------------------------------------------------------------------
// Test: send carries the local ID for reconciliation
// ---------------------------------------------------------------------------

func TestSendMessageCarriesLocalID(t *testing.T) {
	var body struct {
		LocalID string `json:"local_id"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": model.Message{ID: 77, SenderID: 1, Target: model.UserTarget(5), Body: "x"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	m, err := c.SendMessage(context.Background(), model.UserTarget(5), "x", model.ContentText, "local-9")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if m.ID != 77 {
		t.Fatalf("unexpected server ID %d", m.ID)
	}
	if body.LocalID != "local-9" {
		t.Fatalf("local ID not forwarded, got %q", body.LocalID)
	}
}
