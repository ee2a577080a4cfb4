package opensearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/convoshq/agentpool/internal/history"
)

func TestSend(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	s := New(ts.URL+"/", "instance-history")
	e := history.Event{
		ID:         "ev-1",
		Type:       history.EventClaimed,
		OccurredAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		InstanceID: "abc123def456",
		ServiceID:  "svc-1",
		AgentName:  "scout",
	}
	if err := s.Send(context.Background(), e); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/instance-history/_doc" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["type"] != "claimed" || gotBody["instance_id"] != "abc123def456" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestSendErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index is read-only", http.StatusForbidden)
	}))
	defer ts.Close()

	s := New(ts.URL, "instance-history")
	if err := s.Send(context.Background(), history.Event{ID: "ev-1"}); err == nil {
		t.Fatal("expected an error for a 403 response")
	}
}

func TestSendUnreachable(t *testing.T) {
	s := New("http://127.0.0.1:1", "instance-history")
	if err := s.Send(context.Background(), history.Event{ID: "ev-1"}); err == nil {
		t.Fatal("expected an error for an unreachable endpoint")
	}
}
