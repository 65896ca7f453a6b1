package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestPosterRetriesUntilAccepted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type %q", r.Header.Get("Content-Type"))
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewPoster("hook", time.Second, 2, nil)
	p.Backoff = time.Millisecond
	if err := p.PostJSON(context.Background(), srv.URL, map[string]string{"a": "b"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestPosterGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewPoster("hook", time.Second, 1, nil)
	p.Backoff = time.Millisecond
	err := p.PostJSON(context.Background(), srv.URL, struct{}{})
	if err == nil || !strings.Contains(err.Error(), "hook responded 403 Forbidden: nope") {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestAlertSummary(t *testing.T) {
	tests := []struct {
		alert Alert
		want  string
	}{
		{Alert{Pipeline: "mail", Target: "a@example.com", Attempts: 3}, "Mail to a@example.com was not delivered after 3 attempt(s)"},
		{Alert{Pipeline: "export", Target: "AmelieDataExporter", Attempts: 1}, "Export backend AmelieDataExporter failed after 1 attempt(s)"},
		{Alert{JobID: "j1", JobType: "export_zip", Attempts: 3}, "Job j1 (export_zip) failed after 3 attempt(s)"},
		{Alert{JobID: "j2"}, "Job j2 failed"},
	}
	for _, tt := range tests {
		if got := tt.alert.Summary(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}
