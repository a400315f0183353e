package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/oktsec/actiongate/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (r *recorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (r *recorder) all() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.bodies...)
}

func TestNotify_FiltersEvents(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	n := New([]config.Webhook{{URL: srv.URL, Events: []string{EventExecutionFailed}}},
		quietLogger(), WithClient(srv.Client()))

	n.Notify(Event{Event: EventApprovalRequested, ActionID: "a1"})
	n.Notify(Event{Event: EventExecutionFailed, ActionID: "a2", Error: "max retries exceeded"})
	n.Wait()

	bodies := rec.all()
	if len(bodies) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(bodies))
	}
	var got Event
	if err := json.Unmarshal(bodies[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.ActionID != "a2" || got.Timestamp == "" {
		t.Errorf("event = %+v", got)
	}
}

func TestNotify_Template(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	n := New([]config.Webhook{{URL: srv.URL, Template: DefaultTemplate}}, quietLogger(), WithClient(srv.Client()))
	n.Notify(Event{Event: EventApprovalRequested, ActionID: "a1", ActionType: "publish_post", Risk: "high", Status: "pending"})
	n.Wait()

	bodies := rec.all()
	if len(bodies) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(bodies))
	}
	var payload map[string]string
	if err := json.Unmarshal(bodies[0], &payload); err != nil {
		t.Fatal(err)
	}
	want := "*approval_requested* publish_post (a1)\n• Risk: high\n• Status: pending"
	if payload["text"] != want {
		t.Errorf("text = %q, want %q", payload["text"], want)
	}
}

func TestNew_SkipsBlockedURLs(t *testing.T) {
	n := New([]config.Webhook{
		{URL: "http://127.0.0.1:9/hook"},
		{URL: "ftp://example.com"},
		{URL: "https://hooks.example.com/x"},
	}, quietLogger())
	if len(n.webhooks) != 1 {
		t.Errorf("webhooks = %d, want 1", len(n.webhooks))
	}
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	n.Notify(Event{Event: EventWatcherFailed})
	n.Wait()
}
