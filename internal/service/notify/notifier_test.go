package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestNotifyCallsEveryServiceDespiteFailure(t *testing.T) {
	var calls atomic.Int32
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer failing.Close()

	targets := []Target{
		{Kind: KindService, Name: "auth", Address: ok.URL},
		{Kind: KindService, Name: "billing", Address: failing.URL},
		{Kind: KindService, Name: "catalog", Address: ok.URL},
	}
	n := NewHTTPNotifier(nil, 0, testLogger())
	outcomes := n.Notify(context.Background(), targets)

	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	if Failed(outcomes) != 1 {
		t.Fatalf("expected 1 failure, got %d", Failed(outcomes))
	}
	if outcomes[1].OK() || !errors.Is(outcomes[1].Err, ErrUnexpectedStatus) {
		t.Fatalf("expected billing to fail with ErrUnexpectedStatus, got %v", outcomes[1].Err)
	}
	if outcomes[1].StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", outcomes[1].StatusCode)
	}
	if !outcomes[0].OK() || !outcomes[2].OK() {
		t.Fatalf("expected auth and catalog to succeed: %+v", outcomes)
	}
	if outcomes[1].Target.Name != "billing" {
		t.Fatalf("expected outcomes in target order, got %s at index 1", outcomes[1].Target.Name)
	}
}

func TestNotifyServicePayloadShape(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		ctype  string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, ctype, body = r.Method, r.URL.Path, r.Header.Get("Content-Type"), string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(nil, 1, testLogger())
	n.Notify(context.Background(), []Target{{Kind: KindService, Name: "auth", Address: srv.URL}})

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPost || path != "/graphql" {
		t.Fatalf("expected POST /graphql, got %s %s", method, path)
	}
	if ctype != "application/json" {
		t.Fatalf("unexpected content type %q", ctype)
	}
	want := `{"operationName":"refreshSettings","query":"mutation refreshSettings {\n  refreshSettings\n}"}`
	if body != want {
		t.Fatalf("unexpected body\nwant %s\ngot  %s", want, body)
	}
}

func TestNotifyWebhookAndWebProtocols(t *testing.T) {
	type hit struct {
		method string
		path   string
		length int64
	}
	var (
		mu   sync.Mutex
		hits []hit
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, hit{method: r.Method, path: r.URL.Path, length: r.ContentLength})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(nil, 0, testLogger())
	outcomes := n.Notify(context.Background(), []Target{
		{Kind: KindWebhook, Name: "hook-1", Address: srv.URL + "/hooks/abc"},
		{Kind: KindWeb, Name: "web", Address: srv.URL},
	})
	if Failed(outcomes) != 0 {
		t.Fatalf("expected no failures, got %+v", outcomes)
	}

	mu.Lock()
	defer mu.Unlock()
	seen := map[string]hit{}
	for _, h := range hits {
		seen[h.path] = h
	}
	if h, ok := seen["/hooks/abc"]; !ok || h.method != http.MethodGet || h.length > 0 {
		t.Fatalf("expected bodyless GET to webhook, got %+v", h)
	}
	if h, ok := seen["/refreshSettings"]; !ok || h.method != http.MethodPost {
		t.Fatalf("expected POST /refreshSettings, got %+v", h)
	}
}

func TestNotifyUnreachableTargetIsRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	n := NewHTTPNotifier(&http.Client{Timeout: time.Second}, 0, testLogger())
	outcomes := n.Notify(context.Background(), []Target{{Kind: KindService, Name: "gone", Address: addr}})
	if len(outcomes) != 1 || outcomes[0].OK() {
		t.Fatalf("expected one failed outcome, got %+v", outcomes)
	}
	rec := outcomes[0].Record()
	if rec.OK || rec.Error == "" || rec.Kind != "service" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestNotifyRunsTargetsConcurrently(t *testing.T) {
	release := make(chan struct{})
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		<-release
		inflight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	targets := make([]Target, 4)
	for i := range targets {
		targets[i] = Target{Kind: KindWebhook, Name: "hook", Address: srv.URL}
	}
	done := make(chan []Outcome, 1)
	n := NewHTTPNotifier(nil, 0, testLogger())
	go func() { done <- n.Notify(context.Background(), targets) }()

	deadline := time.Now().Add(2 * time.Second)
	for peak.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	outcomes := <-done
	if peak.Load() != 4 {
		t.Fatalf("expected 4 concurrent requests, peak was %d", peak.Load())
	}
	if Failed(outcomes) != 0 {
		t.Fatalf("expected all to succeed, got %+v", outcomes)
	}
}
