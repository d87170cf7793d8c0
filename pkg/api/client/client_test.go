package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New(" api.example.com:4000/ ")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.BaseURL() != "http://api.example.com:4000" {
		t.Fatalf("unexpected base url %q", cli.BaseURL())
	}
	if cli.WatchURL() != "ws://api.example.com:4000/ws/deployments" {
		t.Fatalf("unexpected watch url %q", cli.WatchURL())
	}
	secure, _ := New("https://api.example.com")
	if secure.WatchURL() != "wss://api.example.com/ws/deployments" {
		t.Fatalf("unexpected secure watch url %q", secure.WatchURL())
	}
}

func TestDeploySendsPriorID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/deployments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["id"] != "dep-1" {
			t.Errorf("expected prior id dep-1, got %q", body["id"])
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"id":"dep-2","status":"deploying","redeploy_of":"dep-1"}`)
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	deployment, err := cli.Deploy(context.Background(), "tok", "dep-1")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if deployment.ID != "dep-2" || deployment.RedeployOf == nil || *deployment.RedeployOf != "dep-1" {
		t.Fatalf("unexpected deployment %+v", deployment)
	}
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":"deployment in progress"}`)
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.Deploy(context.Background(), "tok", "")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "deployment in progress" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestWaitForDeploymentPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "deploying"
		if calls.Add(1) >= 3 {
			status = "ok"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "dep-1", "status": status})
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	deployment, err := cli.WaitForDeployment(context.Background(), "tok", "dep-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if deployment.Status != "ok" || calls.Load() != 3 {
		t.Fatalf("expected ok after 3 polls, got %s after %d", deployment.Status, calls.Load())
	}
}

func TestUpdateSettingsRejectsInvalidJSON(t *testing.T) {
	cli, _ := New("http://localhost:1")
	if _, err := cli.UpdateSettings(context.Background(), "tok", json.RawMessage(`{"a":`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
