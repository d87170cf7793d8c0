package docker

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestBuildOutputRendersLines(t *testing.T) {
	raw := `{"stream":"Step 1/2 : FROM alpine\n"}
{"status":"Pulling fs layer","id":"abc123"}
{"status":"Downloading","id":"abc123","progressDetail":{"current":5,"total":10}}
{"stream":"\n"}
{"aux":{"ID":"sha256:deadbeef"}}
`
	out := NewBuildOutput(io.NopCloser(strings.NewReader(raw)))
	var lines []string
	for {
		line, err := out.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		lines = append(lines, line)
	}
	want := []string{
		"Step 1/2 : FROM alpine",
		"abc123 Pulling fs layer",
		"abc123 Downloading 5/10",
		"image id: sha256:deadbeef",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %q", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}

func TestBuildOutputReportsDaemonError(t *testing.T) {
	raw := `{"stream":"Step 1/2 : FROM nope\n"}
{"errorDetail":{"message":"pull access denied"},"error":"pull access denied"}
`
	out := NewBuildOutput(io.NopCloser(strings.NewReader(raw)))
	if _, err := out.Next(); err != nil {
		t.Fatalf("expected first line, got %v", err)
	}
	_, err := out.Next()
	if !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "pull access denied") {
		t.Fatalf("expected daemon message in error, got %v", err)
	}
}

func TestNilClientIsRejected(t *testing.T) {
	var c *Client
	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("expected nil close error, got %v", err)
	}
}
