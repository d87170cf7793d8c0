package build

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/splax/settingsd/internal/domain"
)

func TestAdapterSucceedsOnReady(t *testing.T) {
	writer := &recordingWriter{}
	publisher := &recordingPublisher{}
	stream := &fakeStream{events: []Event{{Type: EventBuilding}, {Type: EventReady}, {Type: "never-read"}}}

	res := NewAdapter(writer, publisher, testLogger()).Run(context.Background(), "dep-1", stream)
	if !res.Success || res.Err != nil {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(writer.descriptions) != 2 || writer.descriptions[0] != "building" || writer.descriptions[1] != "ready" {
		t.Fatalf("unexpected descriptions %v", writer.descriptions)
	}
	if len(stream.events) != 1 {
		t.Fatalf("expected stream to stop after ready, %d events left", len(stream.events))
	}
	if !stream.closed {
		t.Fatal("expected stream to be closed")
	}
	if len(publisher.events) != 2 || publisher.events[0].Kind != domain.EventDeploymentProgress {
		t.Fatalf("unexpected published events %+v", publisher.events)
	}
}

func TestAdapterFailsWhenStreamExhausted(t *testing.T) {
	writer := &recordingWriter{}
	stream := &fakeStream{events: []Event{{Type: EventBuilding}, {Type: ""}, {Type: "uploading"}}}

	res := NewAdapter(writer, nil, testLogger()).Run(context.Background(), "dep-1", stream)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, ErrStreamExhausted) {
		t.Fatalf("expected ErrStreamExhausted, got %v", res.Err)
	}
	if res.Last == nil || res.Last.Type != "uploading" {
		t.Fatalf("expected last event uploading, got %+v", res.Last)
	}
	if res.Events != 2 {
		t.Fatalf("expected empty event type to be skipped, got %d events", res.Events)
	}
	if !strings.HasPrefix(res.Diagnostic(), "uploading") {
		t.Fatalf("unexpected diagnostic %q", res.Diagnostic())
	}
}

func TestAdapterFailsOnErrorEvent(t *testing.T) {
	payload, _ := json.Marshal(map[string]string{"message": "out of memory"})
	stream := &fakeStream{events: []Event{{Type: EventBuilding}, {Type: EventError, Payload: payload}}}

	res := NewAdapter(&recordingWriter{}, nil, testLogger()).Run(context.Background(), "dep-1", stream)
	if res.Success || !errors.Is(res.Err, ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %+v", res)
	}
	if !strings.Contains(res.Err.Error(), "out of memory") {
		t.Fatalf("expected payload message in error, got %v", res.Err)
	}
}

func TestAdapterFailsOnStreamError(t *testing.T) {
	boom := errors.New("connection reset")
	stream := &fakeStream{events: []Event{{Type: EventBuilding}}, err: boom}

	res := NewAdapter(&recordingWriter{}, nil, testLogger()).Run(context.Background(), "dep-1", stream)
	if res.Success || !errors.Is(res.Err, boom) {
		t.Fatalf("expected wrapped stream error, got %+v", res)
	}
	if !stream.closed {
		t.Fatal("expected stream to be closed")
	}
}
