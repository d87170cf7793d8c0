// Package build drives external build providers and projects their lifecycle
// events onto deployment records.
package build

import (
	"context"
	"encoding/json"
	"errors"
)

// Event types with special meaning. Any other type is progress.
const (
	EventBuilding = "building"
	EventReady    = "ready"
	EventError    = "error"
	EventCanceled = "canceled"
)

var (
	// ErrProviderUnauthorized indicates the provider rejected the access token.
	ErrProviderUnauthorized = errors.New("build provider unauthorized")
	// ErrProviderRejected indicates the provider refused to start a build.
	ErrProviderRejected = errors.New("build provider rejected request")
	// ErrStreamExhausted indicates the stream ended without a ready event.
	ErrStreamExhausted = errors.New("build stream ended without ready event")
	// ErrBuildFailed indicates the provider reported a failed or canceled build.
	ErrBuildFailed = errors.New("build failed")
)

// Event is one lifecycle notification from a provider.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message extracts a human readable message from the payload, if any.
func (e Event) Message() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var body struct {
		Message string `json:"message"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Text
}

// Stream is a lazy, finite sequence of events. Next returns io.EOF once exhausted.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// ProjectConfig describes what the provider should build.
type ProjectConfig struct {
	Name       string
	Target     string
	ContextDir string
	ImageTag   string
}

// Request starts one build.
type Request struct {
	DeploymentID     string
	SettingsVersion  string
	SnapshotLocation string
	Project          ProjectConfig
}

// Provider starts builds and exposes their event stream.
type Provider interface {
	StreamBuild(ctx context.Context, req Request) (Stream, error)
}
