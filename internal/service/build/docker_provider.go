package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/splax/settingsd/internal/docker"
)

// BuildOutput is the line stream of a local image build.
type BuildOutput interface {
	Next() (string, error)
	Close() error
}

// ImageBuilder starts a local image build.
type ImageBuilder interface {
	StartBuild(ctx context.Context, dir, tag string, buildArgs map[string]*string) (BuildOutput, error)
}

// DockerClientBuilder adapts *docker.Client to ImageBuilder.
type DockerClientBuilder struct {
	Client *docker.Client
}

// StartBuild implements ImageBuilder.
func (b DockerClientBuilder) StartBuild(ctx context.Context, dir, tag string, buildArgs map[string]*string) (BuildOutput, error) {
	out, err := b.Client.StartBuild(ctx, dir, tag, buildArgs)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DockerProvider builds the frontend image locally, passing the snapshot
// location in as a build argument.
type DockerProvider struct {
	builder ImageBuilder
	logger  *slog.Logger
}

// NewDockerProvider constructs a DockerProvider.
func NewDockerProvider(builder ImageBuilder, logger *slog.Logger) *DockerProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerProvider{builder: builder, logger: logger.With("component", "build_provider", "provider", "docker")}
}

// StreamBuild starts the image build and maps its output to lifecycle events.
func (p *DockerProvider) StreamBuild(ctx context.Context, req Request) (Stream, error) {
	if p.builder == nil {
		return nil, fmt.Errorf("%w: docker builder not configured", ErrProviderRejected)
	}
	tag := req.Project.ImageTag
	if strings.TrimSpace(tag) == "" {
		tag = fmt.Sprintf("%s:%s", strings.ToLower(req.Project.Name), req.SettingsVersion)
	}
	location := req.SnapshotLocation
	version := req.SettingsVersion
	args := map[string]*string{
		"SETTINGS_URL":     &location,
		"SETTINGS_VERSION": &version,
	}
	out, err := p.builder.StartBuild(ctx, req.Project.ContextDir, tag, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}
	p.logger.Info("image build started", "deployment_id", req.DeploymentID, "tag", tag)
	return &dockerStream{out: out, tag: tag}, nil
}

type dockerStream struct {
	out  BuildOutput
	tag  string
	done bool
}

func (s *dockerStream) Next(ctx context.Context) (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	line, err := s.out.Next()
	switch {
	case err == nil:
		return Event{Type: EventBuilding, Payload: encodePayload("text", line)}, nil
	case errors.Is(err, io.EOF):
		s.done = true
		return Event{Type: EventReady, Payload: encodePayload("image", s.tag)}, nil
	case errors.Is(err, docker.ErrBuildFailed):
		s.done = true
		return Event{Type: EventError, Payload: encodePayload("message", err.Error())}, nil
	default:
		return Event{}, err
	}
}

func (s *dockerStream) Close() error {
	return s.out.Close()
}

func encodePayload(key, value string) json.RawMessage {
	data, err := json.Marshal(map[string]string{key: value})
	if err != nil {
		return nil
	}
	return data
}
