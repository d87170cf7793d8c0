package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
)

// ErrBuildFailed wraps an error reported by the daemon inside the build output.
var ErrBuildFailed = errors.New("docker image build failed")

// StartBuild sends dir as the build context and returns the daemon's output
// stream without waiting for the build to finish.
func (c *Client) StartBuild(ctx context.Context, dir, tag string, buildArgs map[string]*string) (*BuildOutput, error) {
	if c == nil || c.inner == nil {
		return nil, ErrNotInitialized
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("build directory cannot be empty")
	}
	if strings.TrimSpace(tag) == "" {
		return nil, fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return nil, fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   buildArgs,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("docker image build: %w", err)
	}
	return NewBuildOutput(resp.Body), nil
}

// BuildOutput decodes the daemon's JSON message stream one line at a time.
type BuildOutput struct {
	body    io.ReadCloser
	decoder *json.Decoder
}

// NewBuildOutput wraps a raw build response body.
func NewBuildOutput(body io.ReadCloser) *BuildOutput {
	return &BuildOutput{body: body, decoder: json.NewDecoder(body)}
}

// Next returns the next non-empty rendered line. It returns io.EOF when the
// build finished cleanly and an ErrBuildFailed error when the daemon reported one.
func (o *BuildOutput) Next() (string, error) {
	for {
		var msg imageBuildMessage
		if err := o.decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return "", fmt.Errorf("%w: %s", ErrBuildFailed, errMsg)
		}
		if line := strings.TrimSpace(msg.render()); line != "" {
			return line, nil
		}
	}
}

// Close releases the response body.
func (o *BuildOutput) Close() error {
	return o.body.Close()
}

type imageBuildMessage struct {
	Stream         string                 `json:"stream"`
	Status         string                 `json:"status"`
	ID             string                 `json:"id"`
	Progress       string                 `json:"progress"`
	ProgressDetail progressDetail         `json:"progressDetail"`
	Error          string                 `json:"error"`
	ErrorDetail    imageBuildErrorDetail  `json:"errorDetail"`
	Aux            map[string]interface{} `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type imageBuildErrorDetail struct {
	Message string `json:"message"`
}

func (m imageBuildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m imageBuildMessage) render() string {
	if m.Stream != "" {
		return m.Stream
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && m.ProgressDetail.Total > 0 {
			progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if id, ok := m.Aux["ID"]; ok {
		return fmt.Sprintf("image id: %v", id)
	}
	return ""
}
