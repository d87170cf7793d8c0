package build

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultProviderTimeout = 30 * time.Second
	maxErrorBodySize       = 4096
)

// HTTPProvider talks to a hosted build service: it creates a deployment from
// the snapshot location and follows its newline-delimited JSON event feed.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// NewHTTPProvider validates the endpoint and returns a provider.
func NewHTTPProvider(baseURL, token string, client *http.Client, logger *slog.Logger) (*HTTPProvider, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("build provider url required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid build provider url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultProviderTimeout}
	}
	streamClient := *client
	streamClient.Timeout = 0
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProvider{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  client,
		stream:  &streamClient,
		logger:  logger.With("component", "build_provider", "provider", "http"),
	}, nil
}

type createDeploymentRequest struct {
	Name   string            `json:"name"`
	Target string            `json:"target,omitempty"`
	Source createSource      `json:"source"`
	Meta   map[string]string `json:"meta,omitempty"`
}

type createSource struct {
	URL string `json:"url"`
}

type createDeploymentResponse struct {
	ID string `json:"id"`
}

// StreamBuild creates a remote deployment and opens its event feed.
func (p *HTTPProvider) StreamBuild(ctx context.Context, req Request) (Stream, error) {
	body, err := json.Marshal(createDeploymentRequest{
		Name:   req.Project.Name,
		Target: req.Project.Target,
		Source: createSource{URL: req.SnapshotLocation},
		Meta: map[string]string{
			"deploymentId":    req.DeploymentID,
			"settingsVersion": req.SettingsVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode build request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/deployments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("start build: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errorForStatus(resp)
	}
	var created createDeploymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decode build response: %w", err)
	}
	if strings.TrimSpace(created.ID) == "" {
		return nil, fmt.Errorf("%w: missing build id", ErrProviderRejected)
	}
	p.logger.Info("remote build started", "deployment_id", req.DeploymentID, "build_id", created.ID)

	eventsURL := fmt.Sprintf("%s/deployments/%s/events?follow=1", p.baseURL, url.PathEscape(created.ID))
	eventsReq, err := http.NewRequestWithContext(ctx, http.MethodGet, eventsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create events request: %w", err)
	}
	eventsReq.Header.Set("Accept", "application/x-ndjson")
	p.authorize(eventsReq)

	eventsResp, err := p.stream.Do(eventsReq)
	if err != nil {
		return nil, fmt.Errorf("open build events: %w", err)
	}
	if eventsResp.StatusCode >= http.StatusBadRequest {
		defer eventsResp.Body.Close()
		return nil, errorForStatus(eventsResp)
	}
	return newJSONStream(eventsResp.Body), nil
}

func (p *HTTPProvider) authorize(req *http.Request) {
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrProviderUnauthorized, summary)
	default:
		return fmt.Errorf("%w: %s", ErrProviderRejected, summary)
	}
}

// jsonStream decodes one event per JSON value from a body, on demand.
type jsonStream struct {
	body    io.ReadCloser
	decoder *json.Decoder
}

func newJSONStream(body io.ReadCloser) *jsonStream {
	return &jsonStream{body: body, decoder: json.NewDecoder(body)}
}

func (s *jsonStream) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		var event Event
		if err := s.decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("decode build event: %w", err)
		}
		if event.Type != "" {
			return event, nil
		}
	}
}

func (s *jsonStream) Close() error {
	return s.body.Close()
}
