package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the settingsd API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WatchURL returns the websocket endpoint streaming deployment events.
func (c *Client) WatchURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/ws/deployments"
	default:
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/ws/deployments"
	}
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Notification reports how one refresh target responded.
type Notification struct {
	Target     string `json:"target"`
	Kind       string `json:"kind"`
	Address    string `json:"address"`
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Deployment represents API deployment payloads.
type Deployment struct {
	ID                string          `json:"id"`
	SettingsVersionID string          `json:"settings_version_id"`
	Snapshot          json.RawMessage `json:"snapshot"`
	Status            string          `json:"status"`
	Description       string          `json:"description"`
	RedeployOf        *string         `json:"redeploy_of"`
	Notifications     []Notification  `json:"notifications"`
	CreatedBy         string          `json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
	CompletedAt       *time.Time      `json:"completed_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Terminal reports whether the deployment has settled.
func (d Deployment) Terminal() bool {
	return d.Status == "ok" || d.Status == "error"
}

// Deploy starts a deployment of the current settings, or replays priorID when set.
func (c *Client) Deploy(ctx context.Context, token, priorID string) (Deployment, error) {
	body := map[string]string{}
	if strings.TrimSpace(priorID) != "" {
		body["id"] = strings.TrimSpace(priorID)
	}
	var deployment Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments", body, token, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// GetDeployment fetches one deployment record.
func (c *Client) GetDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s", url.PathEscape(deploymentID))
	var deployment Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// ListDeployments fetches recent deployments, newest first.
func (c *Client) ListDeployments(ctx context.Context, token string, limit int) ([]Deployment, error) {
	path := "/deployments"
	if limit > 0 {
		path = fmt.Sprintf("/deployments?limit=%d", limit)
	}
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// WaitForDeployment polls until the deployment settles or ctx ends.
func (c *Client) WaitForDeployment(ctx context.Context, token, deploymentID string, interval time.Duration) (Deployment, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		deployment, err := c.GetDeployment(ctx, token, deploymentID)
		if err != nil {
			return Deployment{}, err
		}
		if deployment.Terminal() {
			return deployment, nil
		}
		select {
		case <-ctx.Done():
			return deployment, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DeployStatus returns the aggregate deployment status of the settings.
func (c *Client) DeployStatus(ctx context.Context, token string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/deploy/status", nil, token, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Settings mirrors the settings document.
type Settings struct {
	ID           string         `json:"id"`
	Values       map[string]any `json:"values"`
	Status       string         `json:"status"`
	Version      int            `json:"version"`
	VersionID    string         `json:"version_id"`
	DeploymentID string         `json:"deployment_id"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SettingsUpdate is the response to a settings write.
type SettingsUpdate struct {
	Settings      Settings       `json:"settings"`
	Notifications []Notification `json:"notifications"`
}

// SettingsVersion is one stored revision.
type SettingsVersion struct {
	ID        string          `json:"id"`
	Version   int             `json:"version"`
	Values    json.RawMessage `json:"values"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

// GetSettings reads the current settings document.
func (c *Client) GetSettings(ctx context.Context, token string) (Settings, error) {
	var settings Settings
	if err := c.do(ctx, http.MethodGet, "/settings", nil, token, &settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// UpdateSettings replaces the settings values with a JSON object.
func (c *Client) UpdateSettings(ctx context.Context, token string, values json.RawMessage) (SettingsUpdate, error) {
	if !json.Valid(values) {
		return SettingsUpdate{}, fmt.Errorf("settings values are not valid JSON")
	}
	var resp SettingsUpdate
	if err := c.do(ctx, http.MethodPut, "/settings", values, token, &resp); err != nil {
		return SettingsUpdate{}, err
	}
	return resp, nil
}

// ListSettingsVersions returns recent settings revisions.
func (c *Client) ListSettingsVersions(ctx context.Context, token string, limit int) ([]SettingsVersion, error) {
	path := "/settings/versions"
	if limit > 0 {
		path = fmt.Sprintf("/settings/versions?limit=%d", limit)
	}
	var versions []SettingsVersion
	if err := c.do(ctx, http.MethodGet, path, nil, token, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}
