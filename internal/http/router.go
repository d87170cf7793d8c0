// Package httpx exposes the deployment and settings services over HTTP.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/settingsd/internal/domain"
	"github.com/splax/settingsd/internal/service/auth"
	"github.com/splax/settingsd/internal/service/deploy"
	"github.com/splax/settingsd/internal/service/notify"
	"github.com/splax/settingsd/internal/service/settings"
	"github.com/splax/settingsd/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	deploy   *deploy.Service
	settings *settings.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	heartbeat time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitDeploy    = 10
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	rateLimitSnapshot  = 120
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	maxSettingsBody    = 1 << 20
	defaultListLimit   = 32
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, deploySvc *deploy.Service, settingsSvc *settings.Service, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		deploy:   deploySvc,
		settings: settingsSvc,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		dbHealth:  dbHealth,
		heartbeat: sseHeartbeat,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", r.metricsHandler())
	r.mux.HandleFunc("/deployments", r.audit("/deployments", r.handlerRoleRate("/deployments", domain.RoleUser, rateLimitUserRead, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/{id}", r.handleDeploymentSubroutes))
	r.mux.HandleFunc("/deploy/status", r.audit("/deploy/status", r.handlerRoleRate("/deploy/status", domain.RoleGuest, rateLimitUserRead, rateWindowDefault, r.handleDeployStatus)))
	r.mux.HandleFunc("/settings", r.audit("/settings", r.handleSettings))
	r.mux.HandleFunc("/settings/versions", r.audit("/settings/versions", r.handlerRoleRate("/settings/versions", domain.RoleUser, rateLimitUserRead, rateWindowDefault, r.handleSettingsVersions)))
	r.mux.HandleFunc("/ws/deployments", r.audit("/ws/deployments", r.handlerRoleRate("/ws/deployments", domain.RoleUser, rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentsWS)))
	r.mux.HandleFunc("/events/deployments", r.audit("/events/deployments", r.handlerRoleRate("/events/deployments", domain.RoleUser, rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentsSSE)))
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		if !r.allow(w, req, "/deployments:start", rateLimitDeploy, rateWindowDefault, r.rateLimitKeyUser) {
			return
		}
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		principal, _ := principalFromContext(req.Context())
		deployment, err := r.deploy.InitiateDeployment(req.Context(), payload.ID, principal.UserID)
		if err != nil {
			r.writeDeployError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, deployment)
	case http.MethodGet:
		limit := parseLimit(req, defaultListLimit)
		deployments, err := r.deploy.List(req.Context(), limit)
		if err != nil {
			r.logger.Error("list deployments failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list deployments")
			return
		}
		writeJSON(w, http.StatusOK, deployments)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deploymentID := parts[0]
	if len(parts) == 2 {
		if parts[1] != "snapshot" {
			r.notFound(w)
			return
		}
		r.handleSnapshot(w, req, deploymentID)
		return
	}
	ctx, ok := r.ensureRole(w, req, domain.RoleUser)
	if !ok {
		return
	}
	req = req.WithContext(ctx)
	if !r.allow(w, req, "/deployments/{id}", rateLimitUserRead, rateWindowDefault, r.rateLimitKeyUser) {
		return
	}
	deployment, err := r.deploy.Get(req.Context(), deploymentID)
	if err != nil {
		r.writeDeployError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (r *Router) handleSnapshot(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if !r.verifyBuilderToken(w, req) {
		return
	}
	if !r.allow(w, req, "/deployments/{id}/snapshot", rateLimitSnapshot, rateWindowDefault, rateLimitKeyIP) {
		return
	}
	deployment, err := r.deploy.Get(req.Context(), deploymentID)
	if err != nil {
		r.writeDeployError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Settings-Version-ID", deployment.SettingsVersionID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(deployment.Snapshot)
}

func (r *Router) handleDeployStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status, err := r.deploy.Status(req.Context())
	if err != nil {
		r.logger.Error("read deploy status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read deploy status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (r *Router) handleSettings(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		ctx, ok := r.ensureRole(w, req, domain.RoleGuest)
		if !ok {
			return
		}
		req = req.WithContext(ctx)
		if !r.allow(w, req, "/settings", rateLimitUserRead, rateWindowDefault, r.rateLimitKeyUser) {
			return
		}
		current, err := r.settings.Get(req.Context())
		if err != nil {
			r.logger.Error("read settings failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read settings")
			return
		}
		writeJSON(w, http.StatusOK, current)
	case http.MethodPut:
		ctx, ok := r.ensureRole(w, req, domain.RoleUser)
		if !ok {
			return
		}
		req = req.WithContext(ctx)
		if !r.allow(w, req, "/settings:write", rateLimitUserWrite, rateWindowDefault, r.rateLimitKeyUser) {
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxSettingsBody))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "settings body too large")
			return
		}
		principal, _ := principalFromContext(req.Context())
		saved, outcomes, err := r.settings.Update(req.Context(), body, principal.UserID)
		if err != nil {
			if errors.Is(err, settings.ErrInvalidSettings) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			r.logger.Error("update settings failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to update settings")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"settings":      saved,
			"notifications": notify.Records(outcomes),
		})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSettingsVersions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	versions, err := r.settings.Versions(req.Context(), parseLimit(req, 0))
	if err != nil {
		r.logger.Error("list settings versions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list settings versions")
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (r *Router) handleDeploymentsWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(ws.TopicDeployments, client)
	go func() {
		defer func() {
			r.hub.Unregister(ws.TopicDeployments, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-client.Done():
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					client.Close()
					return
				}
			}
		}
	}()
}

func (r *Router) handleDeploymentsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(ws.TopicDeployments, client)
	defer r.hub.Unregister(ws.TopicDeployments, client)

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		case payload := <-client.Messages():
			if err := client.WriteEvent(payload); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) writeDeployError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deploy.ErrNotFound):
		writeError(w, http.StatusNotFound, "deployment not found")
	case errors.Is(err, deploy.ErrDeploymentInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, deploy.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		r.logger.Error("deployment request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "deployment request failed")
	}
}

func parseLimit(req *http.Request, fallback int) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if principal, ok := principalFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", principal.UserID, "role", principal.Role)
		} else if strings.HasSuffix(req.URL.Path, "/snapshot") {
			actor = "builder"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
