package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/settingsd/internal/domain"
)

type authContextKey string

const contextKeyAuth authContextKey = "settingsd-principal"

type contextSetter interface {
	SetContext(context.Context)
}

// requireRole ensures the request carries a valid bearer token whose role meets
// required before invoking the handler.
func (r *Router) requireRole(required domain.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, ok := r.ensureRole(w, req, required)
		if !ok {
			return
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureRole validates the Authorization header, checks the role and enriches
// the context. It writes the error response itself.
func (r *Router) ensureRole(w http.ResponseWriter, req *http.Request, required domain.Role) (context.Context, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), false
	}
	principal, err := r.auth.Authorize(token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), false
	}
	ctx := context.WithValue(req.Context(), contextKeyAuth, principal)
	if setter, ok := w.(contextSetter); ok {
		setter.SetContext(ctx)
	}
	if err := r.auth.Require(principal, required); err != nil {
		r.logger.Warn("insufficient role", "user_id", principal.UserID, "role", principal.Role, "required", required, "path", req.URL.Path)
		writeError(w, http.StatusForbidden, "insufficient role")
		return ctx, false
	}
	return ctx, true
}

func principalFromContext(ctx context.Context) (domain.Principal, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return domain.Principal{}, false
	}
	principal, ok := value.(domain.Principal)
	return principal, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

// verifyBuilderToken ensures snapshot fetches carry the configured builder token.
func (r *Router) verifyBuilderToken(w http.ResponseWriter, req *http.Request) bool {
	if !r.auth.BuilderConfigured() {
		r.logger.Error("builder token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "builder authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Builder-Token"))
	if token == "" {
		if bearer, err := bearerToken(req.Header.Get("Authorization")); err == nil {
			token = bearer
		}
	}
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("builder_token"))
	}
	if !r.auth.AuthorizeBuilder(token) {
		r.logger.Warn("builder token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid builder token")
		return false
	}
	return true
}
