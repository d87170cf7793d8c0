// Package auth verifies access tokens and the build provider's shared token.
package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/settingsd/internal/domain"
	jwtpkg "github.com/splax/settingsd/pkg/jwt"
)

var (
	// ErrUnauthorized indicates a missing or invalid token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates a valid token without the required role.
	ErrForbidden = errors.New("forbidden")
)

// DefaultTokenTTL is used when IssueToken is given no positive lifetime.
const DefaultTokenTTL = 24 * time.Hour

// Service handles token verification.
type Service struct {
	secret       string
	builderToken string
	logger       *slog.Logger
}

// New constructs a Service.
func New(secret, builderToken string, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{secret: secret, builderToken: strings.TrimSpace(builderToken), logger: logger.With("component", "auth")}
}

// Authorize validates an access token and returns its principal.
func (s Service) Authorize(token string) (domain.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" || s.secret == "" {
		return domain.Principal{}, ErrUnauthorized
	}
	claims, err := jwtpkg.Parse(token, s.secret)
	if err != nil {
		s.logger.Debug("token rejected", "error", err)
		return domain.Principal{}, ErrUnauthorized
	}
	role := domain.ParseRole(claims.Role)
	if role == "" || strings.TrimSpace(claims.UserID) == "" {
		return domain.Principal{}, ErrUnauthorized
	}
	return domain.Principal{UserID: claims.UserID, Role: role}, nil
}

// Require checks that principal holds at least the required role.
func (s Service) Require(principal domain.Principal, required domain.Role) error {
	if !principal.Role.Allows(required) {
		return ErrForbidden
	}
	return nil
}

// IssueToken mints an access token for operators and tooling.
func (s Service) IssueToken(userID string, role domain.Role, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	if domain.ParseRole(string(role)) == "" {
		return "", errors.New("unknown role")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return jwtpkg.GenerateToken(userID, string(role), s.secret, ttl)
}

// AuthorizeBuilder reports whether token matches the build provider token.
// It always fails when no builder token is configured.
func (s Service) AuthorizeBuilder(token string) bool {
	if s.builderToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.builderToken)) == 1
}

// BuilderConfigured reports whether a builder token is set.
func (s Service) BuilderConfigured() bool {
	return s.builderToken != ""
}
