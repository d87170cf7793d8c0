package auth

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/settingsd/internal/domain"
	jwtpkg "github.com/splax/settingsd/pkg/jwt"
)

func newTestService() Service {
	return New("test-secret", "builder-token", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestIssueAndAuthorize(t *testing.T) {
	svc := newTestService()
	token, err := svc.IssueToken("alice", domain.RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	principal, err := svc.Authorize(token)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if principal.UserID != "alice" || principal.Role != domain.RoleUser {
		t.Fatalf("unexpected principal %+v", principal)
	}
	if err := svc.Require(principal, domain.RoleUser); err != nil {
		t.Fatalf("expected USER to satisfy USER, got %v", err)
	}
	if err := svc.Require(principal, domain.RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAuthorizeRejectsBadTokens(t *testing.T) {
	svc := newTestService()
	foreign, _ := jwtpkg.GenerateToken("bob", "USER", "other-secret", time.Hour)
	expired, _ := jwtpkg.GenerateToken("bob", "USER", "test-secret", -time.Minute)
	noRole, _ := jwtpkg.GenerateToken("bob", "ROOT", "test-secret", time.Hour)

	for name, token := range map[string]string{
		"empty":   "",
		"garbage": "not-a-token",
		"foreign": foreign,
		"expired": expired,
		"role":    noRole,
	} {
		if _, err := svc.Authorize(token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
}

func TestGuestRoleIsLowest(t *testing.T) {
	svc := newTestService()
	guest := domain.Principal{UserID: "g", Role: domain.RoleGuest}
	if err := svc.Require(guest, domain.RoleGuest); err != nil {
		t.Fatalf("expected guest access, got %v", err)
	}
	if err := svc.Require(guest, domain.RoleUser); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAuthorizeBuilder(t *testing.T) {
	if !newTestService().AuthorizeBuilder("builder-token") {
		t.Fatal("expected builder token accepted")
	}
	if newTestService().AuthorizeBuilder("nope") {
		t.Fatal("expected wrong token rejected")
	}
	if New("s", "", nil).AuthorizeBuilder("") {
		t.Fatal("expected unconfigured builder token to reject")
	}
}
