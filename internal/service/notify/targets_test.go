package notify

import (
	"testing"

	"github.com/splax/settingsd/pkg/config"
)

func TestParseServices(t *testing.T) {
	targets, err := ParseServices(" auth=http://auth:4000/ , http://catalog.internal:8080,billing=https://billing.example.com")
	if err != nil {
		t.Fatalf("parse services: %v", err)
	}
	if len(targets) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(targets))
	}
	if targets[0].Name != "auth" || targets[0].Address != "http://auth:4000" {
		t.Fatalf("unexpected first target %+v", targets[0])
	}
	if targets[1].Name != "catalog.internal" {
		t.Fatalf("expected host-derived name, got %q", targets[1].Name)
	}
	for _, target := range targets {
		if target.Kind != KindService {
			t.Fatalf("expected service kind, got %s", target.Kind)
		}
	}
}

func TestParseServicesRejectsInvalid(t *testing.T) {
	cases := []string{
		"auth=ftp://auth",
		"auth=http://",
		"auth=http://a:1,auth=http://b:2",
	}
	for _, raw := range cases {
		if _, err := ParseServices(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestTargetsFromConfigGroupsByPurpose(t *testing.T) {
	cfg := config.APIConfig{
		DownstreamServices: "auth=http://auth:4000",
		WebhookURLs:        []string{"https://hooks.example.com/deploy/abc"},
		WebRefreshURL:      "http://web:3000/",
	}
	targets, err := TargetsFromConfig(cfg)
	if err != nil {
		t.Fatalf("targets from config: %v", err)
	}
	deploy := targets.ForDeployment()
	if len(deploy) != 2 || deploy[0].Kind != KindService || deploy[1].Kind != KindWebhook {
		t.Fatalf("unexpected deployment targets %+v", deploy)
	}
	update := targets.ForSettingsUpdate()
	if len(update) != 2 || update[1].Kind != KindWeb || update[1].Address != "http://web:3000" {
		t.Fatalf("unexpected settings update targets %+v", update)
	}
}

func TestParseWebhooksRejectsRelative(t *testing.T) {
	if _, err := ParseWebhooks([]string{"/relative/hook"}); err == nil {
		t.Fatal("expected error for relative webhook")
	}
}
