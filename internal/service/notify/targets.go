package notify

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/splax/settingsd/pkg/config"
)

// Kind selects the protocol used to signal a target.
type Kind string

// Target kinds.
const (
	// KindService receives the refreshSettings GraphQL mutation.
	KindService Kind = "service"
	// KindWebhook receives a bare GET.
	KindWebhook Kind = "webhook"
	// KindWeb receives POST {base}/refreshSettings.
	KindWeb Kind = "web"
)

// Target is a configuration-derived destination for a settings-changed signal.
type Target struct {
	Kind    Kind   `json:"kind"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Targets groups the configured destinations by purpose.
type Targets struct {
	Services []Target
	Webhooks []Target
	Web      *Target
}

// ForDeployment lists the targets signalled when a deployment starts.
func (t Targets) ForDeployment() []Target {
	out := make([]Target, 0, len(t.Services)+len(t.Webhooks))
	out = append(out, t.Services...)
	out = append(out, t.Webhooks...)
	return out
}

// ForSettingsUpdate lists the targets refreshed after settings are saved.
func (t Targets) ForSettingsUpdate() []Target {
	out := make([]Target, 0, len(t.Services)+1)
	out = append(out, t.Services...)
	if t.Web != nil {
		out = append(out, *t.Web)
	}
	return out
}

// TargetsFromConfig builds the target set from API configuration.
func TargetsFromConfig(cfg config.APIConfig) (Targets, error) {
	services, err := ParseServices(cfg.DownstreamServices)
	if err != nil {
		return Targets{}, err
	}
	webhooks, err := ParseWebhooks(cfg.WebhookURLs)
	if err != nil {
		return Targets{}, err
	}
	targets := Targets{Services: services, Webhooks: webhooks}
	if web := strings.TrimSpace(cfg.WebRefreshURL); web != "" {
		base, err := normalizeURL(web)
		if err != nil {
			return Targets{}, fmt.Errorf("web refresh url: %w", err)
		}
		targets.Web = &Target{Kind: KindWeb, Name: "web", Address: base}
	}
	return targets, nil
}

// ParseServices parses "name=url" pairs separated by commas. A bare URL is
// named after its host.
func ParseServices(raw string) ([]Target, error) {
	entries := config.SplitList(raw)
	targets := make([]Target, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, item := range entries {
		name, address := "", item
		if idx := strings.Index(item, "="); idx > 0 {
			name, address = strings.TrimSpace(item[:idx]), strings.TrimSpace(item[idx+1:])
		}
		base, err := normalizeURL(address)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", item, err)
		}
		if name == "" {
			parsed, _ := url.Parse(base)
			name = parsed.Hostname()
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("service %q configured twice", name)
		}
		seen[name] = struct{}{}
		targets = append(targets, Target{Kind: KindService, Name: name, Address: base})
	}
	return targets, nil
}

// ParseWebhooks validates hook URLs.
func ParseWebhooks(urls []string) ([]Target, error) {
	targets := make([]Target, 0, len(urls))
	for i, raw := range urls {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		parsed, err := url.Parse(trimmed)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return nil, fmt.Errorf("webhook %d: invalid url", i)
		}
		targets = append(targets, Target{Kind: KindWebhook, Name: fmt.Sprintf("hook-%d", i+1), Address: trimmed})
	}
	return targets, nil
}

func normalizeURL(raw string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", fmt.Errorf("empty url")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	return trimmed, nil
}
