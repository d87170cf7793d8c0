package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/settingsd/internal/domain"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 16
	maxDrainBytes      = 64 << 10
)

// RefreshQuery is the mutation downstream services expect, printed the way
// their GraphQL clients print it.
const RefreshQuery = "mutation refreshSettings {\n  refreshSettings\n}"

// ErrUnexpectedStatus marks a target that answered outside the 2xx range.
var ErrUnexpectedStatus = errors.New("notify: unexpected response status")

// Notifier signals a set of targets and reports one outcome per target.
type Notifier interface {
	Notify(ctx context.Context, targets []Target) []Outcome
}

// Outcome is the settled result of one target.
type Outcome struct {
	Target     Target
	StatusCode int
	Err        error
	Duration   time.Duration
}

// OK reports whether the target acknowledged the signal.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Record converts the outcome for persistence on a deployment record.
func (o Outcome) Record() domain.NotificationOutcome {
	rec := domain.NotificationOutcome{
		Target:     o.Target.Name,
		Kind:       string(o.Target.Kind),
		Address:    o.Target.Address,
		OK:         o.OK(),
		StatusCode: o.StatusCode,
		DurationMS: o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	return rec
}

// Records converts a batch of outcomes.
func Records(outcomes []Outcome) []domain.NotificationOutcome {
	out := make([]domain.NotificationOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o.Record())
	}
	return out
}

// Failed counts the outcomes that did not succeed.
func Failed(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if !o.OK() {
			n++
		}
	}
	return n
}

var refreshBody = mustRefreshBody()

func mustRefreshBody() []byte {
	body, err := json.Marshal(struct {
		OperationName string `json:"operationName"`
		Query         string `json:"query"`
	}{OperationName: "refreshSettings", Query: RefreshQuery})
	if err != nil {
		panic(err)
	}
	return body
}

// HTTPNotifier delivers signals over HTTP, all targets concurrently.
type HTTPNotifier struct {
	client      *http.Client
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

// NewHTTPNotifier returns a notifier. A nil client gets a default with timeout;
// concurrency <= 0 uses the default limit.
func NewHTTPNotifier(client *http.Client, concurrency int, logger *slog.Logger) *HTTPNotifier {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPNotifier{
		client:      client,
		logger:      logger.With("component", "notify"),
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Notify returns once every target has settled. Outcomes keep target order.
func (n *HTTPNotifier) Notify(ctx context.Context, targets []Target) []Outcome {
	outcomes := make([]Outcome, len(targets))
	if len(targets) == 0 {
		return outcomes
	}
	var g errgroup.Group
	g.SetLimit(n.concurrency)
	for i, target := range targets {
		g.Go(func() error {
			outcomes[i] = n.send(ctx, target)
			return nil
		})
	}
	_ = g.Wait()

	if failed := Failed(outcomes); failed > 0 {
		n.logger.Warn("settings fan-out finished with failures", "targets", len(targets), "failed", failed)
	} else {
		n.logger.Info("settings fan-out finished", "targets", len(targets))
	}
	return outcomes
}

func (n *HTTPNotifier) send(ctx context.Context, target Target) Outcome {
	start := n.now()
	outcome := Outcome{Target: target}
	req, err := buildRequest(ctx, target)
	if err != nil {
		outcome.Err = err
		outcome.Duration = n.now().Sub(start)
		n.logFailure(outcome)
		return outcome
	}
	resp, err := n.client.Do(req)
	outcome.Duration = n.now().Sub(start)
	if err != nil {
		outcome.Err = fmt.Errorf("send %s request: %w", target.Kind, err)
		n.logFailure(outcome)
		return outcome
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	outcome.StatusCode = resp.StatusCode
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		outcome.Err = fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
		n.logFailure(outcome)
		return outcome
	}
	n.logger.Debug("target notified", "target", target.Name, "kind", target.Kind, "status", resp.StatusCode)
	return outcome
}

func buildRequest(ctx context.Context, target Target) (*http.Request, error) {
	switch target.Kind {
	case KindService:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Address+"/graphql", bytes.NewReader(refreshBody))
		if err != nil {
			return nil, fmt.Errorf("build service request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	case KindWeb:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Address+"/refreshSettings", nil)
		if err != nil {
			return nil, fmt.Errorf("build web request: %w", err)
		}
		return req, nil
	case KindWebhook:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.Address, nil)
		if err != nil {
			return nil, fmt.Errorf("build webhook request: %w", err)
		}
		return req, nil
	default:
		return nil, fmt.Errorf("unsupported target kind %q", target.Kind)
	}
}

func (n *HTTPNotifier) logFailure(o Outcome) {
	n.logger.Warn("target notification failed",
		"target", o.Target.Name,
		"kind", o.Target.Kind,
		"address", o.Target.Address,
		"status", o.StatusCode,
		"error", o.Err,
	)
}
