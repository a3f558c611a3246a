package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"factline/internal/config"
	"factline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Notifier posts terminal sync runs to configured webhook endpoints after
// a cycle finishes. Delivery is best-effort: failures are logged and never
// affect the cycle outcome.
type Notifier struct {
	Webhooks []config.WebhookConfig
	Client   *http.Client
	Log      *log.Logger
}

// NewNotifier returns nil when no webhooks are configured, so callers can
// hold the result unconditionally.
func NewNotifier(hooks []config.WebhookConfig, logger *log.Logger) *Notifier {
	if len(hooks) == 0 {
		return nil
	}
	return &Notifier{
		Webhooks: hooks,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Log:      logger,
	}
}

type webhookEvent struct {
	CycleStartedAt time.Time      `json:"cycle_started_at"`
	Run            domain.SyncRun `json:"run"`
}

// Notify delivers every matching run of the cycle to every enabled hook.
func (n *Notifier) Notify(ctx context.Context, res CycleResult) {
	if n == nil {
		return
	}
	for _, hook := range n.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		filter := newStatusFilter(hook.Statuses)
		for _, run := range res.Runs {
			if !filter.match(run.Status) {
				continue
			}
			if err := n.post(ctx, hook, res.StartedAt, run); err != nil {
				n.logf("webhook %s: run %s: %v", hook.URL, run.ID, err)
			}
		}
	}
}

func (n *Notifier) post(ctx context.Context, hook config.WebhookConfig, cycleStart time.Time, run domain.SyncRun) error {
	data, err := json.Marshal(webhookEvent{CycleStartedAt: cycleStart, Run: run})
	if err != nil {
		return err
	}
	client := n.Client
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if client == nil || timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Factline-Event", "sync-run")
	req.Header.Set("X-Factline-Dataset", run.Dataset)
	req.Header.Set("X-Factline-Delivery", run.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Factline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (n *Notifier) logf(format string, args ...any) {
	if n.Log != nil {
		n.Log.Printf(format, args...)
	}
}

type statusFilter struct {
	all bool
	set map[string]struct{}
}

func newStatusFilter(statuses []string) statusFilter {
	if len(statuses) == 0 {
		return statusFilter{all: true}
	}
	set := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		key := strings.TrimSpace(s)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return statusFilter{all: true}
	}
	return statusFilter{set: set}
}

func (f statusFilter) match(status string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[status]
	return ok
}
