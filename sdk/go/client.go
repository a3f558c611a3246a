package factlinesdk

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

// Client is a minimal Factline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// SyncRun represents one dataset execution.
type SyncRun struct {
	ID               string  `json:"id"`
	Dataset          string  `json:"dataset"`
	SyncType         string  `json:"sync_type"`
	Status           string  `json:"status"`
	StartedAt        string  `json:"started_at"`
	CompletedAt      *string `json:"completed_at,omitempty"`
	RecordsProcessed int     `json:"records_processed"`
	RecordsSkipped   int     `json:"records_skipped"`
	Error            *string `json:"error,omitempty"`
}

// SyncInfo represents the sync schedule state.
type SyncInfo struct {
	LastSyncTime         *string `json:"last_sync_time"`
	SyncIntervalMinutes  int     `json:"sync_interval_minutes"`
	SecondsUntilNextSync int64   `json:"seconds_until_next_sync"`
}

// SyncCycle is the outcome of a triggered cycle.
type SyncCycle struct {
	StartedAt string    `json:"started_at"`
	Success   int       `json:"success"`
	Partial   int       `json:"partial"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Runs      []SyncRun `json:"runs"`
}

// Dataset represents a catalog entry with its mart state.
type Dataset struct {
	Dataset        string   `json:"dataset"`
	TargetTable    string   `json:"target_table"`
	Predecessors   []string `json:"predecessors"`
	Strategy       string   `json:"strategy"`
	BatchSize      int      `json:"batch_size"`
	Rows           int      `json:"rows"`
	Enabled        bool     `json:"enabled"`
	DisabledReason *string  `json:"disabled_reason,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.apiPath("health"), nil, nil)
}

// SyncInfo returns last sync time, interval, and countdown.
func (c *Client) SyncInfo(ctx context.Context) (SyncInfo, error) {
	var resp SyncInfo
	err := c.do(ctx, http.MethodGet, c.apiPath("sync-info"), nil, &resp)
	return resp, err
}

// TriggerSync runs a cycle now. An empty datasets list syncs everything;
// an empty syncType runs a manual cycle.
func (c *Client) TriggerSync(ctx context.Context, datasets []string, syncType string) (SyncCycle, error) {
	body := map[string]any{}
	if len(datasets) > 0 {
		body["datasets"] = datasets
	}
	if syncType != "" {
		body["sync_type"] = syncType
	}
	var resp SyncCycle
	err := c.do(ctx, http.MethodPost, c.apiPath("sync"), body, &resp)
	return resp, err
}

// Runs lists recent sync runs, newest first.
func (c *Client) Runs(ctx context.Context, dataset string, limit int) ([]SyncRun, error) {
	endpoint := c.apiPath("sync-runs")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if dataset != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%sdataset=%s", endpoint, sep, url.QueryEscape(dataset))
	}
	var resp []SyncRun
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Run fetches a sync run by id.
func (c *Client) Run(ctx context.Context, id string) (SyncRun, error) {
	var resp SyncRun
	endpoint := c.apiPath(fmt.Sprintf("sync-runs/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Datasets lists the catalog with per-dataset mart row counts.
func (c *Client) Datasets(ctx context.Context) ([]Dataset, error) {
	var resp []Dataset
	err := c.do(ctx, http.MethodGet, c.apiPath("datasets"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
