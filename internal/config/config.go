package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Known dataset names, in no particular order. The catalog owns the
// dependency DAG; config only tunes per-dataset knobs.
var KnownDatasets = []string{
	"contributors",
	"task_facts",
	"completions",
	"handle_times",
	"review_facts",
	"daily_rollups",
}

// Config models factline.yml.
type Config struct {
	Warehouse struct {
		Path                string `yaml:"path"`
		QueryTimeoutSeconds int    `yaml:"query_timeout_seconds"`
	} `yaml:"warehouse"`
	Scope struct {
		Project         string   `yaml:"project"`
		ExcludedBatches []string `yaml:"excluded_batches"`
		LookbackDays    int      `yaml:"lookback_days"`
	} `yaml:"scope"`
	Sync struct {
		IntervalMinutes int                      `yaml:"interval_minutes"`
		BatchSize       int                      `yaml:"batch_size"`
		KeepRuns        int                      `yaml:"keep_runs"`
		Datasets        map[string]DatasetConfig `yaml:"datasets"`
	} `yaml:"sync"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// DatasetConfig overrides per-dataset sync behavior.
type DatasetConfig struct {
	BatchSize int  `yaml:"batch_size"`
	Disabled  bool `yaml:"disabled"`
}

// WebhookConfig is one notification endpoint. Every terminal sync run
// whose status matches the filter is posted there after the cycle.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Statuses       []string `yaml:"statuses"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "factline.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scope.Project == "" {
		return fmt.Errorf("config.scope.project is required")
	}
	if c.Scope.LookbackDays < 0 {
		return fmt.Errorf("config.scope.lookback_days must not be negative")
	}
	for _, b := range c.Scope.ExcludedBatches {
		if b == "" {
			return fmt.Errorf("config.scope.excluded_batches contains an empty batch key")
		}
	}
	if c.Sync.IntervalMinutes <= 0 {
		return fmt.Errorf("config.sync.interval_minutes must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("config.sync.batch_size must be positive")
	}
	if c.Sync.KeepRuns < 0 {
		return fmt.Errorf("config.sync.keep_runs must not be negative")
	}
	if c.Warehouse.QueryTimeoutSeconds <= 0 {
		return fmt.Errorf("config.warehouse.query_timeout_seconds must be positive")
	}
	for name, ds := range c.Sync.Datasets {
		if !knownDataset(name) {
			return fmt.Errorf("config.sync.datasets references unknown dataset %s", name)
		}
		if ds.BatchSize < 0 {
			return fmt.Errorf("dataset %s batch_size must not be negative", name)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

func knownDataset(name string) bool {
	for _, d := range KnownDatasets {
		if d == name {
			return true
		}
	}
	return false
}

// Interval returns the sync interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Sync.IntervalMinutes) * time.Minute
}

// QueryTimeout returns the maximum warehouse query duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Warehouse.QueryTimeoutSeconds) * time.Second
}

// BatchSizeFor returns the effective batch size for a dataset.
func (c *Config) BatchSizeFor(dataset string) int {
	if ds, ok := c.Sync.Datasets[dataset]; ok && ds.BatchSize > 0 {
		return ds.BatchSize
	}
	return c.Sync.BatchSize
}

// Enabled reports whether a dataset takes part in sync cycles.
func (c *Config) Enabled(dataset string) bool {
	if ds, ok := c.Sync.Datasets[dataset]; ok {
		return !ds.Disabled
	}
	return true
}

// Default returns the default Config for a project.
func Default(project string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(project)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(project string) string {
	return fmt.Sprintf(defaultTemplate, project)
}

const defaultTemplate = `warehouse:
  # Path to the DuckDB database file; empty runs an in-memory instance.
  path: warehouse.duckdb
  query_timeout_seconds: 120

scope:
  project: %s
  # Batches excluded from every extraction query (drafts, decommissioned).
  excluded_batches: []
  # Event history window; 0 means no lower bound.
  lookback_days: 90

sync:
  interval_minutes: 30
  batch_size: 500
  # Sync-run log retention per dataset; 0 keeps everything.
  keep_runs: 200
  datasets: {}

server:
  addr: 127.0.0.1:8400
  base_path: /v0

# Endpoints notified per terminal sync run after each daemon cycle.
# statuses filters which runs are posted; empty means all of them.
# webhooks:
#   - url: https://example.test/hooks/factline
#     statuses: [failed, partial]
webhooks: []
`
