package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDatabaseDriver selects sqlite unless overridden.
	DefaultDatabaseDriver = "sqlite"

	// DefaultDatabasePath is the default sqlite file path.
	DefaultDatabasePath = "./memobench.db"

	// DefaultResultsDir is the default directory for run results.
	DefaultResultsDir = "./results"

	// DefaultLogsDir is the default directory for run logs.
	DefaultLogsDir = "./logs"

	// DefaultVaultTitle is the default shared vault title.
	DefaultVaultTitle = "longmemeval"

	// DefaultIngestModel is the default chat model specifier.
	DefaultIngestModel = "openai:gpt-4o-mini"

	// DefaultWorkerCount is the default worker pool size.
	DefaultWorkerCount = 4

	// DefaultRequestsPerMinute throttles chat completions per process.
	DefaultRequestsPerMinute = 60
)

// Durations applied when the config file omits a field.
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMonitorInterval = 5 * time.Second
	DefaultIngestTimeout   = 2 * time.Hour
	DefaultQATimeout       = 15 * time.Minute
	DefaultTaskRetryDelay  = 60 * time.Second
	DefaultQARetryDelay    = 30 * time.Second
	DefaultStuckThreshold  = 30 * time.Minute
)

// Attempt budgets for queued tasks.
const (
	DefaultTaskMaxAttempts = 3
	DefaultQAMaxAttempts   = 2
)

// envPrefix is the prefix for environment variable overrides,
// e.g. MEMOBENCH_MODELS_QA overrides models.qa.
const envPrefix = "MEMOBENCH"

// Config is the root configuration for memobench.
type Config struct {
	Dataset  string         `yaml:"dataset" mapstructure:"dataset"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Service  ServiceConfig  `yaml:"service" mapstructure:"service"`
	Models   ModelsConfig   `yaml:"models" mapstructure:"models"`
	Agent    AgentConfig    `yaml:"agent" mapstructure:"agent"`
	Search   SearchConfig   `yaml:"search" mapstructure:"search"`
	Workers  WorkersConfig  `yaml:"workers" mapstructure:"workers"`
	Results  ResultsConfig  `yaml:"results" mapstructure:"results"`
}

// DatabaseConfig selects the progress and task queue backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" mapstructure:"driver"`
	// Path is the sqlite file path. Ignored for postgres.
	Path string `yaml:"path" mapstructure:"path"`
	// DSN is the postgres connection string. Ignored for sqlite.
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// ServiceConfig points at the memory service under test.
type ServiceConfig struct {
	URL        string `yaml:"url" mapstructure:"url"`
	VaultTitle string `yaml:"vault_title" mapstructure:"vault_title"`
}

// ModelsConfig names the chat models as "provider:model" specifiers.
// QA falls back to Ingest and Judge falls back to QA when empty.
type ModelsConfig struct {
	Ingest string `yaml:"ingest" mapstructure:"ingest"`
	QA     string `yaml:"qa" mapstructure:"qa"`
	Judge  string `yaml:"judge" mapstructure:"judge"`
	// RequestsPerMinute throttles chat completions across a worker
	// process. Zero means no throttle.
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// AgentConfig tunes the ingestion agent.
type AgentConfig struct {
	// ContextOnly skips per-message tool calls and carries the raw
	// transcript into context synthesis instead.
	ContextOnly bool `yaml:"context_only" mapstructure:"context_only"`
}

// SearchConfig tunes answer-time retrieval.
type SearchConfig struct {
	UseTwoPass bool `yaml:"use_two_pass" mapstructure:"use_two_pass"`
}

// WorkersConfig tunes the worker pool and task queue.
type WorkersConfig struct {
	Count           int           `yaml:"count" mapstructure:"count"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	MonitorInterval time.Duration `yaml:"monitor_interval" mapstructure:"monitor_interval"`
	IngestTimeout   time.Duration `yaml:"ingest_timeout" mapstructure:"ingest_timeout"`
	QATimeout       time.Duration `yaml:"qa_timeout" mapstructure:"qa_timeout"`
	TaskMaxAttempts int           `yaml:"task_max_attempts" mapstructure:"task_max_attempts"`
	TaskRetryDelay  time.Duration `yaml:"task_retry_delay" mapstructure:"task_retry_delay"`
	QAMaxAttempts   int           `yaml:"qa_max_attempts" mapstructure:"qa_max_attempts"`
	QARetryDelay    time.Duration `yaml:"qa_retry_delay" mapstructure:"qa_retry_delay"`
	StuckThreshold  time.Duration `yaml:"stuck_threshold" mapstructure:"stuck_threshold"`
}

// ResultsConfig places run artifacts on disk.
type ResultsConfig struct {
	Dir     string `yaml:"dir" mapstructure:"dir"`
	LogsDir string `yaml:"logs_dir" mapstructure:"logs_dir"`
}

// Load reads the YAML config file, merges MEMOBENCH_* environment
// overrides on top, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// envKeys lists the dotted config keys that may be overridden from the
// environment. Secrets and per-machine paths, mostly.
var envKeys = []string{
	"dataset",
	"database.driver", "database.path", "database.dsn",
	"service.url", "service.vault_title",
	"models.ingest", "models.qa", "models.judge",
	"results.dir", "results.logs_dir",
}

func (c *Config) applyEnvOverrides() error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envKeys {
		if val := v.GetString(key); val != "" {
			v.Set(key, val)
		}
	}

	return v.Unmarshal(c)
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}

	if c.Service.VaultTitle == "" {
		c.Service.VaultTitle = DefaultVaultTitle
	}

	if c.Models.Ingest == "" {
		c.Models.Ingest = DefaultIngestModel
	}

	if c.Models.QA == "" {
		c.Models.QA = c.Models.Ingest
	}

	if c.Models.Judge == "" {
		c.Models.Judge = c.Models.QA
	}

	if c.Models.RequestsPerMinute == 0 {
		c.Models.RequestsPerMinute = DefaultRequestsPerMinute
	}

	if c.Workers.Count == 0 {
		c.Workers.Count = DefaultWorkerCount
	}

	if c.Workers.PollInterval == 0 {
		c.Workers.PollInterval = DefaultPollInterval
	}

	if c.Workers.MonitorInterval == 0 {
		c.Workers.MonitorInterval = DefaultMonitorInterval
	}

	if c.Workers.IngestTimeout == 0 {
		c.Workers.IngestTimeout = DefaultIngestTimeout
	}

	if c.Workers.QATimeout == 0 {
		c.Workers.QATimeout = DefaultQATimeout
	}

	if c.Workers.TaskMaxAttempts == 0 {
		c.Workers.TaskMaxAttempts = DefaultTaskMaxAttempts
	}

	if c.Workers.TaskRetryDelay == 0 {
		c.Workers.TaskRetryDelay = DefaultTaskRetryDelay
	}

	if c.Workers.QAMaxAttempts == 0 {
		c.Workers.QAMaxAttempts = DefaultQAMaxAttempts
	}

	if c.Workers.QARetryDelay == 0 {
		c.Workers.QARetryDelay = DefaultQARetryDelay
	}

	if c.Workers.StuckThreshold == 0 {
		c.Workers.StuckThreshold = DefaultStuckThreshold
	}

	if c.Results.Dir == "" {
		c.Results.Dir = DefaultResultsDir
	}

	if c.Results.LogsDir == "" {
		c.Results.LogsDir = DefaultLogsDir
	}
}

var validDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.Dataset == "" {
		return fmt.Errorf("dataset path is required")
	}

	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required for postgres driver")
	}

	if c.Service.URL == "" {
		return fmt.Errorf("service url is required")
	}

	if c.Workers.Count < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}

	for name, spec := range map[string]string{
		"ingest": c.Models.Ingest,
		"qa":     c.Models.QA,
		"judge":  c.Models.Judge,
	} {
		if strings.TrimSpace(spec) == "" {
			return fmt.Errorf("model %s must not be empty", name)
		}
	}

	return nil
}
