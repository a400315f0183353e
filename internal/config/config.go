package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/oktsec/actiongate/internal/safefile"
	"gopkg.in/yaml.v3"
)

// maxConfigBytes bounds the config file read.
const maxConfigBytes = 1 << 20

// Config is the top-level actiongate configuration.
type Config struct {
	Version      string             `yaml:"version"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Triage       TriageConfig       `yaml:"triage"`
	Watchers     WatchersConfig     `yaml:"watchers"`
	Policy       PolicyConfig       `yaml:"policy"`
	Approval     ApprovalConfig     `yaml:"approval"`
	Audit        AuditConfig        `yaml:"audit"`
	Executors    ExecutorsConfig    `yaml:"executors"`
	Webhooks     []Webhook          `yaml:"webhooks,omitempty"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"`                // Address to bind (default: 127.0.0.1)
	APIToken string `yaml:"api_token,omitempty"` // bearer token for mutating endpoints
}

// OrchestratorConfig controls the executor coordinator loop.
type OrchestratorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	DryRun       bool          `yaml:"dry_run"`
	Interrupted  string        `yaml:"interrupted"` // retry or fail
}

// TriageConfig controls how new action items become approval requests.
type TriageConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Routes       []Route       `yaml:"routes,omitempty"`
}

// Route maps an item kind to the external action triage proposes for it.
// Parameter values may reference {sender}, {subject}, {content} and {id}.
type Route struct {
	Kind          string            `yaml:"kind"`
	ActionType    string            `yaml:"action_type"`
	TargetSystem  string            `yaml:"target_system"`
	Operation     string            `yaml:"operation"`
	Parameters    map[string]string `yaml:"parameters,omitempty"`
	DraftTemplate string            `yaml:"draft_template,omitempty"`
}

// WatchersConfig configures watcher loops and their state ledger.
type WatchersConfig struct {
	PollInterval time.Duration    `yaml:"poll_interval"`
	Ledger       string           `yaml:"ledger"` // badger or redis
	RedisURL     string           `yaml:"redis_url,omitempty"`
	DropFolder   DropFolderConfig `yaml:"drop_folder"`
}

// DropFolderConfig configures the filesystem drop-folder watcher.
type DropFolderConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Path         string `yaml:"path"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
}

// PolicyConfig locates the permission-boundary handbook.
type PolicyConfig struct {
	Path           string `yaml:"path"`
	ScanDrafts     bool   `yaml:"scan_drafts"`
	CustomRulesDir string `yaml:"custom_rules_dir,omitempty"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	ExpiryHours int `yaml:"expiry_hours"` // 0 = pending requests never expire
}

// AuditConfig configures the execution audit log.
type AuditConfig struct {
	PreviewLength int `yaml:"preview_length"`
}

// ExecutorsConfig lists the external executors available to the orchestrator.
type ExecutorsConfig struct {
	Webhooks []WebhookExecutor `yaml:"webhooks,omitempty"`
}

// WebhookExecutor posts execution plans for one target system to a URL.
type WebhookExecutor struct {
	TargetSystem string        `yaml:"target_system"`
	URL          string        `yaml:"url"`
	TokenEnv     string        `yaml:"token_env,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	// AllowPrivate permits loopback and private-range destinations, for
	// executors running next to actiongate.
	AllowPrivate bool `yaml:"allow_private,omitempty"`
}

// Webhook defines an outgoing notification endpoint.
type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"` // approval_requested, approval_decided, execution_failed, watcher_failed
	// Template is an optional plain-text body; see notify.RenderTemplate.
	Template string `yaml:"template,omitempty"`
}

// TelemetryConfig toggles tracing export.
type TelemetryConfig struct {
	Tracing bool `yaml:"tracing"`
}

// Load reads and parses an actiongate config file.
func Load(path string) (*Config, error) {
	data, err := safefile.ReadFileMax(path, maxConfigBytes)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply zero-value defaults after unmarshal
	cfg.applyDefaults()
	return cfg, nil
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version:  "1",
		DataDir:  "./actiongate-data",
		LogLevel: "info",
		Server: ServerConfig{
			Port: 8090,
		},
		Orchestrator: OrchestratorConfig{
			PollInterval: 10 * time.Second,
			MaxRetries:   3,
			BaseDelay:    time.Second,
			Interrupted:  "retry",
		},
		Triage: TriageConfig{
			PollInterval: 30 * time.Second,
		},
		Watchers: WatchersConfig{
			PollInterval: time.Minute,
			Ledger:       "badger",
			DropFolder: DropFolderConfig{
				MaxFileBytes: 1 << 20,
			},
		},
		Policy: PolicyConfig{
			Path:       "Permission_Boundaries.md",
			ScanDrafts: true,
		},
		Audit: AuditConfig{
			PreviewLength: 200,
		},
	}
}

func (c *Config) applyDefaults() {
	d := Defaults()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Orchestrator.PollInterval == 0 {
		c.Orchestrator.PollInterval = d.Orchestrator.PollInterval
	}
	if c.Orchestrator.MaxRetries == 0 {
		c.Orchestrator.MaxRetries = d.Orchestrator.MaxRetries
	}
	if c.Orchestrator.BaseDelay == 0 {
		c.Orchestrator.BaseDelay = d.Orchestrator.BaseDelay
	}
	if c.Orchestrator.Interrupted == "" {
		c.Orchestrator.Interrupted = d.Orchestrator.Interrupted
	}
	if c.Triage.PollInterval == 0 {
		c.Triage.PollInterval = d.Triage.PollInterval
	}
	if c.Watchers.PollInterval == 0 {
		c.Watchers.PollInterval = d.Watchers.PollInterval
	}
	if c.Watchers.Ledger == "" {
		c.Watchers.Ledger = d.Watchers.Ledger
	}
	if c.Watchers.DropFolder.MaxFileBytes == 0 {
		c.Watchers.DropFolder.MaxFileBytes = d.Watchers.DropFolder.MaxFileBytes
	}
	if c.Audit.PreviewLength == 0 {
		c.Audit.PreviewLength = d.Audit.PreviewLength
	}
}

// DBPath is the SQLite file holding stage collections and audit partitions.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "actiongate.db")
}

// LedgerDir is the badger directory holding watcher state.
func (c *Config) LedgerDir() string {
	return filepath.Join(c.DataDir, "watchers")
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := safefile.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries must not be negative")
	}
	if c.Orchestrator.PollInterval <= 0 || c.Triage.PollInterval <= 0 || c.Watchers.PollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	switch c.Orchestrator.Interrupted {
	case "retry", "fail":
	default:
		return fmt.Errorf("orchestrator.interrupted must be retry or fail, got %q", c.Orchestrator.Interrupted)
	}
	switch c.Watchers.Ledger {
	case "badger":
	case "redis":
		if c.Watchers.RedisURL == "" {
			return fmt.Errorf("watchers.redis_url is required when ledger is redis")
		}
	default:
		return fmt.Errorf("watchers.ledger must be badger or redis, got %q", c.Watchers.Ledger)
	}
	if c.Watchers.DropFolder.Enabled && c.Watchers.DropFolder.Path == "" {
		return fmt.Errorf("watchers.drop_folder.path is required when the drop folder is enabled")
	}
	if c.Approval.ExpiryHours < 0 {
		return fmt.Errorf("approval.expiry_hours must not be negative")
	}
	seenKinds := make(map[string]bool)
	for i, r := range c.Triage.Routes {
		if r.Kind == "" || r.ActionType == "" || r.TargetSystem == "" || r.Operation == "" {
			return fmt.Errorf("triage route %d needs kind, action_type, target_system and operation", i)
		}
		if seenKinds[r.Kind] {
			return fmt.Errorf("triage route for kind %q is defined twice", r.Kind)
		}
		seenKinds[r.Kind] = true
	}
	for _, ex := range c.Executors.Webhooks {
		if ex.TargetSystem == "" || ex.URL == "" {
			return fmt.Errorf("executor webhooks need target_system and url")
		}
	}
	return nil
}
