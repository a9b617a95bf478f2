// ABOUTME: Configuration loading and parsing for cdx-agent
// ABOUTME: Supports YAML or TOML files with environment variable expansion, overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied before the file is decoded.
const (
	DefaultTimestampTolerance = 60
	DefaultRoutePrefix        = "cdx-agent"
	DefaultRateLimit          = 60
	DefaultMaxBodyBytes       = 1 << 20
	DefaultCommandTimeout     = 60 * time.Second
	DefaultUpdateTimeout      = 120 * time.Second
)

// ErrNoConfigPath is returned by DefaultPath when no candidate location can be derived.
var ErrNoConfigPath = errors.New("no config path: set CDX_AGENT_CONFIG")

// Config represents the complete cdx-agent configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale" toml:"tailscale"`
	Agent         AgentConfig         `yaml:"agent" toml:"agent"`
	App           AppConfig           `yaml:"app" toml:"app"`
	Features      FeaturesConfig      `yaml:"features" toml:"features"`
	Commands      CommandsConfig      `yaml:"commands" toml:"commands"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Queue         QueueConfig         `yaml:"queue" toml:"queue"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance" toml:"maintenance"`
	Caches        []CacheConfig       `yaml:"caches" toml:"caches"`
	Backups       BackupsConfig       `yaml:"backups" toml:"backups"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
	Scheduler     SchedulerConfig     `yaml:"scheduler" toml:"scheduler"`
	Update        UpdateConfig        `yaml:"update" toml:"update"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve on :443 with tailnet certificates
}

// AgentConfig holds the authentication gate settings
type AgentConfig struct {
	Secret             string `yaml:"secret" toml:"secret"`
	TimestampTolerance int64  `yaml:"timestamp_tolerance" toml:"timestamp_tolerance"` // seconds
	LogFailedAttempts  bool   `yaml:"log_failed_attempts" toml:"log_failed_attempts"`
	RoutePrefix        string `yaml:"route_prefix" toml:"route_prefix"`
	RateLimit          int    `yaml:"rate_limit" toml:"rate_limit"` // requests per minute, 0 disables
	MaxBodyBytes       int64  `yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// AppConfig describes the application the agent reports on
type AppConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Env      string `yaml:"env" toml:"env"`
	Timezone string `yaml:"timezone" toml:"timezone"`
	BasePath string `yaml:"base_path" toml:"base_path"`
}

// FeaturesConfig enables or disables individual operations
type FeaturesConfig struct {
	Health      bool `yaml:"health" toml:"health"`
	Maintenance bool `yaml:"maintenance" toml:"maintenance"`
	CacheClear  bool `yaml:"cache_clear" toml:"cache_clear"`
	GitInfo     bool `yaml:"git_info" toml:"git_info"`
	QueueInfo   bool `yaml:"queue_info" toml:"queue_info"`
	Commands    bool `yaml:"commands" toml:"commands"`
	Backup      bool `yaml:"backup" toml:"backup"`
	Alerts      bool `yaml:"alerts" toml:"alerts"`
}

// CommandsConfig holds the remote command whitelist.
// A name in Allowed runs as Runner + name + parameters unless Definitions
// maps it to an explicit argv.
type CommandsConfig struct {
	Runner      []string            `yaml:"runner" toml:"runner"`
	Allowed     []string            `yaml:"allowed" toml:"allowed"`
	Definitions map[string][]string `yaml:"definitions" toml:"definitions"`
	Dir         string              `yaml:"dir" toml:"dir"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// QueueConfig names the job tables to inspect
type QueueConfig struct {
	JobsTable   string `yaml:"jobs_table" toml:"jobs_table"`
	FailedTable string `yaml:"failed_table" toml:"failed_table"`
}

// MaintenanceConfig holds the maintenance flag file location
type MaintenanceConfig struct {
	File string `yaml:"file" toml:"file"`
}

// CacheConfig names a cache directory cleared by clear-caches
type CacheConfig struct {
	Name string `yaml:"name" toml:"name"`
	Path string `yaml:"path" toml:"path"`
}

// BackupsConfig lists directories scanned for backup archives
type BackupsConfig struct {
	Paths      []string `yaml:"paths" toml:"paths"`
	Extensions []string `yaml:"extensions" toml:"extensions"`
}

// NotificationsConfig holds alert channel settings
type NotificationsConfig struct {
	SlackWebhookURL   string `yaml:"slack_webhook_url" toml:"slack_webhook_url"`
	DiscordWebhookURL string `yaml:"discord_webhook_url" toml:"discord_webhook_url"`
	MailFrom          string `yaml:"mail_from" toml:"mail_from"`
}

// ScheduledTask describes one entry of the host application's schedule
type ScheduledTask struct {
	Command            string `yaml:"command" toml:"command"`
	Expression         string `yaml:"expression" toml:"expression"`
	Description        string `yaml:"description" toml:"description"`
	Timezone           string `yaml:"timezone" toml:"timezone"`
	WithoutOverlapping bool   `yaml:"without_overlapping" toml:"without_overlapping"`
	InBackground       bool   `yaml:"in_background" toml:"in_background"`
}

// SchedulerConfig lists scheduled tasks and the heartbeat file touched by the scheduler
type SchedulerConfig struct {
	Tasks         []ScheduledTask `yaml:"tasks" toml:"tasks"`
	HeartbeatFile string          `yaml:"heartbeat_file" toml:"heartbeat_file"`
}

// UpdateConfig holds the self-update command
type UpdateConfig struct {
	Command []string `yaml:"command" toml:"command"`
	Dir     string   `yaml:"dir" toml:"dir"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a Config populated with defaults. Load decodes the file on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "127.0.0.1:8787"},
		Agent: AgentConfig{
			TimestampTolerance: DefaultTimestampTolerance,
			LogFailedAttempts:  true,
			RoutePrefix:        DefaultRoutePrefix,
			RateLimit:          DefaultRateLimit,
			MaxBodyBytes:       DefaultMaxBodyBytes,
		},
		App: AppConfig{
			Name:     "app",
			Env:      "production",
			Timezone: "UTC",
		},
		Features: FeaturesConfig{
			Health:      true,
			Maintenance: true,
			CacheClear:  true,
			GitInfo:     true,
			QueueInfo:   true,
			Commands:    true,
			Backup:      true,
			Alerts:      true,
		},
		Commands: CommandsConfig{Timeout: DefaultCommandTimeout},
		Queue: QueueConfig{
			JobsTable:   "jobs",
			FailedTable: "failed_jobs",
		},
		Backups: BackupsConfig{Extensions: []string{".zip", ".sql", ".gz", ".tar"}},
		Update:  UpdateConfig{Timeout: DefaultUpdateTimeout},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// DefaultPath resolves the config file location: CDX_AGENT_CONFIG, then
// $XDG_CONFIG_HOME/cdx-agent/agent.yaml, then ~/.config/cdx-agent/agent.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv("CDX_AGENT_CONFIG"); p != "" {
		return p, nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cdx-agent", "agent.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "", ErrNoConfigPath
	}
	return filepath.Join(home, ".config", "cdx-agent", "agent.yaml"), nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, CDX_AGENT_*
// overrides are applied and duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.Agent.RoutePrefix = strings.Trim(cfg.Agent.RoutePrefix, "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets the deployment environment override gate settings
// without editing the file.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CDX_AGENT_SECRET"); v != "" {
		cfg.Agent.Secret = v
	}
	if v := os.Getenv("CDX_AGENT_TIMESTAMP_TOLERANCE"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("CDX_AGENT_TIMESTAMP_TOLERANCE %q: %w", v, err)
		}
		cfg.Agent.TimestampTolerance = n
	}
	if v := os.Getenv("CDX_AGENT_LOG_FAILED_ATTEMPTS"); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CDX_AGENT_LOG_FAILED_ATTEMPTS %q: %w", v, err)
		}
		cfg.Agent.LogFailedAttempts = b
	}
	if v := os.Getenv("CDX_AGENT_ROUTE_PREFIX"); v != "" {
		cfg.Agent.RoutePrefix = v
	}
	if v := os.Getenv("CDX_AGENT_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CDX_AGENT_RATE_LIMIT %q: %w", v, err)
		}
		cfg.Agent.RateLimit = n
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
// An empty agent.secret is accepted: the gate then refuses every request.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agent.TimestampTolerance < 0 {
		return fmt.Errorf("agent.timestamp_tolerance must not be negative")
	}

	if c.Agent.RateLimit < 0 {
		return fmt.Errorf("agent.rate_limit must not be negative")
	}

	if c.Agent.MaxBodyBytes <= 0 {
		return fmt.Errorf("agent.max_body_bytes must be positive")
	}

	if strings.Contains(c.Agent.RoutePrefix, "//") {
		return fmt.Errorf("agent.route_prefix %q is malformed", c.Agent.RoutePrefix)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	for name, argv := range c.Commands.Definitions {
		if len(argv) == 0 {
			return fmt.Errorf("commands.definitions.%s must not be empty", name)
		}
	}

	for i, cache := range c.Caches {
		if cache.Name == "" || cache.Path == "" {
			return fmt.Errorf("caches[%d] requires name and path", i)
		}
		if _, err := c.CachePath(cache.Path); err != nil {
			return fmt.Errorf("caches[%d]: %w", i, err)
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Commands.TimeoutRaw != "" {
		cfg.Commands.Timeout, err = time.ParseDuration(cfg.Commands.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing commands.timeout %q: %w", cfg.Commands.TimeoutRaw, err)
		}
	}

	if cfg.Update.TimeoutRaw != "" {
		cfg.Update.Timeout, err = time.ParseDuration(cfg.Update.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing update.timeout %q: %w", cfg.Update.TimeoutRaw, err)
		}
	}

	return nil
}

// ErrUnsafeCachePath is returned for a cache path that would empty a
// filesystem root, the working directory, or the application itself.
var ErrUnsafeCachePath = errors.New("cache path must be a directory below app.base_path or an absolute non-root directory")

// CachePath resolves a cache path and rejects locations clear-caches must never
// empty: a filesystem root, ".", app.base_path, or any ancestor of it.
func (c *Config) CachePath(p string) (string, error) {
	resolved := filepath.Clean(c.ResolvePath(p))
	if resolved == "." || filepath.Dir(resolved) == resolved || escapesWorkingDir(resolved) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeCachePath, p)
	}
	if c.App.BasePath != "" {
		rel, err := filepath.Rel(resolved, filepath.Clean(c.App.BasePath))
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %q contains %s", ErrUnsafeCachePath, p, c.App.BasePath)
		}
	}
	return resolved, nil
}

func escapesWorkingDir(p string) bool {
	return !filepath.IsAbs(p) && (p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)))
}

// ResolvePath joins a relative path onto app.base_path.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.App.BasePath == "" {
		return p
	}
	return filepath.Join(c.App.BasePath, p)
}
