package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment  string             `toml:"environment"` // "development" or "production"
	Server       ServerConfig       `toml:"server"`
	Storage      StorageConfig      `toml:"storage"`
	Logging      LoggingConfig      `toml:"logging"`
	Remote       RemoteConfig       `toml:"remote"`
	Sync         SyncConfig         `toml:"sync"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Agent        AgentConfig        `toml:"agent"`
	WebSocket    WebSocketConfig    `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Type   string       `toml:"type"` // only "badger" is supported
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// RemoteConfig describes the remote data service drafts are replayed against
type RemoteConfig struct {
	BaseURL        string `toml:"base_url"`        // e.g. https://project.supabase.co
	APIKey         string `toml:"api_key"`         // Sent as the apikey header when set
	RequestTimeout string `toml:"request_timeout"` // Per-insert HTTP timeout (e.g. "30s")
	RateLimit      int    `toml:"rate_limit"`      // Inserts per second during a sync pass
}

// SyncConfig controls when the sync engine runs
type SyncConfig struct {
	SyncOnStartup bool   `toml:"sync_on_startup"` // Run one pass at startup when online
	ManualLimit   string `toml:"manual_limit"`    // Minimum interval between manual sync requests (e.g. "2s")
}

// ConnectivityConfig configures the platform signal sources
type ConnectivityConfig struct {
	InitiallyOnline bool   `toml:"initially_online"`
	StatusFile      string `toml:"status_file"` // Optional file containing "online" or "offline", watched for changes
}

// AgentConfig configures the background update agent
type AgentConfig struct {
	Enabled        bool     `toml:"enabled"`
	OriginURL      string   `toml:"origin_url"`      // Where the front-end build is served from
	CachePrefix    string   `toml:"cache_prefix"`    // Cache name prefix, combined with the build version
	VersionPath    string   `toml:"version_path"`    // Always-fresh build descriptor
	Precache       []string `toml:"precache"`        // Entry-point resources populated at install time
	BypassHosts    []string `toml:"bypass_hosts"`    // Requests to these hosts are never cached
	UpdateSchedule string   `toml:"update_schedule"` // Cron spec for the background freshness check
	FetchTimeout   string   `toml:"fetch_timeout"`   // Network timeout for resource fetches
}

// WebSocketConfig contains configuration for the foreground channel
type WebSocketConfig struct {
	// Throttle intervals for high-frequency events. Map of event type to duration string.
	// Example: {"drafts_changed": "250ms"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path: "./data/gmp-labwork",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Remote: RemoteConfig{
			BaseURL:        "",
			RequestTimeout: "30s",
			RateLimit:      20,
		},
		Sync: SyncConfig{
			SyncOnStartup: true,
			ManualLimit:   "2s",
		},
		Connectivity: ConnectivityConfig{
			InitiallyOnline: true,
		},
		Agent: AgentConfig{
			Enabled:        true,
			OriginURL:      "http://localhost:5173",
			CachePrefix:    "gmp-labwork",
			VersionPath:    "/version.json",
			Precache:       []string{"/", "/index.html", "/manifest.json"},
			BypassHosts:    []string{"supabase.co"},
			UpdateSchedule: "@every 5m",
			FetchTimeout:   "15s",
		},
		WebSocket: WebSocketConfig{
			ThrottleIntervals: map[string]string{
				"drafts_changed": "250ms",
			},
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards by ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("LABWORK_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("LABWORK_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("LABWORK_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if badgerPath := os.Getenv("LABWORK_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if level := os.Getenv("LABWORK_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("LABWORK_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if baseURL := os.Getenv("LABWORK_REMOTE_URL"); baseURL != "" {
		config.Remote.BaseURL = baseURL
	}
	if apiKey := os.Getenv("LABWORK_REMOTE_API_KEY"); apiKey != "" {
		config.Remote.APIKey = apiKey
	}
	if rateLimit := os.Getenv("LABWORK_REMOTE_RATE_LIMIT"); rateLimit != "" {
		if n, err := strconv.Atoi(rateLimit); err == nil {
			config.Remote.RateLimit = n
		}
	}

	if origin := os.Getenv("LABWORK_AGENT_ORIGIN"); origin != "" {
		config.Agent.OriginURL = origin
	}
	if statusFile := os.Getenv("LABWORK_STATUS_FILE"); statusFile != "" {
		config.Connectivity.StatusFile = statusFile
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	if c.Storage.Type != "" && c.Storage.Type != "badger" {
		return fmt.Errorf("unsupported storage type: %s (only 'badger' is supported)", c.Storage.Type)
	}
	if c.Storage.Badger.Path == "" {
		return fmt.Errorf("storage.badger.path is required")
	}
	if c.Agent.Enabled {
		if _, err := cron.ParseStandard(c.Agent.UpdateSchedule); err != nil {
			return fmt.Errorf("invalid agent.update_schedule %q: %w", c.Agent.UpdateSchedule, err)
		}
		if c.Agent.FetchTimeout != "" {
			if _, err := time.ParseDuration(c.Agent.FetchTimeout); err != nil {
				return fmt.Errorf("invalid agent.fetch_timeout %q: %w", c.Agent.FetchTimeout, err)
			}
		}
	}
	if c.Remote.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.Remote.RequestTimeout); err != nil {
			return fmt.Errorf("invalid remote.request_timeout %q: %w", c.Remote.RequestTimeout, err)
		}
	}
	if c.Remote.RateLimit < 0 {
		return fmt.Errorf("remote.rate_limit must not be negative")
	}
	if c.Sync.ManualLimit != "" {
		if _, err := time.ParseDuration(c.Sync.ManualLimit); err != nil {
			return fmt.Errorf("invalid sync.manual_limit %q: %w", c.Sync.ManualLimit, err)
		}
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseDuration parses a duration string, returning fallback when empty or invalid
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
