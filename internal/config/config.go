// Package config loads relay settings from config.yaml and RELAY_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment variable; "__" separates levels,
	// so RELAY_UPSTREAM__BASE_URL sets upstream.base_url.
	EnvPrefix = "RELAY_"

	// DefaultFile is read when present.
	DefaultFile = "config.yaml"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	IAM       IAMConfig       `koanf:"iam"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Flow      FlowConfig      `koanf:"flow"`
	Storage   StorageConfig   `koanf:"storage"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// RequestTimeout in seconds
	RequestTimeout int `koanf:"request_timeout"`
	// AllowedOrigins is "*" or a comma separated origin list
	AllowedOrigins string `koanf:"allowed_origins"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

type IAMConfig struct {
	URL    string `koanf:"url"`
	APIKey string `koanf:"api_key"`
	// RefreshMargin in seconds before expiry
	RefreshMargin int `koanf:"refresh_margin"`
	// Timeout in seconds for one exchange
	Timeout int `koanf:"timeout"`
}

type UpstreamConfig struct {
	BaseURL string `koanf:"base_url"`
	AgentID string `koanf:"agent_id"`
	// Timeouts in seconds
	ConnectTimeout int `koanf:"connect_timeout"`
	StreamTimeout  int `koanf:"stream_timeout"`
	PollTimeout    int `koanf:"poll_timeout"`
}

type FlowConfig struct {
	// Durations in seconds
	MaxWait        int      `koanf:"max_wait"`
	PollInterval   int      `koanf:"poll_interval"`
	HeartbeatEvery int      `koanf:"heartbeat_every"`
	Indicators     []string `koanf:"indicators"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]interface{}{
	"server.port":              8000,
	"server.request_timeout":   900,
	"server.allowed_origins":   "*",
	"log.level":                "info",
	"iam.url":                  "https://iam.cloud.ibm.com/identity/token",
	"iam.refresh_margin":       300,
	"iam.timeout":              30,
	"upstream.connect_timeout": 30,
	"upstream.stream_timeout":  300,
	"upstream.poll_timeout":    30,
	"flow.max_wait":            600,
	"flow.poll_interval":       8,
	"flow.heartbeat_every":     30,
	"storage.type":             "memory",
	"storage.sqlite.path":      "./data/relay.db",
	"telemetry.service_name":   "agent-relay",
}

// Load reads DefaultFile if it exists, then the environment.
func Load() (*Config, error) {
	return LoadFile(DefaultFile)
}

// LoadFile reads path (skipped when missing), then RELAY_ environment
// variables, then fills defaults for anything still unset.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Secrets may be written as ${VAR} in config.yaml
	cfg.IAM.APIKey = substituteEnvVars(cfg.IAM.APIKey)
	cfg.Upstream.BaseURL = substituteEnvVars(cfg.Upstream.BaseURL)
	cfg.Upstream.AgentID = substituteEnvVars(cfg.Upstream.AgentID)

	// A single env var holds the phrase list as a comma separated string
	cfg.Flow.Indicators = splitIndicators(cfg.Flow.Indicators)

	return &cfg, nil
}

// Validate reports settings the relay cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.IAM.APIKey == "" {
		errs = append(errs, errors.New("iam.api_key is required"))
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if c.Upstream.AgentID == "" {
		errs = append(errs, errors.New("upstream.agent_id is required"))
	}
	if c.Flow.PollInterval <= 0 {
		errs = append(errs, errors.New("flow.poll_interval must be positive"))
	}
	if c.Flow.MaxWait < 0 {
		errs = append(errs, errors.New("flow.max_wait must not be negative"))
	}
	switch c.Storage.Type {
	case "memory", "sqlite", "none":
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is not one of memory, sqlite, none", c.Storage.Type))
	}
	return errors.Join(errs...)
}

// Seconds converts a seconds setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Origins returns the allowed CORS origins.
func (s ServerConfig) Origins() []string {
	if strings.TrimSpace(s.AllowedOrigins) == "*" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func splitIndicators(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
