package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/bridgectl/internal/lifecycle"
	"github.com/loykin/bridgectl/internal/logger"
	"github.com/loykin/bridgectl/internal/persist"
	"github.com/loykin/bridgectl/internal/reconcile"
	servertls "github.com/loykin/bridgectl/internal/tls"
	"github.com/loykin/bridgectl/pkg/client"
)

// EnvPrefix prefixes environment overrides, e.g. BRIDGECTL_GATEWAY_BASE_URL.
const EnvPrefix = "BRIDGECTL"

// FileConfig represents the top-level configuration file (TOML or YAML).
// The [[configurations]] list in the same file is read by configstore.File.
type FileConfig struct {
	EnvFiles    []string          `mapstructure:"env_files"`
	Log         logger.Config     `mapstructure:"log"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Lifecycle   LifecycleConfig   `mapstructure:"lifecycle"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	Server      ServerConfig      `mapstructure:"server"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	History     HistoryConfig     `mapstructure:"history"`

	// Path is the file the configuration was read from, empty for defaults only.
	Path string `mapstructure:"-"`
}

type GatewayConfig struct {
	BaseURL  string                  `mapstructure:"base_url"`
	Timeout  time.Duration           `mapstructure:"timeout"`
	Insecure bool                    `mapstructure:"insecure"`
	TLS      *client.TLSClientConfig `mapstructure:"tls"`
}

type PersistenceConfig struct {
	DSN string        `mapstructure:"dsn"`
	Key string        `mapstructure:"key"`
	TTL time.Duration `mapstructure:"ttl"`
}

type LifecycleConfig struct {
	VerifyDelay       time.Duration `mapstructure:"verify_delay"`
	VerifyAttempts    int           `mapstructure:"verify_attempts"`
	VerifyBase        time.Duration `mapstructure:"verify_base"`
	Backoff           string        `mapstructure:"backoff"`
	DiagnosticTimeout time.Duration `mapstructure:"diagnostic_timeout"`
}

type ReconcileConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Freshness time.Duration `mapstructure:"freshness"`
}

type ServerConfig struct {
	Listen   string            `mapstructure:"listen"`
	BasePath string            `mapstructure:"base_path"`
	TLS      *servertls.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// HistoryConfig lists event sinks by DSN (see history/factory).
type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Sinks   []string `mapstructure:"sinks"`
	Retries uint64   `mapstructure:"retries"`
}

// ClientConfig builds the gateway client configuration.
func (c GatewayConfig) ClientConfig() client.Config {
	return client.Config{BaseURL: c.BaseURL, Timeout: c.Timeout, TLS: c.TLS, Insecure: c.Insecure}
}

// Options builds lifecycle controller options.
func (c LifecycleConfig) Options() lifecycle.Options {
	return lifecycle.Options{
		VerifyDelay:       c.VerifyDelay,
		VerifyAttempts:    c.VerifyAttempts,
		VerifyBase:        c.VerifyBase,
		Backoff:           c.Backoff,
		DiagnosticTimeout: c.DiagnosticTimeout,
	}
}

func setDefaults(v *viper.Viper) {
	lc := logger.DefaultConfig()
	v.SetDefault("log.slog.level", string(lc.Slog.Level))
	v.SetDefault("log.slog.format", string(lc.Slog.Format))
	v.SetDefault("log.slog.color", lc.Slog.Color)
	v.SetDefault("log.slog.timestamps", lc.Slog.TimeStamps)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", lc.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", lc.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", lc.File.MaxAgeDays)
	v.SetDefault("log.file.compress", false)

	cc := client.DefaultConfig()
	v.SetDefault("gateway.base_url", cc.BaseURL)
	v.SetDefault("gateway.timeout", cc.Timeout)
	v.SetDefault("gateway.insecure", false)

	v.SetDefault("persistence.dsn", "sqlite://bridgectl.db")
	v.SetDefault("persistence.key", persist.DefaultKey)
	v.SetDefault("persistence.ttl", persist.DefaultTTL)

	v.SetDefault("lifecycle.verify_delay", lifecycle.DefaultVerifyDelay)
	v.SetDefault("lifecycle.verify_attempts", lifecycle.DefaultVerifyAttempts)
	v.SetDefault("lifecycle.verify_base", lifecycle.DefaultVerifyBase)
	v.SetDefault("lifecycle.backoff", lifecycle.BackoffLinear)
	v.SetDefault("lifecycle.diagnostic_timeout", lifecycle.DefaultCommandTimeout)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", reconcile.DefaultInterval)
	v.SetDefault("reconcile.freshness", reconcile.DefaultFreshness)

	v.SetDefault("server.listen", "127.0.0.1:7070")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.retries", 3)
}

// Default returns the configuration used when no file is given.
func Default() *FileConfig {
	fc, err := Load("")
	if err != nil {
		// defaults always validate
		panic(err)
	}
	return fc
}

// Load reads path (TOML unless the extension says YAML), applies defaults and
// BRIDGECTL_ environment overrides, and validates the result. An empty path
// loads defaults and environment only.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(typeOf(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := applyEnvFiles(v.GetStringSlice("env_files"), filepath.Dir(path)); err != nil {
			return nil, err
		}
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	fc.Path = path
	fc.Log.Slog.Level = logger.ParseLevel(string(fc.Log.Slog.Level))
	fc.Lifecycle.Backoff = strings.ToLower(fc.Lifecycle.Backoff)
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func typeOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

// Validate checks values that defaults cannot repair.
func (c *FileConfig) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Gateway.BaseURL) == "" {
		problems = append(problems, "gateway.base_url is required")
	}
	if c.Gateway.Timeout <= 0 {
		problems = append(problems, "gateway.timeout must be positive")
	}
	if strings.TrimSpace(c.Persistence.DSN) == "" {
		problems = append(problems, "persistence.dsn is required")
	}
	if c.Persistence.TTL <= 0 {
		problems = append(problems, "persistence.ttl must be positive")
	}
	if c.Lifecycle.VerifyAttempts < 1 {
		problems = append(problems, "lifecycle.verify_attempts must be at least 1")
	}
	if c.Lifecycle.VerifyBase <= 0 || c.Lifecycle.VerifyDelay <= 0 {
		problems = append(problems, "lifecycle.verify_base and lifecycle.verify_delay must be positive")
	}
	switch c.Lifecycle.Backoff {
	case lifecycle.BackoffLinear, lifecycle.BackoffExponential:
	default:
		problems = append(problems, fmt.Sprintf("lifecycle.backoff %q is not linear or exponential", c.Lifecycle.Backoff))
	}
	if c.Reconcile.Interval <= 0 {
		problems = append(problems, "reconcile.interval must be positive")
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		problems = append(problems, "history.enabled requires at least one entry in history.sinks")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// applyEnvFiles exports KEY=VALUE pairs from each file unless the variable is
// already set, so real environment variables keep precedence. Relative paths
// resolve against the config file directory.
func applyEnvFiles(files []string, dir string) error {
	for _, f := range files {
		if !filepath.IsAbs(f) {
			f = filepath.Join(dir, f)
		}
		pairs, err := loadEnvFile(f)
		if err != nil {
			return fmt.Errorf("env file %s: %w", f, err)
		}
		for k, val := range pairs {
			if _, set := os.LookupEnv(k); set {
				continue
			}
			if err := os.Setenv(k, val); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
