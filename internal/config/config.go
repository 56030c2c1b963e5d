package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration parameters
type Config struct {
	ListenAddr  string `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	LogLevel    string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogJSON     bool   `json:"log_json" yaml:"log_json" toml:"log_json"`
	DBPath      string `json:"db_path" yaml:"db_path" toml:"db_path"`
	MetricsPath string `json:"metrics_path" yaml:"metrics_path" toml:"metrics_path"`

	UserAgent        string   `json:"user_agent" yaml:"user_agent" toml:"user_agent"`
	RequestTimeoutMs int      `json:"request_timeout_ms" yaml:"request_timeout_ms" toml:"request_timeout_ms"`
	ProbeTimeoutMs   int      `json:"probe_timeout_ms" yaml:"probe_timeout_ms" toml:"probe_timeout_ms"`
	DNSTimeoutMs     int      `json:"dns_timeout_ms" yaml:"dns_timeout_ms" toml:"dns_timeout_ms"`
	DNSServers       []string `json:"dns_servers" yaml:"dns_servers" toml:"dns_servers"`
	MaxBodyBytes     int      `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	DetectParked     *bool    `json:"detect_parked" yaml:"detect_parked" toml:"detect_parked"`

	ConcurrentWorkers      int `json:"concurrent_workers" yaml:"concurrent_workers" toml:"concurrent_workers"`
	BatchSize              int `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	PolitenessDelayMs      int `json:"politeness_delay_ms" yaml:"politeness_delay_ms" toml:"politeness_delay_ms"`
	GentleDelayMs          int `json:"gentle_delay_ms" yaml:"gentle_delay_ms" toml:"gentle_delay_ms"`
	StatsIntervalMs        int `json:"stats_interval_ms" yaml:"stats_interval_ms" toml:"stats_interval_ms"`
	AutoResumeDelayMinutes int `json:"auto_resume_delay_minutes" yaml:"auto_resume_delay_minutes" toml:"auto_resume_delay_minutes"`

	RedisAddr     string `json:"redis_addr" yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db" toml:"redis_db"`
	LockTTLMs     int    `json:"lock_ttl_ms" yaml:"lock_ttl_ms" toml:"lock_ttl_ms"`

	WhoisEndpoint string `json:"whois_endpoint" yaml:"whois_endpoint" toml:"whois_endpoint"`
	WhoisAPIKey   string `json:"whois_api_key" yaml:"whois_api_key" toml:"whois_api_key"`
}

// LoadConfig reads configuration from a JSON, YAML or TOML file, picked by extension.
// A missing file yields the defaults. Environment overrides are applied before validation.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to open config file: %w", err)
		default:
			if err := decode(path, data, &cfg); err != nil {
				return nil, err
			}
		}
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration built only from defaults and the environment
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse config TOML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	return nil
}

// applyDefaults sets default values for unspecified fields
func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "weaver.db"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "WebWeaverBot/1.0"
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 10000
	}
	if cfg.ProbeTimeoutMs == 0 {
		cfg.ProbeTimeoutMs = 8000
	}
	if cfg.DNSTimeoutMs == 0 {
		cfg.DNSTimeoutMs = 4000
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 5 * 1024 * 1024
	}
	if cfg.DetectParked == nil {
		on := true
		cfg.DetectParked = &on
	}
	if cfg.ConcurrentWorkers == 0 {
		cfg.ConcurrentWorkers = 3
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 200
	}
	if cfg.PolitenessDelayMs == 0 {
		cfg.PolitenessDelayMs = 250
	}
	if cfg.GentleDelayMs == 0 {
		cfg.GentleDelayMs = 1500
	}
	if cfg.StatsIntervalMs == 0 {
		cfg.StatsIntervalMs = 1000
	}
	if cfg.AutoResumeDelayMinutes == 0 {
		cfg.AutoResumeDelayMinutes = 30
	}
	if cfg.LockTTLMs == 0 {
		cfg.LockTTLMs = 3600000
	}
}

// applyEnv lets deploy-time values and secrets override the file
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("WEAVER_LISTEN_ADDR", &cfg.ListenAddr)
	setString("WEAVER_DB_PATH", &cfg.DBPath)
	setString("WEAVER_LOG_LEVEL", &cfg.LogLevel)
	setString("WEAVER_REDIS_ADDR", &cfg.RedisAddr)
	setString("WEAVER_REDIS_PASSWORD", &cfg.RedisPassword)
	setString("WEAVER_WHOIS_API_KEY", &cfg.WhoisAPIKey)

	if v := os.Getenv("WEAVER_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
}

// validate checks that values are sensible
func validate(cfg *Config) error {
	if cfg.ConcurrentWorkers < 1 {
		return fmt.Errorf("concurrent_workers must be >= 1")
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1")
	}
	if cfg.RequestTimeoutMs < 1000 {
		return fmt.Errorf("request_timeout_ms must be >= 1000")
	}
	if cfg.ProbeTimeoutMs < 1 {
		return fmt.Errorf("probe_timeout_ms must be > 0")
	}
	if cfg.DNSTimeoutMs < 1 {
		return fmt.Errorf("dns_timeout_ms must be > 0")
	}
	if cfg.StatsIntervalMs < 100 {
		return fmt.Errorf("stats_interval_ms must be >= 100")
	}
	if cfg.PolitenessDelayMs < 0 || cfg.GentleDelayMs < 0 {
		return fmt.Errorf("delays must be >= 0")
	}
	if cfg.AutoResumeDelayMinutes < 0 {
		return fmt.Errorf("auto_resume_delay_minutes must be >= 0")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", cfg.LogLevel)
	}
	return nil
}

// Parked reports whether parked-page detection is enabled
func (c *Config) Parked() bool {
	return c.DetectParked == nil || *c.DetectParked
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

func (c *Config) DNSTimeout() time.Duration {
	return time.Duration(c.DNSTimeoutMs) * time.Millisecond
}

func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalMs) * time.Millisecond
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMs) * time.Millisecond
}

// PageDelay returns the pause after each successful fetch for the given scan mode
func (c *Config) PageDelay(aggressive bool) time.Duration {
	if aggressive {
		return time.Duration(c.PolitenessDelayMs) * time.Millisecond
	}
	return time.Duration(c.GentleDelayMs) * time.Millisecond
}
