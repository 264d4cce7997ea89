// Package config loads batchfetch settings from YAML, a .env file and the
// environment.
//
// Example configuration:
//
//	capacity: 100
//	deadline: 180s
//	sites: 200
//	url_template: "http://example.com/{{.Index}}"
//	user_agent: batchfetch/0.1.0
//	request_timeout: 30s
//	log_level: info
//	metrics_addr: ":9090"
//	redis:
//	  addr: localhost:6379
//	  key: batchfetch:limiter:leases
//
// An explicit urls list replaces the template:
//
//	urls:
//	  - https://example.com/a
//	  - https://example.com/b
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/template"
	"time"

	"github.com/Sternrassler/batchfetch/pkg/batch"
	"github.com/Sternrassler/batchfetch/pkg/fetch"
	"github.com/Sternrassler/batchfetch/pkg/limiter"
	"github.com/Sternrassler/batchfetch/pkg/logging"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultSites is the number of generated targets when no urls are listed.
	DefaultSites = 200

	// DefaultURLTemplate generates one target per index.
	DefaultURLTemplate = "http://example.com/{{.Index}}"

	// DefaultUserAgent is sent when user_agent is not configured.
	DefaultUserAgent = "batchfetch/0.1.0"
)

// Environment overrides, applied by Load after the YAML file.
const (
	EnvCapacity  = "BATCHFETCH_CAPACITY"
	EnvDeadline  = "BATCHFETCH_DEADLINE"
	EnvLogLevel  = "BATCHFETCH_LOG_LEVEL"
	EnvRedisAddr = "BATCHFETCH_REDIS_ADDR"
)

// Config is the root configuration.
type Config struct {
	// Capacity is the number of concurrent fetches.
	Capacity int `yaml:"capacity"`

	// Deadline bounds the whole batch.
	Deadline Duration `yaml:"deadline"`

	// Sites is how many targets URLTemplate generates.
	Sites int `yaml:"sites"`

	// URLTemplate is a Go template; {{.Index}} runs from 0 to Sites-1.
	URLTemplate string `yaml:"url_template"`

	// URLs, when set, is used instead of URLTemplate.
	URLs []string `yaml:"urls"`

	UserAgent      string   `yaml:"user_agent"`
	RequestTimeout Duration `yaml:"request_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`

	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig enables the shared Redis limiter when Addr is set.
type RedisConfig struct {
	Addr         string   `yaml:"addr"`
	Key          string   `yaml:"key"`
	PollInterval Duration `yaml:"poll_interval"`
	SlotTTL      Duration `yaml:"slot_ttl"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration: 200 example.com targets,
// 100 concurrent fetches and a 180 second deadline.
func Default() *Config {
	redisDefaults := limiter.DefaultRedisConfig(limiter.DefaultCapacity)
	return &Config{
		Capacity:       limiter.DefaultCapacity,
		Deadline:       Duration(batch.DefaultConfig().Deadline),
		Sites:          DefaultSites,
		URLTemplate:    DefaultURLTemplate,
		UserAgent:      DefaultUserAgent,
		RequestTimeout: Duration(fetch.DefaultConfig(DefaultUserAgent).Timeout),
		LogLevel:       string(logging.LevelInfo),
		Redis: RedisConfig{
			Key:          redisDefaults.Key,
			PollInterval: Duration(redisDefaults.PollInterval),
			SlotTTL:      Duration(redisDefaults.SlotTTL),
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty), a .env file in the working directory (if present) and
// BATCHFETCH_* environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses YAML on top of Default and validates the result. The
// environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := getEnv(EnvCapacity, ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCapacity, err)
		}
		c.Capacity = n
	}
	if v := getEnv(EnvDeadline, ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDeadline, err)
		}
		c.Deadline = Duration(d)
	}
	c.LogLevel = getEnv(EnvLogLevel, c.LogLevel)
	c.Redis.Addr = getEnv(EnvRedisAddr, c.Redis.Addr)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate checks limits, the log level and the target definition.
func (c *Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", c.Capacity)
	}
	if c.Deadline.Duration() <= 0 {
		return fmt.Errorf("deadline must be positive, got %s", c.Deadline.Duration())
	}
	if c.RequestTimeout.Duration() <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout.Duration())
	}
	if c.UserAgent == "" {
		return errors.New("user_agent is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	if len(c.URLs) > 0 {
		for i, u := range c.URLs {
			if err := validateURL(u); err != nil {
				return fmt.Errorf("urls[%d]: %w", i, err)
			}
		}
		return nil
	}

	if c.Sites < 1 {
		return fmt.Errorf("sites must be at least 1 when no urls are listed, got %d", c.Sites)
	}
	if _, err := template.New("url").Option("missingkey=error").Parse(c.URLTemplate); err != nil {
		return fmt.Errorf("invalid url_template: %w", err)
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", parsed.Scheme)
	}
	return nil
}

// Targets returns the work items of the batch: URLs if listed, otherwise
// Sites expansions of URLTemplate.
func (c *Config) Targets() ([]batch.WorkItem, error) {
	if len(c.URLs) > 0 {
		return batch.Items(c.URLs...), nil
	}

	tmpl, err := template.New("url").Option("missingkey=error").Parse(c.URLTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid url_template: %w", err)
	}

	items := make([]batch.WorkItem, 0, c.Sites)
	var buf bytes.Buffer
	for i := 0; i < c.Sites; i++ {
		buf.Reset()
		if err := tmpl.Execute(&buf, struct{ Index int }{Index: i}); err != nil {
			return nil, fmt.Errorf("url_template index %d: %w", i, err)
		}
		items = append(items, batch.WorkItem{Identifier: buf.String()})
	}
	return items, nil
}

// BatchConfig returns the dispatcher settings.
func (c *Config) BatchConfig() batch.Config {
	return batch.Config{
		Capacity: c.Capacity,
		Deadline: c.Deadline.Duration(),
	}
}

// FetchConfig returns the HTTP fetcher settings.
func (c *Config) FetchConfig() fetch.Config {
	return fetch.Config{
		UserAgent: c.UserAgent,
		Timeout:   c.RequestTimeout.Duration(),
	}
}

// LoggingConfig returns logger settings writing to stderr.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.LogLevel); err == nil {
		cfg.Level = level
	}
	cfg.Pretty = c.LogPretty
	return cfg
}

// RedisLimiterConfig returns the limiter settings for the shared Redis
// counter; its capacity is the batch capacity.
func (c *Config) RedisLimiterConfig() limiter.RedisConfig {
	return limiter.RedisConfig{
		Key:          c.Redis.Key,
		Capacity:     c.Capacity,
		PollInterval: c.Redis.PollInterval.Duration(),
		SlotTTL:      c.Redis.SlotTTL.Duration(),
	}
}
