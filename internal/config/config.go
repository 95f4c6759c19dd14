package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config models jobgate.yml.
type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		BasePath    string   `yaml:"base_path"`
		CORSOrigins []string `yaml:"cors_origins"`
		RateLimit   struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Auth struct {
		APIKey string        `yaml:"api_key"`
		JWTTTL time.Duration `yaml:"jwt_ttl"`
	} `yaml:"auth"`
	Liveness struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		StaleMultiplier   int           `yaml:"stale_multiplier"`
	} `yaml:"liveness"`
	Worker WorkerConfig `yaml:"worker"`
	Sweep  struct {
		Interval   time.Duration `yaml:"interval"`
		StuckAfter time.Duration `yaml:"stuck_after"`
	} `yaml:"sweep"`
	Pipeline PipelineConfig  `yaml:"pipeline"`
	Storage  StorageConfig   `yaml:"storage"`
	Log      LogConfig       `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WorkerConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	ErrorDelay     time.Duration `yaml:"error_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	Concurrency    int           `yaml:"concurrency"`
	HTTPBodySample int           `yaml:"http_body_sample"`
}

type PipelineConfig struct {
	Gates             []string      `yaml:"gates"`
	SafetyMode        string        `yaml:"safety_mode"`
	PerfRegressionPct float64       `yaml:"perf_regression_pct"`
	ProtectedTerms    []string      `yaml:"protected_terms"`
	Rules             []PlannerRule `yaml:"rules"`
}

// PlannerRule schedules Tool when any keyword appears in an intent.
type PlannerRule struct {
	Keywords []string `yaml:"keywords"`
	Tool     string   `yaml:"tool"`
	Name     string   `yaml:"name"`
	Expected string   `yaml:"expected"`
}

type StorageConfig struct {
	Type     string `yaml:"type"`
	Dir      string `yaml:"dir"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// KnownGates lists every gate in its canonical order.
var KnownGates = []string{"build", "safety", "security", "legal", "business", "perf", "resilience"}

var safetyModes = map[string]bool{"strict": true, "standard": true, "relaxed": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit must not be negative")
	}
	if c.Liveness.HeartbeatInterval <= 0 {
		return fmt.Errorf("config.liveness.heartbeat_interval must be positive")
	}
	if c.Liveness.StaleMultiplier <= 0 {
		return fmt.Errorf("config.liveness.stale_multiplier must be positive")
	}
	w := c.Worker
	if w.PollInterval <= 0 || w.MaxBackoff <= 0 || w.ErrorDelay <= 0 || w.RequestTimeout <= 0 || w.HandlerTimeout <= 0 {
		return fmt.Errorf("config.worker intervals and timeouts must be positive")
	}
	if w.MaxBackoff < w.PollInterval {
		return fmt.Errorf("config.worker.max_backoff must be >= poll_interval")
	}
	if w.Concurrency <= 0 {
		return fmt.Errorf("config.worker.concurrency must be positive")
	}
	if c.Sweep.Interval <= 0 || c.Sweep.StuckAfter <= 0 {
		return fmt.Errorf("config.sweep.interval and stuck_after must be positive")
	}
	seen := map[string]bool{}
	for _, g := range c.Pipeline.Gates {
		if !isKnownGate(g) {
			return fmt.Errorf("unknown gate %s", g)
		}
		if seen[g] {
			return fmt.Errorf("gate %s listed twice", g)
		}
		seen[g] = true
	}
	if !safetyModes[c.Pipeline.SafetyMode] {
		return fmt.Errorf("unknown safety mode %s", c.Pipeline.SafetyMode)
	}
	for i, r := range c.Pipeline.Rules {
		if r.Tool == "" || len(r.Keywords) == 0 {
			return fmt.Errorf("pipeline rule %d needs tool and keywords", i)
		}
	}
	switch c.Storage.Type {
	case "local":
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("config.storage.s3_bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown storage type %s", c.Storage.Type)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

func isKnownGate(name string) bool {
	for _, g := range KnownGates {
		if g == name {
			return true
		}
	}
	return false
}

// StaleAfter is the liveness window after which an agent counts as stale.
func (c *Config) StaleAfter() time.Duration {
	return c.Liveness.HeartbeatInterval * time.Duration(c.Liveness.StaleMultiplier)
}

// SlogLevel parses Log.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "jobgate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// Load reads the workspace config if present, layers the environment on top and validates.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(workspace))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses YAML over the defaults and validates.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const envPrefix = "JOBGATE"

// Env holds overrides read from JOBGATE_* variables.
type Env struct {
	APIKey      string        `envconfig:"API_KEY"`
	Addr        string        `envconfig:"ADDR"`
	LogLevel    string        `envconfig:"LOG_LEVEL"`
	LogFile     string        `envconfig:"LOG_FILE"`
	JWTTTL      time.Duration `envconfig:"JWT_TTL"`
	StorageType string        `envconfig:"STORAGE_TYPE"`
	S3Bucket    string        `envconfig:"S3_BUCKET"`
	S3Prefix    string        `envconfig:"S3_PREFIX"`
	S3Region    string        `envconfig:"S3_REGION"`
}

// ApplyEnv overrides file values with any JOBGATE_* variables that are set.
func (c *Config) ApplyEnv() error {
	var env Env
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("failed to load env: %w", err)
	}
	setIf(&c.Auth.APIKey, env.APIKey)
	setIf(&c.Server.Addr, env.Addr)
	setIf(&c.Log.Level, env.LogLevel)
	setIf(&c.Log.File, env.LogFile)
	setIf(&c.Storage.Type, env.StorageType)
	setIf(&c.Storage.S3Bucket, env.S3Bucket)
	setIf(&c.Storage.S3Prefix, env.S3Prefix)
	setIf(&c.Storage.S3Region, env.S3Region)
	if env.JWTTTL > 0 {
		c.Auth.JWTTTL = env.JWTTTL
	}
	return nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8001
  base_path: /v0
  cors_origins: ["*"]
  rate_limit:
    rps: 50
    burst: 100

auth:
  # Shared credential; prefer JOBGATE_API_KEY over committing it here.
  api_key: ""
  jwt_ttl: 24h

liveness:
  heartbeat_interval: 30s
  stale_multiplier: 3

worker:
  poll_interval: 1s
  max_backoff: 10s
  error_delay: 3s
  request_timeout: 30s
  handler_timeout: 5m
  concurrency: 1
  http_body_sample: 1000

sweep:
  interval: 1m
  stuck_after: 5m

pipeline:
  gates: [build, safety, security, legal, business, perf, resilience]
  safety_mode: strict
  perf_regression_pct: 10
  protected_terms: [pokemon, nintendo, mario, zelda, marvel, disney, star wars]
  rules:
    - keywords: [build, app, unreal, hollywood, web, api]
      tool: app_builder
      name: Generate application scaffold
      expected: Working scaffold + endpoints

storage:
  type: local
  dir: ""
  s3_bucket: ""
  s3_prefix: jobgate/
  s3_region: us-east-1

log:
  level: info
  file: ""
`
