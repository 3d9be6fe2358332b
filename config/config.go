// Package config loads the media-ingest YAML configuration. Values of the
// form ${VAR} are expanded from the environment before parsing and
// duration strings are parsed after.
package config

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration. Secrets are not part of
// it; they come from the credentials template named by CredentialsFile.
type Config struct {
	CredentialsFile string `yaml:"credentials_file"`

	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Documents DocumentsConfig `yaml:"documents"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Address string `yaml:"address"`

	// MaxBodyBytes caps webhook request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	ShutdownTimeout    time.Duration `yaml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout"`
}

// StorageConfig configures the media blob store.
type StorageConfig struct {
	Path    string `yaml:"path"`
	MaxSize int64  `yaml:"max_size"`

	Retention      time.Duration `yaml:"-"`
	ExpiryInterval time.Duration `yaml:"-"`

	RetentionRaw      string `yaml:"retention"`
	ExpiryIntervalRaw string `yaml:"expiry_interval"`
}

// DedupConfig configures the in-memory media dedup cache.
type DedupConfig struct {
	// DedupCompleted rejects keys that completed within the timeout.
	DedupCompleted bool `yaml:"dedup_completed"`
	RetainFailed   bool `yaml:"retain_failed"`

	ProcessingTimeout time.Duration `yaml:"-"`
	CleanupInterval   time.Duration `yaml:"-"`

	ProcessingTimeoutRaw string `yaml:"processing_timeout"`
	CleanupIntervalRaw   string `yaml:"cleanup_interval"`
}

// DocumentsConfig configures the document database and its reaper.
type DocumentsConfig struct {
	Path string `yaml:"path"`

	StuckAfter   time.Duration `yaml:"-"`
	ReapInterval time.Duration `yaml:"-"`

	StuckAfterRaw   string `yaml:"stuck_after"`
	ReapIntervalRaw string `yaml:"reap_interval"`
}

type PipelineConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	// AuthorizedNumbers restricts processing to these senders. Empty
	// allows everyone.
	AuthorizedNumbers []string `yaml:"authorized_numbers"`

	MessageTimeout time.Duration `yaml:"-"`
	RecentWindow   time.Duration `yaml:"-"`

	MessageTimeoutRaw string `yaml:"message_timeout"`
	RecentWindowRaw   string `yaml:"recent_window"`
}

// AnalyzerConfig selects the AI providers. Providers are tried in order;
// a provider without an API key is skipped.
type AnalyzerConfig struct {
	Providers   []string `yaml:"providers"`
	GeminiModel string   `yaml:"gemini_model"`
	OpenAIModel string   `yaml:"openai_model"`

	// RateLimit is requests per second per provider. Zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

type WhatsAppConfig struct {
	GraphURL     string `yaml:"graph_url"`
	MaxMediaSize int64  `yaml:"max_media_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Prometheus   bool   `yaml:"prometheus"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Known analyzer provider names.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Address:         ":8080",
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Path:           "./data/media",
			MaxSize:        5 << 30,
			Retention:      30 * 24 * time.Hour,
			ExpiryInterval: time.Hour,
		},
		Dedup: DedupConfig{
			DedupCompleted:    true,
			ProcessingTimeout: 10 * time.Minute,
		},
		Documents: DocumentsConfig{
			Path:         "./data/documents.db",
			StuckAfter:   15 * time.Minute,
			ReapInterval: 5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			Workers:        4,
			QueueSize:      64,
			MessageTimeout: 5 * time.Minute,
			RecentWindow:   10 * time.Minute,
		},
		Analyzer: AnalyzerConfig{
			Providers: []string{ProviderGemini, ProviderOpenAI},
			RateLimit: 2,
			Burst:     4,
			Timeout:   60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Prometheus: true,
		},
	}
	cfg.Dedup.CleanupInterval = cfg.Dedup.ProcessingTimeout / 2
	return cfg
}

// Load reads a configuration file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	// The sweep runs at half the timeout unless set explicitly.
	if cfg.Dedup.CleanupIntervalRaw == "" {
		cfg.Dedup.CleanupInterval = cfg.Dedup.ProcessingTimeout / 2
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or with the
// default in ${VAR:-default} when the variable is unset or empty.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		name, fallback, _ := strings.Cut(name, ":-")
		if v := os.Getenv(name); v != "" {
			return v
		}
		return fallback
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"storage.retention", cfg.Storage.RetentionRaw, &cfg.Storage.Retention},
		{"storage.expiry_interval", cfg.Storage.ExpiryIntervalRaw, &cfg.Storage.ExpiryInterval},
		{"dedup.processing_timeout", cfg.Dedup.ProcessingTimeoutRaw, &cfg.Dedup.ProcessingTimeout},
		{"dedup.cleanup_interval", cfg.Dedup.CleanupIntervalRaw, &cfg.Dedup.CleanupInterval},
		{"documents.stuck_after", cfg.Documents.StuckAfterRaw, &cfg.Documents.StuckAfter},
		{"documents.reap_interval", cfg.Documents.ReapIntervalRaw, &cfg.Documents.ReapInterval},
		{"pipeline.message_timeout", cfg.Pipeline.MessageTimeoutRaw, &cfg.Pipeline.MessageTimeout},
		{"pipeline.recent_window", cfg.Pipeline.RecentWindowRaw, &cfg.Pipeline.RecentWindow},
		{"analyzer.timeout", cfg.Analyzer.TimeoutRaw, &cfg.Analyzer.Timeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate returns the first configuration problem found.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Documents.Path == "" {
		return fmt.Errorf("documents.path is required")
	}
	if c.Dedup.ProcessingTimeout <= 0 {
		return fmt.Errorf("dedup.processing_timeout must be positive")
	}
	if c.Dedup.CleanupInterval <= 0 {
		return fmt.Errorf("dedup.cleanup_interval must be positive")
	}
	if c.Dedup.CleanupInterval > c.Dedup.ProcessingTimeout {
		return fmt.Errorf("dedup.cleanup_interval (%s) must not exceed dedup.processing_timeout (%s)",
			c.Dedup.CleanupInterval, c.Dedup.ProcessingTimeout)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be positive")
	}
	if len(c.Analyzer.Providers) == 0 {
		return fmt.Errorf("analyzer.providers must name at least one provider")
	}
	for _, p := range c.Analyzer.Providers {
		if p != ProviderGemini && p != ProviderOpenAI {
			return fmt.Errorf("analyzer.providers: unknown provider %q", p)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level: invalid level %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format: invalid format %q", c.Logging.Format)
	}
	return nil
}
