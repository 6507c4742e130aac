// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	LLMBaseURL string        `mapstructure:"LLM_BASE_URL"`
	LLMAPIKey  string        `mapstructure:"LLM_API_KEY"`
	LLMModel   string        `mapstructure:"LLM_MODEL"`
	LLMTimeout time.Duration `mapstructure:"LLM_TIMEOUT"`

	ExtractionWorkers int           `mapstructure:"EXTRACTION_WORKERS"`
	ExtractionQueue   int           `mapstructure:"EXTRACTION_QUEUE"`
	ExtractionRetries int           `mapstructure:"EXTRACTION_RETRIES"`
	DedupeTTL         time.Duration `mapstructure:"DEDUPE_TTL"`

	SessionTTL   time.Duration `mapstructure:"SESSION_TTL"`
	SessionSweep string        `mapstructure:"SESSION_SWEEP"`

	ConventionsFile string `mapstructure:"CONVENTIONS_FILE"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"LLM_BASE_URL", "LLM_API_KEY", "LLM_MODEL", "LLM_TIMEOUT",
	"EXTRACTION_WORKERS", "EXTRACTION_QUEUE", "EXTRACTION_RETRIES", "DEDUPE_TTL",
	"SESSION_TTL", "SESSION_SWEEP",
	"CONVENTIONS_FILE",
	"KAFKA_BROKERS",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LLM_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_TIMEOUT", "60s")
	v.SetDefault("EXTRACTION_WORKERS", 4)
	v.SetDefault("EXTRACTION_QUEUE", 64)
	v.SetDefault("EXTRACTION_RETRIES", 2)
	v.SetDefault("DEDUPE_TTL", "10m")
	v.SetDefault("SESSION_TTL", "2h")
	v.SetDefault("SESSION_SWEEP", "@every 1m")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("RATE_LIMIT_RPS", 2)
	v.SetDefault("RATE_LIMIT_BURST", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. The extraction key is not required so the
// projection endpoints work without a provider.
func (c *Config) Validate() error {
	if c.ExtractionWorkers < 1 {
		return fmt.Errorf("EXTRACTION_WORKERS must be at least 1, got %d", c.ExtractionWorkers)
	}
	if c.ExtractionQueue < 1 {
		return fmt.Errorf("EXTRACTION_QUEUE must be at least 1, got %d", c.ExtractionQueue)
	}
	if c.ExtractionRetries < 0 {
		return fmt.Errorf("EXTRACTION_RETRIES must not be negative")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be positive")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0, 1], got %v", c.TraceSampleRate)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// KafkaEnabled reports whether audit events go to a broker.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// ExtractionEnabled reports whether a provider key is configured.
func (c *Config) ExtractionEnabled() bool {
	return c.LLMAPIKey != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
