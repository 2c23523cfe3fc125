// Package config loads service configuration from file and environment.
//
// Precedence: explicit file (--config) > environment variables with the
// GRADEFLOW_ prefix > defaults. Nested keys map to environment variables with
// underscores, e.g. GRADEFLOW_REDIS_ADDR.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Redis   RedisConfig   `mapstructure:"redis"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Gemini  GeminiConfig  `mapstructure:"gemini"`
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Cache   CacheConfig   `mapstructure:"cache"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig configures the service logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisConfig locates the shared coordination store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig locates the JetStream cluster backing the job queue.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// GeminiConfig configures the primary provider key pool.
type GeminiConfig struct {
	// APIKeys are the pool secrets in order; pool key IDs are assigned
	// as "1", "2", ... by position.
	APIKeys []string `mapstructure:"api_keys"`

	Model          string        `mapstructure:"model"`
	RatePerMinute  int           `mapstructure:"rate_per_minute"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OpenAIConfig configures the fallback provider. An empty key disables the
// fallback tier.
type OpenAIConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// QueueConfig tunes the grading job queue.
type QueueConfig struct {
	StreamName string        `mapstructure:"stream_name"`
	MaxDeliver int           `mapstructure:"max_deliver"`
	AckWait    time.Duration `mapstructure:"ack_wait"`
}

// CacheConfig tunes the provider-side context cache.
type CacheConfig struct {
	RemoteTTL time.Duration `mapstructure:"remote_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.rate_per_minute", 8)
	v.SetDefault("gemini.request_timeout", 90*time.Second)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.request_timeout", 90*time.Second)
	v.SetDefault("queue.stream_name", "GRADING")
	v.SetDefault("queue.max_deliver", 3)
	v.SetDefault("queue.ack_wait", 5*time.Minute)
	v.SetDefault("cache.remote_ttl", time.Hour)
}

// Load reads configuration. path may be empty to rely on environment and
// defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GRADEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Comma-separated env value support for the key pool:
	// GRADEFLOW_GEMINI_API_KEYS="k1,k2,k3".
	if len(cfg.Gemini.APIKeys) == 1 && strings.Contains(cfg.Gemini.APIKeys[0], ",") {
		parts := strings.Split(cfg.Gemini.APIKeys[0], ",")
		keys := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				keys = append(keys, p)
			}
		}
		cfg.Gemini.APIKeys = keys
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Queue.MaxDeliver < 1 {
		return fmt.Errorf("queue.max_deliver must be at least 1")
	}
	return nil
}
