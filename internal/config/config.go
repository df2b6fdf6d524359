// Package config loads chatrelay settings from config.yaml and CHATRELAY_
// environment variables.
package config

import (
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

// EnvPrefix marks environment overrides. Nested keys use "__", e.g.
// CHATRELAY_ANTHROPIC__MAX_TOKENS.
const EnvPrefix = "CHATRELAY_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Anthropic AnthropicConfig `koanf:"anthropic"`
	Chat      ChatConfig      `koanf:"chat"`
	Storage   StorageConfig   `koanf:"storage"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int             `koanf:"port"`
	RequestTimeout time.Duration   `koanf:"request_timeout"`
	RateLimit      RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig throttles inbound requests per client address. RPS 0
// disables throttling.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

type AnthropicConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	// MaxTokens is the output ceiling of each completion call.
	MaxTokens int    `koanf:"max_tokens"`
	Beta      string `koanf:"beta"`
	// AllowRequestKey lets callers pass their own key in X-Anthropic-Api-Key.
	AllowRequestKey bool `koanf:"allow_request_key"`
}

type ChatConfig struct {
	MaxSegments  int    `koanf:"max_segments"`
	SystemPrompt string `koanf:"system_prompt"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, none
	Memory MemoryConfig `koanf:"memory"`
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type MemoryConfig struct {
	// MaxConversations bounds the in-memory store; the oldest are evicted.
	MaxConversations int `koanf:"max_conversations"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

var defaults = map[string]any{
	"server.port":             8080,
	"server.request_timeout":  "5m",
	"server.rate_limit.rps":   0,
	"server.rate_limit.burst": 5,
	"anthropic.model":         "claude-3-5-sonnet-20241022",
	"anthropic.max_tokens":    8192,
	"anthropic.beta":          "max-tokens-3-5-sonnet-2024-07-15",
	"chat.max_segments":       2,
	"storage.type":            "memory",
	"storage.sqlite.path":     "./data/chatrelay.db",

	"storage.memory.max_conversations": 1000,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (a missing file is fine), applies environment overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Anthropic.APIKey = substituteEnvVars(cfg.Anthropic.APIKey)
	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with. A missing API key
// is allowed: requests may bring their own and fail individually otherwise.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Anthropic.MaxTokens <= 0 {
		return fmt.Errorf("anthropic.max_tokens must be positive, got %d", c.Anthropic.MaxTokens)
	}
	if c.Chat.MaxSegments <= 0 {
		return fmt.Errorf("chat.max_segments must be positive, got %d", c.Chat.MaxSegments)
	}
	if c.Server.RateLimit.RPS < 0 {
		return fmt.Errorf("server.rate_limit.rps must not be negative")
	}
	switch c.Storage.Type {
	case "memory":
		if c.Storage.Memory.MaxConversations <= 0 {
			return fmt.Errorf("storage.memory.max_conversations must be positive, got %d", c.Storage.Memory.MaxConversations)
		}
	case "none":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
