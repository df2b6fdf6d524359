package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setenv sets an environment variable for the duration of the test.
func setenv(t *testing.T, key, value string) {
	t.Helper()
	orig, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, orig)
		} else {
			os.Unsetenv(key)
		}
	})
}

func unsetenv(t *testing.T, key string) {
	t.Helper()
	orig, had := os.LookupEnv(key)
	os.Unsetenv(key)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, orig)
		}
	})
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	unsetenv(t, "CHATRELAY_SERVER__PORT")
	unsetenv(t, "ANTHROPIC_API_KEY")

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Server.RequestTimeout != 5*time.Minute {
			t.Errorf("request_timeout = %v, want 5m", cfg.Server.RequestTimeout)
		}
		if cfg.Anthropic.Model != "claude-3-5-sonnet-20241022" {
			t.Errorf("model = %q", cfg.Anthropic.Model)
		}
		if cfg.Anthropic.MaxTokens != 8192 {
			t.Errorf("max_tokens = %d, want 8192", cfg.Anthropic.MaxTokens)
		}
		if cfg.Anthropic.Beta != "max-tokens-3-5-sonnet-2024-07-15" {
			t.Errorf("beta = %q", cfg.Anthropic.Beta)
		}
		if cfg.Chat.MaxSegments != 2 {
			t.Errorf("max_segments = %d, want 2", cfg.Chat.MaxSegments)
		}
		if cfg.Storage.Type != "memory" {
			t.Errorf("storage.type = %q, want memory", cfg.Storage.Type)
		}
		if cfg.Storage.Memory.MaxConversations != 1000 {
			t.Errorf("storage.memory.max_conversations = %d, want 1000", cfg.Storage.Memory.MaxConversations)
		}
		if cfg.Anthropic.APIKey != "" {
			t.Errorf("api_key = %q, want empty", cfg.Anthropic.APIKey)
		}
	})

	t.Run("env var port override", func(t *testing.T) {
		setenv(t, "CHATRELAY_SERVER__PORT", "9000")
		setenv(t, "CHATRELAY_CHAT__MAX_SEGMENTS", "4")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 9000 {
			t.Errorf("port = %v, want 9000", cfg.Server.Port)
		}
		if cfg.Chat.MaxSegments != 4 {
			t.Errorf("max_segments = %d, want 4", cfg.Chat.MaxSegments)
		}
	})

	t.Run("process env api key fallback", func(t *testing.T) {
		setenv(t, "ANTHROPIC_API_KEY", "sk-env")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Anthropic.APIKey != "sk-env" {
			t.Errorf("api_key = %q, want sk-env", cfg.Anthropic.APIKey)
		}
	})
}

func TestLoad_File(t *testing.T) {
	unsetenv(t, "CHATRELAY_SERVER__PORT")
	setenv(t, "TEST_ANTHROPIC_KEY", "sk-from-file")

	path := writeConfig(t, `
server:
  port: 9090
  request_timeout: 90s
  rate_limit:
    rps: 0.5
    burst: 2
anthropic:
  api_key: ${TEST_ANTHROPIC_KEY}
  allow_request_key: true
chat:
  max_segments: 3
  system_prompt: be brief
storage:
  type: sqlite
  sqlite:
    path: /tmp/chatrelay.db
telemetry:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.RequestTimeout != 90*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.RateLimit.RPS != 0.5 || cfg.Server.RateLimit.Burst != 2 {
		t.Errorf("rate_limit = %+v", cfg.Server.RateLimit)
	}
	if cfg.Anthropic.APIKey != "sk-from-file" {
		t.Errorf("api_key = %q", cfg.Anthropic.APIKey)
	}
	if !cfg.Anthropic.AllowRequestKey || !cfg.Telemetry.Enabled {
		t.Errorf("flags not loaded: %+v %+v", cfg.Anthropic, cfg.Telemetry)
	}
	if cfg.Chat.MaxSegments != 3 || cfg.Chat.SystemPrompt != "be brief" {
		t.Errorf("chat = %+v", cfg.Chat)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.SQLite.Path != "/tmp/chatrelay.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	// Defaults still fill keys the file leaves out.
	if cfg.Anthropic.MaxTokens != 8192 {
		t.Errorf("max_tokens = %d, want 8192", cfg.Anthropic.MaxTokens)
	}
}

func TestLoad_Invalid(t *testing.T) {
	unsetenv(t, "CHATRELAY_SERVER__PORT")

	tests := []struct {
		name string
		body string
		want string
	}{
		{"storage type", "storage:\n  type: redis\n", "storage.type"},
		{"segments", "chat:\n  max_segments: -1\n", "max_segments"},
		{"port", "server:\n  port: 70000\n", "server.port"},
		{"memory cap", "storage:\n  memory:\n    max_conversations: -5\n", "max_conversations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	setenv(t, "TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple substitution", input: "${TEST_VAR}", want: "test-value"},
		{name: "embedded", input: "prefix-${TEST_VAR}-suffix", want: "prefix-test-value-suffix"},
		{name: "unset var", input: "${CHATRELAY_UNSET_TEST_VAR}", want: ""},
		{name: "literal", input: "sk-plain", want: "sk-plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
