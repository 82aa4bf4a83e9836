package internal

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkgconfig "github.com/starford/veritas/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Generator.Provider != ProviderExtractive {
		t.Errorf("provider = %q", cfg.Generator.Provider)
	}
}

func TestGeneratorConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Generator.Provider = ProviderOpenAI
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Errorf("openai without key: err = %v", err)
	}
	cfg.Generator.APIKey = "sk-test"
	if err := cfg.Validate(); err != nil {
		t.Errorf("openai with key: %v", err)
	}

	cfg.Generator.Provider = "gpt-telepathy"
	if err := cfg.Validate(); err == nil || !strings.HasPrefix(err.Error(), "generator:") {
		t.Errorf("unknown provider: err = %v", err)
	}

	cfg = NewDefaultConfig()
	cfg.Generator.Provider = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty provider should default: %v", err)
	}
	if cfg.Generator.Provider != ProviderExtractive {
		t.Errorf("provider = %q, want %q", cfg.Generator.Provider, ProviderExtractive)
	}
}

func TestLearnerConfig_RedisBackend(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Learner.Backend = BackendRedis
	if err := cfg.Validate(); err == nil {
		t.Error("redis backend without url should fail")
	}
	cfg.Learner.RedisURL = "redis://localhost:6379/0"
	if err := cfg.Validate(); err != nil {
		t.Errorf("redis backend with url: %v", err)
	}

	cfg.Learner.Backend = "etcd"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown backend should fail")
	}
}

func TestIngestConfig_EnabledNeedsInbox(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Ingest.Enabled = true
	cfg.Ingest.Inbox = ""
	if err := cfg.Validate(); err == nil || !strings.HasPrefix(err.Error(), "ingest:") {
		t.Errorf("err = %v, want ingest error", err)
	}
}

func TestComponentConfigValidated(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Retrieval.MaxDepth = 0
	if err := cfg.Validate(); err == nil || !strings.HasPrefix(err.Error(), "retrieval:") {
		t.Errorf("err = %v, want retrieval error", err)
	}

	cfg = NewDefaultConfig()
	cfg.Verifier.EntityTolerance = 1.5
	if err := cfg.Validate(); err == nil || !strings.HasPrefix(err.Error(), "verifier:") {
		t.Errorf("err = %v, want verifier error", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("VERITAS_TEST_TOKEN", "from-env")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `app:
  log_level: debug
  http:
    port: 9090
auth:
  mode: token
  token: ${VERITAS_TEST_TOKEN}
retrieval:
  max_depth: 4
pipeline:
  retry_delay: 250ms
generator:
  provider: ollama
  model: llama3
learner:
  backend: redis
  redis_url: redis://localhost:6379/1
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.LogLevel != slog.LevelDebug || cfg.App.HTTP.Port != 9090 {
		t.Errorf("app = %+v", cfg.App)
	}
	if cfg.Auth.Token != "from-env" || !cfg.Auth.AuthEnabled() {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Retrieval.MaxDepth != 4 || cfg.Retrieval.MaxPaths != 5 {
		t.Errorf("retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Pipeline.RetryDelay != 250*time.Millisecond {
		t.Errorf("retry delay = %v", cfg.Pipeline.RetryDelay)
	}
	if cfg.Generator.Provider != ProviderOllama || cfg.Generator.Model != "llama3" {
		t.Errorf("generator = %+v", cfg.Generator.LLMConfig)
	}
	if cfg.Learner.RedisKey != "veritas:embeddings" || cfg.Learner.Rate != 0.3 {
		t.Errorf("learner = %+v", cfg.Learner)
	}
}
