package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/veritas/internal/ecl"
	"github.com/starford/veritas/internal/generator"
	"github.com/starford/veritas/internal/graphcheck"
	"github.com/starford/veritas/internal/pathrag"
	"github.com/starford/veritas/internal/pipeline"
	"github.com/starford/veritas/internal/tcr"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Generator providers.
const (
	ProviderExtractive = "extractive"
	ProviderOpenAI     = "openai"
	ProviderOllama     = "ollama"
)

// Learner record backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	Auth      AuthConfig        `yaml:"auth"`
	Ingest    IngestConfig      `yaml:"ingest"`
	Retrieval pathrag.Config    `yaml:"retrieval"`
	Restorer  tcr.Config        `yaml:"restorer"`
	Verifier  graphcheck.Config `yaml:"verifier"`
	Pipeline  pipeline.Config   `yaml:"pipeline"`
	Generator GeneratorConfig   `yaml:"generator"`
	Learner   LearnerConfig     `yaml:"learner"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    validation.Validatable
	}{
		{"app", &c.App},
		{"sqlite", &c.SQLite},
		{"auth", &c.Auth},
		{"ingest", &c.Ingest},
		{"retrieval", &c.Retrieval},
		{"restorer", &c.Restorer},
		{"verifier", &c.Verifier},
		{"pipeline", &c.Pipeline},
		{"generator", &c.Generator},
		{"learner", &c.Learner},
		{"telemetry", &c.Telemetry},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
	// MaxConcurrentQueries bounds queries running at once; further queries
	// wait for a slot or their deadline.
	MaxConcurrentQueries int `yaml:"max_concurrent_queries"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxConcurrentQueries, validation.Required, validation.Min(1)),
	)
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.ShutdownTimeout, validation.Min(time.Duration(0))),
	)
}

// SQLiteConfig holds the graph database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// IngestConfig controls the mutation inbox watcher.
type IngestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Inbox   string `yaml:"inbox"`
	// Processed and Failed are relative to Inbox and should start with a
	// dot so the watcher ignores them.
	Processed string        `yaml:"processed"`
	Failed    string        `yaml:"failed"`
	Debounce  time.Duration `yaml:"debounce"`
}

// Validate validates the ingest configuration.
func (c *IngestConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Inbox, validation.When(c.Enabled, validation.Required)),
		validation.Field(&c.Processed, validation.Required),
		validation.Field(&c.Failed, validation.Required),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
	)
}

// GeneratorConfig selects the answer generator. The extractive provider
// answers from the restored context without a model.
type GeneratorConfig struct {
	generator.LLMConfig `yaml:",inline"`
	Breaker             generator.BreakerConfig `yaml:"breaker"`
}

// Validate validates the generator configuration.
func (c *GeneratorConfig) Validate() error {
	if c.Provider == "" {
		c.Provider = ProviderExtractive
	}
	if err := validation.ValidateStruct(&c.LLMConfig,
		validation.Field(&c.LLMConfig.Provider, validation.Required,
			validation.In(ProviderExtractive, ProviderOpenAI, ProviderOllama)),
		validation.Field(&c.LLMConfig.Temperature, validation.Min(0.0), validation.Max(2.0)),
		validation.Field(&c.LLMConfig.MaxTokens, validation.Min(0)),
	); err != nil {
		return err
	}
	if c.Provider == ProviderOpenAI && c.APIKey == "" {
		return fmt.Errorf("generator: provider %q requires api_key", ProviderOpenAI)
	}
	return validation.ValidateStruct(&c.Breaker,
		validation.Field(&c.Breaker.Timeout, validation.Required),
		validation.Field(&c.Breaker.ConsecutiveFailures, validation.Required),
		validation.Field(&c.Breaker.OpenFor, validation.Required),
	)
}

// LearnerConfig configures the continual learner and its record store.
type LearnerConfig struct {
	ecl.Config `yaml:",inline"`
	Backend    string `yaml:"backend"`
	RedisURL   string `yaml:"redis_url"`
	RedisKey   string `yaml:"redis_key"`
	// EventThrottle coalesces embeddings.updated notifications.
	EventThrottle time.Duration `yaml:"event_throttle"`
}

// Validate validates the learner configuration.
func (c *LearnerConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if err := c.Config.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendMemory, BackendRedis)),
		validation.Field(&c.RedisURL, validation.When(c.Backend == BackendRedis, validation.Required)),
		validation.Field(&c.RedisKey, validation.When(c.Backend == BackendRedis, validation.Required)),
		validation.Field(&c.EventThrottle, validation.Min(time.Duration(0))),
	)
}

// TelemetryConfig controls tracing and the metrics endpoint.
type TelemetryConfig struct {
	Metrics     bool    `yaml:"metrics"`
	Namespace   string  `yaml:"namespace"`
	Tracing     bool    `yaml:"tracing"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Validate validates the telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Namespace, validation.When(c.Metrics, validation.Required)),
		validation.Field(&c.SampleRatio, validation.Min(0.0), validation.Max(1.0)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port:            8080,
				ShutdownTimeout: 10 * time.Second,
			},
			MaxConcurrentQueries: 16,
		},
		SQLite: SQLiteConfig{
			Path: "./veritas.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Ingest: IngestConfig{
			Inbox:     "./inbox",
			Processed: ".processed",
			Failed:    ".failed",
			Debounce:  200 * time.Millisecond,
		},
		Retrieval: pathrag.DefaultConfig(),
		Restorer:  tcr.DefaultConfig(),
		Verifier:  graphcheck.DefaultConfig(),
		Pipeline:  pipeline.DefaultConfig(),
		Generator: GeneratorConfig{
			LLMConfig: generator.LLMConfig{Provider: ProviderExtractive, Temperature: 0.2},
			Breaker:   generator.DefaultBreakerConfig(),
		},
		Learner: LearnerConfig{
			Config:        ecl.DefaultConfig(),
			Backend:       BackendMemory,
			RedisKey:      "veritas:embeddings",
			EventThrottle: 2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics:     true,
			Namespace:   "veritas",
			SampleRatio: 1,
		},
	}
}
