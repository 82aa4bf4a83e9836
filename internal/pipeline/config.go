package pipeline

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config bounds the orchestrator's retries and stage budgets.
type Config struct {
	// FeedbackRounds is how many times a failed verification may send the
	// answer back for restoration and regeneration.
	FeedbackRounds int `yaml:"feedback_rounds"`
	// StageRetries is how many times a stage is retried locally after a
	// transient failure.
	StageRetries int           `yaml:"stage_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	Timeouts     Timeouts      `yaml:"timeouts"`
}

// Timeouts are independent per-stage budgets. Zero means no stage deadline.
type Timeouts struct {
	Retrieval    time.Duration `yaml:"retrieval"`
	Restoration  time.Duration `yaml:"restoration"`
	Generation   time.Duration `yaml:"generation"`
	Verification time.Duration `yaml:"verification"`
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		FeedbackRounds: 2,
		StageRetries:   2,
		RetryDelay:     100 * time.Millisecond,
		Timeouts: Timeouts{
			Retrieval:    5 * time.Second,
			Restoration:  5 * time.Second,
			Generation:   30 * time.Second,
			Verification: 5 * time.Second,
		},
	}
}

// Validate validates the orchestrator configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.FeedbackRounds, validation.Min(0), validation.Max(10)),
		validation.Field(&c.StageRetries, validation.Min(0), validation.Max(10)),
		validation.Field(&c.RetryDelay, validation.Min(time.Duration(0))),
	)
}

func (t Timeouts) of(stage string) time.Duration {
	switch stage {
	case stageRetrieve:
		return t.Retrieval
	case stageRestore:
		return t.Restoration
	case stageGenerate:
		return t.Generation
	case stageVerify:
		return t.Verification
	}
	return 0
}
