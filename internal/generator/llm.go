package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/starford/veritas/internal/apperr"
)

const uncertainPrefix = "UNCERTAIN:"

// LLMConfig selects and configures the language model provider.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// LLM generates answers with a langchaingo model.
type LLM struct {
	model llms.Model
	cfg   LLMConfig
}

// NewLLM builds the provider named by cfg.Provider ("openai" or "ollama").
func NewLLM(cfg LLMConfig) (*LLM, error) {
	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case "ollama":
		serverURL := cfg.BaseURL
		if serverURL == "" {
			serverURL = "http://localhost:11434"
		}
		opts := []ollama.Option{ollama.WithServerURL(serverURL)}
		if cfg.Model != "" {
			opts = append(opts, ollama.WithModel(cfg.Model))
		}
		model, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("generator: unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("generator: %s: %w: %w", cfg.Provider, apperr.ErrGeneratorUnavailable, err)
	}
	return NewLLMWithModel(model, cfg), nil
}

// NewLLMWithModel wraps an already constructed model.
func NewLLMWithModel(model llms.Model, cfg LLMConfig) *LLM {
	return &LLM{model: model, cfg: cfg}
}

func (g *LLM) Generate(ctx context.Context, req Request) (Response, error) {
	opts := []llms.CallOption{llms.WithTemperature(g.cfg.Temperature)}
	if g.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(g.cfg.MaxTokens))
	}
	text, err := llms.GenerateFromSinglePrompt(ctx, g.model, Prompt(req), opts...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{}, fmt.Errorf("generator: %w: %w", apperr.ErrGeneratorTimeout, err)
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("generator: %w: %w", apperr.ErrGeneratorUnavailable, err)
	}
	return ParseResponse(text), nil
}

// Prompt renders the request for a language model.
func Prompt(req Request) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the facts below. ")
	b.WriteString("State each fact you rely on as a short sentence of the form \"<subject> <relation> <object>.\" ")
	b.WriteString("If a fact you need is missing or doubtful, add a line starting with " + uncertainPrefix + " describing it.\n\nFacts:\n")
	for _, f := range req.Fragments {
		if f.Supplementary {
			b.WriteString("- (supplementary) ")
		} else {
			b.WriteString("- ")
		}
		b.WriteString(f.Text)
		b.WriteString("\n")
	}
	if len(req.Avoid) > 0 {
		b.WriteString("\nThese statements were not supported by the facts; do not repeat them:\n")
		for _, c := range req.Avoid {
			b.WriteString("- ")
			b.WriteString(c.Text)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(req.Query)
	b.WriteString("\nAnswer:")
	return b.String()
}

// ParseResponse splits UNCERTAIN: lines from the answer text.
func ParseResponse(text string) Response {
	var (
		resp  Response
		lines []string
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, uncertainPrefix); ok {
			if u := strings.TrimSpace(rest); u != "" {
				resp.Uncertainty = append(resp.Uncertainty, u)
			}
			continue
		}
		lines = append(lines, line)
	}
	resp.Text = strings.TrimSpace(strings.Join(lines, "\n"))
	return resp
}
