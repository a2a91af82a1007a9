package llmservice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"ezquery/internal/config"
	"ezquery/internal/helper"
	"ezquery/internal/models"
)

// NewLLM builds the chat model configured in cfg. Cohere is reached through
// its OpenAI compatible chat endpoint.
func NewLLM(cfg *config.LLMConfig) (llms.Model, error) {
	log.Debug().Interface("llmConfig", map[string]string{
		"provider": cfg.Provider,
		"base_url": cfg.BaseURL,
		"model":    cfg.Model,
	}).Msg("Creating generation model")

	var (
		llm llms.Model
		err error
	)
	switch cfg.Provider {
	case "cohere", "openai":
		baseURL, model := cfg.BaseURL, cfg.Model
		if cfg.Provider == "cohere" {
			if baseURL == "" {
				baseURL = models.CohereChatBaseURL
			}
			if model == "" {
				model = models.DefaultGenerationModel
			}
		}
		opts := []openai.Option{openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer "))}
		if model != "" {
			opts = append(opts, openai.WithModel(model))
		}
		if baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		llm, err = openai.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err = ollama.New(opts...)
	default:
		return nil, models.Errorf(models.ErrConfiguration, "new llm", "unknown generation provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, models.NewError(models.ErrConfiguration, "new llm", fmt.Errorf("failed to initialize %s client: %w", cfg.Provider, err))
	}
	return llm, nil
}

// Generator sends a single prompt to a chat model and returns its reply untouched.
type Generator struct {
	llm         llms.Model
	maxAttempts int
	retryDelay  time.Duration
}

type Option func(*Generator)

// WithRetry retries transient failures. maxAttempts counts the first try.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(g *Generator) {
		g.maxAttempts = max(maxAttempts, 1)
		g.retryDelay = baseDelay
	}
}

func NewGenerator(llm llms.Model, opts ...Option) *Generator {
	g := &Generator{llm: llm, maxAttempts: 1}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FromConfig is NewLLM followed by NewGenerator with the configured retries.
func FromConfig(cfg *config.LLMConfig) (*Generator, error) {
	llm, err := NewLLM(cfg)
	if err != nil {
		return nil, err
	}
	return NewGenerator(llm, WithRetry(cfg.MaxRetries, cfg.RetryDelay)), nil
}

func (g *Generator) Generate(ctx context.Context, prompt string) (models.GenerationResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return models.GenerationResult{}, models.Errorf(models.ErrConfiguration, "generate", "prompt is empty")
	}

	var text string
	err := helper.RetryWithBackoff(ctx, func() error {
		out, err := llms.GenerateFromSinglePrompt(ctx, g.llm, prompt)
		text = out
		return err
	}, g.maxAttempts, g.retryDelay)
	if err != nil {
		return models.GenerationResult{}, models.NewError(models.ErrProvider, "generate", fmt.Errorf("failed to generate content: %w", err))
	}
	return models.GenerationResult{Text: text}, nil
}
