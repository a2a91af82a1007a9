package embedding

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"ezquery/internal/config"
	"ezquery/internal/helper"
	"ezquery/internal/models"
)

const (
	defaultBatchSize   = 96
	defaultConcurrency = 4
)

// Embedder turns text into vectors of a fixed dimension using any langchaingo
// embedder. Batches are embedded concurrently on a bounded worker pool, but
// every call still returns only once all of its vectors are ready.
type Embedder struct {
	impl        embeddings.Embedder
	dimension   int
	batchSize   int
	concurrency int
	maxAttempts int
	retryDelay  time.Duration
	pool        *ants.Pool
}

type Option func(*Embedder) error

// WithDimension rejects vectors of any other length. Zero disables the check.
func WithDimension(dimension int) Option {
	return func(e *Embedder) error {
		if dimension < 0 {
			return fmt.Errorf("dimension must not be negative, got %d", dimension)
		}
		e.dimension = dimension
		return nil
	}
}

func WithBatchSize(size int) Option {
	return func(e *Embedder) error {
		if size < 1 {
			return fmt.Errorf("batch size must be positive, got %d", size)
		}
		e.batchSize = size
		return nil
	}
}

// WithConcurrency bounds the number of batches in flight.
func WithConcurrency(n int) Option {
	return func(e *Embedder) error {
		if n < 1 {
			return fmt.Errorf("concurrency must be positive, got %d", n)
		}
		e.concurrency = n
		return nil
	}
}

// WithRetry retries transient provider failures. maxAttempts counts the first try.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(e *Embedder) error {
		if maxAttempts < 1 {
			return fmt.Errorf("max attempts must be positive, got %d", maxAttempts)
		}
		e.maxAttempts = maxAttempts
		e.retryDelay = baseDelay
		return nil
	}
}

// New wraps impl. Call Close to release the worker pool.
func New(impl embeddings.Embedder, opts ...Option) (*Embedder, error) {
	e := &Embedder{
		impl:        impl,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
		maxAttempts: 1,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, models.NewError(models.ErrConfiguration, "new embedder", err)
		}
	}

	pool, err := ants.NewPool(e.concurrency)
	if err != nil {
		return nil, models.NewError(models.ErrConfiguration, "new embedder", fmt.Errorf("failed to create worker pool: %w", err))
	}
	e.pool = pool
	return e, nil
}

// NewEmbedder builds the embedder configured in cfg.
func NewEmbedder(cfg *config.LLMConfig, opts ...Option) (*Embedder, error) {
	log.Debug().Interface("config", map[string]string{
		"provider": cfg.Provider,
		"base_url": cfg.BaseURL,
		"model":    cfg.Model,
	}).Msg("Creating embedder")

	var (
		impl embeddings.Embedder
		err  error
	)
	switch cfg.Provider {
	case "cohere":
		impl = NewCohereEmbedder(cfg.Key, cfg.Model)
	case "openai":
		impl, err = NewOpenAIEmbedder(cfg)
	case "ollama":
		impl, err = NewOllamaEmbedder(cfg)
	default:
		return nil, models.Errorf(models.ErrConfiguration, "new embedder", "unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, models.NewError(models.ErrConfiguration, "new embedder", err)
	}

	opts = append([]Option{WithRetry(max(cfg.MaxRetries, 1), cfg.RetryDelay)}, opts...)
	return New(impl, opts...)
}

// NewOpenAIEmbedder works with OpenAI and any OpenAI-compatible endpoint.
func NewOpenAIEmbedder(cfg *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize openai client: %w", err)
	}
	return embeddings.NewEmbedder(llm)
}

func NewOllamaEmbedder(cfg *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama client: %w", err)
	}
	return embeddings.NewEmbedder(llm)
}

// Embed returns the vector for a single query text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := helper.RetryWithBackoff(ctx, func() error {
		v, err := e.impl.EmbedQuery(ctx, text)
		vec = v
		return err
	}, e.maxAttempts, e.retryDelay)
	if err != nil {
		return nil, models.NewError(models.ErrProvider, "embed", fmt.Errorf("failed to embed query: %w", err))
	}
	if err := e.checkDimension(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch returns one vector per text, in input order. Any failed batch
// fails the whole call.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batches := embeddings.BatchTexts(texts, e.batchSize)
	results := make([][][]float32, len(batches))

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel(err)
		})
	}

	for i, batch := range batches {
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			vecs, err := e.embedDocuments(ctx, batch)
			if err != nil {
				fail(err)
				return
			}
			results[i] = vecs
		})
		if err != nil {
			wg.Done()
			fail(fmt.Errorf("failed to schedule batch: %w", err))
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, models.NewError(models.ErrProvider, "embed batch", firstErr)
	}

	vectors := make([][]float32, 0, len(texts))
	for i, vecs := range results {
		if len(vecs) != len(batches[i]) {
			return nil, models.Errorf(models.ErrProvider, "embed batch",
				"provider returned %d vectors for %d texts", len(vecs), len(batches[i]))
		}
		vectors = append(vectors, vecs...)
	}
	for _, v := range vectors {
		if err := e.checkDimension(v); err != nil {
			return nil, err
		}
	}
	return vectors, nil
}

func (e *Embedder) embedDocuments(ctx context.Context, batch []string) ([][]float32, error) {
	var vecs [][]float32
	err := helper.RetryWithBackoff(ctx, func() error {
		v, err := e.impl.EmbedDocuments(ctx, batch)
		vecs = v
		return err
	}, e.maxAttempts, e.retryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d documents: %w", len(batch), err)
	}
	return vecs, nil
}

func (e *Embedder) checkDimension(v []float32) error {
	if len(v) == 0 {
		return models.Errorf(models.ErrProvider, "embed", "provider returned an empty vector")
	}
	if e.dimension > 0 && len(v) != e.dimension {
		return models.Errorf(models.ErrProvider, "embed",
			"provider returned %d dimensions, expected %d", len(v), e.dimension)
	}
	return nil
}

// Dimension is the vector length every result is checked against.
func (e *Embedder) Dimension() int {
	return e.dimension
}

func (e *Embedder) Close() {
	e.pool.Release()
}

// cohereEmbedder uses chromem's Cohere client, which needs every text tagged
// with its input type.
type cohereEmbedder struct {
	embed chromem.EmbeddingFunc
}

func NewCohereEmbedder(apiKey, model string) embeddings.Embedder {
	return &cohereEmbedder{
		embed: chromem.NewEmbeddingFuncCohere(apiKey, chromem.EmbeddingModelCohere(model)),
	}
}

func (c *cohereEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := c.embed(ctx, chromem.InputTypeCohereSearchDocumentPrefix+text)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (c *cohereEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, chromem.InputTypeCohereSearchQueryPrefix+text)
}
