package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ezquery/internal/config"
	"ezquery/internal/embedding/mock"
	"ezquery/internal/models"
)

const testDim = 384

func newTestEmbedder(t *testing.T, impl *mock.Embedder, opts ...Option) *Embedder {
	t.Helper()
	e, err := New(impl, append([]Option{WithDimension(testDim)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestEmbed(t *testing.T) {
	e := newTestEmbedder(t, mock.NewEmbedder(testDim))

	vec, err := e.Embed(context.Background(), "Which department does Alice work in?")
	require.NoError(t, err)
	assert.Len(t, vec, testDim)
	assert.Equal(t, mock.Vector("Which department does Alice work in?", testDim), vec)
}

func TestEmbedBatch_PreservesOrderAcrossBatches(t *testing.T) {
	impl := mock.NewEmbedder(testDim)
	e := newTestEmbedder(t, impl, WithBatchSize(2), WithConcurrency(3))

	texts := make([]string, 7)
	for i := range texts {
		texts[i] = fmt.Sprintf("row %d of employees", i)
	}

	vectors, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, text := range texts {
		assert.Equal(t, mock.Vector(text, testDim), vectors[i], "vector %d", i)
	}
	assert.Equal(t, 4, impl.CallCount())
	assert.ElementsMatch(t, texts, impl.Texts())
}

func TestEmbedBatch_Empty(t *testing.T) {
	impl := mock.NewEmbedder(testDim)
	e := newTestEmbedder(t, impl)

	vectors, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Zero(t, impl.CallCount())
}

func TestEmbedBatch_ProviderFailure(t *testing.T) {
	impl := mock.NewEmbedder(testDim)
	impl.EmbedDocumentsFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		return nil, errors.New("invalid api key")
	}
	e := newTestEmbedder(t, impl, WithBatchSize(1))

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	assert.ErrorIs(t, err, models.ErrProvider)
	assert.Nil(t, vectors)
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	e := newTestEmbedder(t, mock.NewEmbedder(128))

	_, err := e.Embed(context.Background(), "Alice")
	assert.ErrorIs(t, err, models.ErrProvider)

	_, err = e.EmbedBatch(context.Background(), []string{"Alice"})
	assert.ErrorIs(t, err, models.ErrProvider)
}

func TestEmbed_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	impl := mock.NewEmbedder(testDim)
	impl.EmbedQueryFunc = func(_ context.Context, text string) ([]float32, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("API returned unexpected status code: 503")
		}
		return mock.Vector(text, testDim), nil
	}
	e := newTestEmbedder(t, impl, WithRetry(3, time.Millisecond))

	vec, err := e.Embed(context.Background(), "Alice")
	require.NoError(t, err)
	assert.Len(t, vec, testDim)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbed_DoesNotRetryPermanentFailures(t *testing.T) {
	var calls atomic.Int32
	impl := mock.NewEmbedder(testDim)
	impl.EmbedQueryFunc = func(context.Context, string) ([]float32, error) {
		calls.Add(1)
		return nil, errors.New("invalid api key")
	}
	e := newTestEmbedder(t, impl, WithRetry(5, time.Millisecond))

	_, err := e.Embed(context.Background(), "Alice")
	assert.ErrorIs(t, err, models.ErrProvider)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNew_InvalidOptions(t *testing.T) {
	impl := mock.NewEmbedder(testDim)
	for name, opt := range map[string]Option{
		"batch size":  WithBatchSize(0),
		"concurrency": WithConcurrency(0),
		"dimension":   WithDimension(-1),
		"retry":       WithRetry(0, time.Second),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(impl, opt)
			assert.ErrorIs(t, err, models.ErrConfiguration)
		})
	}
}

func TestNewEmbedder_UnknownProvider(t *testing.T) {
	_, err := NewEmbedder(&config.LLMConfig{Provider: "word2vec"})
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestNewEmbedder_Providers(t *testing.T) {
	for _, cfg := range []config.LLMConfig{
		{Provider: "cohere", Model: "embed-english-light-v3.0", Key: "test-key"},
		{Provider: "openai", Model: "text-embedding-3-small", Key: "test-key", BaseURL: "http://127.0.0.1:1/v1"},
		{Provider: "ollama", Model: "all-minilm", BaseURL: "http://127.0.0.1:1"},
	} {
		t.Run(cfg.Provider, func(t *testing.T) {
			e, err := NewEmbedder(&cfg, WithDimension(testDim))
			require.NoError(t, err)
			e.Close()
		})
	}
}

func TestEmbed_UnreachableProvider(t *testing.T) {
	e, err := NewEmbedder(&config.LLMConfig{
		Provider: "openai",
		Model:    "text-embedding-3-small",
		Key:      "test-key",
		BaseURL:  "http://127.0.0.1:1/v1",
	})
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = e.Embed(ctx, "Alice")
	assert.ErrorIs(t, err, models.ErrProvider)
}
