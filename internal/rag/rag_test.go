package rag

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms/fake"

	"ezquery/internal/chromemdb"
	"ezquery/internal/config"
	"ezquery/internal/embedding"
	"ezquery/internal/embedding/mock"
	"ezquery/internal/llmservice"
	"ezquery/internal/models"
)

const dim = models.DefaultDimension

var companySnapshot = models.TableSnapshot{
	"employees": "1,Alice,Engineering\n2,Bob,Sales\n3,Carol,Marketing",
	"projects":  "1,Apollo,Alice\n2,Zephyr,Bob",
}

type staticReader struct {
	snapshot models.TableSnapshot
	err      error
}

func (r staticReader) ReadAll(context.Context) (models.TableSnapshot, error) {
	return r.snapshot, r.err
}

// spyStore counts calls before delegating to an in-memory chromem store.
type spyStore struct {
	*chromemdb.Store
	mu       sync.Mutex
	ensures  int
	upserts  int
	searches int
}

func newSpyStore() *spyStore {
	return &spyStore{Store: chromemdb.NewInMemory()}
}

func (s *spyStore) EnsureCollection(ctx context.Context, spec models.CollectionSpec) error {
	s.mu.Lock()
	s.ensures++
	s.mu.Unlock()
	return s.Store.EnsureCollection(ctx, spec)
}

func (s *spyStore) Upsert(ctx context.Context, name string, records []models.Record) error {
	s.mu.Lock()
	s.upserts++
	s.mu.Unlock()
	return s.Store.Upsert(ctx, name, records)
}

func (s *spyStore) Search(ctx context.Context, name string, vector []float32, k int) (models.QueryResult, error) {
	s.mu.Lock()
	s.searches++
	s.mu.Unlock()
	return s.Store.Search(ctx, name, vector, k)
}

type recordingGenerator struct {
	prompts []string
	answer  string
}

func (g *recordingGenerator) Generate(_ context.Context, prompt string) (models.GenerationResult, error) {
	g.prompts = append(g.prompts, prompt)
	return models.GenerationResult{Text: g.answer}, nil
}

func newEmbedder(t *testing.T, impl *mock.Embedder) *embedding.Embedder {
	t.Helper()
	e, err := embedding.New(impl, embedding.WithDimension(dim), embedding.WithBatchSize(2))
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func newPipeline(t *testing.T, reader SnapshotReader, store VectorStore, gen Generator, opts ...Option) (*Pipeline, *mock.Embedder) {
	t.Helper()
	impl := mock.NewEmbedder(dim)
	p, err := New(reader, newEmbedder(t, impl), store, gen, opts...)
	require.NoError(t, err)
	return p, impl
}

func TestPipeline_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSpyStore()
	p, _ := newPipeline(t, staticReader{snapshot: companySnapshot}, store,
		&recordingGenerator{answer: "Alice"}, WithChunking(40, 20))

	report, err := p.Ingest(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.IngestReport{Tables: 2, Chunks: 4, Collection: "sql"}, report)

	chunks, err := p.Retrieve(ctx, "Who works in Engineering?", models.DefaultTopK)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0].Text, "Alice,Engineering")
}

func TestPipeline_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := newSpyStore()
	gen := llmservice.NewGenerator(fake.NewFakeLLM([]string{"Alice, Bob and Carol."}))
	p, _ := newPipeline(t, staticReader{snapshot: companySnapshot}, store, gen)

	report, err := p.Ingest(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Chunks, 1)
	assert.Equal(t, 2, report.Tables)

	answer, err := p.Answer(ctx, "list employees")
	require.NoError(t, err)
	assert.Equal(t, "Alice, Bob and Carol.", answer)
}

func TestPipeline_PromptFormat(t *testing.T) {
	ctx := context.Background()
	gen := &recordingGenerator{answer: "Engineering"}
	p, _ := newPipeline(t, staticReader{snapshot: companySnapshot}, newSpyStore(), gen)

	_, err := p.Ingest(ctx)
	require.NoError(t, err)
	answer, err := p.Answer(ctx, "Where does Alice work?")
	require.NoError(t, err)
	assert.Equal(t, "Engineering", answer)

	require.Len(t, gen.prompts, 1)
	assert.Equal(t, "Context: "+companySnapshot.Text()+"\n\nQuery: Where does Alice work?\n\nAnswer", gen.prompts[0])
}

func TestPipeline_ReingestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newSpyStore()
	p, _ := newPipeline(t, staticReader{snapshot: companySnapshot}, store,
		&recordingGenerator{}, WithChunking(40, 20))

	_, err := p.Ingest(ctx)
	require.NoError(t, err)
	_, err = p.Ingest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, store.Count("sql"))
}

func TestPipeline_QueryErrorWritesNothing(t *testing.T) {
	store := newSpyStore()
	readErr := models.Errorf(models.ErrQuery, "read table projects", "permission denied for table projects")
	p, impl := newPipeline(t, staticReader{err: readErr}, store, &recordingGenerator{})

	report, err := p.Ingest(context.Background())
	assert.ErrorIs(t, err, models.ErrQuery)
	assert.Zero(t, report.Chunks)
	assert.Zero(t, store.ensures)
	assert.Zero(t, store.upserts)
	assert.Zero(t, impl.CallCount())
}

func TestPipeline_EmbeddingFailureWritesNothing(t *testing.T) {
	store := newSpyStore()
	impl := mock.NewEmbedder(dim)
	impl.EmbedDocumentsFunc = func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("invalid api key")
	}
	p, err := New(staticReader{snapshot: companySnapshot}, newEmbedder(t, impl), store, &recordingGenerator{},
		WithChunking(40, 20))
	require.NoError(t, err)

	_, err = p.Ingest(context.Background())
	assert.ErrorIs(t, err, models.ErrProvider)
	assert.Zero(t, store.upserts)
}

func TestPipeline_EmptySnapshot(t *testing.T) {
	store := newSpyStore()
	p, impl := newPipeline(t, staticReader{snapshot: models.TableSnapshot{}}, store, &recordingGenerator{})

	report, err := p.Ingest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.IngestReport{Collection: "sql"}, report)
	assert.Zero(t, store.upserts)
	assert.Zero(t, impl.CallCount())
}

func TestPipeline_SchemaConflict(t *testing.T) {
	ctx := context.Background()
	store := newSpyStore()
	require.NoError(t, store.Store.EnsureCollection(ctx, models.CollectionSpec{Name: "sql", Dimension: 1024}))

	p, _ := newPipeline(t, staticReader{snapshot: companySnapshot}, store, &recordingGenerator{})
	_, err := p.Ingest(ctx)
	assert.ErrorIs(t, err, models.ErrSchemaConflict)
	assert.Zero(t, store.upserts)
}

func TestPipeline_UnreachableGenerator(t *testing.T) {
	ctx := context.Background()
	gen, err := llmservice.FromConfig(&config.LLMConfig{
		Provider:   "openai",
		Model:      "gpt-4o-mini",
		Key:        "test-key",
		BaseURL:    "http://127.0.0.1:1/v1",
		MaxRetries: 1,
	})
	require.NoError(t, err)
	p, _ := newPipeline(t, staticReader{snapshot: companySnapshot}, newSpyStore(), gen)

	_, err = p.Ingest(ctx)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	answer, err := p.Answer(ctx, "list employees")
	assert.ErrorIs(t, err, models.ErrProvider)
	assert.Empty(t, answer)
}

func TestPipeline_BlankQuestion(t *testing.T) {
	store := newSpyStore()
	gen := &recordingGenerator{}
	p, impl := newPipeline(t, staticReader{}, store, gen)

	_, err := p.Answer(context.Background(), " \n")
	assert.ErrorIs(t, err, models.ErrConfiguration)
	assert.Zero(t, impl.CallCount())
	assert.Zero(t, store.searches)
	assert.Empty(t, gen.prompts)
}

func TestNew_Configuration(t *testing.T) {
	reader := staticReader{}
	store := newSpyStore()
	gen := &recordingGenerator{}
	emb := newEmbedder(t, mock.NewEmbedder(dim))

	tests := map[string][]Option{
		"overlap equals size": {WithChunking(100, 100)},
		"zero top k":          {WithTopK(0)},
		"unknown metric":      {WithCollection(models.CollectionSpec{Name: "sql", Dimension: dim, Metric: "hamming"})},
		"empty collection":    {WithCollection(models.CollectionSpec{Dimension: dim})},
	}
	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(reader, emb, store, gen, opts...)
			assert.ErrorIs(t, err, models.ErrConfiguration)
		})
	}

	_, err := New(reader, emb, nil, gen)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	p, err := New(reader, emb, store, gen, WithCollection(models.CollectionSpec{Name: "company", Dimension: dim}))
	require.NoError(t, err)
	assert.Equal(t, "company", p.Collection())
}

func TestBuildPrompt(t *testing.T) {
	assert.Equal(t,
		"Context: 1,Alice,Engineering 2,Bob,Sales\n\nQuery: Who works in Engineering?\n\nAnswer",
		BuildPrompt([]string{"1,Alice,Engineering", "2,Bob,Sales"}, "Who works in Engineering?"))
	assert.Equal(t, "Context: \n\nQuery: q\n\nAnswer", BuildPrompt(nil, "q"))
}
