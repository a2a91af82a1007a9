package rag

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"ezquery/internal/helper"
	"ezquery/internal/models"
	"ezquery/internal/observability"
	"ezquery/internal/parser"
)

const logInputLen = 80

// SnapshotReader renders every table of the relational source.
type SnapshotReader interface {
	ReadAll(ctx context.Context) (models.TableSnapshot, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorStore interface {
	EnsureCollection(ctx context.Context, spec models.CollectionSpec) error
	Upsert(ctx context.Context, name string, records []models.Record) error
	Search(ctx context.Context, name string, vector []float32, k int) (models.QueryResult, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (models.GenerationResult, error)
}

// Pipeline copies a database into a vector collection and answers questions
// from it. It holds no per-call state, so one Pipeline serves concurrent callers.
type Pipeline struct {
	reader    SnapshotReader
	embedder  Embedder
	store     VectorStore
	generator Generator

	spec         models.CollectionSpec
	chunkSize    int
	chunkOverlap int
	topK         int
}

type Option func(*Pipeline)

func WithCollection(spec models.CollectionSpec) Option {
	return func(p *Pipeline) { p.spec = spec }
}

func WithChunking(size, overlap int) Option {
	return func(p *Pipeline) {
		p.chunkSize = size
		p.chunkOverlap = overlap
	}
}

// WithTopK sets how many chunks Answer puts in the prompt.
func WithTopK(k int) Option {
	return func(p *Pipeline) { p.topK = k }
}

func New(reader SnapshotReader, embedder Embedder, store VectorStore, generator Generator, opts ...Option) (*Pipeline, error) {
	const op = "new pipeline"
	p := &Pipeline{
		reader:    reader,
		embedder:  embedder,
		store:     store,
		generator: generator,
		spec: models.CollectionSpec{
			Name:      models.DefaultCollection,
			Dimension: models.DefaultDimension,
			Metric:    models.DefaultMetric,
		},
		chunkSize:    models.DefaultChunkSize,
		chunkOverlap: models.DefaultChunkOverlap,
		topK:         models.DefaultTopK,
	}
	for _, opt := range opts {
		opt(p)
	}

	if reader == nil || embedder == nil || store == nil || generator == nil {
		return nil, models.Errorf(models.ErrConfiguration, op, "reader, embedder, store and generator are all required")
	}
	spec, err := p.spec.Normalize()
	if err != nil {
		return nil, err
	}
	p.spec = spec
	if err := parser.ValidateParams(p.chunkSize, p.chunkOverlap); err != nil {
		return nil, err
	}
	if p.topK < 1 {
		return nil, models.Errorf(models.ErrConfiguration, op, "top k must be positive, got %d", p.topK)
	}
	return p, nil
}

// Collection is the name of the collection the pipeline writes to.
func (p *Pipeline) Collection() string {
	return p.spec.Name
}

// Ingest snapshots every table, embeds the chunks and upserts them. Nothing
// is written unless every table read and every embedding succeeded.
func (p *Pipeline) Ingest(ctx context.Context) (report models.IngestReport, err error) {
	ctx, span := observability.StartStage(ctx, "ingest", attribute.String("rag.collection", p.spec.Name))
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()
	report.Collection = p.spec.Name

	snapshot, err := p.snapshot(ctx)
	if err != nil {
		return report, p.logError("ingest", "", err)
	}
	report.Tables = len(snapshot)
	text := snapshot.Text()

	chunks, err := parser.Split(text, p.chunkSize, p.chunkOverlap)
	if err != nil {
		return report, p.logError("ingest", text, err)
	}
	span.SetAttributes(attribute.Int("rag.tables", len(snapshot)), attribute.Int("rag.chunks", len(chunks)))
	if len(chunks) == 0 {
		log.Info().Str("collection", p.spec.Name).Msg("snapshot is empty, nothing to ingest")
		return report, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := p.embedBatch(ctx, texts)
	if err != nil {
		return report, p.logError("ingest", texts[0], err)
	}

	records := make([]models.Record, len(chunks))
	for i, c := range chunks {
		records[i] = models.Record{
			ID:     helper.ChunkID(c.Offset, c.Content),
			Vector: vectors[i],
			Text:   c.Content,
		}
	}
	if err := p.upsert(ctx, records); err != nil {
		return report, p.logError("ingest", p.spec.Name, err)
	}

	report.Chunks = len(chunks)
	log.Info().
		Str("collection", report.Collection).
		Int("tables", report.Tables).
		Int("chunks", report.Chunks).
		Msg("ingest complete")
	return report, nil
}

func (p *Pipeline) snapshot(ctx context.Context) (models.TableSnapshot, error) {
	ctx, span := observability.StartStage(ctx, "snapshot")
	defer span.End()
	snapshot, err := p.reader.ReadAll(ctx)
	observability.RecordError(span, err)
	return snapshot, err
}

func (p *Pipeline) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := observability.StartStage(ctx, "embed", attribute.Int("rag.texts", len(texts)))
	defer span.End()

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err == nil && len(vectors) != len(texts) {
		err = models.Errorf(models.ErrProvider, "embed batch", "got %d vectors for %d chunks", len(vectors), len(texts))
	}
	observability.RecordError(span, err)
	return vectors, err
}

func (p *Pipeline) upsert(ctx context.Context, records []models.Record) error {
	ctx, span := observability.StartStage(ctx, "upsert", attribute.Int("rag.records", len(records)))
	defer span.End()

	err := p.store.EnsureCollection(ctx, p.spec)
	if err == nil {
		err = p.store.Upsert(ctx, p.spec.Name, records)
	}
	observability.RecordError(span, err)
	return err
}

// Answer retrieves the top k chunks for question and returns the generated
// reply verbatim.
func (p *Pipeline) Answer(ctx context.Context, question string) (answer string, err error) {
	ctx, span := observability.StartStage(ctx, "answer", attribute.String("rag.collection", p.spec.Name))
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	chunks, err := p.Retrieve(ctx, question, p.topK)
	if err != nil {
		return "", err
	}

	prompt := BuildPrompt(chunks.Texts(), question)
	genCtx, genSpan := observability.StartStage(ctx, "generate", attribute.Int("rag.prompt_len", len(prompt)))
	result, err := p.generator.Generate(genCtx, prompt)
	observability.RecordError(genSpan, err)
	genSpan.End()
	if err != nil {
		return "", p.logError("answer", question, err)
	}
	return result.Text, nil
}

// Retrieve embeds question and returns the k most similar chunks.
func (p *Pipeline) Retrieve(ctx context.Context, question string, k int) (models.QueryResult, error) {
	if strings.TrimSpace(question) == "" {
		return nil, p.logError("answer", question, models.Errorf(models.ErrConfiguration, "answer", "question is empty"))
	}

	ctx, span := observability.StartStage(ctx, "search", attribute.Int("rag.k", k))
	defer span.End()

	vector, err := p.embedder.Embed(ctx, question)
	if err != nil {
		observability.RecordError(span, err)
		return nil, p.logError("answer", question, err)
	}
	chunks, err := p.store.Search(ctx, p.spec.Name, vector, k)
	if err != nil {
		observability.RecordError(span, err)
		return nil, p.logError("answer", question, err)
	}
	span.SetAttributes(attribute.Int("rag.hits", len(chunks)))
	return chunks, nil
}

// BuildPrompt joins the retrieved chunks with single spaces, in retrieval
// order, between the Context, Query and Answer labels.
func BuildPrompt(chunks []string, question string) string {
	var b strings.Builder
	b.WriteString(models.ContextLabel)
	b.WriteString(strings.Join(chunks, " "))
	b.WriteString(models.QueryLabel)
	b.WriteString(question)
	b.WriteString(models.AnswerLabel)
	return b.String()
}

func (p *Pipeline) logError(op, input string, err error) error {
	log.Error().
		Err(err).
		Str("op", op).
		Str("collection", p.spec.Name).
		Str("input", helper.Truncate(input, logInputLen)).
		Msg("pipeline call failed")
	return err
}
