package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"ezquery/internal/chromemdb"
	"ezquery/internal/config"
	"ezquery/internal/db"
	"ezquery/internal/embedding"
	"ezquery/internal/export"
	"ezquery/internal/llmservice"
	"ezquery/internal/models"
	"ezquery/internal/observability"
	"ezquery/internal/qdrantdb"
	"ezquery/internal/rag"
	"ezquery/internal/server"
)

type vectorStore interface {
	rag.VectorStore
	DropCollection(ctx context.Context, name string) error
	Ping(ctx context.Context) error
	Close() error
}

// app holds the process-wide clients. They are opened once and closed on exit.
type app struct {
	cfg      *config.Config
	source   *bun.DB
	reader   rag.SnapshotReader
	store    vectorStore
	embedder *embedding.Embedder
	tracing  *observability.TracerProvider
	pipeline *rag.Pipeline
}

type appOptions struct {
	workbook string
	topK     int
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close(ctx)
		}
	}()

	var err error
	a.tracing, err = observability.InitTracing(ctx, &cfg.Tracing)
	if err != nil {
		return nil, models.NewError(models.ErrConfiguration, "init tracing", err)
	}

	sqldb, err := db.ConnectDB(&cfg.Database)
	if err != nil {
		return nil, err
	}
	a.source = db.NewDB(sqldb, cfg.Database.Debug)

	if opts.workbook != "" {
		log.Info().Str("path", opts.workbook).Msg("reading snapshot from workbook")
		a.reader = export.NewWorkbookReader(opts.workbook)
	} else {
		a.reader = db.NewSnapshotReader(a.source, cfg.Database.Schema)
	}

	a.store, err = openVectorStore(&cfg.VectorStore, cfg.Database)
	if err != nil {
		return nil, err
	}

	a.embedder, err = embedding.NewEmbedder(&cfg.EmbedLLM,
		embedding.WithDimension(cfg.RAG.Dimension),
		embedding.WithBatchSize(cfg.RAG.BatchSize),
		embedding.WithConcurrency(cfg.RAG.Concurrency),
	)
	if err != nil {
		return nil, err
	}

	generator, err := llmservice.FromConfig(&cfg.GenLLM)
	if err != nil {
		return nil, err
	}

	topK := cfg.RAG.TopK
	if opts.topK > 0 {
		topK = opts.topK
	}
	a.pipeline, err = rag.New(a.reader, a.embedder, a.store, generator,
		rag.WithCollection(cfg.RAG.CollectionSpec()),
		rag.WithChunking(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap),
		rag.WithTopK(topK),
	)
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func openVectorStore(cfg *config.VectorStoreConfig, source config.DatabaseConfig) (vectorStore, error) {
	log.Debug().Str("provider", cfg.Provider).Msg("opening vector store")
	switch cfg.Provider {
	case "qdrant":
		s, err := qdrantdb.New(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "chromem":
		s, err := chromemdb.New(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "pgvector":
		sqldb, err := db.Open(source.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db.NewVectorStore(db.NewDB(sqldb, source.Debug)), nil
	}
	return nil, models.Errorf(models.ErrConfiguration, "open vector store", "unknown vector store %q", cfg.Provider)
}

// registerShutdown hands every client to the shutdown handler in close order.
func (a *app) registerShutdown(h *server.ShutdownHandler, srv *server.Server) {
	h.RegisterHook("http", server.PriorityHTTP, srv.Shutdown)
	h.RegisterHook("embedder", server.PriorityEmbedder, server.CloserHook(func() error {
		a.embedder.Close()
		return nil
	}))
	h.RegisterHook("tracing", server.PriorityTracing, a.tracing.Shutdown)
	h.RegisterHook("vector store", server.PriorityVectorStore, server.CloserHook(a.store.Close))
	h.RegisterHook("database", server.PriorityDatabase, server.CloserHook(a.source.Close))
}

func (a *app) health() *server.Health {
	h := server.NewHealth()
	h.RegisterCheck("database", func(ctx context.Context) error {
		return db.Ping(ctx, a.source)
	})
	h.RegisterCheck("vector_store", a.store.Ping)
	return h
}

// close releases whatever newApp managed to open.
func (a *app) close(ctx context.Context) {
	if a.embedder != nil {
		a.embedder.Close()
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("failed to flush traces")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close vector store")
		}
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}
}
