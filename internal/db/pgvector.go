package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"

	"ezquery/internal/models"
)

// VectorCollection records the dimension and metric a collection was created with.
type VectorCollection struct {
	bun.BaseModel `bun:"table:vector_collections,alias:vcol"`
	Name          string `bun:"name,pk"`
	Dimension     int    `bun:"dimension,notnull"`
	Metric        string `bun:"metric,notnull"`
}

type VectorChunk struct {
	bun.BaseModel `bun:"table:vector_chunks,alias:vc"`
	Collection    string          `bun:"collection,pk"`
	ID            string          `bun:"id,pk"`
	Content       string          `bun:"content,notnull"`
	Embedding     pgvector.Vector `bun:"embedding,type:vector,notnull"`
}

type vectorHit struct {
	ID       string  `bun:"id"`
	Content  string  `bun:"content"`
	Distance float64 `bun:"distance"`
}

// VectorStore keeps collections in postgres using the pgvector extension.
type VectorStore struct {
	db *bun.DB

	mu    sync.Mutex
	specs map[string]models.CollectionSpec
}

func NewVectorStore(db *bun.DB) *VectorStore {
	return &VectorStore{db: db, specs: make(map[string]models.CollectionSpec)}
}

// InitDB creates the extension and tables if they do not exist.
func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	for _, model := range []any{(*VectorCollection)(nil), (*VectorChunk)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (s *VectorStore) EnsureCollection(ctx context.Context, spec models.CollectionSpec) error {
	const op = "ensure collection"
	spec, err := spec.Normalize()
	if err != nil {
		return err
	}
	if err := InitDB(ctx, s.db); err != nil {
		return models.NewError(models.ErrStore, op, err)
	}

	want := &VectorCollection{Name: spec.Name, Dimension: spec.Dimension, Metric: string(spec.Metric)}
	if _, err := s.db.NewInsert().Model(want).On("CONFLICT (name) DO NOTHING").Exec(ctx); err != nil {
		return models.NewError(models.ErrStore, op, fmt.Errorf("failed to create collection: %w", err))
	}

	got, err := s.load(ctx, spec.Name)
	if err != nil {
		return err
	}
	if got.Dimension != spec.Dimension || got.Metric != spec.Metric {
		return models.Errorf(models.ErrSchemaConflict, op,
			"collection %q exists with dimension %d and metric %s, want %d and %s",
			spec.Name, got.Dimension, got.Metric, spec.Dimension, spec.Metric)
	}
	return nil
}

func (s *VectorStore) load(ctx context.Context, name string) (models.CollectionSpec, error) {
	s.mu.Lock()
	spec, ok := s.specs[name]
	s.mu.Unlock()
	if ok {
		return spec, nil
	}

	row := new(VectorCollection)
	err := s.db.NewSelect().Model(row).Where("name = ?", name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return spec, models.Errorf(models.ErrStore, "load collection", "collection %q does not exist", name)
	}
	if err != nil {
		return spec, models.NewError(models.ErrStore, "load collection", err)
	}

	spec = models.CollectionSpec{Name: row.Name, Dimension: row.Dimension, Metric: models.Metric(row.Metric)}
	s.mu.Lock()
	s.specs[name] = spec
	s.mu.Unlock()
	return spec, nil
}

func (s *VectorStore) Upsert(ctx context.Context, name string, records []models.Record) error {
	const op = "upsert"
	if len(records) == 0 {
		return nil
	}
	spec, err := s.load(ctx, name)
	if err != nil {
		return err
	}

	rows := make([]VectorChunk, len(records))
	for i, r := range records {
		if err := spec.CheckVector(op, r.Vector); err != nil {
			return err
		}
		rows[i] = VectorChunk{
			Collection: name,
			ID:         r.ID,
			Content:    r.Text,
			Embedding:  pgvector.NewVector(r.Vector),
		}
	}

	_, err = s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (collection, id) DO UPDATE").
		Set("content = EXCLUDED.content").
		Set("embedding = EXCLUDED.embedding").
		Exec(ctx)
	if err != nil {
		return models.NewError(models.ErrStore, op, fmt.Errorf("failed to store chunks: %w", err))
	}
	return nil
}

func (s *VectorStore) Search(ctx context.Context, name string, vector []float32, k int) (models.QueryResult, error) {
	const op = "search"
	if k < 1 {
		return nil, models.Errorf(models.ErrConfiguration, op, "k must be positive, got %d", k)
	}
	spec, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := spec.CheckVector(op, vector); err != nil {
		return nil, err
	}

	var hits []vectorHit
	err = s.db.NewSelect().
		Model((*VectorChunk)(nil)).
		Column("id", "content").
		ColumnExpr("embedding "+distanceOperator(spec.Metric)+" ? AS distance", pgvector.NewVector(vector)).
		Where("collection = ?", name).
		OrderExpr("distance ASC").
		Limit(k).
		Scan(ctx, &hits)
	if err != nil {
		return nil, models.NewError(models.ErrStore, op, fmt.Errorf("failed to search chunks: %w", err))
	}

	result := make(models.QueryResult, len(hits))
	for i, h := range hits {
		result[i] = models.ScoredChunk{ID: h.ID, Text: h.Content, Score: score(spec.Metric, h.Distance)}
	}
	return result, nil
}

// DropCollection removes a collection and all of its chunks.
func (s *VectorStore) DropCollection(ctx context.Context, name string) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*VectorChunk)(nil)).Where("collection = ?", name).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*VectorCollection)(nil)).Where("name = ?", name).Exec(ctx)
		return err
	})
	if err != nil {
		return models.NewError(models.ErrStore, "drop collection", err)
	}
	s.mu.Lock()
	delete(s.specs, name)
	s.mu.Unlock()
	return nil
}

func (s *VectorStore) Ping(ctx context.Context) error {
	return Ping(ctx, s.db)
}

func (s *VectorStore) Close() error {
	return s.db.Close()
}

func distanceOperator(m models.Metric) string {
	switch m {
	case models.MetricEuclid:
		return "<->"
	case models.MetricDot:
		return "<#>"
	}
	return "<=>"
}

// score turns a pgvector distance into a similarity where higher is better.
// <#> yields the negative inner product.
func score(m models.Metric, distance float64) float32 {
	if m == models.MetricCosine {
		return float32(1 - distance)
	}
	return float32(-distance)
}
