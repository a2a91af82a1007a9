package chromemdb

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"ezquery/internal/config"
	"ezquery/internal/models"
)

const (
	compress    = false
	defaultPath = "./chromem-go"
	// metadataFile is where chromem persists a collection's name and
	// metadata. Uncompressed, so plain gob.
	metadataFile = "00000000.gob"
)

// Store keeps collections in an embedded chromem-go database, either in
// memory or persisted under a directory. chromem-go only ranks by cosine
// similarity, so other metrics are rejected.
type Store struct {
	db     *chromem.DB
	dbPath string

	mu    sync.Mutex
	specs map[string]models.CollectionSpec
}

// New opens the database described by cfg.
func New(cfg *config.VectorStoreConfig) (*Store, error) {
	if cfg.InMemory {
		return NewInMemory(), nil
	}
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, models.NewError(models.ErrConnectivity, "open chromem", fmt.Errorf("failed to create database: %w", err))
	}
	log.Debug().Str("path", path).Int("collections", len(db.ListCollections())).Msg("opened chromem database")
	return &Store{db: db, dbPath: path, specs: make(map[string]models.CollectionSpec)}, nil
}

func NewInMemory() *Store {
	return &Store{db: chromem.NewDB(), specs: make(map[string]models.CollectionSpec)}
}

func (s *Store) EnsureCollection(ctx context.Context, spec models.CollectionSpec) error {
	const op = "ensure collection"
	spec, err := spec.Normalize()
	if err != nil {
		return err
	}
	if spec.Metric != models.MetricCosine {
		return models.Errorf(models.ErrConfiguration, op, "chromem only supports cosine similarity, got %s", spec.Metric)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if known, ok := s.specs[spec.Name]; ok {
		if known != spec {
			return models.Errorf(models.ErrSchemaConflict, op,
				"collection %q exists with dimension %d, want %d", spec.Name, known.Dimension, spec.Dimension)
		}
		return nil
	}

	c := s.db.GetCollection(spec.Name, nil)
	if c == nil {
		_, err := s.db.CreateCollection(spec.Name, map[string]string{
			"dimension": strconv.Itoa(spec.Dimension),
			"metric":    string(spec.Metric),
		}, nil)
		if err != nil {
			return models.NewError(models.ErrStore, op, fmt.Errorf("failed to create collection: %w", err))
		}
		s.specs[spec.Name] = spec
		return nil
	}

	// A collection loaded from disk or an import. The metadata written at
	// creation wins; otherwise the dimension is only visible through its
	// documents.
	meta, err := s.persistedMetadata(spec.Name)
	if err != nil {
		return models.NewError(models.ErrStore, op, err)
	}
	if err := checkMetadata(meta, spec); err != nil {
		return err
	}
	if err := probeDimension(ctx, c, spec); err != nil {
		return err
	}
	s.specs[spec.Name] = spec
	return nil
}

// checkMetadata compares the dimension and metric recorded at creation with
// spec. Missing keys are not a conflict.
func checkMetadata(meta map[string]string, spec models.CollectionSpec) error {
	if v, ok := meta["dimension"]; ok {
		dim, err := strconv.Atoi(v)
		if err != nil || dim != spec.Dimension {
			return models.Errorf(models.ErrSchemaConflict, "ensure collection",
				"collection %q exists with dimension %s, want %d", spec.Name, v, spec.Dimension)
		}
	}
	if v, ok := meta["metric"]; ok && models.Metric(v) != spec.Metric {
		return models.Errorf(models.ErrSchemaConflict, "ensure collection",
			"collection %q exists with metric %s, want %s", spec.Name, v, spec.Metric)
	}
	return nil
}

// persistedMetadata reads the metadata chromem stored for the named
// collection. chromem keeps one directory per collection holding a gob
// encoded name and metadata file. Returns nil for in-memory stores.
func (s *Store) persistedMetadata(name string) (map[string]string, error) {
	if s.dbPath == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read database directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pc, err := readCollectionMetadata(filepath.Join(s.dbPath, e.Name(), metadataFile))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if pc.Name == name {
			return pc.Metadata, nil
		}
	}
	return nil, nil
}

type persistedCollection struct {
	Name     string
	Metadata map[string]string
}

func readCollectionMetadata(path string) (persistedCollection, error) {
	var pc persistedCollection
	f, err := os.Open(path)
	if err != nil {
		return pc, err
	}
	defer f.Close()

	if err := gob.NewDecoder(f).Decode(&pc); err != nil {
		return pc, fmt.Errorf("failed to decode collection metadata %s: %w", path, err)
	}
	return pc, nil
}

func probeDimension(ctx context.Context, c *chromem.Collection, spec models.CollectionSpec) error {
	if c.Count() == 0 {
		return nil
	}
	probe := make([]float32, spec.Dimension)
	for i := range probe {
		probe[i] = 1
	}
	_, err := c.QueryEmbedding(ctx, probe, 1, nil, nil)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "same length") {
		return models.Errorf(models.ErrSchemaConflict, "ensure collection",
			"collection %q holds vectors that are not %d dimensional", spec.Name, spec.Dimension)
	}
	return models.NewError(models.ErrStore, "ensure collection", err)
}

func (s *Store) collection(op, name string) (*chromem.Collection, models.CollectionSpec, error) {
	s.mu.Lock()
	spec, ok := s.specs[name]
	s.mu.Unlock()
	if !ok {
		return nil, spec, models.Errorf(models.ErrStore, op, "collection %q has not been ensured", name)
	}
	c := s.db.GetCollection(name, nil)
	if c == nil {
		return nil, spec, models.Errorf(models.ErrStore, op, "collection %q does not exist", name)
	}
	return c, spec, nil
}

func (s *Store) Upsert(ctx context.Context, name string, records []models.Record) error {
	const op = "upsert"
	if len(records) == 0 {
		return nil
	}
	c, spec, err := s.collection(op, name)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		if err := spec.CheckVector(op, r.Vector); err != nil {
			return err
		}
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   r.Text,
			Embedding: r.Vector,
		}
	}

	if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return models.NewError(models.ErrStore, op, fmt.Errorf("failed to add documents: %w", err))
	}
	return nil
}

// Search returns at most k chunks. Asking for more than the collection holds
// returns everything it holds.
func (s *Store) Search(ctx context.Context, name string, vector []float32, k int) (models.QueryResult, error) {
	const op = "search"
	if k < 1 {
		return nil, models.Errorf(models.ErrConfiguration, op, "k must be positive, got %d", k)
	}
	c, spec, err := s.collection(op, name)
	if err != nil {
		return nil, err
	}
	if err := spec.CheckVector(op, vector); err != nil {
		return nil, err
	}

	n := min(k, c.Count())
	if n == 0 {
		return models.QueryResult{}, nil
	}
	results, err := c.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, models.NewError(models.ErrStore, op, fmt.Errorf("failed to query by similarity: %w", err))
	}

	out := make(models.QueryResult, len(results))
	for i, r := range results {
		out[i] = models.ScoredChunk{ID: r.ID, Text: r.Content, Score: r.Similarity}
	}
	return out, nil
}

// Count returns the number of records in a collection.
func (s *Store) Count(name string) int {
	c := s.db.GetCollection(name, nil)
	if c == nil {
		return 0
	}
	return c.Count()
}

func (s *Store) DropCollection(_ context.Context, name string) error {
	if err := s.db.DeleteCollection(name); err != nil {
		return models.NewError(models.ErrStore, "drop collection", fmt.Errorf("failed to drop collection: %w", err))
	}
	s.mu.Lock()
	delete(s.specs, name)
	s.mu.Unlock()
	return nil
}

// Export writes a collection to a single file, encrypted with AES-GCM when
// encryptionKey is set. An empty path writes <name>.chromem next to the
// database.
func (s *Store) Export(_ context.Context, path, encryptionKey, name string) (string, error) {
	if s.db.GetCollection(name, nil) == nil {
		return "", models.Errorf(models.ErrStore, "export", "collection %q does not exist", name)
	}
	if path == "" {
		path = filepath.Join(s.dbPath, name+".chromem")
	}
	log.Debug().Str("collection", name).Str("path", path).Bool("encrypted", encryptionKey != "").Msg("exporting collection")

	if err := s.db.ExportToFile(path, compress, encryptionKey, name); err != nil {
		return "", models.NewError(models.ErrStore, "export", fmt.Errorf("failed to export database: %w", err))
	}
	return path, nil
}

// Import loads a collection written by Export. The next EnsureCollection
// re-checks its dimension.
func (s *Store) Import(_ context.Context, path, encryptionKey, name string) error {
	if err := s.db.ImportFromFile(path, encryptionKey, name); err != nil {
		return models.NewError(models.ErrStore, "import", fmt.Errorf("failed to import database: %w", err))
	}
	s.mu.Lock()
	delete(s.specs, name)
	s.mu.Unlock()
	return nil
}

// Ping always succeeds; the database lives in this process.
func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}
