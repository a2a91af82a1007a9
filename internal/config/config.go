package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ezquery/internal/models"
)

type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Database    DatabaseConfig    `yaml:"database"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	EmbedLLM    LLMConfig         `yaml:"embed_llm"`
	GenLLM      LLMConfig         `yaml:"gen_llm"`
	RAG         RAGConfig         `yaml:"rag"`
	Server      ServerConfig      `yaml:"server"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// DatabaseConfig points at the relational source that gets snapshotted.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // pgdriver or pq
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	Schema   string `yaml:"schema"`
	Debug    bool   `yaml:"debug"`
}

// DSN renders a postgres connection URL.
func (c DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

type VectorStoreConfig struct {
	Provider      string        `yaml:"provider"` // qdrant, chromem or pgvector
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	GRPCPort      int           `yaml:"grpc_port"`
	Path          string        `yaml:"path"`
	InMemory      bool          `yaml:"in_memory"`
	DSN           string        `yaml:"dsn"`
	EncryptionKey string        `yaml:"encryption_key"`
	Timeout       time.Duration `yaml:"timeout"`
}

// LLMConfig describes one hosted model endpoint.
type LLMConfig struct {
	Provider   string        `yaml:"provider"` // cohere, openai or ollama
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	Key        string        `yaml:"key"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// NeedsKey reports whether the provider authenticates with an API key.
func (c LLMConfig) NeedsKey() bool {
	return c.Provider != "ollama"
}

type RAGConfig struct {
	Collection   string `yaml:"collection"`
	Dimension    int    `yaml:"dimension"`
	Metric       string `yaml:"metric"`
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	TopK         int    `yaml:"top_k"`
	BatchSize    int    `yaml:"batch_size"`
	Concurrency  int    `yaml:"concurrency"`
}

// CollectionSpec is the collection every ingest and query runs against.
func (c RAGConfig) CollectionSpec() models.CollectionSpec {
	return models.CollectionSpec{
		Name:      c.Collection,
		Dimension: c.Dimension,
		Metric:    models.Metric(c.Metric),
	}
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type TracingConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		LogLevel: "debug",
		Database: DatabaseConfig{
			Driver:  "pgdriver",
			Port:    5432,
			SSLMode: "disable",
		},
		VectorStore: VectorStoreConfig{
			Provider: "qdrant",
			GRPCPort: 6334,
			Path:     "./chromemdb",
			Timeout:  models.DefaultStoreTimeout,
		},
		EmbedLLM: LLMConfig{
			Provider:   "cohere",
			Model:      models.DefaultEmbeddingModel,
			MaxRetries: 1,
			RetryDelay: time.Second,
		},
		GenLLM: LLMConfig{
			Provider:   "cohere",
			Model:      models.DefaultGenerationModel,
			MaxRetries: 1,
			RetryDelay: time.Second,
		},
		RAG: RAGConfig{
			Collection:   models.DefaultCollection,
			Dimension:    models.DefaultDimension,
			Metric:       string(models.DefaultMetric),
			ChunkSize:    models.DefaultChunkSize,
			ChunkOverlap: models.DefaultChunkOverlap,
			TopK:         models.DefaultTopK,
			BatchSize:    96,
			Concurrency:  4,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "ezquery",
			SampleRate:  1.0,
		},
	}
}

// LoadConfig reads the yaml file at path on top of the defaults, then applies
// .env and environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, models.NewError(models.ErrConfiguration, "load config", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, models.NewError(models.ErrConfiguration, "load config",
					fmt.Errorf("failed to parse %s: %w", path, err))
			}
		}
	}

	// .env is optional; real environment variables take precedence over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, models.NewError(models.ErrConfiguration, "load config",
			fmt.Errorf("failed to read .env: %w", err))
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a number", key, v))
				return
			}
			*dst = n
		}
	}

	str("LOG_LEVEL", &c.LogLevel)

	str("DB_DRIVER", &c.Database.Driver)
	str("DB_HOST", &c.Database.Host)
	num("DB_PORT", &c.Database.Port)
	str("DB_NAME", &c.Database.Name)
	str("DB_USER", &c.Database.User)
	str("DB_PASSWORD", &c.Database.Password)
	str("DB_SSLMODE", &c.Database.SSLMode)
	str("DB_SCHEMA", &c.Database.Schema)

	str("VECTOR_STORE", &c.VectorStore.Provider)
	str("QDRANT_URL", &c.VectorStore.URL)
	str("QDRANT_API_KEY", &c.VectorStore.APIKey)
	num("QDRANT_GRPC_PORT", &c.VectorStore.GRPCPort)
	str("CHROMEM_PATH", &c.VectorStore.Path)
	str("PGVECTOR_DSN", &c.VectorStore.DSN)

	// One Cohere key serves both providers unless a specific key is set.
	str("COHERE_API_KEY", &c.EmbedLLM.Key)
	str("COHERE_API_KEY", &c.GenLLM.Key)
	str("EMBEDDING_PROVIDER", &c.EmbedLLM.Provider)
	str("EMBEDDING_API_KEY", &c.EmbedLLM.Key)
	str("EMBEDDING_MODEL", &c.EmbedLLM.Model)
	str("EMBEDDING_BASE_URL", &c.EmbedLLM.BaseURL)
	str("GENERATION_PROVIDER", &c.GenLLM.Provider)
	str("GENERATION_API_KEY", &c.GenLLM.Key)
	str("GENERATION_MODEL", &c.GenLLM.Model)
	str("GENERATION_BASE_URL", &c.GenLLM.BaseURL)

	str("RAG_COLLECTION", &c.RAG.Collection)
	num("RAG_TOP_K", &c.RAG.TopK)
	num("RAG_CHUNK_SIZE", &c.RAG.ChunkSize)
	num("RAG_CHUNK_OVERLAP", &c.RAG.ChunkOverlap)

	str("SERVER_ADDR", &c.Server.Addr)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.OTLPEndpoint)

	if len(errs) > 0 {
		return models.NewError(models.ErrConfiguration, "load config", errors.Join(errs...))
	}
	return nil
}

// Validate reports every missing credential and invalid parameter at once.
func (c *Config) Validate() error {
	var missing []string
	var invalid []string

	if c.Database.User == "" {
		missing = append(missing, "DB_USER")
	}
	if c.Database.Password == "" {
		missing = append(missing, "DB_PASSWORD")
	}
	if c.Database.Host == "" {
		missing = append(missing, "DB_HOST")
	}
	if c.Database.Port == 0 {
		missing = append(missing, "DB_PORT")
	}
	if c.Database.Name == "" {
		missing = append(missing, "DB_NAME")
	}
	switch c.Database.Driver {
	case "pgdriver", "pq":
	default:
		invalid = append(invalid, fmt.Sprintf("database driver %q (want pgdriver or pq)", c.Database.Driver))
	}

	switch c.VectorStore.Provider {
	case "qdrant":
		if c.VectorStore.URL == "" {
			missing = append(missing, "QDRANT_URL")
		} else if _, err := url.Parse(c.VectorStore.URL); err != nil {
			invalid = append(invalid, fmt.Sprintf("QDRANT_URL: %v", err))
		}
		if c.VectorStore.APIKey == "" {
			missing = append(missing, "QDRANT_API_KEY")
		}
	case "pgvector":
		if c.VectorStore.DSN == "" {
			missing = append(missing, "PGVECTOR_DSN")
		}
	case "chromem":
		if !c.VectorStore.InMemory && c.VectorStore.Path == "" {
			missing = append(missing, "CHROMEM_PATH")
		}
	default:
		invalid = append(invalid, fmt.Sprintf("vector store %q (want qdrant, chromem or pgvector)", c.VectorStore.Provider))
	}

	for _, llm := range []struct {
		name string
		key  string
		cfg  LLMConfig
	}{
		{"embedding", "EMBEDDING_API_KEY or COHERE_API_KEY", c.EmbedLLM},
		{"generation", "GENERATION_API_KEY or COHERE_API_KEY", c.GenLLM},
	} {
		switch llm.cfg.Provider {
		case "cohere", "openai", "ollama":
		default:
			invalid = append(invalid, fmt.Sprintf("%s provider %q (want cohere, openai or ollama)", llm.name, llm.cfg.Provider))
		}
		if llm.cfg.NeedsKey() && llm.cfg.Key == "" {
			missing = append(missing, llm.key)
		}
		if llm.cfg.MaxRetries < 1 {
			invalid = append(invalid, fmt.Sprintf("%s max_retries must be at least 1", llm.name))
		}
	}

	if c.RAG.Collection == "" {
		missing = append(missing, "RAG_COLLECTION")
	}
	if c.RAG.Dimension < 1 {
		invalid = append(invalid, fmt.Sprintf("dimension %d", c.RAG.Dimension))
	}
	if _, err := models.ParseMetric(c.RAG.Metric); err != nil {
		invalid = append(invalid, fmt.Sprintf("metric %q", c.RAG.Metric))
	}
	if c.RAG.ChunkSize < 1 {
		invalid = append(invalid, fmt.Sprintf("chunk size %d", c.RAG.ChunkSize))
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		invalid = append(invalid, fmt.Sprintf("chunk overlap %d must be in [0, chunk size %d)", c.RAG.ChunkOverlap, c.RAG.ChunkSize))
	}
	if c.RAG.TopK < 1 {
		invalid = append(invalid, fmt.Sprintf("top k %d", c.RAG.TopK))
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(invalid, "; "))
	}
	return models.Errorf(models.ErrConfiguration, "validate config", "%s", strings.Join(parts, "; "))
}
