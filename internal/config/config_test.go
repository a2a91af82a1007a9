package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ezquery/internal/models"
)

func envMap(m map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func validEnv() map[string]string {
	return map[string]string{
		"DB_USER":        "reader",
		"DB_PASSWORD":    "secret",
		"DB_HOST":        "db.internal",
		"DB_PORT":        "5433",
		"DB_NAME":        "company",
		"QDRANT_URL":     "https://qdrant.example.com:6333",
		"QDRANT_API_KEY": "qdrant-key",
		"COHERE_API_KEY": "cohere-key",
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "sql", cfg.RAG.Collection)
	assert.Equal(t, 384, cfg.RAG.Dimension)
	assert.Equal(t, "cosine", cfg.RAG.Metric)
	assert.Equal(t, 2000, cfg.RAG.ChunkSize)
	assert.Equal(t, 200, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 4, cfg.RAG.TopK)
	assert.Equal(t, "embed-english-light-v3.0", cfg.EmbedLLM.Model)
	assert.Equal(t, "command-r", cfg.GenLLM.Model)
	assert.Equal(t, "qdrant", cfg.VectorStore.Provider)
	assert.Equal(t, 300*time.Second, cfg.VectorStore.Timeout)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(envMap(validEnv())))

	assert.Equal(t, "reader", cfg.Database.User)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "cohere-key", cfg.EmbedLLM.Key)
	assert.Equal(t, "cohere-key", cfg.GenLLM.Key)
	assert.Equal(t, "https://qdrant.example.com:6333", cfg.VectorStore.URL)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_SpecificKeysWin(t *testing.T) {
	env := validEnv()
	env["EMBEDDING_API_KEY"] = "embed-key"
	env["GENERATION_PROVIDER"] = "openai"
	env["GENERATION_API_KEY"] = "openai-key"

	cfg := Default()
	require.NoError(t, cfg.applyEnv(envMap(env)))

	assert.Equal(t, "embed-key", cfg.EmbedLLM.Key)
	assert.Equal(t, "openai", cfg.GenLLM.Provider)
	assert.Equal(t, "openai-key", cfg.GenLLM.Key)
}

func TestApplyEnv_BadNumber(t *testing.T) {
	env := validEnv()
	env["DB_PORT"] = "five"

	err := Default().applyEnv(envMap(env))
	assert.ErrorIs(t, err, models.ErrConfiguration)
	assert.Contains(t, err.Error(), "DB_PORT")
}

func TestValidate_MissingCredentials(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()

	require.ErrorIs(t, err, models.ErrConfiguration)
	for _, key := range []string{"DB_USER", "DB_PASSWORD", "DB_HOST", "DB_NAME", "QDRANT_URL", "QDRANT_API_KEY", "COHERE_API_KEY"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidate_InvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"overlap equals size", func(c *Config) { c.RAG.ChunkOverlap = c.RAG.ChunkSize }, "chunk overlap"},
		{"zero top k", func(c *Config) { c.RAG.TopK = 0 }, "top k"},
		{"unknown metric", func(c *Config) { c.RAG.Metric = "hamming" }, "metric"},
		{"unknown store", func(c *Config) { c.VectorStore.Provider = "milvus" }, "vector store"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database driver"},
		{"unknown provider", func(c *Config) { c.GenLLM.Provider = "palm" }, "generation provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.applyEnv(envMap(validEnv())))
			tt.mutate(cfg)

			err := cfg.Validate()
			assert.ErrorIs(t, err, models.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_OllamaNeedsNoKey(t *testing.T) {
	env := validEnv()
	delete(env, "COHERE_API_KEY")
	env["EMBEDDING_PROVIDER"] = "ollama"
	env["GENERATION_PROVIDER"] = "ollama"

	cfg := Default()
	require.NoError(t, cfg.applyEnv(envMap(env)))
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ChromemNeedsNoRemote(t *testing.T) {
	env := validEnv()
	delete(env, "QDRANT_URL")
	delete(env, "QDRANT_API_KEY")
	env["VECTOR_STORE"] = "chromem"

	cfg := Default()
	require.NoError(t, cfg.applyEnv(envMap(env)))
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_YAMLWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
log_level: info
database:
  host: yaml-host
  name: yaml-db
vector_store:
  provider: chromem
  in_memory: true
  timeout: 45s
rag:
  top_k: 6
  chunk_size: 500
  chunk_overlap: 50
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))
	t.Setenv("DB_HOST", "env-host")
	t.Setenv("RAG_TOP_K", "8")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "env-host", cfg.Database.Host)
	assert.Equal(t, "yaml-db", cfg.Database.Name)
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.True(t, cfg.VectorStore.InMemory)
	assert.Equal(t, 45*time.Second, cfg.VectorStore.Timeout)
	assert.Equal(t, 8, cfg.RAG.TopK)
	assert.Equal(t, 500, cfg.RAG.ChunkSize)
	assert.Equal(t, "sql", cfg.RAG.Collection)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().RAG, cfg.RAG)
}

func TestLoadConfig_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rag: [unterminated"), 0o600))

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, Name: "company", User: "reader", Password: "p@ss", SSLMode: "disable"}
	assert.Equal(t, "postgres://reader:p%40ss@db:5432/company?sslmode=disable", c.DSN())
}
