// Package mock provides a deterministic embeddings.Embedder for tests.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"
)

// Embedder is a test double for embeddings.Embedder.
// Texts that share words get similar vectors, so retrieval tests behave
// like they would against a real model.
type Embedder struct {
	// EmbedQueryFunc is called by EmbedQuery if set.
	EmbedQueryFunc func(ctx context.Context, text string) ([]float32, error)

	// EmbedDocumentsFunc is called by EmbedDocuments if set.
	EmbedDocumentsFunc func(ctx context.Context, texts []string) ([][]float32, error)

	dim int

	mu        sync.Mutex
	callCount int
	texts     []string
}

// NewEmbedder creates a mock embedder producing vectors of length dim.
func NewEmbedder(dim int) *Embedder {
	return &Embedder{dim: dim}
}

func (m *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	m.record(text)
	if m.EmbedQueryFunc != nil {
		return m.EmbedQueryFunc(ctx, text)
	}
	return Vector(text, m.dim), nil
}

func (m *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	m.record(texts...)
	if m.EmbedDocumentsFunc != nil {
		return m.EmbedDocumentsFunc(ctx, texts)
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = Vector(text, m.dim)
	}
	return vectors, nil
}

func (m *Embedder) record(texts ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	m.texts = append(m.texts, texts...)
}

// CallCount returns the number of times any method was called.
func (m *Embedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Texts returns every text embedded so far.
func (m *Embedder) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

// Vector hashes each lowercased word of text into a bucket and returns the
// unit length bag of words. Slot 0 is a constant bias so no vector is zero.
func Vector(text string, dim int) []float32 {
	vector := make([]float32, dim)
	if dim == 0 {
		return vector
	}
	vector[0] = 0.1

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if dim > 1 {
		for _, w := range words {
			h := fnv.New64a()
			h.Write([]byte(w))
			vector[1+int(h.Sum64()%uint64(dim-1))]++
		}
	}

	var sumSquares float64
	for _, v := range vector {
		sumSquares += float64(v * v)
	}
	norm := float32(1 / math.Sqrt(sumSquares))
	for i := range vector {
		vector[i] *= norm
	}
	return vector
}
