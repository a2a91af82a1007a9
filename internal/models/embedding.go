package models

import "fmt"

// Chunk is a contiguous piece of the serialized snapshot.
// Offset is measured in characters (runes) from the start of the snapshot text.
type Chunk struct {
	Content string
	Index   int
	Offset  int
}

// Record is a single vector written to a collection.
type Record struct {
	ID     string
	Vector []float32
	Text   string
}

// ScoredChunk is a retrieved record. Higher scores are more similar.
type ScoredChunk struct {
	ID    string
	Text  string
	Score float32
}

// QueryResult is ordered by descending score.
type QueryResult []ScoredChunk

// Texts returns the chunk texts in retrieval order.
func (r QueryResult) Texts() []string {
	texts := make([]string, len(r))
	for i, c := range r {
		texts[i] = c.Text
	}
	return texts
}

// Metric is the distance function a collection is created with.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
	MetricEuclid Metric = "euclid"
)

// ParseMetric accepts the metric names used in configuration.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, MetricDot, MetricEuclid:
		return Metric(s), nil
	case "euclidean", "l2":
		return MetricEuclid, nil
	case "":
		return MetricCosine, nil
	}
	return "", Errorf(ErrConfiguration, "parse metric", "unknown distance metric %q", s)
}

// CollectionSpec fixes a collection's name, dimension and metric at creation.
type CollectionSpec struct {
	Name      string
	Dimension int
	Metric    Metric
}

// Normalize validates the spec and resolves metric aliases.
func (s CollectionSpec) Normalize() (CollectionSpec, error) {
	if s.Name == "" {
		return s, Errorf(ErrConfiguration, "collection", "name is required")
	}
	if s.Dimension < 1 {
		return s, Errorf(ErrConfiguration, "collection", "dimension must be positive, got %d", s.Dimension)
	}
	m, err := ParseMetric(string(s.Metric))
	if err != nil {
		return s, err
	}
	s.Metric = m
	return s, nil
}

// CheckVector reports a SchemaConflict if v does not fit the collection.
func (s CollectionSpec) CheckVector(op string, v []float32) error {
	if len(v) != s.Dimension {
		return NewError(ErrSchemaConflict, op,
			fmt.Errorf("collection %q expects %d dimensions, got %d", s.Name, s.Dimension, len(v)))
	}
	return nil
}
