package qdrantdb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ezquery/internal/config"
	"ezquery/internal/models"
)

const defaultGRPCPort = 6334

// Store keeps collections in a Qdrant server over gRPC. Each record becomes
// one point whose payload holds the chunk text.
type Store struct {
	client  *qdrant.Client
	timeout time.Duration
}

// Endpoint is the gRPC address derived from the configured URL.
type Endpoint struct {
	Host   string
	Port   int
	UseTLS bool
}

// ParseEndpoint accepts a full URL such as https://xyz.cloud.qdrant.io:6333
// or a bare host[:port]. grpcPort, when positive, replaces the URL port
// because the REST and gRPC ports differ.
func ParseEndpoint(rawURL string, grpcPort int) (Endpoint, error) {
	if rawURL == "" {
		return Endpoint{}, models.Errorf(models.ErrConfiguration, "qdrant endpoint", "url is required")
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, models.NewError(models.ErrConfiguration, "qdrant endpoint", err)
	}
	if u.Hostname() == "" {
		return Endpoint{}, models.Errorf(models.ErrConfiguration, "qdrant endpoint", "no host in %q", rawURL)
	}

	ep := Endpoint{Host: u.Hostname(), Port: defaultGRPCPort, UseTLS: u.Scheme == "https"}
	switch {
	case grpcPort > 0:
		ep.Port = grpcPort
	case u.Port() != "":
		ep.Port, err = strconv.Atoi(u.Port())
		if err != nil {
			return Endpoint{}, models.NewError(models.ErrConfiguration, "qdrant endpoint", err)
		}
	}
	return ep, nil
}

// New creates a client. The connection is established lazily, so an
// unreachable server surfaces on the first call.
func New(cfg *config.VectorStoreConfig) (*Store, error) {
	ep, err := ParseEndpoint(cfg.URL, cfg.GRPCPort)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("host", ep.Host).Int("port", ep.Port).Bool("tls", ep.UseTLS).Msg("connecting to qdrant")

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   ep.Host,
		Port:                   ep.Port,
		APIKey:                 cfg.APIKey,
		UseTLS:                 ep.UseTLS,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, models.NewError(models.ErrStore, "connect qdrant", err)
	}
	return &Store{client: client, timeout: cfg.Timeout}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) EnsureCollection(ctx context.Context, spec models.CollectionSpec) error {
	const op = "ensure collection"
	spec, err := spec.Normalize()
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, spec.Name)
	if err != nil {
		return storeError(op, err)
	}
	if !exists {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: spec.Name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(spec.Dimension),
				Distance: Distance(spec.Metric),
			}),
		})
		if err == nil {
			log.Info().Str("collection", spec.Name).Int("dimension", spec.Dimension).Msg("created qdrant collection")
			return nil
		}
		// Lost a race with a concurrent creator: fall through and compare.
		if status.Code(errors.Unwrap(err)) != codes.AlreadyExists {
			return storeError(op, err)
		}
	}

	info, err := s.client.GetCollectionInfo(ctx, spec.Name)
	if err != nil {
		return storeError(op, err)
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	return CheckSchema(spec, params.GetSize(), params.GetDistance())
}

// CheckSchema compares an existing collection's vector params to spec.
func CheckSchema(spec models.CollectionSpec, size uint64, distance qdrant.Distance) error {
	if size != uint64(spec.Dimension) || distance != Distance(spec.Metric) {
		return models.Errorf(models.ErrSchemaConflict, "ensure collection",
			"collection %q exists with size %d and distance %s, want %d and %s",
			spec.Name, size, distance, spec.Dimension, Distance(spec.Metric))
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, name string, records []models.Record) error {
	const op = "upsert"
	if len(records) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(r.ID),
			Vectors: qdrant.NewVectorsDense(r.Vector),
			Payload: qdrant.NewValueMap(map[string]any{
				models.PayloadContentKey: r.Text,
			}),
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return storeError(op, err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, name string, vector []float32, k int) (models.QueryResult, error) {
	const op = "search"
	if k < 1 {
		return nil, models.Errorf(models.ErrConfiguration, op, "k must be positive, got %d", k)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQueryDense(vector),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	result := make(models.QueryResult, len(points))
	for i, p := range points {
		result[i] = models.ScoredChunk{
			ID:    p.GetId().GetUuid(),
			Text:  p.GetPayload()[models.PayloadContentKey].GetStringValue(),
			Score: p.GetScore(),
		}
	}
	return result, nil
}

// Ping asks the server for its health status.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return models.NewError(models.ErrStore, "ping qdrant", err)
	}
	return nil
}

func (s *Store) DropCollection(ctx context.Context, name string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return storeError("drop collection", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Distance maps a metric onto Qdrant's distance enum.
func Distance(m models.Metric) qdrant.Distance {
	switch m {
	case models.MetricDot:
		return qdrant.Distance_Dot
	case models.MetricEuclid:
		return qdrant.Distance_Euclid
	}
	return qdrant.Distance_Cosine
}

// storeError classifies a gRPC failure. A vector of the wrong size is
// rejected by the server with InvalidArgument.
func storeError(op string, err error) error {
	st, _ := status.FromError(errors.Unwrap(err))
	if st.Code() == codes.InvalidArgument && strings.Contains(st.Message(), "dimension") {
		return models.NewError(models.ErrSchemaConflict, op, err)
	}
	return models.NewError(models.ErrStore, op, fmt.Errorf("qdrant: %w", err))
}
