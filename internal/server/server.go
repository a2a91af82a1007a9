// Package server exposes the pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"ezquery/internal/models"
	"ezquery/internal/parser"
)

const maxBodyBytes = 1 << 20

// Pipeline is the part of rag.Pipeline the handlers call.
type Pipeline interface {
	Ingest(ctx context.Context) (models.IngestReport, error)
	Answer(ctx context.Context, question string) (string, error)
}

type Server struct {
	pipeline Pipeline
	health   *Health
	http     *http.Server
}

type Option func(*Server)

func WithAddr(addr string) Option {
	return func(s *Server) { s.http.Addr = addr }
}

func WithHealth(h *Health) Option {
	return func(s *Server) { s.health = h }
}

func New(pipeline Pipeline, opts ...Option) *Server {
	s := &Server{
		pipeline: pipeline,
		health:   NewHealth(),
		http: &http.Server{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.http.Handler = s.Handler()
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/health", s.health.handleHealth)
	return logRequests(mux)
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.http.Addr).Msg("server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// POST /ingest
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	report, err := s.pipeline.Ingest(r.Context())
	if err != nil {
		writeError(w, ingestStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ingested %d chunks from %d tables into %s\n", report.Chunks, report.Tables, report.Collection)
}

type queryRequest struct {
	Question string `json:"question"`
}

type queryResponse struct {
	Answer string `json:"answer"`
	HTML   string `json:"html,omitempty"`
}

// POST /query  { "question": "..." }
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	answer, err := s.pipeline.Answer(r.Context(), req.Question)
	if err != nil {
		writeError(w, StatusFor(err), err.Error())
		return
	}

	resp := queryResponse{Answer: answer}
	if r.URL.Query().Get("format") == "html" {
		html, err := parser.RenderHTML(answer)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.HTML = html
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusFor maps a pipeline error to an HTTP status.
func StatusFor(err error) int {
	switch models.KindOf(err) {
	case models.ErrConfiguration:
		return http.StatusBadRequest
	case models.ErrProvider, models.ErrStore, models.ErrConnectivity:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// ingestStatus is StatusFor for POST /ingest. Ingest reads nothing from the
// request, so a configuration error is the server's own and answers 500.
func ingestStatus(err error) int {
	if status := StatusFor(err); status >= http.StatusInternalServerError {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
