package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"butlerd/internal/domain"
	"butlerd/internal/usecase/ingest"
)

// maxIngestBody bounds connector submissions. Anything larger is rejected
// before validation.
const maxIngestBody = 1 << 20

// Server is the Switchboard's HTTP ingress: the single endpoint connectors
// submit ingest.v1 envelopes to.
type Server struct {
	pipeline *ingest.Pipeline
	logger   *slog.Logger
	http     *http.Server
}

// NewServer creates the ingest HTTP server listening on addr.
func NewServer(addr string, pipeline *ingest.Pipeline, logger *slog.Logger) *Server {
	s := &Server{pipeline: pipeline, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/switchboard/ingest", s.handleIngest)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server starting", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		s.writeError(w, domain.NewDomainError("Ingest.Read", domain.ErrInvalidInput, "unreadable request body"))
		return
	}

	result, err := s.pipeline.Accept(r.Context(), raw)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Acceptance is durable before we answer; connectors may retry 5xx
	// responses safely because duplicates collapse onto the original row.
	s.writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	ee := domain.ToEnvelopeError(err)
	status := http.StatusInternalServerError
	switch ee.Class {
	case domain.ClassValidation:
		status = http.StatusBadRequest
	case domain.ClassNotFound:
		status = http.StatusNotFound
	case domain.ClassStateConflict, domain.ClassDuplicate:
		status = http.StatusConflict
	case domain.ClassUnavailable:
		status = http.StatusServiceUnavailable
	case domain.ClassRateLimited:
		status = http.StatusTooManyRequests
	}
	s.writeJSON(w, status, map[string]any{"error": ee})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}
