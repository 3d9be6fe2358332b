// Package server provides the HTTP surface of media-ingest: the WhatsApp
// webhook, health and stats, metrics and the admin document API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contaspt/media-ingest/dedup"
	"github.com/contaspt/media-ingest/download"
	"github.com/contaspt/media-ingest/expiry"
	"github.com/contaspt/media-ingest/store"
	"github.com/contaspt/media-ingest/telemetry"
	"github.com/contaspt/media-ingest/whatsapp"
)

const (
	DefaultAddress      = ":8080"
	DefaultMaxBodyBytes = 1 << 20
)

// Processor queues inbound messages and retries failed documents.
type Processor interface {
	Start(ctx context.Context)
	Enqueue(msg whatsapp.InboundMessage) error
	Shutdown(ctx context.Context) error
	QueueDepth() int
	Retry(ctx context.Context, id string) (*store.Document, error)
}

// Documents is the read side of the document store.
type Documents interface {
	Get(ctx context.Context, id string) (*store.Document, error)
	List(ctx context.Context, limit int) ([]*store.Document, error)
	ListByStatus(ctx context.Context, status store.Status, limit int) ([]*store.Document, error)
	GetRawResponse(ctx context.Context, id string) (*store.RawResponse, error)
	Stats(ctx context.Context) (*store.Stats, error)
}

// Config holds server configuration and the components it serves.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// MaxBodyBytes caps webhook bodies. Default 1 MiB.
	MaxBodyBytes int64

	// AdminToken protects /stats, /documents and /media when set.
	AdminToken string

	// VerifyTokens answer the webhook subscription handshake.
	VerifyTokens []string

	// AppSecrets verify X-Hub-Signature-256. Empty disables the check.
	AppSecrets []string

	Processor Processor
	Documents Documents
	Media     download.Opener

	// Background services. Each is optional.
	Cache   *dedup.Cache
	Sweeper *dedup.Sweeper
	Reaper  *store.Reaper
	Expiry  *expiry.Manager

	Logger *slog.Logger
}

// Server is the media-ingest HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Processor == nil {
		return nil, errors.New("server: processor is required")
	}
	if cfg.Documents == nil {
		return nil, errors.New("server: documents store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the complete middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Returns 404 if metrics are not enabled
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /webhooks/whatsapp", s.handleVerify)
	mux.HandleFunc("POST /webhooks/whatsapp", s.handleWebhook)

	mux.HandleFunc("GET /documents", s.handleListDocuments)
	mux.HandleFunc("GET /documents/{id}", s.handleGetDocument)
	mux.HandleFunc("POST /documents/{id}/retry", s.handleRetryDocument)
	mux.HandleFunc("GET /media/{hash}", s.handleMedia)
	mux.HandleFunc("HEAD /media/{hash}", s.handleMedia)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Dedup      *dedup.Stats  `json:"dedup,omitempty"`
	Documents  *store.Stats  `json:"documents,omitempty"`
	Media      *expiry.Stats `json:"media,omitempty"`
	QueueDepth int           `json:"queue_depth"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")
	resp := statsResponse{QueueDepth: s.config.Processor.QueueDepth()}

	if s.config.Cache != nil {
		st := s.config.Cache.Stats()
		resp.Dedup = &st
	}

	docs, err := s.config.Documents.Stats(r.Context())
	if err != nil {
		s.logger.Error("document stats", "error", err)
		writeError(w, http.StatusInternalServerError, "document stats unavailable")
		return
	}
	resp.Documents = docs

	if s.config.Expiry != nil {
		media, err := s.config.Expiry.GetStats(r.Context())
		if err != nil {
			s.logger.Error("media stats", "error", err)
			writeError(w, http.StatusInternalServerError, "media stats unavailable")
			return
		}
		resp.Media = media
	}

	writeJSON(w, http.StatusOK, resp)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		telemetry.SetRoute(r, deriveRoute(r.URL.Path))

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", tags.Route,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Result != telemetry.ResultNA {
			attrs = append(attrs, "result", string(tags.Result))
		}
		if tags.Messages > 0 {
			attrs = append(attrs, "messages", tags.Messages)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the background services and then serves HTTP until
// Shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.config.Processor.Start(ctx)

	if s.config.Sweeper != nil {
		s.config.Sweeper.Start(ctx)
	}
	if s.config.Expiry != nil {
		s.config.Expiry.Start(ctx)
	}
	if s.config.Reaper != nil {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			s.config.Reaper.Run(ctx)
		}()
	}

	s.logger.Info("starting server", "address", s.config.Address)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, drains queued messages and stops
// the background services.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.config.Processor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("draining messages: %w", err))
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.config.Sweeper != nil {
		s.config.Sweeper.Stop()
	}
	if s.config.Expiry != nil {
		s.config.Expiry.Stop()
	}
	s.bg.Wait()

	return errors.Join(errs...)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streamed media.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute classifies a path for metrics and logs.
func deriveRoute(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/webhooks/"):
		return "webhook"
	case path == "/documents" || strings.HasPrefix(path, "/documents/"):
		return "documents"
	case strings.HasPrefix(path, "/media/"):
		return "media"
	default:
		return "unknown"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
