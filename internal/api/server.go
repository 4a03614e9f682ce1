// =============================================================================
// ADMIN API - HTTP INTERFACE FOR PRODUCER STATUS
// =============================================================================
//
// Package: internal/api
// File: server.go
// Purpose: Read-only view of every producer's recovery state plus the single
// write operation an operator needs: requesting recovery for one sport event.
//
// ENDPOINTS:
//
//   GET  /healthz                                   200 when every producer is
//                                                   completed, 503 otherwise
//   GET  /producers                                 all producers, ordered by id
//   GET  /producers/{producerID}                    one producer
//   POST /producers/{producerID}/events/{eventID}/recovery
//                                                   202 {"request_id": ...}
//   GET  /metrics                                   Prometheus (when configured)
//
// ERROR MAPPING:
//
//   unknown producer              → 404
//   malformed producer id         → 400
//   empty event id                → 400
//   duplicate request id          → 409
//   connection down / queue full  → 503
//   event recovery not configured → 501
//
// =============================================================================

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/controller"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/issuer"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/recovery"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
)

var log = slog.Default()

// Controller is the part of the controller the API needs.
type Controller interface {
	Statuses() []controller.ProducerStatus
	Status(id types.ProducerID) (controller.ProducerStatus, error)
	RequestEventRecovery(ctx context.Context, producerID types.ProducerID, eventID string) (types.RequestID, error)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           ":8080",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Server is the admin HTTP API.
type Server struct {
	ctrl       Controller
	router     *chi.Mux
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.router.Handle("/metrics", h)
	}
}

// NewServer creates the API server.
func NewServer(ctrl Controller, config ServerConfig, opts ...Option) *Server {
	r := chi.NewRouter()
	s := &Server{ctrl: ctrl, router: r}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	if config.RequestTimeout > 0 {
		r.Use(middleware.Timeout(config.RequestTimeout))
	}

	s.registerRoutes()
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/producers", func(r chi.Router) {
		r.Get("/", s.listProducers)
		r.Route("/{producerID}", func(r chi.Router) {
			r.Get("/", s.getProducer)
			r.Post("/events/{eventID}/recovery", s.requestEventRecovery)
		})
	})
}

// Handler returns the router, used by tests and embedding servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("starting admin API server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loggingMiddleware logs all HTTP requests.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// =============================================================================
// HANDLERS
// =============================================================================

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	ProducersUp int    `json:"producers_up"`
	Producers   int    `json:"producers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.ctrl.Statuses()
	resp := HealthResponse{Status: "ok", Producers: len(statuses)}
	for _, st := range statuses {
		if st.Status.IsUp() {
			resp.ProducersUp++
		}
	}

	code := http.StatusOK
	if resp.ProducersUp < resp.Producers {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) listProducers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"producers": s.ctrl.Statuses(),
	})
}

func parseProducerID(r *http.Request) (types.ProducerID, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "producerID"))
	if err != nil || id <= 0 {
		return 0, errors.New("producer id must be a positive integer")
	}
	return types.ProducerID(id), nil
}

func (s *Server) getProducer(w http.ResponseWriter, r *http.Request) {
	id, err := parseProducerID(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := s.ctrl.Status(id)
	if err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// EventRecoveryResponse is the body of a successful event recovery request.
type EventRecoveryResponse struct {
	ProducerID types.ProducerID `json:"producer"`
	EventID    string           `json:"event_id"`
	RequestID  types.RequestID  `json:"request_id"`
}

func (s *Server) requestEventRecovery(w http.ResponseWriter, r *http.Request) {
	id, err := parseProducerID(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	eventID := chi.URLParam(r, "eventID")

	requestID, err := s.ctrl.RequestEventRecovery(r.Context(), id, eventID)
	if err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, EventRecoveryResponse{
		ProducerID: id,
		EventID:    eventID,
		RequestID:  requestID,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrUnknownProducer):
		return http.StatusNotFound
	case errors.Is(err, issuer.ErrEmptyEventID):
		return http.StatusBadRequest
	case errors.Is(err, recovery.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, recovery.ErrConnectionDown),
		errors.Is(err, issuer.ErrQueueFull),
		errors.Is(err, issuer.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, recovery.ErrEventRecoveryUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn("failed to encode response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}
