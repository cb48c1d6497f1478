// Package gateway exposes the pipeline over HTTP and WebSocket: operational
// endpoints for providers, settlements and stream cycles, a Prometheus
// endpoint, and a fan-out WebSocket feed of bus events.
package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/propstream/propstream/internal/admission"
	"github.com/propstream/propstream/internal/bus"
	"github.com/propstream/propstream/internal/resilience"
	"github.com/propstream/propstream/internal/settlement"
	"github.com/propstream/propstream/internal/store"
	"github.com/propstream/propstream/internal/streamer"
)

// Config holds gateway server configuration.
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	WS             WSConfig      `yaml:"ws"`
}

// DefaultConfig returns the local-only default configuration. HTTP_PORT
// overrides the port.
func DefaultConfig() Config {
	port := 8080
	if portStr := os.Getenv("HTTP_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	return Config{
		Host:           "127.0.0.1",
		Port:           port,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 10 * time.Second,
		AllowedOrigins: []string{"*"},
		WS:             DefaultWSConfig(),
	}
}

// Deps are the pipeline components the gateway fronts. All are required
// except Store, which health checks skip when nil.
type Deps struct {
	Resilience  *resilience.Manager
	Streamer    *streamer.Streamer
	Settlements *settlement.Manager
	Limiter     *admission.Limiter
	Guard       *admission.Guard
	Bus         *bus.Bus
	Store       store.Store
}

// Server is the HTTP + WebSocket front of the pipeline.
type Server struct {
	cfg     Config
	deps    Deps
	router  *mux.Router
	handler http.Handler
	server  *http.Server
	hub     *Hub
	metrics *Metrics
	started time.Time
}

// NewServer builds the server and verifies the configured port is free.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", cfg.Port, err)
	}
	listener.Close()

	s := newServer(cfg, deps)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// newServer assembles routes and middleware without binding a port. Tests
// drive the returned handler through httptest.
func newServer(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		router:  mux.NewRouter(),
		metrics: NewMetrics(),
		started: time.Now(),
	}
	s.hub = newHub(cfg.WS, deps.Bus, s.metrics)
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	s.handler = c.Handler(s.router)
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	// Long-lived and non-JSON routes stay outside the timeout subtree.
	s.router.HandleFunc("/ws", s.hub.Handle)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/api/ratelimit/status", s.handleRateLimitStatus).Methods(http.MethodGet)

	api.HandleFunc("/api/providers", s.handleProviders).Methods(http.MethodGet)
	api.HandleFunc("/api/providers/{name}/enable", s.guarded(s.handleProviderEnable)).Methods(http.MethodPost)
	api.HandleFunc("/api/providers/{name}/disable", s.guarded(s.handleProviderDisable)).Methods(http.MethodPost)
	api.HandleFunc("/api/stream/cycle", s.guarded(s.handleStreamCycle)).Methods(http.MethodPost)

	api.HandleFunc("/api/settlements", s.guarded(s.handleSettlementInitiate)).Methods(http.MethodPost)
	api.HandleFunc("/api/settlements/archive", s.guarded(s.handleSettlementArchive)).Methods(http.MethodPost)
	api.HandleFunc("/api/settlements/{prop_id}", s.handleSettlementStatus).Methods(http.MethodGet)
	api.HandleFunc("/api/settlements/{id}/process", s.guarded(s.handleSettlementProcess)).Methods(http.MethodPost)
	api.HandleFunc("/api/settlements/{id}/dispute", s.guarded(s.handleSettlementDispute)).Methods(http.MethodPost)
	api.HandleFunc("/api/settlements/{id}/resolve", s.guarded(s.handleSettlementResolve)).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// Handler returns the assembled handler chain (CORS outermost).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the WebSocket hub, for shutdown ordering and stats.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the server until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().
		Str("host", s.cfg.Host).
		Int("port", s.cfg.Port).
		Msg("Starting gateway HTTP server")

	return s.server.ListenAndServe()
}

// Shutdown closes WebSocket clients, then drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down gateway HTTP server")
	s.hub.Shutdown()
	return s.server.Shutdown(ctx)
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

// requestIDMiddleware tags each request with a short unique ID.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware logs completed requests and feeds the request
// metrics. Route labels use the mux template so path parameters do not
// explode the cardinality.
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID, _ := r.Context().Value(requestIDKey).(string)

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		s.metrics.ObserveRequest(route, r.Method, wrapper.statusCode, duration)

		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// timeoutMiddleware bounds handler execution for the JSON API subtree.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// jsonContentTypeMiddleware sets JSON content type for API responses.
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// responseWrapper captures HTTP status codes for logging and metrics. It
// forwards Hijack so the WebSocket upgrade still works through the chain.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
