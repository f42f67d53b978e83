// Package server exposes the indexed state over a read-only HTTP API.
// Every endpoint is a query against tables the sync process maintains;
// nothing here writes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/steemit/hivemind-go/internal/chain"
	"github.com/steemit/hivemind-go/internal/storage"
	"github.com/steemit/hivemind-go/internal/telemetry"
)

const serverScopeName = "github.com/steemit/hivemind-go/server"

// DefaultMaxHeadAge is how stale the newest indexed block may get before
// /health reports unhealthy. Ten block intervals: enough to ride out a
// slow block without flapping, short enough to catch a stalled syncer.
const DefaultMaxHeadAge = 30 * time.Second

// Config holds the API server's tunables.
type Config struct {
	// Bind is the listen address, host:port.
	Bind string
	// MaxHeadAge is the /health staleness threshold. Zero selects
	// DefaultMaxHeadAge.
	MaxHeadAge time.Duration
}

// Server serves the read API over a store, with the chain adapter used
// only for head-state comparisons.
type Server struct {
	store storage.Store
	chain chain.Client
	cfg   Config
	log   *slog.Logger
	now   func() time.Time

	requests metric.Int64Counter
	duration metric.Float64Histogram

	mu         sync.RWMutex
	listener   net.Listener
	httpServer *http.Server
}

// New wires a server over the given store and node.
func New(store storage.Store, client chain.Client, cfg Config, log *slog.Logger) *Server {
	if cfg.MaxHeadAge <= 0 {
		cfg.MaxHeadAge = DefaultMaxHeadAge
	}
	m := telemetry.Meter(serverScopeName)
	requests, _ := m.Int64Counter("hive.server.requests",
		metric.WithDescription("API requests served"),
	)
	duration, _ := m.Float64Histogram("hive.server.request.duration",
		metric.WithDescription("API request latency"),
		metric.WithUnit("ms"),
	)
	return &Server{
		store:    store,
		chain:    client,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		requests: requests,
		duration: duration,
	}
}

// Handler builds the route table. Exposed so tests can drive the API
// without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.instrument(s.handleHealth))
	mux.HandleFunc("GET /head_state", s.instrument(s.handleHeadState))
	mux.HandleFunc("GET /followers/{account}", s.instrument(s.handleFollowers))
	mux.HandleFunc("GET /following/{account}", s.instrument(s.handleFollowing))
	mux.HandleFunc("GET /blog/{account}", s.instrument(s.handleBlog))
	mux.HandleFunc("GET /feed/{account}", s.instrument(s.handleFeed))
	mux.HandleFunc("GET /stats/payouts", s.instrument(s.handlePayoutStats))
	return mux
}

// Start listens on the configured address and serves until ctx is
// canceled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Bind, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("serving read api", "addr", ln.Addr().String())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start has listened.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Bind
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records a request count and latency per route.
func (s *Server) instrument(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		attrs := metric.WithAttributes(
			attribute.String("http.route", r.Pattern),
			attribute.Int("http.status", rec.status),
		)
		s.requests.Add(r.Context(), 1, attrs)
		s.duration.Record(r.Context(), float64(time.Since(start).Milliseconds()), attrs)
	}
}
