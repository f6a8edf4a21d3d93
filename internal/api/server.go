package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/jobsupervisor/internal/dispatcher"
	"github.com/seantiz/jobsupervisor/internal/gateway"
	"github.com/seantiz/jobsupervisor/internal/ledger"
	"github.com/seantiz/jobsupervisor/internal/protocol"
	"github.com/seantiz/jobsupervisor/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	// writeTimeout covers a run request waiting for an agent to bind and
	// confirm the start.
	writeTimeout = 2 * time.Minute
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router     *chi.Mux
	gateway    *gateway.Gateway
	dispatcher *dispatcher.Dispatcher
	ledger     *ledger.Ledger
	store      store.Store
	logger     *slog.Logger
	addr       string

	mu     sync.Mutex
	agents map[*protocol.ServerConn]struct{}
}

// NewServer creates and configures a new HTTP server. s may be nil when
// the journal is disabled.
func NewServer(addr string, gw *gateway.Gateway, d *dispatcher.Dispatcher, l *ledger.Ledger, s store.Store, logger *slog.Logger) *Server {
	srv := &Server{
		router:     chi.NewRouter(),
		gateway:    gw,
		dispatcher: d,
		ledger:     l,
		store:      s,
		logger:     logger,
		addr:       addr,
		agents:     make(map[*protocol.ServerConn]struct{}),
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Post("/server", s.handleServer)
	s.router.Get("/agent", s.handleAgent)

	s.router.Get("/v1/agents", s.handleListAgents)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/events", s.handleStreamEvents)
		r.Get("/{id}/history", s.handleGetHistory)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
// Open agent channels are closed on shutdown.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}
	httpServer.RegisterOnShutdown(s.closeAgents)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) trackAgent(c *protocol.ServerConn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.agents[c] = struct{}{}
	} else {
		delete(s.agents, c)
	}
	agentChannels.Set(float64(len(s.agents)))
}

// closeAgents closes every open agent channel. Hijacked websocket
// connections are not tracked by http.Server.Shutdown.
func (s *Server) closeAgents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.agents {
		_ = c.Close()
	}
}
