package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/alemarco96/DECAF-sub000/internal/jobs"
	"github.com/alemarco96/DECAF-sub000/internal/logging"
	"github.com/alemarco96/DECAF-sub000/internal/metrics"
	"github.com/alemarco96/DECAF-sub000/internal/search"
)

// BuildFunc runs one index build. The server hands it to the job manager so
// every submitted build spawns its own worker processes instead of sharing
// the searcher's sessions.
type BuildFunc func(ctx context.Context, spec jobs.BuildSpec, report func(jobs.Progress)) error

// Config contains server configuration.
type Config struct {
	Host              string
	Port              string
	RateLimitEnabled  bool
	RequestsPerSecond int
	Burst             int
	AllowOrigins      []string
}

// Deps carries the services the server exposes. Searcher and Build are
// optional: endpoints backed by a missing dependency answer 503.
type Deps struct {
	Searcher *search.Searcher
	Jobs     *jobs.Manager
	Build    BuildFunc
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Log      *logging.Logger
}

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg    Config
	router *gin.Engine
	http   *http.Server
	log    *logging.Logger
}

// New creates a server with all routes and middleware registered.
func New(cfg Config, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = logging.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.AllowOrigins))
	if cfg.RateLimitEnabled {
		router.Use(rateLimit(cfg.RequestsPerSecond, cfg.Burst))
	}
	if deps.Metrics != nil {
		router.Use(metrics.Middleware(deps.Metrics))
	}

	h := newHandlers(deps)

	router.GET("/", h.root)
	router.GET("/health", h.health)

	// Conversational search
	router.POST("/search", h.search)
	router.DELETE("/conversations/:id", h.resetConversation)

	// Index builds
	router.POST("/jobs", h.submitJob)
	router.GET("/jobs", h.listJobs)
	router.GET("/jobs/:id", h.getJob)
	router.DELETE("/jobs/:id", h.cancelJob)

	// Observability
	router.GET("/stats", h.stats)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	// WebSocket job events
	router.GET("/events", h.events)

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	return &Server{
		cfg:    cfg,
		router: router,
		http: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: deps.Log,
	}
}

// Handler returns the route handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Run() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve http: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests up
// to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}
