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

	apihttp "github.com/GriffinCanCode/paksync/internal/api/http"
	"github.com/GriffinCanCode/paksync/internal/api/middleware"
	"github.com/GriffinCanCode/paksync/internal/api/ws"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/config"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/tracing"
)

const shutdownTimeout = 5 * time.Second

// Engine is everything the routes need from the sync engine.
type Engine interface {
	apihttp.Engine
	ws.Source
}

// Options configures a Server.
type Options struct {
	Server           config.ServerConfig
	RateLimit        config.RateLimitConfig
	Development      bool
	ProgressInterval time.Duration
	// Gatherer backs /metrics. Nil uses the default Prometheus gatherer.
	Gatherer prometheus.Gatherer
}

// Server wraps the status API router.
type Server struct {
	router *gin.Engine
	tracer *tracing.Tracer
	opts   Options
	logger *zap.Logger
}

// New builds the router for eng.
func New(eng Engine, opts Options, logger *zap.Logger, metrics *monitoring.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	if !opts.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	tracer := tracing.New(logger)

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.Origins = opts.Server.CORSOrigins
	router.Use(middleware.CORS(corsCfg))
	if opts.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", opts.RateLimit.RequestsPerSecond),
			zap.Int("burst", opts.RateLimit.Burst),
		)
		cfg := middleware.DefaultRateLimitConfig()
		cfg.RequestsPerSecond = opts.RateLimit.RequestsPerSecond
		cfg.Burst = opts.RateLimit.Burst
		router.Use(middleware.RateLimit(cfg))
	}

	apihttp.NewHandlers(eng, logger).Register(router)
	router.GET("/ws/progress", ws.NewHandler(eng, opts.ProgressInterval, logger, metrics).HandleConnection)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	return &Server{router: router, tracer: tracer, opts: opts, logger: logger}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Server.Host, s.opts.Server.Port)
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	defer s.tracer.Close()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
