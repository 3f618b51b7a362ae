package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/completion"
	"github.com/livechat/internal/metrics"
)

// Default geolocation headers set by the edge in front of the server
const (
	DefaultGeoCityHeader    = "X-Vercel-IP-City"
	DefaultGeoCountryHeader = "X-Vercel-IP-Country"
)

// Config configures the HTTP server
type Config struct {
	Port             int
	GeoCityHeader    string
	GeoCountryHeader string
	AllowOrigins     []string
	ShutdownTimeout  time.Duration
}

// Server represents the API server
type Server struct {
	echo       *echo.Echo
	cfg        Config
	completion *completion.Service
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
}

// NewServer creates a new API server. gatherer backs /metrics and may be nil.
func NewServer(cfg Config, svc *completion.Service, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	if cfg.GeoCityHeader == "" {
		cfg.GeoCityHeader = DefaultGeoCityHeader
	}
	if cfg.GeoCountryHeader == "" {
		cfg.GeoCountryHeader = DefaultGeoCountryHeader
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAccept, "Cache-Control"},
	}))

	server := &Server{
		echo:       e,
		cfg:        cfg,
		completion: svc,
		metrics:    m,
		gatherer:   gatherer,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := s.echo.Group("/api")
	api.POST("/completion", s.handleCompletion)
	api.GET("/check-env-keys", s.handleCheckEnvKeys)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		log.Info().Str("addr", addr).Msg("Starting API server")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := log.Info()
			if v.Error != nil {
				event = log.Warn().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	})
}
