// Package http serves the corpusd REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/services"
)

// HeaderOwnerID carries the caller identity set by the upstream gateway.
const HeaderOwnerID = "X-Owner-ID"

// Server provides HTTP endpoints for corpusd.
type Server struct {
	echo     *echo.Echo
	services services.Registry
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Addr string
	// BodyLimit caps request bodies, echo syntax ("16M"). Empty disables
	// the limit.
	BodyLimit string
	// ShutdownTimeout bounds graceful shutdown in Start.
	ShutdownTimeout time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(reg services.Registry, logger *zap.Logger, cfg *Config) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("service registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Addr: ":8080"}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	rm, err := newRequestMetrics(otel.Meter(instrumentationName))
	if err != nil {
		logger.Warn("http metrics disabled", zap.Error(err))
		rm, _ = newRequestMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	e.Use(rm.middleware)
	e.Use(requestContext)
	e.Use(accessLog(logger))

	s := &Server{
		echo:     e,
		services: reg,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

// accessLog writes one entry per request once the error handler has set
// the status. Server errors log at error level, client errors at warn.
func accessLog(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			status := c.Response().Status
			lvl := zap.InfoLevel
			switch {
			case status >= http.StatusInternalServerError:
				lvl = zap.ErrorLevel
			case status >= http.StatusBadRequest:
				lvl = zap.WarnLevel
			}
			logger.Log(lvl, "http request",
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", status),
				zap.Int64("bytes", c.Response().Size),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	}
}

// requestContext copies the request and owner ids into the request context
// for log correlation. Ids the logger would reject are left out.
func requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if id := c.Response().Header().Get(echo.HeaderXRequestID); logging.ValidateID(id, "request id") == nil {
			ctx = logging.WithRequestID(ctx, id)
		}
		if owner := c.Request().Header.Get(HeaderOwnerID); logging.ValidateID(owner, "owner id") == nil {
			ctx = logging.WithOwnerID(ctx, owner)
		}
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", requireOwner)
	v1.POST("/corpora", s.handleCreateCorpus)
	v1.GET("/corpora", s.handleListCorpora)
	v1.GET("/corpora/:corpus_id", s.handleGetCorpus)
	v1.DELETE("/corpora/:corpus_id", s.handleDeleteCorpus)
	v1.POST("/corpora/:corpus_id/attempts", s.handleCreateAttempt)
	v1.GET("/corpora/:corpus_id/attempts/:attempt_id", s.handleGetAttempt)
	v1.POST("/corpora/:corpus_id/retrieve", s.handleRetrieve)
	v1.POST("/corpora/:corpus_id/query", s.handleQuery)
}

// Echo exposes the router, for tests and extra routes.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until ctx is cancelled, then shuts down gracefully. It
// returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
		errCh <- s.echo.Start(s.config.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
