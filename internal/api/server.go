// Package api serves calendar, universe and validation queries over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/johnayoung/go-market-integrity/internal/calendar"
	"github.com/johnayoung/go-market-integrity/internal/config"
	"github.com/johnayoung/go-market-integrity/internal/logger"
	"github.com/johnayoung/go-market-integrity/internal/storage"
	"github.com/johnayoung/go-market-integrity/internal/universe"
	"github.com/johnayoung/go-market-integrity/internal/validator"
)

const requestIDHeader = "X-Request-ID"

// Deps are the services behind the routes. Metrics and HealthChecks may be empty.
type Deps struct {
	Calendar           *calendar.Calendar
	Validator          *validator.Validator
	ValidationDefaults validator.Config
	Resolver           *universe.Resolver
	HealthChecks       map[string]storage.HealthChecker
	Metrics            http.Handler
	MetricsPath        string
	Logger             *slog.Logger
	Now                func() time.Time
}

type handlers struct {
	Deps
	logger *slog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{Deps: d, logger: d.Logger.With("component", "api")}

	r := gin.New()
	r.Use(gin.Recovery(), h.requestContext())

	r.GET("/healthz", h.health)
	r.HEAD("/healthz", h.health)
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(d.Metrics))
	}

	v1 := r.Group("/v1")
	{
		v1.GET("/calendar/:date", h.calendarDay)
		v1.GET("/market/open", h.marketOpen)
		v1.GET("/universes/:index", h.universeAsOf)
		v1.GET("/symbols/:symbol/current", h.currentSymbol)
		v1.GET("/symbols/:symbol/historical", h.historicalSymbol)
		v1.POST("/validate", h.validate)
	}
	return r
}

// requestContext tags each request with an ID and logs its outcome.
func (h *handlers) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		h.logger.Log(c.Request.Context(), level, "request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Server runs the router with graceful shutdown.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewServer wraps router in an http.Server configured from cfg.
func NewServer(cfg config.APIConfig, router http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: cfg.ReadTimeout,
			ReadTimeout:       cfg.ReadTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger.With("component", "api"),
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return <-errCh
}
