package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"lm-bridge/internal/config"
	"lm-bridge/internal/host"
	"lm-bridge/internal/registry"
	"lm-bridge/internal/tokens"
)

const (
	maxBodyBytes          = 1 << 20 // 1 MiB
	shutdownGracePeriod   = 10 * time.Second
	readTimeout           = 30 * time.Second
	idleTimeout           = 120 * time.Second
	defaultRequestTimeout = 120 * time.Second
)

// Server is the HTTP gateway: OpenAI-compatible surface in front of the
// host capability.
type Server struct {
	cfg        config.Config
	capability host.Capability
	cache      *registry.Cache
	estimator  *tokens.Estimator
	app        *echo.Echo
	address    string
	started    time.Time
	running    atomic.Bool
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, capability host.Capability, cache *registry.Cache) (*Server, error) {
	if capability == nil {
		return nil, errors.New("capability must not be nil")
	}
	if cache == nil {
		return nil, errors.New("model cache must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	srv := &Server{
		cfg:        cfg,
		capability: capability,
		cache:      cache,
		estimator:  tokens.NewEstimator(),
		app:        e,
		address:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		started:    time.Now(),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	s.running.Store(true)
	defer s.running.Store(false)

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the routed HTTP handler, mainly for tests driving the
// server through httptest.
func (s *Server) Handler() http.Handler {
	return s.app
}

// IsRunning reports whether the listener is up. Exposed for surrounding
// lifecycle code.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// CachedModels returns the current model snapshot without refreshing.
func (s *Server) CachedModels() []host.ModelDescriptor {
	return s.cache.Cached()
}

// RefreshModels forces a model cache refresh.
func (s *Server) RefreshModels(ctx context.Context) error {
	return s.cache.Refresh(ctx)
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.GET("/v1/models", s.handleModels)
	s.app.GET("/v1/tools", s.handleTools)
}

// requestTimeout is the deadline applied to each chat completion,
// including the model call and any tool rounds.
func (s *Server) requestTimeout() time.Duration {
	if t := s.cfg.Server.RequestTimeout.Std(); t > 0 {
		return t
	}
	return defaultRequestTimeout
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("lm-bridge ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  GET  /v1/tools")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
