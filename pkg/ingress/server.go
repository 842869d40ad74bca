// Package ingress is the collector HTTP service: it authenticates span
// submissions, validates and canonicalizes them, and appends them to the
// span stream for the worker roles to consume.
package ingress

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/keydir"
	"github.com/agentstack/pipeline/pkg/metrics"
)

// headerAPIKey carries the project API key on ingest requests.
const headerAPIKey = "X-API-Key"

// readinessWindow is how long a successful dependency operation keeps the
// process ready without an active probe.
const readinessWindow = 30 * time.Second

// Server is the collector HTTP server.
type Server struct {
	cfg  *config.IngressConfig
	keys *keydir.Directory
	bus  *bus.EventBus
	log  *slog.Logger

	echo *echo.Echo
	srv  *http.Server

	mu         sync.Mutex
	lastBusOK  time.Time
	lastKeysOK time.Time
}

// NewServer wires the collector routes and middleware.
func NewServer(cfg *config.IngressConfig, keys *keydir.Directory, b *bus.EventBus) *Server {
	s := &Server{
		cfg:  cfg,
		keys: keys,
		bus:  b,
		log:  slog.With("component", "ingress"),
		echo: echo.New(),
	}

	s.echo.Use(securityHeaders())
	s.echo.Use(corsHeaders(cfg.AllowedOrigins))

	s.echo.POST("/v1/traces", s.ingestHandler)
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/ready", s.readyHandler)
	s.echo.GET("/metrics", func(c *echo.Context) error {
		metrics.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	s.srv = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens on addr and serves until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.srv.Addr = addr
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) markBusOK() {
	s.mu.Lock()
	s.lastBusOK = time.Now()
	s.mu.Unlock()
}

func (s *Server) markKeysOK() {
	s.mu.Lock()
	s.lastKeysOK = time.Now()
	s.mu.Unlock()
}

// recentSuccess reports whether each dependency has served a successful
// operation within the readiness window.
func (s *Server) recentSuccess() (busOK, keysOK bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-readinessWindow)
	return s.lastBusOK.After(cutoff), s.lastKeysOK.After(cutoff)
}
