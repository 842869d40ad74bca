package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/config"
	"github.com/agentstack/pipeline/pkg/metrics"
)

// readinessWindow is how long a successful stream read keeps the process
// ready without an active probe.
const readinessWindow = 30 * time.Second

type healthResponse struct {
	Status string `json:"status"`
}

type readyResponse struct {
	Ready bool `json:"ready"`
}

// Server is the broadcaster HTTP server: it upgrades dashboard
// connections to WebSocket and exposes the usual health endpoints.
type Server struct {
	cfg  *config.BroadcastConfig
	hub  *Hub
	pump *Pump
	bus  *bus.EventBus
	log  *slog.Logger

	echo *echo.Echo
	srv  *http.Server
}

// NewServer wires the broadcaster routes.
func NewServer(cfg *config.BroadcastConfig, hub *Hub, pump *Pump, b *bus.EventBus) *Server {
	s := &Server{
		cfg:  cfg,
		hub:  hub,
		pump: pump,
		bus:  b,
		log:  slog.With("component", "broadcast"),
		echo: echo.New(),
	}

	s.echo.GET("/ws/alerts", s.wsAlertsHandler)
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

// Shutdown closes every subscriber, then stops the HTTP server.
// WebSocket connections are hijacked away from the HTTP server, so they
// go through the hub instead of the server's drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll(websocket.StatusGoingAway, "server shutting down")
	return s.srv.Shutdown(ctx)
}

// wsAlertsHandler upgrades the request to WebSocket and hands the
// connection to the hub. Blocks until the subscriber disconnects. The
// optional ?project= query narrows delivery to one project.
func (s *Server) wsAlertsHandler(c *echo.Context) error {
	project := c.QueryParam("project")

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return nil
	}
	// Inbound frames beyond this limit close the connection with
	// status 1009 (message too big).
	conn.SetReadLimit(s.cfg.MaxInboundBytes)

	s.hub.HandleConnection(c.Request().Context(), conn, project)
	return nil
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// readyHandler reports ready while the pump reads the alert stream
// successfully. A stale pump triggers one active probe before declaring
// the process unready.
func (s *Server) readyHandler(c *echo.Context) error {
	if time.Since(s.pump.LastOK()) > readinessWindow {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if err := s.bus.Ping(ctx); err != nil {
			s.log.Warn("Readiness probe failed", "error", err)
			return c.JSON(http.StatusServiceUnavailable, readyResponse{Ready: false})
		}
	}
	return c.JSON(http.StatusOK, readyResponse{Ready: true})
}
