// Package daemon implements the local control-plane HTTP server backing
// `syncd status` and `syncd stop`.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/gmadsen/syncd/internal/engine"
	"github.com/gmadsen/syncd/internal/logger"
)

// Server exposes an Engine over a small local HTTP API.
type Server struct {
	echo   *echo.Echo
	engine *engine.Engine
	port   int
	stopCh chan struct{}
}

func NewServer(e *engine.Engine, port int) *Server {
	ec := echo.New()
	ec.HideBanner = true
	ec.Use(middleware.Recover())

	s := &Server{
		echo:   ec,
		engine: e,
		port:   port,
		stopCh: make(chan struct{}, 1),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/status", s.handleStatus)
	s.echo.POST("/stop", s.handleStop)
	s.echo.GET("/history", s.handleHistory)
}

// Start launches the HTTP server in the background; errors other than a
// graceful shutdown are logged, not propagated.
func (s *Server) Start() {
	go func() {
		addr := ":" + strconv.Itoa(s.port)
		logger.Log.Info("daemon server started", zap.String("addr", addr))

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("daemon server error", zap.Error(err))
		}
	}()
}

// Stop shuts down the engine and the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.engine.Stop()
	return s.echo.Shutdown(ctx)
}

// StopCh signals requests made via POST /stop to the process owning the
// server's lifetime (the cmd package's run loop).
func (s *Server) StopCh() <-chan struct{} {
	return s.stopCh
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"running":              true,
		"queue_size":           s.engine.QueueSize(),
		"pending_transactions": len(s.engine.PendingTransactions()),
	})
}

func (s *Server) handleStop(c echo.Context) error {
	select {
	case s.stopCh <- struct{}{}:
	default:
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleHistory(c echo.Context) error {
	n := 20
	if nStr := c.QueryParam("n"); nStr != "" {
		if parsed, err := strconv.Atoi(nStr); err == nil {
			n = parsed
		}
	}

	pending := s.engine.PendingTransactions()
	if len(pending) > n {
		pending = pending[:n]
	}

	return c.JSON(http.StatusOK, pending)
}
