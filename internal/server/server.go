package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lawnchairsociety/tileforge/internal/config"
	"github.com/lawnchairsociety/tileforge/internal/logger"
	"github.com/lawnchairsociety/tileforge/internal/orchestrator"
)

// Server is the HTTP surface of the tile backend.
type Server struct {
	cfg        *config.ServerConfig
	svc        *orchestrator.Service
	hub        *Hub
	limiter    *InflightLimiter
	auth       *KeyAuth
	clientIP   func(*http.Request) string
	handler    http.Handler
	httpServer *http.Server
	StartTime  time.Time
}

// NewServer wires the routes. hub may be nil to disable the event stream.
func NewServer(cfg *config.ServerConfig, svc *orchestrator.Service, hub *Hub) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if svc == nil {
		return nil, errors.New("server: orchestrator is required")
	}
	auth, err := NewKeyAuth(cfg.Auth)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		svc:       svc,
		hub:       hub,
		limiter:   NewInflightLimiter(cfg.Connections),
		auth:      auth,
		clientIP:  clientIPResolver(cfg.HTTP.TrustProxy),
		StartTime: time.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.logRequests(mux)
	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	generation := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(s.clientIP, s.limiter.Wrap(s.clientIP, h))
	}

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.Handle("GET /gen", generation(s.handleGen))
	mux.Handle("POST /inpaint", generation(s.handleInpaint))

	mux.HandleFunc("GET /tiles", s.handleTiles)
	mux.HandleFunc("GET /tiles/{x}/{y}", s.handleTile)
	mux.HandleFunc("GET /status", s.handleStatus)
	if s.hub != nil {
		mux.Handle("GET /ws", s.hub)
	}
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetUptime returns how long the server has been running.
func (s *Server) GetUptime() time.Duration {
	return time.Since(s.StartTime)
}

// ListenAndServe serves on the configured address until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTP.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.HTTP.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. In-flight generations are given
// the configured shutdown timeout to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: time.Duration(s.cfg.HTTP.ReadHeaderTimeoutSeconds) * time.Second,
		ErrorLog:          logger.StdLogger(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down HTTP server")
		timeout := time.Duration(s.cfg.HTTP.ShutdownTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if s.hub != nil {
			s.hub.Close()
		}
		s.auth.Stop()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Info("HTTP server stopped", "uptime", s.GetUptime().Round(time.Second).String())
		return nil

	case err := <-errCh:
		s.auth.Stop()
		return fmt.Errorf("server error: %w", err)
	}
}
