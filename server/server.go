// Package server runs the gateway's HTTP listener and its graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/broker"
	"github.com/abdelmounim-dev/edge-gateway/config"
	"github.com/abdelmounim-dev/edge-gateway/websocket"
)

type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

func NewServer(cfg config.ServerConfig, handler http.Handler, log *zap.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		},
		log: log,
	}
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.log.Info("Edge gateway listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, closes every edge connection, waits
// for background work and closes the broker.
func (s *Server) Shutdown(ctx context.Context, manager *websocket.ClientManager, b broker.MessageBroker) error {
	s.log.Info("Shutting down server")

	// Hijacked websocket connections are not tracked by http.Server.
	err := s.httpServer.Shutdown(ctx)
	manager.CloseAllConnections("Server shutting down")

	done := make(chan struct{})
	go func() {
		manager.WaitForCompletion()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("Timed out waiting for background work")
	}

	if cerr := b.Close(); cerr != nil {
		s.log.Error("Failed to close broker", zap.Error(cerr))
	}
	return err
}
