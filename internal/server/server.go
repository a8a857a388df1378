// Package server exposes a replication target over websocket and HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gofrs/flock"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/openmined/syftmirror/internal/utils"
	"golang.org/x/sync/errgroup"
)

var ErrTargetLocked = errors.New("target root is locked by another process")

const shutdownTimeout = 5 * time.Second

type Server struct {
	config  *Config
	target  *replication.Target
	server  *http.Server
	replies *replyCache
	lock    *flock.Flock

	mu       sync.Mutex
	sessions map[string]*wsSession
}

func New(config *Config, target *replication.Target) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	replies, err := newReplyCache(config.ReplyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("reply cache: %w", err)
	}

	s := &Server{
		config:   config,
		target:   target,
		replies:  replies,
		sessions: make(map[string]*wsSession),
	}
	if config.LockPath != "" {
		s.lock = flock.New(config.LockPath)
	}
	s.server = &http.Server{
		Addr:              config.Http.Addr,
		Handler:           SetupRoutes(s),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routes without binding a listener.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	slog.Info("mirror server start", "root", s.target.Root())
	defer slog.Info("mirror server stop")

	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := s.runHttpServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		slog.Info("http server stopped")
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("mirror server shutdown signal")
		return s.Stop(context.Background())
	})
	return eg.Wait()
}

func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.closeSessions()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) runHttpServer() error {
	cfg := s.config.Http
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		slog.Info("server start tls", "addr", cfg.Addr, "cert", cfg.CertFile, "key", cfg.KeyFile)
		return s.server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	}
	slog.Info("server start http", "addr", cfg.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) acquireLock() error {
	if s.lock == nil {
		return nil
	}
	if err := utils.EnsureParent(s.config.LockPath); err != nil {
		return fmt.Errorf("lock dir: %w", err)
	}
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", s.config.LockPath, err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrTargetLocked, s.config.LockPath)
	}
	slog.Debug("target lock acquired", "path", s.config.LockPath)
	return nil
}

func (s *Server) releaseLock() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		slog.Warn("target lock release", "path", s.config.LockPath, "error", err)
	}
}

func (s *Server) addSession(ss *wsSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[ss.id] = ss
}

func (s *Server) removeSession(ss *wsSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, ss.id)
}

// SessionCount returns the number of open websocket sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// closeSessions ends hijacked connections, which http.Server.Shutdown leaves open.
func (s *Server) closeSessions() {
	s.mu.Lock()
	sessions := make([]*wsSession, 0, len(s.sessions))
	for _, ss := range s.sessions {
		sessions = append(sessions, ss)
	}
	s.mu.Unlock()

	for _, ss := range sessions {
		ss.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}
