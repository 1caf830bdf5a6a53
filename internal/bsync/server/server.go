// Package server accepts bsync client connections and applies their change
// sets to the repository.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gingerrexayers/bsync-go/internal/bsync/config"
	"github.com/gingerrexayers/bsync-go/internal/bsync/protocol"
	"github.com/gingerrexayers/bsync-go/internal/bsync/repository"
)

// Version is reported to clients in the handshake.
const Version = "0.1.0"

type Server struct {
	cfg    *config.Config
	repo   *repository.Repository
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// New opens the repository in cfg.DataDir.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	repo, err := repository.Open(cfg.DataDir, repository.Options{
		StagingTTL:   cfg.StagingTTL,
		ReclaimGrace: cfg.ReclaimGrace,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return &Server{
		cfg:      cfg,
		repo:     repo,
		logger:   logger.With("component", "server"),
		sessions: make(map[string]*session),
	}, nil
}

// Repository exposes the underlying store.
func (s *Server) Repository() *repository.Repository { return s.repo }

// ListenAndServe listens on cfg.ServerAddr and, when configured, serves the
// HTTP explorer on cfg.HTTPAddr. It returns when ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ServerAddr, err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.Serve(ctx, ln) })
	eg.Go(func() error { return s.reclaimLoop(ctx) })

	if s.cfg.HTTPAddr != "" {
		httpServer := &http.Server{
			Addr:              s.cfg.HTTPAddr,
			Handler:           s.HTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		eg.Go(func() error {
			s.logger.Info("explorer start", "addr", s.cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("explorer: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}
	return eg.Wait()
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// open session and waits for them to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("server start", "addr", ln.Addr().String(), "dataDir", s.repo.Dir())
	defer s.logger.Info("server stop")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeSessions()
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs one client session on conn and closes it when done.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	sess := newSession(s, uuid.NewString(), protocol.NewConn(conn))

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
	}()

	sess.run(ctx)
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
}

// SessionCount returns the number of connected clients.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) reclaimLoop(ctx context.Context) error {
	if s.cfg.ReclaimInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := s.repo.Reclaim(ctx)
			if err != nil {
				s.logger.Error("reclaim failed", "error", err)
				continue
			}
			s.logger.Info("reclaim done",
				"blobs", res.BlobsRemoved,
				"bytes", res.BytesRemoved,
				"packs", res.PacksRemoved,
				"staging", res.StagingExpired)
		}
	}
}

// Close releases the repository. Serve must have returned.
func (s *Server) Close() error {
	return s.repo.Close()
}
