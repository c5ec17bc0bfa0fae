package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/ethpandaops/stressoor/pkg/config"
	"github.com/ethpandaops/stressoor/pkg/runner"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	runner     runner.Runner
	httpServer *http.Server
	authUsers  map[string][]byte
	wg         sync.WaitGroup
}

// NewServer creates a new API server on top of the given runner.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	run runner.Runner,
) Server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		runner: run,
	}
}

// Start hashes configured credentials and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	if s.cfg.Auth.Enabled {
		if err := s.hashAuthUsers(); err != nil {
			return err
		}
	}

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}

// hashAuthUsers derives bcrypt hashes for the configured basic-auth users
// so plaintext passwords never sit in memory past startup.
func (s *server) hashAuthUsers() error {
	s.authUsers = make(map[string][]byte, len(s.cfg.Auth.Users))

	for _, u := range s.cfg.Auth.Users {
		hash, err := bcrypt.GenerateFromPassword(
			[]byte(u.Password), bcrypt.DefaultCost,
		)
		if err != nil {
			return fmt.Errorf("hashing password for %q: %w", u.Username, err)
		}

		s.authUsers[u.Username] = hash
	}

	return nil
}
