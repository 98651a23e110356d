// Package nats runs or connects to the NATS server that backs the run queue.
package nats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
)

// Server manages a local NATS server instance
type Server struct {
	cfg       ServerConfig
	log       logrus.FieldLogger
	cmd       *exec.Cmd
	out       *io.PipeWriter
	nc        *nats.Conn
	js        jetstream.JetStream
	mu        sync.Mutex
	isRunning bool
	external  bool
}

// ServerConfig holds configuration for the NATS server
type ServerConfig struct {
	BinPath  string
	StoreDir string
	URL      string
	AutoDL   bool

	// ReadyTimeout bounds the wait for a spawned server to accept connections
	ReadyTimeout time.Duration
	Logger       logrus.FieldLogger
}

// NewServer creates a new NATS server manager. Nothing is started or
// downloaded until Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	if _, _, err := parseNatsURL(cfg.URL); err != nil {
		return nil, err
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Server{cfg: cfg, log: log.WithField("component", "nats")}, nil
}

// Start connects to the NATS server at the configured URL, spawning a
// local nats-server with JetStream when nothing is listening there.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil
	}

	host, port, err := parseNatsURL(s.cfg.URL)
	if err != nil {
		return err
	}

	if isReachable(host, port, 2*time.Second) {
		s.log.Infof("NATS server already running at %s", s.cfg.URL)
		if err := s.connect(); err != nil {
			return err
		}
		s.external = true
		s.isRunning = true
		return nil
	}

	binPath, err := EnsureNATSBinary(ctx, s.cfg.BinPath, s.cfg.AutoDL, s.log)
	if err != nil {
		return fmt.Errorf("failed to ensure NATS binary: %w", err)
	}

	absStoreDir, err := filepath.Abs(s.cfg.StoreDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for store dir: %w", err)
	}
	if err := os.MkdirAll(absStoreDir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	// the server outlives the start context, so it is not bound to ctx
	s.cmd = exec.Command(binPath, //nolint:gosec // operator-provided binary
		"-js",
		"-sd", absStoreDir,
		"-a", host,
		"-p", port,
	)
	s.out = s.log.WithField("stream", "nats-server").Writer()
	s.cmd.Stdout = s.out
	s.cmd.Stderr = s.out

	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start NATS server: %w", err)
	}

	if err := waitReachable(ctx, host, port, s.cfg.ReadyTimeout); err != nil {
		s.kill()
		return err
	}

	if err := s.connect(); err != nil {
		s.kill()
		return err
	}

	s.isRunning = true
	s.log.Infof("NATS server started at %s with JetStream enabled", s.cfg.URL)
	return nil
}

// Stop closes the connection and stops the server if this process spawned it
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
	}
	s.kill()

	s.js = nil
	s.isRunning = false
	s.external = false

	s.log.Info("NATS server stopped")
	return nil
}

func (s *Server) kill() {
	if s.cmd == nil || s.cmd.Process == nil {
		s.cmd = nil
		return
	}
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.WithError(err).Warn("Failed to kill NATS process")
	}
	_ = s.cmd.Wait()
	s.cmd = nil
	if s.out != nil {
		s.out.Close()
		s.out = nil
	}
}

// IsRunning returns true if NATS server is running
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// IsExternal reports whether the server was already running when Start was called
func (s *Server) IsExternal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.external
}

// GetConnection returns the NATS connection
func (s *Server) GetConnection() *nats.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc
}

// GetJetStream returns the JetStream context
func (s *Server) GetJetStream() jetstream.JetStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.js
}

func (s *Server) connect() error {
	nc, err := nats.Connect(s.cfg.URL, nats.Name("atlasprobe"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s.nc = nc
	s.js = js
	return nil
}

func isReachable(host, port string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func waitReachable(ctx context.Context, host, port string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if isReachable(host, port, 500*time.Millisecond) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("NATS server did not accept connections on %s within %s", net.JoinHostPort(host, port), timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// parseNatsURL splits nats://host:port. The port defaults to 4222.
func parseNatsURL(natsURL string) (host, port string, err error) {
	u, err := url.Parse(natsURL)
	if err != nil || u.Scheme != "nats" || u.Hostname() == "" {
		return "", "", fmt.Errorf("invalid NATS URL format: %q", natsURL)
	}

	port = u.Port()
	if port == "" {
		port = "4222"
	}
	return u.Hostname(), port, nil
}
