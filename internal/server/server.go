// ABOUTME: Agent server that wires the store, audit pipeline, gate and operation router
// ABOUTME: Manages the HTTP listener lifecycle and orderly shutdown of background components

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/codix/cdx-agent/internal/audit"
	"github.com/codix/cdx-agent/internal/auth"
	"github.com/codix/cdx-agent/internal/config"
	"github.com/codix/cdx-agent/internal/maintenance"
	"github.com/codix/cdx-agent/internal/metrics"
	"github.com/codix/cdx-agent/internal/ops"
	"github.com/codix/cdx-agent/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Server owns every long-lived component of the agent.
type Server struct {
	config      *config.Config
	store       *store.SQLiteStore
	dispatcher  *audit.Dispatcher
	metrics     *metrics.Metrics
	gate        *auth.Gate
	router      http.Handler
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	mu        sync.Mutex
	addr      net.Addr
	listening chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// initStore opens the application database. CDX_AGENT_DB_PATH overrides database.path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.ResolvePath(cfg.Database.Path)
	if envPath := os.Getenv("CDX_AGENT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New builds a Server from cfg. Nothing listens until Run is called.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	dispatcher := audit.NewDispatcher(
		audit.Multi{audit.NewLogSink(logger), audit.NewStoreSink(st)},
		0, logger, m,
	)

	if cfg.Agent.Secret == "" {
		logger.Warn("agent.secret is empty; every signed request will be rejected until it is set")
	}
	gate := auth.NewGate(auth.GateConfig{
		Secret:             cfg.Agent.Secret,
		TimestampTolerance: auth.Tolerance(cfg.Agent.TimestampTolerance),
		LogFailedAttempts:  cfg.Agent.LogFailedAttempts,
	}, auth.GateOptions{
		Auditor:      dispatcher,
		Observer:     m,
		Logger:       logger,
		MaxBodyBytes: cfg.Agent.MaxBodyBytes,
	})

	var flag *maintenance.Flag
	if cfg.Maintenance.File != "" {
		flag = maintenance.NewFlag(cfg.ResolvePath(cfg.Maintenance.File))
	}

	handler := ops.NewHandler(ops.Options{
		Config:       cfg,
		Store:        st,
		Maintenance:  flag,
		Observer:     m,
		Logger:       logger,
		AgentVersion: version,
	})

	routerOpts := ops.RouterOptions{
		Prefix:    cfg.Agent.RoutePrefix,
		RateLimit: cfg.Agent.RateLimit,
		Gate:      gate.Middleware,
	}
	if cfg.Metrics.Enabled {
		routerOpts.MetricsPath = cfg.Metrics.Path
		routerOpts.MetricsHandler = m.Handler()
	}
	router := ops.NewRouter(handler, routerOpts)

	return &Server{
		config:     cfg,
		store:      st,
		dispatcher: dispatcher,
		metrics:    m,
		gate:       gate,
		router:     router,
		httpServer: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger:    logger.With("component", "server"),
		listening: make(chan struct{}),
	}, nil
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Store returns the underlying store.
func (s *Server) Store() *store.SQLiteStore {
	return s.store
}

// Listening is closed once Run has bound its listener.
func (s *Server) Listening() <-chan struct{} {
	return s.listening
}

// Addr returns the bound address, or nil before Listening is closed.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) setupTCPListener() (net.Listener, error) {
	s.logger.Info("starting agent", "http_addr", s.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}
	return s.setupTCPListener()
}

// Run serves until ctx is canceled or the HTTP server fails, then shuts
// everything down. It returns nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		_ = s.closeComponents()
		return err
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.listening)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "prefix", "/"+s.config.Agent.RoutePrefix)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("context canceled, initiating shutdown")
		}
		return s.gracefulShutdown()
	})

	return g.Wait()
}

// gracefulShutdown uses a fresh context since the run context is already done.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases every component. Buffered
// audit events are flushed to the store before it is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down agent")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	if err := s.closeComponents(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeComponents runs once; later calls return the first result.
func (s *Server) closeComponents() error {
	s.closeOnce.Do(func() {
		var errs []error
		s.dispatcher.Close()
		if s.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", s.store.Close())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
