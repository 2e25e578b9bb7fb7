// Package core wires the facemesh service together: backends, the shared
// inference pool, sessions, health, the WebSocket transport and the optional
// telemetry and journal observers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend/grpcplugin"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend/subprocess"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend/synthetic"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/dispatch"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/emitter"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/health"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/journal"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/session"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/transport"
)

// Options are process-level settings that do not belong in the config file
type Options struct {
	// Debug forwards plugin logs
	Debug bool
}

// Service is the main facemesh orchestrator
type Service struct {
	cfg *config.Config

	registry   *backend.Registry
	dispatcher *dispatch.Dispatcher
	sampler    *metrics.ResourceSampler
	manager    *session.Manager
	checker    *health.Checker
	transport  *transport.Server
	httpServer *http.Server

	// Optional observers (nil when disabled)
	emitter *emitter.MQTTEmitter
	journal *journal.Journal

	mu        sync.Mutex
	started   time.Time
	isRunning bool
	addr      net.Addr
	ready     chan struct{}
}

// New builds the service from a validated configuration. Backends are
// started here so a broken model fails the process before it listens.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	registry, err := buildRegistry(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		PoolSize: cfg.Model.PoolSize,
		Timeout:  cfg.InferenceTimeout(),
	})
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		sampler:    metrics.NewResourceSampler(cfg.ResourceInterval()),
		ready:      make(chan struct{}),
	}
	s.manager = session.NewManager(cfg.Pipeline(), registry, dispatcher, s.sampler)
	s.checker = health.NewChecker(registry, s.manager)
	s.transport = transport.NewServer(transport.ConfigFrom(cfg), s.manager, s.checker)
	s.httpServer = &http.Server{
		Handler:           s.transport.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			dispatcher.Stop()
			s.closeBackends()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		s.journal = j
		s.manager.AddObserver(j)
		slog.Info("session journal enabled", "path", cfg.Journal.Path)
	}

	if cfg.Telemetry.MQTTBroker != "" {
		s.emitter = emitter.NewMQTTEmitter(emitter.ConfigFrom(cfg), s.checker)
		s.manager.AddObserver(s.emitter)
	}

	slog.Info("facemesh service created",
		"backend", registry.Default(),
		"backends", registry.Names(),
		"pool_size", cfg.Model.PoolSize,
		"inference_timeout", cfg.InferenceTimeout(),
		"binary_format", cfg.Socket.BinaryFormat,
	)
	return s, nil
}

// buildRegistry registers the synthetic backend (always available for
// ?backend=synthetic) plus the configured one, which becomes the default.
func buildRegistry(ctx context.Context, cfg *config.Config, opts Options) (*backend.Registry, error) {
	registry := backend.NewRegistry(cfg.Model.Backend)
	if err := registry.Register(synthetic.New()); err != nil {
		return nil, err
	}

	switch cfg.Model.Backend {
	case config.BackendSynthetic:
		return registry, nil

	case config.BackendSubprocess:
		w, err := subprocess.New(subprocess.Config{
			Name:    config.BackendSubprocess,
			Command: cfg.Model.WorkerCmd,
			Args:    cfg.Model.WorkerArgs,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create worker: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start worker: %w", err)
		}
		if err := registry.Register(w); err != nil {
			w.Close()
			return nil, err
		}

	case config.BackendPlugin:
		h, err := grpcplugin.NewHost(grpcplugin.Config{
			Name:        config.BackendPlugin,
			Binary:      cfg.Model.PluginPath,
			Args:        cfg.Model.PluginArgs,
			CallTimeout: cfg.InferenceTimeout(),
			Debug:       opts.Debug,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create plugin host: %w", err)
		}
		if err := h.Start(ctx); err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to start plugin: %w", err)
		}
		if err := registry.Register(h); err != nil {
			h.Close()
			return nil, err
		}
		info := h.Info()
		slog.Info("plugin backend ready", "plugin", info.Name, "device", info.Device)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Model.Backend)
	}
	return registry, nil
}

// Run listens on the configured address and blocks until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the service on ln until ctx is cancelled or a component fails.
// Call Shutdown afterwards.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.addr = ln.Addr()
	s.mu.Unlock()

	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			// Telemetry is best effort: sessions are served without it
			slog.Warn("mqtt telemetry unavailable", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.sampler.Run(gctx) })

	if s.emitter != nil {
		g.Go(func() error { return s.emitter.Run(gctx) })
	}

	g.Go(func() error {
		slog.Info("facemesh server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		// Unblocks Serve; sessions are torn down by Shutdown
		closeCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout())
		defer cancel()
		return s.stopListening(closeCtx)
	})

	close(s.ready)
	return g.Wait()
}

// Ready is closed once Serve has started
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Addr returns the listen address (nil before Serve)
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Service) stopListening(ctx context.Context) error {
	// Sessions first: http.Server.Shutdown does not see hijacked connections
	if err := s.transport.Shutdown(ctx); err != nil {
		slog.Error("failed to close sessions", "error", err)
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Shutdown releases every component. Safe to call after Serve returned or
// instead of it (when startup failed).
func (s *Service) Shutdown(ctx context.Context) error {
	slog.Info("shutting down facemesh service")

	// 1. Stop accepting and close open sockets (idempotent after Serve)
	if err := s.stopListening(ctx); err != nil {
		slog.Error("failed to stop listener", "error", err)
	}

	// 2. End sessions still registered (observers see SessionEnded)
	s.manager.CloseAll()

	// 3. Cancel in-flight inference
	if err := s.dispatcher.Stop(); err != nil {
		slog.Error("failed to stop dispatcher", "error", err)
	}

	// 4. Backends, then observers
	s.closeBackends()
	if s.emitter != nil {
		s.emitter.Flush()
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			slog.Error("failed to close journal", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Duration(0)
	if !s.started.IsZero() {
		uptime = time.Since(s.started)
	}
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("facemesh service shutdown complete",
		"uptime", uptime.Round(time.Second),
		"dispatch", s.dispatcher.Stats(),
	)
	return nil
}

func (s *Service) closeBackends() {
	if err := s.registry.Close(); err != nil {
		slog.Error("failed to close backends", "error", err)
	}
}

// ShutdownTimeout returns the graceful shutdown budget
func (s *Service) ShutdownTimeout() time.Duration {
	if t := s.cfg.ShutdownTimeout(); t > 0 {
		return t
	}
	return 5 * time.Second
}

// Manager exposes the session manager (status commands, tests)
func (s *Service) Manager() *session.Manager { return s.manager }
