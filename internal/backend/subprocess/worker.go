/*
Package subprocess runs the face models in an external worker process.

ARCHITECTURE:

	┌──────────────┐  Detect/Reconstruct  ┌──────────────┐  stdin (msgpack)  ┌────────────────┐
	│  Dispatcher  │ ───────────────────> │ Worker       │ ────────────────> │ worker process │
	│  (pool)      │ <─────────────────── │ (this file)  │ <──────────────── │ (any language) │
	└──────────────┘      results         └──────────────┘  stdout (msgpack) └────────────────┘
	                                             ^                                 │
	                                             └──────── stderr (log lines) ─────┘

KEY GOROUTINES (per process):
  - conn.readLoop  reads length-prefixed responses and routes them by request ID
  - logStderr      maps worker log levels to slog
  - supervise      waits for process exit and respawns with backoff

The host pipelines several requests over one process; responses are matched
by ID, so a slow call never blocks a fast one on the host side.

FAILURE MODES:
 1. Worker crash: in-flight calls fail with ErrConnClosed (InferenceFailure
    upstream), supervise respawns, Health reports down until it is back.
 2. stdin write timeout: connection failed, process killed and respawned.
 3. Too many consecutive spawn failures: worker stays down.
*/
package subprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/imaging"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// DefaultName is the registry name used when Config.Name is empty
const DefaultName = "subprocess"

// Config contains configuration for a subprocess worker
type Config struct {
	Name    string
	Command string
	Args    []string
	Env     []string

	// WriteTimeout bounds a single stdin write (default: 2s)
	WriteTimeout time.Duration
	// HealthTimeout bounds a health probe (default: 1s)
	HealthTimeout time.Duration
	// StopTimeout bounds graceful shutdown before kill (default: 2s)
	StopTimeout time.Duration

	Restart RestartConfig
}

// Worker implements backend.Backend over a supervised child process
type Worker struct {
	cfg Config

	mu   sync.RWMutex
	cmd  *exec.Cmd
	conn *conn

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	isActive atomic.Bool
	stopping atomic.Bool

	restarts   atomic.Uint32
	calls      atomic.Uint64
	failures   atomic.Uint64
	lastSeenAt atomic.Value // time.Time
}

var _ backend.Backend = (*Worker)(nil)

// New creates a Worker (fail-fast validation). Call Start to spawn the process.
func New(cfg Config) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("subprocess: command is required")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.Restart == (RestartConfig{}) {
		cfg.Restart = DefaultRestartConfig()
	}

	slog.Info("subprocess worker created",
		"name", cfg.Name,
		"command", cfg.Command,
		"args", cfg.Args,
	)
	return &Worker{cfg: cfg}, nil
}

// Name implements backend.Backend
func (w *Worker) Name() string { return w.cfg.Name }

// Start spawns the worker process and its supervisor
func (w *Worker) Start(ctx context.Context) error {
	if w.isActive.Load() {
		return fmt.Errorf("subprocess: worker %s already started", w.cfg.Name)
	}
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.spawn(w.ctx); err != nil {
		w.cancel()
		return fmt.Errorf("subprocess: failed to spawn worker: %w", err)
	}
	w.isActive.Store(true)
	w.lastSeenAt.Store(time.Now())

	w.wg.Add(1)
	go w.supervise()
	return nil
}

// spawn starts one worker process and installs its connection
func (w *Worker) spawn(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, w.cfg.Command, w.cfg.Args...)
	cmd.Env = append(os.Environ(), w.cfg.Env...)
	cmd.WaitDelay = w.cfg.StopTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker process: %w", err)
	}

	slog.Info("subprocess: worker process spawned",
		"name", w.cfg.Name,
		"pid", cmd.Process.Pid,
	)

	c := newConn(stdout, stdin, w.cfg.WriteTimeout)

	w.mu.Lock()
	w.cmd = cmd
	w.conn = c
	w.mu.Unlock()

	w.wg.Add(1)
	go w.logStderr(stderr)
	return nil
}

// supervise waits for the current process to exit and respawns it
func (w *Worker) supervise() {
	defer w.wg.Done()

	state := &restartState{restarts: &w.restarts}
	for {
		w.mu.RLock()
		cmd, c := w.cmd, w.conn
		w.mu.RUnlock()

		err := w.waitProcess(cmd)
		c.fail(ErrConnClosed)

		if w.stopping.Load() || w.ctx.Err() != nil {
			return
		}
		slog.Error("subprocess: worker process exited unexpectedly",
			"name", w.cfg.Name,
			"pid", cmd.Process.Pid,
			"error", err,
		)

		if err := runWithRestart(w.ctx, w.spawn, w.cfg.Restart, state); err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Error("subprocess: giving up on worker", "name", w.cfg.Name, "error", err)
			}
			w.isActive.Store(false)
			return
		}
	}
}

// waitProcess reaps the process (prevents zombies)
func (w *Worker) waitProcess(cmd *exec.Cmd) error {
	err := cmd.Wait()
	if err == nil {
		slog.Info("subprocess: worker process exited cleanly",
			"name", w.cfg.Name,
			"pid", cmd.Process.Pid,
		)
		return nil
	}
	if w.stopping.Load() {
		slog.Debug("subprocess: worker process exited (shutdown)",
			"name", w.cfg.Name,
			"pid", cmd.Process.Pid,
		)
	}
	return err
}

// logStderr maps worker log levels to slog:
// ERROR/CRITICAL → Error, WARN/WARNING → Warn, everything else → Debug
func (w *Worker) logStderr(stderr io.Reader) {
	defer w.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]", "level=ERROR"):
			slog.Error("subprocess worker error", "name", w.cfg.Name, "log", line)
		case containsAny(line, "[WARNING]", "[WARN]", "level=WARN"):
			slog.Warn("subprocess worker warning", "name", w.cfg.Name, "log", line)
		default:
			slog.Debug("subprocess worker log", "name", w.cfg.Name, "log", line)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Debug("subprocess: stderr closed", "name", w.cfg.Name, "error", err)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (w *Worker) current() (*conn, error) {
	if !w.isActive.Load() {
		return nil, fmt.Errorf("subprocess: worker %s not active", w.cfg.Name)
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return nil, ErrConnClosed
	}
	return w.conn, nil
}

func (w *Worker) roundTrip(ctx context.Context, req request) (response, error) {
	c, err := w.current()
	if err != nil {
		return response{}, err
	}
	w.calls.Add(1)
	resp, err := c.call(ctx, req)
	if err != nil {
		w.failures.Add(1)
		return resp, err
	}
	w.lastSeenAt.Store(time.Now())
	return resp, nil
}

// Detect implements backend.Detector
func (w *Worker) Detect(ctx context.Context, img image.Image) (*types.BoundingBox, error) {
	data, err := imaging.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	resp, err := w.roundTrip(ctx, request{Op: OpDetect, Image: data})
	if err != nil {
		return nil, err
	}
	return resp.Box, nil
}

// Reconstruct implements backend.Reconstructor
func (w *Worker) Reconstruct(ctx context.Context, crop image.Image) (*types.RawMesh, error) {
	data, err := imaging.EncodePNG(crop)
	if err != nil {
		return nil, err
	}
	resp, err := w.roundTrip(ctx, request{Op: OpReconstruct, Image: data})
	if err != nil {
		return nil, err
	}
	if resp.Mesh == nil {
		return nil, fmt.Errorf("subprocess: worker %s returned no mesh", w.cfg.Name)
	}
	return resp.Mesh.raw(), nil
}

// Health implements backend.Backend by probing the worker
func (w *Worker) Health(ctx context.Context) backend.Health {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.HealthTimeout)
	defer cancel()

	resp, err := w.roundTrip(ctx, request{Op: OpHealth})
	if err != nil || resp.Health == nil {
		return backend.Health{}
	}
	return *resp.Health
}

// Stats is a snapshot of worker counters
type Stats struct {
	Active     bool      `json:"active"`
	PID        int       `json:"pid"`
	Restarts   uint32    `json:"restarts"`
	Calls      uint64    `json:"calls"`
	Failures   uint64    `json:"failures"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Stats returns worker counters
func (w *Worker) Stats() Stats {
	s := Stats{
		Active:   w.isActive.Load(),
		Restarts: w.restarts.Load(),
		Calls:    w.calls.Load(),
		Failures: w.failures.Load(),
	}
	if v, ok := w.lastSeenAt.Load().(time.Time); ok {
		s.LastSeenAt = v
	}
	w.mu.RLock()
	if w.cmd != nil && w.cmd.Process != nil {
		s.PID = w.cmd.Process.Pid
	}
	w.mu.RUnlock()
	return s
}

// Close implements backend.Backend: closes stdin (the worker exits on EOF),
// waits up to StopTimeout, then kills the process.
func (w *Worker) Close() error {
	if !w.isActive.Load() && w.cancel == nil {
		return nil
	}
	if !w.stopping.CompareAndSwap(false, true) {
		return nil
	}
	w.isActive.Store(false)

	slog.Info("subprocess: stopping worker", "name", w.cfg.Name)

	w.mu.RLock()
	c, cmd := w.conn, w.cmd
	w.mu.RUnlock()
	if c != nil {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		slog.Info("subprocess: worker stopped cleanly", "name", w.cfg.Name)
	case <-time.After(w.cfg.StopTimeout):
		slog.Warn("subprocess: worker stop timeout, force killing process", "name", w.cfg.Name)
		if cmd != nil && cmd.Process != nil {
			if kerr := cmd.Process.Kill(); kerr != nil {
				err = fmt.Errorf("subprocess: kill worker: %w", kerr)
			}
		}
	}
	w.cancel()

	slog.Info("subprocess: worker stopped",
		"name", w.cfg.Name,
		"calls", w.calls.Load(),
		"restarts", w.restarts.Load(),
	)
	return err
}
