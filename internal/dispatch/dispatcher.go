// Package dispatch runs model inference off the session control path on a
// bounded worker pool shared by every session.
//
// Architecture:
//
//	Session (control path)            Dispatcher                    Backend
//	──────────────────────            ──────────                    ───────
//	Submit(job, deliver) ──spawn──▶  acquire pool slot (ctx-aware)
//	  returns immediately             run with deadline ──────────▶ Detect/Reconstruct
//	                                  release slot
//	deliver(result) ◀────────────────  deliver
//
// Guarantees:
//   - Submit never blocks the caller (admission bookkeeping stays responsive)
//   - At most PoolSize calls execute concurrently across all sessions
//   - Each call gets a deadline; exceeding it is an InferenceFailure
//   - deliver is invoked exactly once per accepted Submit, after the model
//     call has returned, so a session that waits for delivery before
//     submitting again never has two calls in flight
//
// The pool's capacity counter (a weighted semaphore) is the only state it
// shares between sessions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("dispatch: dispatcher stopped")

// Config holds dispatcher settings
type Config struct {
	// PoolSize is the maximum number of concurrent model calls
	PoolSize int
	// Timeout is the per-call deadline
	Timeout time.Duration
	// StopTimeout bounds how long Stop waits for running calls
	StopTimeout time.Duration
}

// DefaultConfig returns default dispatcher settings
func DefaultConfig() Config {
	return Config{
		PoolSize:    4,
		Timeout:     2 * time.Second,
		StopTimeout: 3 * time.Second,
	}
}

// Dispatcher is the shared inference worker pool
type Dispatcher struct {
	cfg Config
	sem *semaphore.Weighted

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex // orders wg.Add against Stop
	stopping bool
	stopOnce sync.Once

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	timeouts  atomic.Uint64
	running   atomic.Int64
	waiting   atomic.Int64
	totalMS   atomic.Uint64

	now func() time.Time
}

// New creates a Dispatcher (fail-fast validation)
func New(cfg Config) (*Dispatcher, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("dispatch: pool size must be > 0, got %d", cfg.PoolSize)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("dispatch: timeout must be > 0, got %v", cfg.Timeout)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultConfig().StopTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.PoolSize)),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}, nil
}

// Submit schedules job and returns immediately.
//
// deliver is called exactly once from a pool goroutine when the job is done
// (including failures and timeouts). It must not block for long.
func (d *Dispatcher) Submit(job Job, deliver func(Result)) error {
	if job.Backend == nil {
		return fmt.Errorf("dispatch: job %s/%d has no backend", job.SessionID, job.Frame.Seq)
	}

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return ErrStopped
	}
	d.wg.Add(1)
	d.mu.Unlock()

	d.submitted.Add(1)
	go d.execute(job, deliver)
	return nil
}

func (d *Dispatcher) execute(job Job, deliver func(Result)) {
	defer d.wg.Done()

	d.waiting.Add(1)
	err := d.sem.Acquire(d.ctx, 1)
	d.waiting.Add(-1)
	if err != nil {
		d.failed.Add(1)
		deliver(Result{
			SessionID:  job.SessionID,
			Seq:        job.Frame.Seq,
			Generation: job.Generation,
			TraceID:    job.Frame.TraceID,
			Err:        types.NewError(types.KindInferenceFailure, "acquire", ErrStopped),
		})
		return
	}

	d.running.Add(1)
	started := d.now()

	callCtx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	res := safeRun(callCtx, job)
	deadlineHit := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	res.Started = started
	res.Finished = d.now()

	d.running.Add(-1)
	d.sem.Release(1)

	// A backend that ignored the deadline and answered late still failed it
	if deadlineHit && res.Err == nil {
		res.Face, res.Mesh = nil, nil
		res.Err = inferenceError("deadline", context.DeadlineExceeded)
	}

	elapsed := res.Finished.Sub(started)
	d.totalMS.Add(uint64(elapsed.Milliseconds()))

	switch {
	case res.Err == nil:
		d.completed.Add(1)
	case errors.Is(res.Err, ErrTimeout):
		d.timeouts.Add(1)
		d.failed.Add(1)
		slog.Warn("dispatch: inference timed out",
			"session_id", job.SessionID,
			"seq", job.Frame.Seq,
			"trace_id", job.Frame.TraceID,
			"timeout", d.cfg.Timeout,
			"elapsed", elapsed,
		)
	default:
		d.failed.Add(1)
		slog.Debug("dispatch: job failed",
			"session_id", job.SessionID,
			"seq", job.Frame.Seq,
			"trace_id", job.Frame.TraceID,
			"error", res.Err,
		)
	}

	deliver(res)
}

// Stop cancels pending and running calls and waits for them (bounded by
// StopTimeout). Idempotent.
func (d *Dispatcher) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopping = true
		d.mu.Unlock()
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			slog.Info("dispatch: stopped",
				"completed", d.completed.Load(),
				"failed", d.failed.Load(),
			)
		case <-time.After(d.cfg.StopTimeout):
			err = fmt.Errorf("dispatch: stop timeout after %v (%d calls still running)",
				d.cfg.StopTimeout, d.running.Load())
			slog.Warn("dispatch: stop timeout", "running", d.running.Load())
		}
	})
	return err
}

// Stats is a dispatcher snapshot
type Stats struct {
	PoolSize     int     `json:"pool_size"`
	Running      int64   `json:"running"`
	Waiting      int64   `json:"waiting"`
	Submitted    uint64  `json:"submitted"`
	Completed    uint64  `json:"completed"`
	Failed       uint64  `json:"failed"`
	Timeouts     uint64  `json:"timeouts"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Stats returns a snapshot of pool counters (atomic reads, may be slightly stale)
func (d *Dispatcher) Stats() Stats {
	completed := d.completed.Load()
	failed := d.failed.Load()
	var avg float64
	if n := completed + failed; n > 0 {
		avg = float64(d.totalMS.Load()) / float64(n)
	}
	return Stats{
		PoolSize:     d.cfg.PoolSize,
		Running:      d.running.Load(),
		Waiting:      d.waiting.Load(),
		Submitted:    d.submitted.Load(),
		Completed:    completed,
		Failed:       failed,
		Timeouts:     d.timeouts.Load(),
		AvgLatencyMS: avg,
	}
}
