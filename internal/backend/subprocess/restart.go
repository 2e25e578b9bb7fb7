package subprocess

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RestartConfig controls how a crashed worker process is respawned
type RestartConfig struct {
	MaxRetries    int           // Consecutive failed spawns before giving up (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 500ms)
	MaxRetryDelay time.Duration // Retry delay cap (default: 15s)
}

// DefaultRestartConfig returns default restart settings
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		MaxRetries:    5,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 15 * time.Second,
	}
}

// restartState tracks consecutive spawn failures
type restartState struct {
	currentRetries int
	restarts       *atomic.Uint32 // total restart attempts (for stats)
}

type spawnFunc func(ctx context.Context) error

// runWithRestart calls spawn until it succeeds, waiting with exponential
// backoff between attempts.
//
// Backoff schedule with RetryDelay=500ms:
//   - Attempt 1: 500ms
//   - Attempt 2: 1s
//   - Attempt 3: 2s
//   - ...capped at MaxRetryDelay
//
// Returns an error once MaxRetries consecutive attempts failed or ctx is done.
func runWithRestart(ctx context.Context, spawn spawnFunc, cfg RestartConfig, state *restartState) error {
	for {
		state.currentRetries++
		state.restarts.Add(1)

		if state.currentRetries > cfg.MaxRetries {
			return fmt.Errorf("subprocess: max restarts exceeded (%d attempts)", cfg.MaxRetries)
		}

		delay := backoff(state.currentRetries, cfg)
		slog.Warn("subprocess: restarting worker",
			"attempt", state.currentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		err := spawn(ctx)
		if err == nil {
			state.currentRetries = 0
			slog.Info("subprocess: worker restarted")
			return nil
		}
		slog.Error("subprocess: spawn failed", "error", err)
	}
}

// backoff returns retryDelay * 2^(attempt-1), capped at MaxRetryDelay
func backoff(attempt int, cfg RestartConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := min(attempt-1, 30)
	delay := cfg.RetryDelay * time.Duration(1<<uint(shift))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
