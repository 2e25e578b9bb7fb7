package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrConnClosed is returned for calls on a connection whose worker went away
var ErrConnClosed = errors.New("subprocess: worker connection closed")

// conn multiplexes request/response pairs over one worker's stdin/stdout.
type conn struct {
	w            io.WriteCloser
	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu      sync.Mutex
	pending map[uint64]chan response
	nextID  uint64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newConn(r io.Reader, w io.WriteCloser, writeTimeout time.Duration) *conn {
	c := &conn{
		w:            w,
		writeTimeout: writeTimeout,
		pending:      make(map[uint64]chan response),
		done:         make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// call sends req and waits for the matching response, ctx or connection loss
func (c *conn) call(ctx context.Context, req request) (response, error) {
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return response{}, c.closeErr()
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer c.forget(req.ID)

	if deadline, ok := ctx.Deadline(); ok {
		req.DeadlineMS = max(1, time.Until(deadline).Milliseconds())
	}

	if err := c.write(ctx, req); err != nil {
		return response{}, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, workerError(ctx, resp)
		}
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-c.done:
		return response{}, c.closeErr()
	}
}

// workerError keeps deadline and cancellation visible to errors.Is after the
// error crossed the pipe as a string
func workerError(ctx context.Context, resp response) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("subprocess: worker: %s: %w", resp.Error, err)
	}
	if resp.Code == codeDeadline {
		return fmt.Errorf("subprocess: worker: %s: %w", resp.Error, context.DeadlineExceeded)
	}
	return fmt.Errorf("subprocess: worker: %s", resp.Error)
}

// write sends one message with the configured timeout.
// A timed-out write means the worker is hung; the connection is failed so the
// supervisor can replace the process.
func (c *conn) write(ctx context.Context, req request) error {
	writeErr := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		writeErr <- writeMessage(c.w, req)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			c.fail(err)
			return err
		}
		return nil
	case <-time.After(c.writeTimeout):
		err := fmt.Errorf("subprocess: stdin write timeout after %v (worker may be hung)", c.writeTimeout)
		c.fail(err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closeErr()
	}
}

func (c *conn) readLoop(r io.Reader) {
	for {
		var resp response
		if err := readMessage(r, &resp); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Debug("subprocess: worker stdout closed (EOF)")
				c.fail(ErrConnClosed)
			} else {
				c.fail(err)
			}
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if !ok {
			// Caller gave up (deadline); late answer
			slog.Debug("subprocess: dropping response for abandoned request", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

func (c *conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// fail closes the connection once, recording the first cause
func (c *conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.w.Close()
	})
}

// Close closes the worker's stdin (graceful shutdown signal)
func (c *conn) Close() error {
	c.fail(ErrConnClosed)
	return nil
}

func (c *conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil || errors.Is(c.err, ErrConnClosed) {
		return ErrConnClosed
	}
	return fmt.Errorf("%w: %w", ErrConnClosed, c.err)
}
