package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/imaging"
)

// Serve is the worker side of the protocol: it reads requests from r, runs
// them against b concurrently and writes responses to w. It returns nil when
// r reaches EOF (host closed stdin) after in-flight requests have answered.
func Serve(ctx context.Context, r io.Reader, w io.Writer, b backend.Backend) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	reply := func(resp response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := writeMessage(w, resp); err != nil {
			slog.Error("subprocess: failed to write response", "id", resp.ID, "error", err)
		}
	}

	defer wg.Wait()
	for {
		var req request
		if err := readMessage(r, &req); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Debug("subprocess: host closed stdin, exiting")
				return nil
			}
			return fmt.Errorf("subprocess: read request: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			reply(handle(ctx, b, req))
		}()
	}
}

func handle(ctx context.Context, b backend.Backend, req request) response {
	resp := response{ID: req.ID}

	if req.DeadlineMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMS)*time.Millisecond)
		defer cancel()
	}

	switch req.Op {
	case OpHealth:
		h := b.Health(ctx)
		resp.Health = &h
		return resp

	case OpDetect, OpReconstruct:
		img, err := imaging.Decode(req.Image)
		if err != nil {
			return failed(resp, err)
		}
		if req.Op == OpDetect {
			box, err := b.Detect(ctx, img)
			if err != nil {
				return failed(resp, err)
			}
			resp.Box = box
			return resp
		}
		raw, err := b.Reconstruct(ctx, img)
		if err != nil {
			return failed(resp, err)
		}
		resp.Mesh = toWireMesh(raw)
		return resp

	default:
		resp.Error = fmt.Sprintf("unknown op %q", req.Op)
		return resp
	}
}

func failed(resp response, err error) response {
	resp.Error = err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		resp.Code = codeDeadline
	}
	return resp
}
