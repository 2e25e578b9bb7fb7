package subprocess

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend/synthetic"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/imaging"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

const helperEnv = "FACEMESH_SUBPROCESS_HELPER"

// TestMain lets the test binary double as a worker process
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := Serve(context.Background(), os.Stdin, os.Stdout, synthetic.New()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// pipeWorker wires a Worker to an in-process Serve loop over io.Pipe
func pipeWorker(t *testing.T, b backend.Backend) (*Worker, func()) {
	t.Helper()

	hostR, workerW := io.Pipe()
	workerR, hostW := io.Pipe()

	served := make(chan error, 1)
	go func() {
		err := Serve(context.Background(), workerR, workerW, b)
		_ = workerW.Close()
		served <- err
	}()

	w, err := New(Config{Command: "in-process", WriteTimeout: time.Second})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	w.conn = newConn(hostR, hostW, time.Second)
	w.isActive.Store(true)

	shutdown := func() {
		_ = w.conn.Close()
		select {
		case err := <-served:
			if err != nil {
				t.Errorf("Serve() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Serve did not exit after stdin closed")
		}
	}
	return w, shutdown
}

func TestWire_LengthPrefixFraming(t *testing.T) {
	var buf bytes.Buffer
	if err := writeMessage(&buf, request{ID: 9, Op: OpHealth}); err != nil {
		t.Fatalf("writeMessage() error = %v", err)
	}
	if err := writeMessage(&buf, request{ID: 10, Op: OpDetect, Image: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("writeMessage() error = %v", err)
	}

	n := binary.BigEndian.Uint32(buf.Bytes()[:4])
	if int(n) >= buf.Len() {
		t.Fatalf("length prefix %d not smaller than stream %d", n, buf.Len())
	}

	var a, b request
	if err := readMessage(&buf, &a); err != nil {
		t.Fatal(err)
	}
	if err := readMessage(&buf, &b); err != nil {
		t.Fatal(err)
	}
	if a.ID != 9 || b.ID != 10 || !bytes.Equal(b.Image, []byte{1, 2, 3}) {
		t.Errorf("decoded %+v, %+v", a, b)
	}
	if err := readMessage(&buf, &a); !errors.Is(err, io.EOF) {
		t.Errorf("read past end error = %v, want io.EOF", err)
	}
}

func TestWire_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(maxFrameSize+1))
	var req request
	if err := readMessage(&buf, &req); err == nil {
		t.Error("oversized message accepted")
	}
}

// TestWorker_RoundTrip: the worker answers exactly what the backend would in-process.
func TestWorker_RoundTrip(t *testing.T) {
	ref := synthetic.New()
	w, shutdown := pipeWorker(t, synthetic.New())
	defer shutdown()

	ctx := context.Background()
	frame := synthetic.FaceImage(320, 240, image.Rect(60, 40, 140, 150))

	got, err := w.Detect(ctx, frame)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	want, _ := ref.Detect(ctx, frame)
	if got == nil || *got != *want {
		t.Errorf("Detect() = %+v, want %+v", got, want)
	}

	crop := synthetic.FaceImage(64, 64, image.Rect(0, 0, 64, 64))
	mesh, err := w.Reconstruct(ctx, crop)
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	wantMesh, _ := ref.Reconstruct(ctx, crop)
	if len(mesh.Vertices) != len(wantMesh.Vertices) || len(mesh.Faces) != len(wantMesh.Faces) {
		t.Errorf("mesh sizes %d/%d, want %d/%d",
			len(mesh.Vertices), len(mesh.Faces), len(wantMesh.Vertices), len(wantMesh.Faces))
	}
	if mesh.Convention != types.ModelNative {
		t.Errorf("convention = %v", mesh.Convention)
	}

	if h := w.Health(ctx); !h.Model || !h.Detector {
		t.Errorf("Health() = %+v", h)
	}

	none, err := w.Detect(ctx, synthetic.FaceImage(32, 32, image.Rectangle{}))
	if err != nil || none != nil {
		t.Errorf("Detect(empty) = %+v, %v; want nil, nil", none, err)
	}

	if s := w.Stats(); s.Calls != 4 || s.Failures != 0 {
		t.Errorf("stats = %+v", s)
	}
	t.Logf("✅ round trip detect=%+v vertices=%d", *got, len(mesh.Vertices))
}

// TestWorker_DeadlineAbandonsCall: a late answer is dropped, the connection survives.
func TestWorker_DeadlineAbandonsCall(t *testing.T) {
	w, shutdown := pipeWorker(t, synthetic.NewWithOptions(synthetic.Options{Delay: 200 * time.Millisecond}))
	defer shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Detect(ctx, synthetic.FaceImage(16, 16, image.Rect(2, 2, 10, 10)))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Detect() error = %v, want deadline exceeded", err)
	}

	if h := w.Health(context.Background()); !h.Model {
		t.Errorf("connection unusable after abandoned call: %+v", h)
	}
}

// TestWorkerError_KeepsDeadline documents how a worker failure that crossed
// the pipe as a string maps back onto context errors.
//
// Contract: once the caller's deadline passed, or the worker tagged the error
// as a deadline, errors.Is(err, context.DeadlineExceeded) holds. Other
// failures stay plain.
func TestWorkerError_KeepsDeadline(t *testing.T) {
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	cases := []struct {
		name     string
		ctx      context.Context
		resp     response
		deadline bool
	}{
		{"host_deadline_passed", expired, response{Error: "context deadline exceeded"}, true},
		{"worker_tagged_deadline", context.Background(), response{Error: "model budget spent", Code: codeDeadline}, true},
		{"plain_failure", context.Background(), response{Error: "cuda oom"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := workerError(tc.ctx, tc.resp)
			if got := errors.Is(err, context.DeadlineExceeded); got != tc.deadline {
				t.Errorf("errors.Is(%v, DeadlineExceeded) = %v, want %v", err, got, tc.deadline)
			}
		})
	}
}

// TestServe_TagsDeadlineErrors documents the worker side: a backend that runs
// past the request's deadline answers with the deadline code.
func TestServe_TagsDeadlineErrors(t *testing.T) {
	slow := synthetic.NewWithOptions(synthetic.Options{Delay: 200 * time.Millisecond})
	frame, err := imaging.EncodePNG(synthetic.FaceImage(16, 16, image.Rect(2, 2, 10, 10)))
	if err != nil {
		t.Fatal(err)
	}

	resp := handle(context.Background(), slow, request{ID: 7, Op: OpDetect, Image: frame, DeadlineMS: 5})
	if resp.Error == "" || resp.Code != codeDeadline {
		t.Fatalf("response = %+v, want deadline-coded error", resp)
	}
	t.Logf("✅ worker deadline tagged: %s", resp.Error)

	resp = handle(context.Background(), synthetic.New(), request{ID: 8, Op: "segment"})
	if resp.Error == "" || resp.Code != "" {
		t.Errorf("unknown op response = %+v", resp)
	}
}

func TestWorker_BackendErrorSurfaces(t *testing.T) {
	b := synthetic.New()
	_ = b.Close()
	w, shutdown := pipeWorker(t, b)
	defer shutdown()

	_, err := w.Detect(context.Background(), synthetic.FaceImage(8, 8, image.Rectangle{}))
	if err == nil {
		t.Fatal("Detect() on closed backend succeeded")
	}
	if h := w.Health(context.Background()); h.Model {
		t.Errorf("Health() = %+v, want down", h)
	}
}

func TestWorker_ConnectionLossFailsCalls(t *testing.T) {
	hostR, workerW := io.Pipe()
	_, hostW := io.Pipe()

	w, _ := New(Config{Command: "in-process"})
	w.conn = newConn(hostR, hostW, 100*time.Millisecond)
	w.isActive.Store(true)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = workerW.Close() // worker died: stdout EOF
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := w.conn.call(ctx, request{Op: OpHealth})
	if !errors.Is(err, ErrConnClosed) {
		t.Fatalf("call error = %v, want ErrConnClosed", err)
	}
	if h := w.Health(context.Background()); h.Model {
		t.Error("Health() up on a dead connection")
	}
}

func TestWorker_NotStarted(t *testing.T) {
	w, err := New(Config{Command: "true"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Detect(context.Background(), synthetic.FaceImage(4, 4, image.Rectangle{})); err == nil {
		t.Error("Detect on unstarted worker succeeded")
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() on unstarted worker error = %v", err)
	}
	if _, err := New(Config{}); err == nil {
		t.Error("New() without command succeeded")
	}
}

func TestBackoff(t *testing.T) {
	cfg := RestartConfig{MaxRetries: 5, RetryDelay: 500 * time.Millisecond, MaxRetryDelay: 3 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 3 * time.Second},
		{40, 3 * time.Second},
	}
	for _, tc := range cases {
		if got := backoff(tc.attempt, cfg); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestRunWithRestart(t *testing.T) {
	cfg := RestartConfig{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond}

	t.Run("succeeds_after_failures", func(t *testing.T) {
		var total atomic.Uint32
		state := &restartState{restarts: &total}
		attempts := 0
		err := runWithRestart(context.Background(), func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("spawn failed")
			}
			return nil
		}, cfg, state)
		if err != nil {
			t.Fatalf("runWithRestart() error = %v", err)
		}
		if state.currentRetries != 0 || total.Load() != 3 {
			t.Errorf("state retries=%d total=%d", state.currentRetries, total.Load())
		}
	})

	t.Run("gives_up", func(t *testing.T) {
		var total atomic.Uint32
		state := &restartState{restarts: &total}
		err := runWithRestart(context.Background(), func(context.Context) error {
			return errors.New("binary missing")
		}, cfg, state)
		if err == nil {
			t.Fatal("runWithRestart() never gave up")
		}
	})

	t.Run("context_cancelled", func(t *testing.T) {
		var total atomic.Uint32
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := runWithRestart(ctx, func(context.Context) error { return errors.New("x") },
			RestartConfig{MaxRetries: 3, RetryDelay: time.Hour, MaxRetryDelay: time.Hour},
			&restartState{restarts: &total})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})
}

// TestWorker_ProcessLifecycle runs the test binary as a real worker process.
//
// Scenario: spawn, detect, kill the process, wait for the supervisor to respawn,
// detect again, close.
func TestWorker_ProcessLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	w, err := New(Config{
		Name:    "helper",
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     []string{helperEnv + "=1"},
		Restart: RestartConfig{MaxRetries: 3, RetryDelay: 10 * time.Millisecond, MaxRetryDelay: 50 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	frame := synthetic.FaceImage(160, 120, image.Rect(40, 30, 100, 100))
	if box, err := w.Detect(ctx, frame); err != nil || box == nil {
		t.Fatalf("Detect() = %v, %v", box, err)
	}

	firstPID := w.Stats().PID
	w.mu.RLock()
	_ = w.cmd.Process.Kill()
	w.mu.RUnlock()

	deadline := time.Now().Add(5 * time.Second)
	for {
		s := w.Stats()
		if s.PID != firstPID && s.Restarts >= 1 && w.Health(ctx).Model {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker not restarted: %+v", s)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if box, err := w.Detect(ctx, frame); err != nil || box == nil {
		t.Fatalf("Detect() after restart = %v, %v", box, err)
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if w.Health(ctx).Model {
		t.Error("Health() up after Close")
	}
	t.Logf("✅ worker restarted (pid %d → %d)", firstPID, w.Stats().PID)
}
