package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/core"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/journal"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/session"
)

// startService runs a synthetic-backend service on an ephemeral port
func startService(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	if mutate != nil {
		mutate(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc, err := core.New(ctx, cfg, core.Options{})
	if err != nil {
		cancel()
		t.Fatalf("core.New() error = %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	<-svc.Ready()

	t.Cleanup(func() {
		cancel()
		<-done
		svc.Shutdown(context.Background())
	})
	return svc.Addr().String()
}

// TestReplay_AgainstServer documents the client loop end to end.
//
// Scenario: 12 synthetic frames at 100 fps, half text and half binary runs,
// with a recalibrate in the middle.
// Contract: every frame is sent, meshes come back and pass the render gate,
// and the server reports metrics for the session.
func TestReplay_AgainstServer(t *testing.T) {
	addr := startService(t, nil)

	for _, binary := range []bool{false, true} {
		summary, err := runReplay(context.Background(), replayOptions{
			Server:        "ws://" + addr + "/ws",
			Frames:        12,
			FPS:           100,
			Binary:        binary,
			Params:        []string{"frame_skip=1"},
			RecalibrateAt: 6,
			Settle:        200 * time.Millisecond,
			Wait:          3 * time.Second,
		})
		if err != nil {
			t.Fatalf("runReplay(binary=%v) error = %v", binary, err)
		}
		if summary.Sent != 12 {
			t.Errorf("sent = %d", summary.Sent)
		}
		if summary.Applied == 0 {
			t.Errorf("no mesh applied: %+v", summary)
		}
		if summary.Metrics == nil || summary.Metrics.FrameCount == 0 {
			t.Errorf("metrics = %+v", summary.Metrics)
		}
		if summary.Errors != 0 {
			t.Errorf("server errors = %d (%s)", summary.Errors, summary.LastError)
		}
		if !strings.Contains(renderReplay(summary), "meshes applied") {
			t.Error("summary not rendered")
		}
		t.Logf("✅ binary=%v: sent %d, applied %d, stale %d", binary, summary.Sent, summary.Applied, summary.Stale)
	}
}

func TestReplay_RejectedOverride(t *testing.T) {
	addr := startService(t, nil)

	_, err := runReplay(context.Background(), replayOptions{
		Server: "ws://" + addr + "/ws",
		Frames: 1,
		Params: []string{"frame_skip=0"},
		Wait:   2 * time.Second,
	})
	if err == nil {
		t.Fatal("replay with an invalid override succeeded")
	}
}

func TestReplayURL(t *testing.T) {
	got, err := replayURL("ws://host:5000/ws?token=abc", []string{"frame_skip=3", "backend=synthetic"})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(got)
	q := u.Query()
	if q.Get("token") != "abc" || q.Get("frame_skip") != "3" || q.Get("backend") != "synthetic" {
		t.Errorf("url = %s", got)
	}

	if _, err := replayURL("ws://host/ws", []string{"frame_skip"}); err == nil {
		t.Error("param without '=' accepted")
	}
}

func TestLoadFrames(t *testing.T) {
	t.Run("synthetic", func(t *testing.T) {
		src, n, err := loadFrames(replayOptions{})
		if err != nil || n != 60 {
			t.Fatalf("loadFrames() = %d, %v", n, err)
		}
		data, err := src(7)
		if err != nil || !bytes.HasPrefix(data, []byte("\x89PNG")) {
			t.Errorf("frame 7 is not a PNG (%v)", err)
		}
	})

	t.Run("glob", func(t *testing.T) {
		dir := t.TempDir()
		for _, name := range []string{"b.png", "a.png"} {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		src, n, err := loadFrames(replayOptions{Images: filepath.Join(dir, "*.png"), Frames: 3})
		if err != nil || n != 3 {
			t.Fatalf("loadFrames() = %d, %v", n, err)
		}
		for i, want := range []string{"a.png", "b.png", "a.png"} {
			if data, _ := src(i); string(data) != want {
				t.Errorf("frame %d = %q, want %q", i, data, want)
			}
		}
	})

	t.Run("no_match", func(t *testing.T) {
		if _, _, err := loadFrames(replayOptions{Images: filepath.Join(t.TempDir(), "*.jpg")}); err == nil {
			t.Error("empty glob accepted")
		}
	})
}

func TestStatusCommand(t *testing.T) {
	addr := startService(t, nil)

	report, metrics, err := fetchStatus(context.Background(), http.DefaultClient, "http://"+addr+"/")
	if err != nil {
		t.Fatalf("fetchStatus() error = %v", err)
	}
	if !report.Ready() || report.Backend != config.BackendSynthetic {
		t.Errorf("report = %+v", report)
	}
	if metrics.FrameCount != 0 {
		t.Errorf("metrics on idle server = %+v", metrics)
	}

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--server", "http://" + addr})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out.String(), "healthy") {
		t.Errorf("output = %q", out.String())
	}
}

func TestSessionsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	j.SessionEnded(session.Info{ID: "0123456789ab", Backend: "synthetic", StartedAt: now.Add(-time.Minute), EndedAt: now, Meshes: 42})
	j.SessionStarted(session.Info{ID: "live-one", Backend: "plugin", StartedAt: now})
	j.Close()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sessions", "--journal", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("sessions error = %v", err)
	}
	for _, want := range []string{"01234567", "live", "42", "2 sessions (1 live)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "facemeshd ") {
		t.Errorf("output = %q", out.String())
	}
}

func TestLoadConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := loadConfig(missing, false); err != nil {
		t.Errorf("default path missing should fall back, got %v", err)
	}
	if _, err := loadConfig(missing, true); err == nil {
		t.Error("explicit missing path accepted")
	}
}
