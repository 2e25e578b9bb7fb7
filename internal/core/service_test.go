package core

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/journal"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/protocol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	return cfg
}

// TestService_Lifecycle documents the process lifecycle end to end.
//
// Scenario: start on an ephemeral port, open one WebSocket session, then
// cancel the run context and shut down.
// Contract: the session is greeted, shutdown ends it, and the journal keeps
// the finished row.
func TestService_Lifecycle(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := New(ctx, cfg, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	<-svc.Ready()
	base := "http://" + svc.Addr().String()

	resp, err := http.Get(base + "/readiness")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readiness = %d", resp.StatusCode)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+svc.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	msg, err := protocol.DecodeServer(data, false)
	if err != nil || msg.Type != protocol.TypeConnected {
		t.Fatalf("first message = %+v, %v", msg, err)
	}
	sessionID := msg.Connected.SessionID

	resp, err = http.Get(base + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var live []map[string]any
	json.NewDecoder(resp.Body).Decode(&live)
	resp.Body.Close()
	if len(live) != 1 {
		t.Errorf("live sessions = %d, want 1", len(live))
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if n := svc.Manager().Count(); n != 0 {
		t.Errorf("sessions after shutdown = %d", n)
	}

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	rec, err := j.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("journal Get() error = %v", err)
	}
	if rec.EndedAt.IsZero() || rec.Backend != config.BackendSynthetic {
		t.Errorf("journal record = %+v", rec)
	}
	t.Logf("✅ session %s served and journaled", sessionID)
}

func TestService_BackendStartFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.Backend = config.BackendSubprocess
	cfg.Model.WorkerCmd = filepath.Join(t.TempDir(), "missing-worker")

	_, err := New(context.Background(), cfg, Options{})
	if err == nil {
		t.Fatal("New() succeeded with a missing worker binary")
	}
	if !strings.Contains(err.Error(), "worker") {
		t.Errorf("error = %v", err)
	}
}

func TestService_ServeTwice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Path = ""
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := New(ctx, cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Shutdown(context.Background())

	ln1, _ := net.Listen("tcp", "127.0.0.1:0")
	go svc.Serve(ctx, ln1)
	<-svc.Ready()

	ln2, _ := net.Listen("tcp", "127.0.0.1:0")
	if err := svc.Serve(ctx, ln2); err == nil {
		t.Error("second Serve() succeeded")
	}
}
