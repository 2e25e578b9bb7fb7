package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/health"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/session"
)

// fakeToken is an already-completed token
type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
}

// fakeClient records publishes; unimplemented methods panic via the nil embed
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	connectErr error
	publishErr error
	messages   chan message
	connected  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{messages: make(chan message, 16)}
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = c.connectErr == nil
	return newToken(c.connectErr)
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if c.publishErr != nil {
		return newToken(c.publishErr)
	}
	c.messages <- message{topic: topic, payload: payload.([]byte)}
	return newToken(nil)
}

type staticHealth health.Report

func (s staticHealth) Check(context.Context) health.Report { return health.Report(s) }

func newTestEmitter(t *testing.T, client *fakeClient, src HealthSource, interval time.Duration) *MQTTEmitter {
	t.Helper()
	e := NewMQTTEmitter(Config{
		Broker:         "tcp://broker:1883",
		ClientID:       "facemeshd-test",
		TopicPrefix:    "facemesh/test",
		HealthInterval: interval,
	}, src)
	e.newClient = func(*mqtt.ClientOptions) mqtt.Client { return client }
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return e
}

func receive(t *testing.T, c *fakeClient) message {
	t.Helper()
	select {
	case m := <-c.messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("nothing published")
		return message{}
	}
}

// TestEmitter_SessionLifecycle documents session telemetry.
//
// Contract: observer callbacks never touch the broker; Run publishes the
// queued events in order to <prefix>/sessions/<event>.
func TestEmitter_SessionLifecycle(t *testing.T) {
	client := newFakeClient()
	e := newTestEmitter(t, client, nil, time.Hour)

	info := session.Info{ID: "s-1", Backend: "synthetic", FramesProcessed: 12}
	e.SessionStarted(info)
	e.SessionEnded(info)
	if len(client.messages) != 0 {
		t.Fatal("observer published synchronously")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- e.Run(ctx) }()

	for _, want := range []string{EventSessionStarted, EventSessionEnded} {
		m := receive(t, client)
		if m.topic != "facemesh/test/sessions/"+want {
			t.Errorf("topic = %s", m.topic)
		}
		var ev SessionEvent
		if err := json.Unmarshal(m.payload, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Event != want || ev.Session.ID != "s-1" || ev.Session.FramesProcessed != 12 {
			t.Errorf("event = %+v", ev)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	stats := e.Stats()
	if !stats.Connected || stats.Published["facemesh/test/sessions/session_started"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	t.Logf("✅ lifecycle published: %v", stats.Published)
}

func TestEmitter_PeriodicHealth(t *testing.T) {
	client := newFakeClient()
	src := staticHealth{Status: health.StatusDegraded, Sessions: 3}
	e := newTestEmitter(t, client, src, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	m := receive(t, client)
	if m.topic != "facemesh/test/health" {
		t.Fatalf("topic = %s", m.topic)
	}
	var report health.Report
	if err := json.Unmarshal(m.payload, &report); err != nil {
		t.Fatal(err)
	}
	if report.Status != health.StatusDegraded || report.Sessions != 3 {
		t.Errorf("report = %+v", report)
	}
}

func TestEmitter_Failures(t *testing.T) {
	t.Run("connect_error", func(t *testing.T) {
		client := newFakeClient()
		client.connectErr = errors.New("refused")
		e := NewMQTTEmitter(Config{Broker: "tcp://broker:1883"}, nil)
		e.newClient = func(*mqtt.ClientOptions) mqtt.Client { return client }
		if err := e.Connect(context.Background()); err == nil {
			t.Error("Connect() succeeded against a refusing broker")
		}
	})

	t.Run("not_connected", func(t *testing.T) {
		e := NewMQTTEmitter(Config{}, nil)
		if err := e.PublishEvent(SessionEvent{Event: EventSessionEnded}); err == nil {
			t.Error("publish without connection succeeded")
		}
		if e.Stats().Errors != 1 {
			t.Errorf("errors = %d", e.Stats().Errors)
		}
	})

	t.Run("publish_error", func(t *testing.T) {
		client := newFakeClient()
		e := newTestEmitter(t, client, nil, time.Hour)
		client.publishErr = errors.New("broker gone")
		if err := e.PublishHealth(health.Report{}); err == nil {
			t.Error("publish error swallowed")
		}
	})

	t.Run("queue_full", func(t *testing.T) {
		e := NewMQTTEmitter(Config{}, nil)
		for i := 0; i < cap(e.events)+5; i++ {
			e.SessionStarted(session.Info{ID: "s"})
		}
		if e.Stats().Dropped != 5 {
			t.Errorf("dropped = %d, want 5", e.Stats().Dropped)
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		client := newFakeClient()
		e := newTestEmitter(t, client, nil, time.Hour)
		e.Disconnect()
		if client.IsConnected() || e.Stats().Connected {
			t.Error("still connected after Disconnect")
		}
	})
}
