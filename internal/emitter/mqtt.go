// Package emitter publishes session lifecycle and service health telemetry to MQTT.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/health"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/session"
)

// Event names
const (
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
)

// Config holds emitter settings
type Config struct {
	Broker         string // tcp://host:port
	ClientID       string
	TopicPrefix    string
	QoS            byte
	HealthInterval time.Duration
}

// ConfigFrom derives emitter settings from the service configuration
func ConfigFrom(c *config.Config) Config {
	return Config{
		Broker:         c.Telemetry.MQTTBroker,
		ClientID:       c.Telemetry.ClientID,
		TopicPrefix:    c.Telemetry.TopicPrefix,
		QoS:            c.Telemetry.QoS,
		HealthInterval: c.HealthInterval(),
	}
}

// HealthSource supplies health reports
type HealthSource interface {
	Check(ctx context.Context) health.Report
}

// SessionEvent is the payload of lifecycle messages
type SessionEvent struct {
	Event     string       `json:"event"`
	Session   session.Info `json:"session"`
	Timestamp time.Time    `json:"timestamp"`
}

// MQTTEmitter publishes telemetry to an MQTT broker.
//
// Session events are queued by the observer callbacks (which run on
// connection goroutines and must not wait on the broker) and published by
// Run together with the periodic health report.
type MQTTEmitter struct {
	cfg    Config
	health HealthSource
	Client mqtt.Client // Exported for status reporting

	events chan SessionEvent

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	dropped   uint64
	connected bool

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

var _ session.Observer = (*MQTTEmitter)(nil)

// NewMQTTEmitter creates an emitter. health may be nil (no health reports).
func NewMQTTEmitter(cfg Config, health HealthSource) *MQTTEmitter {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	return &MQTTEmitter{
		cfg:       cfg,
		health:    health,
		events:    make(chan SessionEvent, 64),
		published: make(map[string]uint64),
		newClient: mqtt.NewClient,
	}
}

// Connect establishes connection to the MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.Client = e.newClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return fmt.Errorf("emitter: mqtt connect: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// SessionStarted implements session.Observer
func (e *MQTTEmitter) SessionStarted(info session.Info) {
	e.enqueue(SessionEvent{Event: EventSessionStarted, Session: info, Timestamp: time.Now()})
}

// SessionEnded implements session.Observer
func (e *MQTTEmitter) SessionEnded(info session.Info) {
	e.enqueue(SessionEvent{Event: EventSessionEnded, Session: info, Timestamp: time.Now()})
}

func (e *MQTTEmitter) enqueue(ev SessionEvent) {
	select {
	case e.events <- ev:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		slog.Warn("emitter: event queue full, dropping", "event", ev.Event, "session_id", ev.Session.ID)
	}
}

// Run publishes queued session events and a health report every
// HealthInterval until ctx is cancelled.
func (e *MQTTEmitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Flush()
			return nil

		case ev := <-e.events:
			if err := e.PublishEvent(ev); err != nil {
				slog.Warn("emitter: session event not published", "event", ev.Event, "error", err)
			}

		case <-ticker.C:
			if e.health == nil {
				continue
			}
			report := e.health.Check(ctx)
			if err := e.PublishHealth(report); err != nil {
				slog.Debug("emitter: health not published", "error", err)
			}
		}
	}
}

// Flush publishes events still queued (session_ended of the sessions closed
// during shutdown). Stops at the first publish error.
func (e *MQTTEmitter) Flush() {
	for {
		select {
		case ev := <-e.events:
			if err := e.PublishEvent(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

// PublishEvent publishes one lifecycle event to <prefix>/sessions/<event>
func (e *MQTTEmitter) PublishEvent(ev SessionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to marshal event: %w", err)
	}
	return e.publish(e.cfg.TopicPrefix+"/sessions/"+ev.Event, payload)
}

// PublishHealth publishes a health report to <prefix>/health
func (e *MQTTEmitter) PublishHealth(report health.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to marshal health: %w", err)
	}
	return e.publish(e.cfg.TopicPrefix+"/health", payload)
}

func (e *MQTTEmitter) publish(topic string, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("emitter: mqtt not connected")
	}

	token := e.Client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("telemetry published", "topic", topic, "qos", e.cfg.QoS, "size", len(payload))
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
	Dropped   uint64
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
