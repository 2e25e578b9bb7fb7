package session

import (
	"log/slog"
	"math"
	"net/url"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// Observer is notified when sessions start and end (journal, telemetry).
// Calls happen synchronously on the connection goroutine and must be quick.
type Observer interface {
	SessionStarted(info Info)
	SessionEnded(info Info)
}

// Manager creates and tracks the live sessions of the server
type Manager struct {
	base      config.Pipeline
	registry  *backend.Registry
	dispatch  Submitter
	resources metrics.ResourceSource

	mu        sync.RWMutex
	sessions  map[string]*Session
	observers []Observer

	// newID generates session ids (uuid v4)
	newID func() string
}

// NewManager creates a Manager. base is the default snapshot every session
// starts from before its query-string overrides.
func NewManager(base config.Pipeline, registry *backend.Registry, dispatcher Submitter, resources metrics.ResourceSource) *Manager {
	return &Manager{
		base:      base,
		registry:  registry,
		dispatch:  dispatcher,
		resources: resources,
		sessions:  make(map[string]*Session),
		newID:     func() string { return uuid.NewString() },
	}
}

// AddObserver registers o for session lifecycle events
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Base returns the default pipeline snapshot
func (m *Manager) Base() config.Pipeline { return m.base }

// Open creates a session for a new connection. Invalid overrides and unknown
// backends are ConfigErrors; the caller reports them and closes the connection.
func (m *Manager) Open(query url.Values, emit Emitter) (*Session, error) {
	cfg, err := m.base.ApplyOverrides(query)
	if err != nil {
		return nil, err
	}
	b, err := m.registry.Get(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if cfg.Backend == "" {
		cfg.Backend = b.Name()
	}

	s, err := New(m.newID(), cfg, Deps{
		Dispatcher: m.dispatch,
		Backend:    b,
		Resources:  m.resources,
	}, emit)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	observers := append([]Observer(nil), m.observers...)
	count := len(m.sessions)
	m.mu.Unlock()

	slog.Info("session opened",
		"session_id", s.ID(),
		"backend", b.Name(),
		"frame_skip", cfg.FrameSkip,
		"enable_tracking", cfg.EnableTracking,
		"active_sessions", count,
	)

	info := s.Info()
	for _, o := range observers {
		o.SessionStarted(info)
	}
	return s, nil
}

// Close ends the session id and notifies observers. Unknown ids are ignored.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	observers := append([]Observer(nil), m.observers...)
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}

	info := s.Close()
	slog.Info("session closed",
		"session_id", id,
		"frames_processed", info.FramesProcessed,
		"meshes", info.Meshes,
		"dropped", info.Metrics.DroppedFrames,
		"active_sessions", count,
	)
	for _, o := range observers {
		o.SessionEnded(info)
	}
}

// Get returns a live session
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns info for every live session, ordered by start time
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// CloseAll ends every live session (shutdown)
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// Aggregate sums the metrics counters of the live sessions
func (m *Manager) Aggregate() types.MetricsSnapshot {
	var (
		total  types.MetricsSnapshot
		active int
	)
	for _, info := range m.List() {
		total.FrameCount += info.Metrics.FrameCount
		total.DroppedFrames += info.Metrics.DroppedFrames
		total.SkippedFrames += info.Metrics.SkippedFrames
		total.FPS += info.Metrics.FPS
		if info.Metrics.FrameCount == 0 {
			continue
		}
		active++
		total.AvgLatencyMS += info.Metrics.AvgLatencyMS
		if info.Metrics.MaxLatencyMS > total.MaxLatencyMS {
			total.MaxLatencyMS = info.Metrics.MaxLatencyMS
		}
		if info.Metrics.MinLatencyMS > 0 && (total.MinLatencyMS == 0 || info.Metrics.MinLatencyMS < total.MinLatencyMS) {
			total.MinLatencyMS = info.Metrics.MinLatencyMS
		}
	}
	if active > 0 {
		total.AvgLatencyMS = math.Round(total.AvgLatencyMS/float64(active)*10) / 10
	}
	if m.resources != nil {
		usage := m.resources.Latest()
		total.CPUPercent = usage.CPUPercent
		total.MemPercent = usage.MemPercent
	}
	return total
}
