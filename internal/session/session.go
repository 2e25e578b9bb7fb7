/*
Package session implements the per-connection controller of the face mesh
pipeline.

ARCHITECTURE:

	transport ──HandleFrame──▶ Session ──Submit──▶ dispatch pool ──▶ backend
	          ──Recalibrate──▶   │  ▲                    │
	                             │  └──── deliver ───────┘
	          ◀──Emit/EmitMesh───┘

A Session owns its tracker, metrics window and sequence bookkeeping. All of
them are touched under one mutex, so the control path is logically single
threaded even though results arrive from pool goroutines.

ADMISSION (per incoming frame, in order):
 1. Sequence: seq 0 is assigned lastReceived+1; seq <= lastReceived is a stale drop
 2. Busy: one inference already in flight → drop (newest frame loses)
 3. Skip: while Tracking only every frameSkip-th frame is processed
 4. Decode: an undecodable payload emits error and starts nothing

RESULT APPLICATION:
  - inFlight is cleared by every result, whatever its generation
  - results from an older generation (recalibrate, close) are discarded
  - results older than the last applied seq are discarded
  - failures force the tracker back to Detecting
*/
package session

import (
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/dispatch"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/mesh"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/protocol"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/tracker"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// Emitter delivers outbound messages to the client. Both methods must not block.
type Emitter interface {
	// Emit queues a control message (in order)
	Emit(env protocol.Envelope)
	// EmitMesh offers a mesh_update; an unsent older one is replaced
	EmitMesh(env protocol.Envelope)
}

// Submitter schedules inference jobs (implemented by *dispatch.Dispatcher)
type Submitter interface {
	Submit(job dispatch.Job, deliver func(dispatch.Result)) error
}

// Admission is the outcome of HandleFrame
type Admission int

const (
	// Accepted means an inference was started for the frame
	Accepted Admission = iota
	// DroppedBusy means an inference was already in flight
	DroppedBusy
	// DroppedStale means the seq was not newer than the last received
	DroppedStale
	// Skipped means the frame-skip policy passed over the frame
	Skipped
	// Rejected means the payload could not be decoded or scheduled
	Rejected
	// Closed means the session is gone
	Closed
)

func (a Admission) String() string {
	switch a {
	case Accepted:
		return "accepted"
	case DroppedBusy:
		return "dropped_busy"
	case DroppedStale:
		return "dropped_stale"
	case Skipped:
		return "skipped"
	case Rejected:
		return "rejected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Deps are the shared collaborators of every session
type Deps struct {
	Dispatcher Submitter
	Backend    backend.Backend
	Resources  metrics.ResourceSource
	// Now is the clock (defaults to time.Now)
	Now func() time.Time
}

// Session is the controller of one client connection
type Session struct {
	id         string
	cfg        config.Pipeline
	deps       Deps
	emit       Emitter
	normalizer mesh.Normalizer
	startedAt  time.Time

	mu              sync.Mutex
	tracker         *tracker.Tracker
	metrics         *metrics.Aggregator
	generation      uint64
	lastReceivedSeq uint64
	lastAppliedSeq  uint64
	inFlight        bool
	skipCounter     int
	frameSize       image.Point
	closed          bool

	received  uint64
	processed uint64
	meshes    uint64
	noFaces   uint64
	failures  uint64
}

// New creates a session (fail-fast on invalid configuration)
func New(id string, cfg config.Pipeline, deps Deps, emit Emitter) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, types.NewError(types.KindConfigError, "session.new", err)
	}
	if deps.Dispatcher == nil || deps.Backend == nil {
		return nil, fmt.Errorf("session: dispatcher and backend are required")
	}
	if emit == nil {
		return nil, fmt.Errorf("session: emitter is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	tr, err := tracker.New(cfg.Tracker)
	if err != nil {
		return nil, types.NewError(types.KindConfigError, "session.new", err)
	}
	norm, err := mesh.NewNormalizer(cfg.TargetSize)
	if err != nil {
		return nil, types.NewError(types.KindConfigError, "session.new", err)
	}

	return &Session{
		id:         id,
		cfg:        cfg,
		deps:       deps,
		emit:       emit,
		normalizer: norm,
		startedAt:  deps.Now(),
		tracker:    tr,
		metrics:    metrics.NewAggregator(cfg.WindowSize, deps.Resources),
	}, nil
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Pipeline returns the configuration snapshot the session runs with
func (s *Session) Pipeline() config.Pipeline { return s.cfg }

// HandleFrame runs admission for one client frame and, when admitted,
// schedules its inference. It never blocks on the model.
func (s *Session) HandleFrame(req *protocol.FrameRequest, receivedAt time.Time) Admission {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Closed
	}
	s.received++

	// 1. Sequence
	seq := req.Seq
	if seq == 0 {
		seq = s.lastReceivedSeq + 1
	} else if seq <= s.lastReceivedSeq {
		s.metrics.RecordDrop()
		slog.Debug("session: stale frame dropped",
			"session_id", s.id,
			"seq", seq,
			"last_received_seq", s.lastReceivedSeq,
		)
		return DroppedStale
	}
	s.lastReceivedSeq = seq

	// 2. Busy
	if s.inFlight {
		s.metrics.RecordDrop()
		return DroppedBusy
	}

	// 3. Skip
	if !s.cfg.EnableTracking {
		s.tracker.Reset()
	}
	if s.tracker.State() == tracker.Tracking && s.cfg.FrameSkip > 1 {
		s.skipCounter++
		if s.skipCounter < s.cfg.FrameSkip {
			s.metrics.RecordSkip()
			return Skipped
		}
		s.skipCounter = 0
	} else {
		s.skipCounter = 0
	}

	// 4. Decode
	payload, err := req.Payload()
	if err != nil {
		s.metrics.RecordDrop()
		s.emit.Emit(protocol.NewNotice(protocol.TypeError, protocol.MsgDecodeFailed))
		slog.Debug("session: frame payload rejected", "session_id", s.id, "seq", seq, "error", err)
		return Rejected
	}

	frame := types.Frame{
		Seq:        seq,
		Data:       payload,
		ReceivedAt: receivedAt,
		TraceID:    fmt.Sprintf("%s-%d", s.id, seq),
	}
	plan := s.tracker.Plan(s.frameSize.X, s.frameSize.Y)
	job := dispatch.Job{
		SessionID:  s.id,
		Generation: s.generation,
		Frame:      frame,
		Plan:       plan,
		Backend:    s.deps.Backend,
		InputSize:  s.cfg.InputResolution,
		Padding:    s.cfg.Padding,
		MaxPixels:  s.cfg.MaxFramePixels,
	}

	s.inFlight = true
	if err := s.deps.Dispatcher.Submit(job, func(res dispatch.Result) {
		s.handleResult(res, frame.ReceivedAt)
	}); err != nil {
		s.inFlight = false
		s.metrics.RecordDrop()
		s.emit.Emit(protocol.NewNotice(protocol.TypeError, protocol.MsgInferenceFail))
		slog.Warn("session: submit failed", "session_id", s.id, "seq", seq, "error", err)
		return Rejected
	}
	return Accepted
}

// handleResult applies a finished inference to the session
func (s *Session) handleResult(res dispatch.Result, receivedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight = false
	if s.closed {
		return
	}
	if res.Generation != s.generation {
		slog.Debug("session: discarding result from previous generation",
			"session_id", s.id,
			"seq", res.Seq,
			"generation", res.Generation,
			"current_generation", s.generation,
		)
		return
	}
	if res.Seq < s.lastAppliedSeq {
		slog.Debug("session: discarding stale result",
			"session_id", s.id,
			"seq", res.Seq,
			"last_applied_seq", s.lastAppliedSeq,
		)
		return
	}
	if res.FrameSize != (image.Point{}) {
		s.frameSize = res.FrameSize
	}

	if res.Err != nil {
		s.applyFailure(res)
		return
	}

	outcome := s.tracker.Observe(res.Detection)
	if outcome.Redetect {
		slog.Debug("session: periodic redetection", "session_id", s.id, "seq", res.Seq)
	}
	if outcome.From != outcome.To {
		slog.Debug("session: tracker transition",
			"session_id", s.id,
			"seq", res.Seq,
			"from", outcome.From.String(),
			"to", outcome.To.String(),
		)
	}

	now := s.deps.Now()
	s.lastAppliedSeq = res.Seq
	s.metrics.RecordFrame(receivedAt, now)
	s.processed++

	if outcome.Face == nil || res.Mesh == nil {
		s.noFaces++
		s.emit.Emit(protocol.NewNotice(protocol.TypeNoFace, protocol.MsgNoFace))
		s.logProgress()
		return
	}

	normalized, err := s.normalizer.Normalize(*res.Mesh)
	if err != nil {
		s.applyFailure(dispatch.Result{
			Seq: res.Seq,
			Err: types.NewError(types.KindInferenceFailure, "normalize", err),
		})
		return
	}

	s.meshes++
	result := types.MeshResult{
		Vertices:       normalized.Vertices,
		Faces:          normalized.Faces,
		SourceFrameSeq: res.Seq,
		Generation:     res.Generation,
		GeneratedAt:    now,
	}
	s.emit.EmitMesh(protocol.NewMeshUpdate(result, s.metrics.Snapshot(), s.cfg.VertexPrecision))
	s.logProgress()
}

// applyFailure handles decode failures and inference failures (mu held)
func (s *Session) applyFailure(res dispatch.Result) {
	s.failures++
	s.metrics.RecordDrop()

	if types.KindOf(res.Err) == types.KindAdmissionDrop {
		s.emit.Emit(protocol.NewNotice(protocol.TypeError, protocol.MsgDecodeFailed))
		slog.Debug("session: frame undecodable", "session_id", s.id, "seq", res.Seq, "error", res.Err)
		return
	}

	s.tracker.Fail()
	s.skipCounter = 0
	s.emit.Emit(protocol.NewNotice(protocol.TypeError, fmt.Sprintf("%s: %v", protocol.MsgInferenceFail, res.Err)))
	slog.Warn("session: inference failed",
		"session_id", s.id,
		"seq", res.Seq,
		"error", res.Err,
	)
}

func (s *Session) logProgress() {
	if s.cfg.LogInterval <= 0 || s.processed%uint64(s.cfg.LogInterval) != 0 {
		return
	}
	snap := s.metrics.Snapshot()
	slog.Info("session stats",
		"session_id", s.id,
		"frames", s.processed,
		"fps", snap.FPS,
		"avg_latency_ms", snap.AvgLatencyMS,
		"min_latency_ms", snap.MinLatencyMS,
		"max_latency_ms", snap.MaxLatencyMS,
		"dropped", snap.DroppedFrames,
		"skipped", snap.SkippedFrames,
		"tracker_state", s.tracker.State().String(),
		"cpu_percent", snap.CPUPercent,
		"memory_percent", snap.MemPercent,
	)
}

// Recalibrate forgets the tracked face and invalidates in-flight work.
// The in-flight flag stays set until that work reports back, so a new
// inference never overlaps the superseded one.
func (s *Session) Recalibrate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.generation++
	s.tracker.Reset()
	s.skipCounter = 0
	s.emit.Emit(protocol.NewNotice(protocol.TypeRecalibrated, protocol.MsgRecalibrated))
	slog.Info("session: recalibrated", "session_id", s.id, "generation", s.generation)
}

// GetMetrics emits a metrics_update with the current snapshot
func (s *Session) GetMetrics() {
	s.emit.Emit(protocol.NewMetrics(s.metrics.Snapshot()))
}

// ResetMetrics clears the metrics window and counters
func (s *Session) ResetMetrics() {
	s.metrics.Reset()
	s.emit.Emit(protocol.NewNotice(protocol.TypeMetricsReset, protocol.MsgMetricsReset))
}

// Metrics returns the current metrics snapshot
func (s *Session) Metrics() types.MetricsSnapshot {
	return s.metrics.Snapshot()
}

// Close ends the session: pending results are discarded from now on.
// Idempotent; returns the final session info.
func (s *Session) Close() Info {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.generation++
	}
	s.mu.Unlock()
	return s.Info()
}

// Info is a point-in-time summary of a session
type Info struct {
	ID              string                `json:"session_id"`
	Backend         string                `json:"backend"`
	StartedAt       time.Time             `json:"started_at"`
	EndedAt         time.Time             `json:"ended_at,omitempty"`
	State           string                `json:"tracker_state"`
	Generation      uint64                `json:"generation"`
	InFlight        bool                  `json:"in_flight"`
	FramesReceived  uint64                `json:"frames_received"`
	FramesProcessed uint64                `json:"frames_processed"`
	Meshes          uint64                `json:"meshes"`
	NoFace          uint64                `json:"no_face"`
	Failures        uint64                `json:"failures"`
	Redetections    uint64                `json:"redetections"`
	LastAppliedSeq  uint64                `json:"last_applied_seq"`
	Metrics         types.MetricsSnapshot `json:"metrics"`
}

// Info returns a summary of the session
func (s *Session) Info() Info {
	s.mu.Lock()
	stats := s.tracker.Stats()
	info := Info{
		ID:              s.id,
		Backend:         s.deps.Backend.Name(),
		StartedAt:       s.startedAt,
		State:           stats.State.String(),
		Generation:      s.generation,
		InFlight:        s.inFlight,
		FramesReceived:  s.received,
		FramesProcessed: s.processed,
		Meshes:          s.meshes,
		NoFace:          s.noFaces,
		Failures:        s.failures,
		Redetections:    stats.Redetections,
		LastAppliedSeq:  s.lastAppliedSeq,
	}
	if s.closed {
		info.EndedAt = s.deps.Now()
	}
	s.mu.Unlock()

	info.Metrics = s.metrics.Snapshot()
	return info
}
