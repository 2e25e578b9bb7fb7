// Package tracker implements the per-session face tracking state machine.
//
// States cycle Detecting → Tracking → Lost → Detecting for the lifetime of a
// session; there is no terminal state. The heuristic is bbox reuse with
// periodic forced redetection, not motion estimation:
//
//   - Detecting: full-frame search. A detection with confidence ≥ MinConfidence
//     enters Tracking with age 0.
//   - Tracking: search restricted to the previous box expanded by SearchMargin.
//     Every update ages the track. A confident detection refreshes the box and
//     clears the miss streak. A miss keeps the previous box (coasting).
//     LostAfter consecutive misses → Lost. Age ≥ RedetectInterval → Detecting.
//   - Lost: the track is gone. The next Plan moves to Detecting.
//   - Reset (recalibrate) or Fail (inference failure): Detecting, no box.
//
// A Tracker is owned by exactly one session and is not safe for concurrent use.
package tracker

import (
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// State is a tracking state
type State int

const (
	// Detecting runs full-frame detection every admitted frame
	Detecting State = iota
	// Tracking searches only near the previous box
	Tracking
	// Lost means the track was dropped on the last update
	Lost
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Detecting:
		return "detecting"
	case Tracking:
		return "tracking"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// Config holds tracker thresholds
type Config struct {
	// MinConfidence is the detection score needed to start or refresh a track
	MinConfidence float64
	// RedetectInterval forces full-frame redetection after this many tracked updates
	RedetectInterval int
	// LostAfter is K: consecutive low-confidence updates before the track is lost
	LostAfter int
	// SearchMargin expands the previous box on each side for neighborhood search
	SearchMargin float64
}

// DefaultConfig returns the defaults used when config values are unset
func DefaultConfig() Config {
	return Config{
		MinConfidence:    0.9,
		RedetectInterval: 30,
		LostAfter:        3,
		SearchMargin:     0.5,
	}
}

// Validate checks thresholds (fail-fast at session start)
func (c Config) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("tracker: min confidence must be in [0,1], got %v", c.MinConfidence)
	}
	if c.RedetectInterval < 1 {
		return fmt.Errorf("tracker: redetect interval must be ≥ 1, got %d", c.RedetectInterval)
	}
	if c.LostAfter < 1 {
		return fmt.Errorf("tracker: lost-after must be ≥ 1, got %d", c.LostAfter)
	}
	if c.SearchMargin < 0 {
		return fmt.Errorf("tracker: search margin must be ≥ 0, got %v", c.SearchMargin)
	}
	return nil
}

// Plan tells the dispatcher where to search for the next frame.
// It is an immutable snapshot of tracker state at dispatch time.
type Plan struct {
	State State
	// Region restricts detection (nil = full frame)
	Region *types.BoundingBox
	// Fallback is reused for reconstruction when detection misses but the
	// track would survive the miss (nil = no coasting)
	Fallback *types.BoundingBox
	// MinConfidence is the acceptance threshold for a detection
	MinConfidence float64
}

// Accepts reports whether det is a usable detection under this plan
func (p Plan) Accepts(det *types.BoundingBox) bool {
	return det != nil && !det.IsEmpty() && det.Confidence >= p.MinConfidence
}

// Target returns the box to reconstruct from: the detection when accepted,
// otherwise the fallback (may be nil)
func (p Plan) Target(det *types.BoundingBox) *types.BoundingBox {
	if p.Accepts(det) {
		return det
	}
	return p.Fallback
}

// Outcome is the result of one Observe
type Outcome struct {
	// From and To are the states before and after the update
	From, To State
	// Face is the box the session should use this cycle (nil = no_face)
	Face *types.BoundingBox
	// Redetect is true when this update forced a periodic redetection
	Redetect bool
}

// Tracker is the bbox + age state of one session.
type Tracker struct {
	cfg Config

	state  State
	bbox   *types.BoundingBox
	age    int
	misses int

	redetections uint64
	acquisitions uint64
	losses       uint64
}

// New creates a Tracker in Detecting state
func New(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{cfg: cfg, state: Detecting}, nil
}

// State returns the current state
func (t *Tracker) State() State { return t.state }

// BBox returns a copy of the last box (nil when none)
func (t *Tracker) BBox() *types.BoundingBox {
	if t.bbox == nil {
		return nil
	}
	b := *t.bbox
	return &b
}

// Age returns the number of updates since the track was (re)acquired
func (t *Tracker) Age() int { return t.age }

// Misses returns the current consecutive-miss streak
func (t *Tracker) Misses() int { return t.misses }

// Stats returns lifetime transition counters
func (t *Tracker) Stats() Stats {
	return Stats{
		State:        t.state,
		Age:          t.age,
		Misses:       t.misses,
		Redetections: t.redetections,
		Acquisitions: t.acquisitions,
		Losses:       t.losses,
	}
}

// Stats is a snapshot of tracker counters
type Stats struct {
	State        State
	Age          int
	Misses       int
	Redetections uint64
	Acquisitions uint64
	Losses       uint64
}

// Plan returns the search plan for the next admitted frame of the given size.
// Lost moves to Detecting here: the frame after a loss is a full-frame search.
func (t *Tracker) Plan(frameWidth, frameHeight int) Plan {
	if t.state == Lost {
		t.state = Detecting
	}

	plan := Plan{State: t.state, MinConfidence: t.cfg.MinConfidence}
	if t.state != Tracking || t.bbox == nil {
		return plan
	}

	region := t.bbox.Expand(t.cfg.SearchMargin)
	if frameWidth > 0 && frameHeight > 0 {
		region = region.Clamp(frameWidth, frameHeight)
	}
	plan.Region = &region

	// Coast on the previous box only if one more miss keeps the track alive
	if t.misses+1 < t.cfg.LostAfter {
		plan.Fallback = t.BBox()
	}
	return plan
}

// Observe feeds one detection result (nil = nothing found) and advances the machine
func (t *Tracker) Observe(det *types.BoundingBox) Outcome {
	out := Outcome{From: t.state}
	confident := det != nil && !det.IsEmpty() && det.Confidence >= t.cfg.MinConfidence

	switch t.state {
	case Detecting, Lost:
		if confident {
			t.acquire(*det)
			out.Face = t.BBox()
		}

	case Tracking:
		t.age++
		if confident {
			b := *det
			t.bbox = &b
			t.misses = 0
			out.Face = t.BBox()
		} else {
			t.misses++
			if t.misses >= t.cfg.LostAfter {
				t.state = Lost
				t.bbox = nil
				t.misses = 0
				t.age = 0
				t.losses++
				break
			}
			out.Face = t.BBox()
		}

		if t.age >= t.cfg.RedetectInterval {
			t.state = Detecting
			t.bbox = nil
			t.age = 0
			t.misses = 0
			t.redetections++
			out.Redetect = true
		}
	}

	out.To = t.state
	return out
}

// Reset returns to Detecting and forgets the box (recalibrate)
func (t *Tracker) Reset() {
	t.state = Detecting
	t.bbox = nil
	t.age = 0
	t.misses = 0
}

// Fail forces Detecting after an inference failure
func (t *Tracker) Fail() {
	t.Reset()
}

func (t *Tracker) acquire(det types.BoundingBox) {
	t.state = Tracking
	t.bbox = &det
	t.age = 0
	t.misses = 0
	t.acquisitions++
}
