package config

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/tracker"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// Pipeline is the immutable configuration snapshot a session runs with.
// It is a value type: overrides return a new Pipeline and never touch the
// process-wide Config.
type Pipeline struct {
	Backend         string
	Device          string
	InputResolution int
	MaxFramePixels  int
	FrameSkip       int
	TargetFPS       int
	EnableTracking  bool
	Tracker         tracker.Config
	Padding         float64
	TargetSize      float64
	VertexPrecision int
	LogInterval     int
	WindowSize      int
}

// Pipeline returns the default per-session snapshot
func (c *Config) Pipeline() Pipeline {
	precision := 4
	if c.Data.VertexPrecision != nil {
		precision = *c.Data.VertexPrecision
	}
	return Pipeline{
		Backend:         c.Model.Backend,
		Device:          c.Model.Device,
		InputResolution: c.Performance.InputResolution,
		MaxFramePixels:  c.Performance.MaxFramePixels,
		FrameSkip:       c.Performance.FrameSkip,
		TargetFPS:       c.Performance.MaxFPS,
		EnableTracking:  c.TrackingEnabled(),
		Tracker: tracker.Config{
			MinConfidence:    c.FaceDetection.MinConfidence,
			RedetectInterval: c.Performance.RedetectInterval,
			LostAfter:        c.Performance.LostAfter,
			SearchMargin:     c.Performance.SearchMargin,
		},
		Padding:         c.Performance.Padding,
		TargetSize:      c.Performance.TargetSize,
		VertexPrecision: precision,
		LogInterval:     c.Logging.LogInterval,
		WindowSize:      c.Metrics.WindowSize,
	}
}

// Validate checks a snapshot (after overrides) before a session starts
func (p Pipeline) Validate() error {
	if p.Backend == "" {
		return fmt.Errorf("backend is required")
	}
	if p.InputResolution <= 0 {
		return fmt.Errorf("input_resolution must be > 0, got %d", p.InputResolution)
	}
	if p.FrameSkip < 1 {
		return fmt.Errorf("frame_skip must be >= 1, got %d", p.FrameSkip)
	}
	if p.TargetSize <= 0 {
		return fmt.Errorf("target_size must be > 0, got %v", p.TargetSize)
	}
	if p.WindowSize <= 0 {
		return fmt.Errorf("window_size must be > 0, got %d", p.WindowSize)
	}
	return p.Tracker.Validate()
}

// ApplyOverrides returns a copy of p with per-session query overrides
// applied (frame_skip, redetect_interval, min_confidence, lost_after,
// enable_tracking, backend). Any malformed or out-of-range value is a
// ConfigError for that session only.
func (p Pipeline) ApplyOverrides(q url.Values) (Pipeline, error) {
	out := p

	for key, vals := range q {
		if len(vals) == 0 {
			continue
		}
		raw := vals[len(vals)-1]

		var err error
		switch key {
		case "frame_skip":
			out.FrameSkip, err = strconv.Atoi(raw)
		case "redetect_interval":
			out.Tracker.RedetectInterval, err = strconv.Atoi(raw)
		case "lost_after":
			out.Tracker.LostAfter, err = strconv.Atoi(raw)
		case "min_confidence":
			out.Tracker.MinConfidence, err = strconv.ParseFloat(raw, 64)
		case "enable_tracking":
			out.EnableTracking, err = strconv.ParseBool(raw)
		case "backend":
			out.Backend = raw
		default:
			// Unknown parameters belong to the client (cache busters, auth tokens)
			continue
		}
		if err != nil {
			return p, types.NewError(types.KindConfigError, "override",
				fmt.Errorf("invalid %s=%q: %w", key, raw, err))
		}
	}

	if err := out.Validate(); err != nil {
		return p, types.NewError(types.KindConfigError, "override", err)
	}
	return out, nil
}
