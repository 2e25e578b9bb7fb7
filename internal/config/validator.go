package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Backend names accepted in model.backend
const (
	BackendSynthetic  = "synthetic"
	BackendSubprocess = "subprocess"
	BackendPlugin     = "plugin"
)

var topicPrefixPattern = regexp.MustCompile(`^[A-Za-z0-9_\-/]+$`)

// Validate checks the configuration and fills defaults in place
func Validate(cfg *Config) error {
	// Server
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeoutS <= 0 {
		cfg.Server.ShutdownTimeoutS = 5
	}

	// Model
	if err := validateModel(&cfg.Model); err != nil {
		return fmt.Errorf("model: %w", err)
	}

	// Performance
	p := &cfg.Performance
	if p.InputResolution == 0 {
		p.InputResolution = 256
	}
	if p.InputResolution < 16 || p.InputResolution > 2048 {
		return fmt.Errorf("performance.input_resolution must be in 16-2048, got %d", p.InputResolution)
	}
	if p.FrameSkip == 0 {
		p.FrameSkip = 2
	}
	if p.FrameSkip < 1 {
		return fmt.Errorf("performance.frame_skip must be >= 1, got %d", p.FrameSkip)
	}
	if p.MaxFPS <= 0 {
		p.MaxFPS = 15
	}
	if p.MaxFramePixels == 0 {
		p.MaxFramePixels = 4096 * 4096
	}
	if p.MaxFramePixels < 16*16 {
		return fmt.Errorf("performance.max_frame_pixels must be >= 256, got %d", p.MaxFramePixels)
	}
	if p.EnableTracking == nil {
		enabled := true
		p.EnableTracking = &enabled
	}
	if p.RedetectInterval == 0 {
		p.RedetectInterval = 30
	}
	if p.RedetectInterval < 1 {
		return fmt.Errorf("performance.redetect_interval must be >= 1, got %d", p.RedetectInterval)
	}
	if p.LostAfter == 0 {
		p.LostAfter = 3
	}
	if p.LostAfter < 1 {
		return fmt.Errorf("performance.lost_after must be >= 1, got %d", p.LostAfter)
	}
	if p.SearchMargin == 0 {
		p.SearchMargin = 0.5
	}
	if p.SearchMargin < 0 {
		return fmt.Errorf("performance.search_margin must be >= 0, got %v", p.SearchMargin)
	}
	if p.Padding == 0 {
		p.Padding = 0.3
	}
	if p.Padding < 0 {
		return fmt.Errorf("performance.padding must be >= 0, got %v", p.Padding)
	}
	if p.TargetSize == 0 {
		p.TargetSize = 200
	}
	if p.TargetSize < 0 {
		return fmt.Errorf("performance.target_size must be > 0, got %v", p.TargetSize)
	}

	// Face detection
	if cfg.FaceDetection.MinConfidence == 0 {
		cfg.FaceDetection.MinConfidence = 0.9
	}
	if cfg.FaceDetection.MinConfidence < 0 || cfg.FaceDetection.MinConfidence > 1 {
		return fmt.Errorf("face_detection.min_confidence must be in [0,1], got %v", cfg.FaceDetection.MinConfidence)
	}

	// Socket
	s := &cfg.Socket
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = 10 << 20
	}
	if s.PingIntervalS <= 0 {
		s.PingIntervalS = 25
	}
	if s.PingTimeoutS <= 0 {
		s.PingTimeoutS = 60
	}
	if s.PingTimeoutS <= s.PingIntervalS {
		return fmt.Errorf("socket.ping_timeout_s (%d) must exceed ping_interval_s (%d)", s.PingTimeoutS, s.PingIntervalS)
	}
	if s.OutboxSize <= 0 {
		s.OutboxSize = 32
	}

	// Logging & metrics
	if cfg.Logging.LogInterval <= 0 {
		cfg.Logging.LogInterval = 30
	}
	if cfg.Metrics.WindowSize <= 0 {
		cfg.Metrics.WindowSize = 30
	}
	if cfg.Metrics.ResourceIntervalMS <= 0 {
		cfg.Metrics.ResourceIntervalMS = 1000
	}

	// Data
	if cfg.Data.VertexPrecision == nil {
		precision := 4
		cfg.Data.VertexPrecision = &precision
	}
	if *cfg.Data.VertexPrecision < 0 || *cfg.Data.VertexPrecision > 10 {
		return fmt.Errorf("data.vertex_precision must be in 0-10, got %d", *cfg.Data.VertexPrecision)
	}

	// Telemetry (optional)
	if err := validateTelemetry(&cfg.Telemetry); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

func validateModel(m *ModelConfig) error {
	if m.Device == "" {
		m.Device = "cpu"
	}
	if m.Backend == "" {
		m.Backend = BackendSynthetic
	}
	switch m.Backend {
	case BackendSynthetic:
	case BackendSubprocess:
		if m.WorkerCmd == "" {
			return fmt.Errorf("worker_cmd is required for backend %q", m.Backend)
		}
	case BackendPlugin:
		if m.PluginPath == "" {
			return fmt.Errorf("plugin_path is required for backend %q", m.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q (must be %s, %s or %s)",
			m.Backend, BackendSynthetic, BackendSubprocess, BackendPlugin)
	}
	if m.InferenceTimeoutMS == 0 {
		m.InferenceTimeoutMS = 2000
	}
	if m.InferenceTimeoutMS < 0 {
		return fmt.Errorf("inference_timeout_ms must be > 0, got %d", m.InferenceTimeoutMS)
	}
	if m.PoolSize == 0 {
		m.PoolSize = 4
	}
	if m.PoolSize < 0 {
		return fmt.Errorf("pool_size must be > 0, got %d", m.PoolSize)
	}
	return nil
}

func validateTelemetry(t *TelemetryConfig) error {
	if t.MQTTBroker == "" {
		return nil
	}
	if !strings.Contains(t.MQTTBroker, "://") {
		return fmt.Errorf("mqtt_broker must be a URL (tcp://host:1883), got %q", t.MQTTBroker)
	}
	if t.ClientID == "" {
		t.ClientID = "facemeshd"
	}
	if t.TopicPrefix == "" {
		t.TopicPrefix = "facemesh/" + t.ClientID
	}
	t.TopicPrefix = strings.TrimSuffix(t.TopicPrefix, "/")
	if !topicPrefixPattern.MatchString(t.TopicPrefix) {
		return fmt.Errorf("topic_prefix must match [A-Za-z0-9_-/]+, got %q", t.TopicPrefix)
	}
	if t.HealthIntervalS <= 0 {
		t.HealthIntervalS = 10
	}
	if t.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", t.QoS)
	}
	return nil
}
