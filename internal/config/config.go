package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete facemeshd configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Model         ModelConfig         `yaml:"model"`
	Performance   PerformanceConfig   `yaml:"performance"`
	FaceDetection FaceDetectionConfig `yaml:"face_detection"`
	Socket        SocketConfig        `yaml:"socket"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Data          DataConfig          `yaml:"data"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Journal       JournalConfig       `yaml:"journal"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
}

// ModelConfig selects and sizes the model backend
type ModelConfig struct {
	Device             string   `yaml:"device"`      // cpu, cuda (informational, reported to clients)
	Backend            string   `yaml:"backend"`     // synthetic, subprocess, plugin
	PluginPath         string   `yaml:"plugin_path"` // go-plugin binary (backend: plugin)
	PluginArgs         []string `yaml:"plugin_args"`
	WorkerCmd          string   `yaml:"worker_cmd"` // worker executable (backend: subprocess)
	WorkerArgs         []string `yaml:"worker_args"`
	InferenceTimeoutMS int      `yaml:"inference_timeout_ms"` // per-call deadline (default: 2000)
	PoolSize           int      `yaml:"pool_size"`            // concurrent model calls across sessions (default: 4)
}

// PerformanceConfig contains per-frame processing settings
type PerformanceConfig struct {
	InputResolution  int     `yaml:"input_resolution"`  // reconstruction input size (default: 256)
	FrameSkip        int     `yaml:"frame_skip"`        // process every Nth frame while tracking (default: 2)
	MaxFPS           int     `yaml:"max_fps"`           // advertised to clients (default: 15)
	EnableTracking   *bool   `yaml:"enable_tracking"`   // default: true
	RedetectInterval int     `yaml:"redetect_interval"` // full-frame redetect period (default: 30)
	LostAfter        int     `yaml:"lost_after"`        // consecutive misses before Lost (default: 3)
	SearchMargin     float64 `yaml:"search_margin"`     // neighborhood expansion per side (default: 0.5)
	Padding          float64 `yaml:"padding"`           // face crop padding per side (default: 0.3)
	TargetSize       float64 `yaml:"target_size"`       // normalized mesh extent (default: 200)
	MaxFramePixels   int     `yaml:"max_frame_pixels"`  // larger frames are dropped undecoded (default: 4096*4096)
}

// FaceDetectionConfig contains detector acceptance settings
type FaceDetectionConfig struct {
	MinConfidence float64 `yaml:"min_confidence"` // default: 0.9
}

// SocketConfig contains WebSocket settings
type SocketConfig struct {
	BinaryFormat   bool  `yaml:"binary_format"`    // msgpack binary frames instead of JSON text
	MaxMessageSize int64 `yaml:"max_message_size"` // bytes (default: 10 MiB)
	PingIntervalS  int   `yaml:"ping_interval_s"`  // default: 25
	PingTimeoutS   int   `yaml:"ping_timeout_s"`   // default: 60
	OutboxSize     int   `yaml:"outbox_size"`      // queued control messages per session (default: 32)
}

// LoggingConfig contains log settings
type LoggingConfig struct {
	LogInterval int  `yaml:"log_interval"` // per-session stats line every N processed frames (default: 30)
	Verbose     bool `yaml:"verbose"`      // debug level
}

// MetricsConfig contains metrics window and sampler settings
type MetricsConfig struct {
	WindowSize         int `yaml:"window_size"`          // default: 30
	ResourceIntervalMS int `yaml:"resource_interval_ms"` // host CPU/memory sampling period (default: 1000)
}

// DataConfig contains wire encoding settings
type DataConfig struct {
	VertexPrecision *int `yaml:"vertex_precision"` // decimals kept on encode (default: 4)
}

// TelemetryConfig contains MQTT telemetry settings (disabled when broker is empty)
type TelemetryConfig struct {
	MQTTBroker      string `yaml:"mqtt_broker"`
	ClientID        string `yaml:"client_id"`
	TopicPrefix     string `yaml:"topic_prefix"`
	HealthIntervalS int    `yaml:"health_interval_s"` // default: 10
	QoS             byte   `yaml:"qos"`
}

// JournalConfig contains the session journal settings (disabled when path is empty)
type JournalConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes and validates them
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied
func Default() *Config {
	var cfg Config
	if err := Validate(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults invalid: %v", err))
	}
	return &cfg
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutS) * time.Second
}

// InferenceTimeout returns the per-call model deadline
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Model.InferenceTimeoutMS) * time.Millisecond
}

// ResourceInterval returns the host resource sampling period
func (c *Config) ResourceInterval() time.Duration {
	return time.Duration(c.Metrics.ResourceIntervalMS) * time.Millisecond
}

// PingInterval returns the WebSocket ping period
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Socket.PingIntervalS) * time.Second
}

// PingTimeout returns how long a silent peer is tolerated
func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.Socket.PingTimeoutS) * time.Second
}

// HealthInterval returns the telemetry health publish period
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Telemetry.HealthIntervalS) * time.Second
}

// TrackingEnabled reports performance.enable_tracking
func (c *Config) TrackingEnabled() bool {
	return c.Performance.EnableTracking == nil || *c.Performance.EnableTracking
}
