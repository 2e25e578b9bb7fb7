package types

// MetricsSnapshot accompanies every mesh_update and answers get_metrics.
type MetricsSnapshot struct {
	FPS           float64 `json:"fps" msgpack:"fps"`
	AvgLatencyMS  float64 `json:"avg_latency_ms" msgpack:"avg_latency_ms"`
	MinLatencyMS  float64 `json:"min_latency_ms" msgpack:"min_latency_ms"`
	MaxLatencyMS  float64 `json:"max_latency_ms" msgpack:"max_latency_ms"`
	DroppedFrames uint64  `json:"dropped_frames" msgpack:"dropped_frames"`
	SkippedFrames uint64  `json:"skipped_frames" msgpack:"skipped_frames"`
	FrameCount    uint64  `json:"frame_count" msgpack:"frame_count"`
	CPUPercent    float64 `json:"cpu_percent" msgpack:"cpu_percent"`
	MemPercent    float64 `json:"memory_percent" msgpack:"memory_percent"`
}

// ResourceUsage is a host resource sample
type ResourceUsage struct {
	CPUPercent float64
	MemPercent float64
}
