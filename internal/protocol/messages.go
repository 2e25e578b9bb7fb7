// Package protocol defines the session wire messages and their encodings.
//
// Every message is an envelope:
//
//	{"type": "<name>", "data": {...}}
//
// Text WebSocket frames carry JSON. With binary output enabled the same
// envelope is encoded as MessagePack. Clients may also send a frame as a raw
// binary message: [8-byte big-endian seq][encoded image].
package protocol

import (
	"math"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/imaging"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// Client → server message types
const (
	TypeFrame        = "frame"
	TypeRecalibrate  = "recalibrate"
	TypeGetMetrics   = "get_metrics"
	TypeResetMetrics = "reset_metrics"
)

// Server → client message types
const (
	TypeConnected     = "connected"
	TypeMeshUpdate    = "mesh_update"
	TypeNoFace        = "no_face"
	TypeRecalibrated  = "recalibrated"
	TypeMetricsUpdate = "metrics_update"
	TypeMetricsReset  = "metrics_reset"
	TypeError         = "error"
)

// Envelope is an outbound message
type Envelope struct {
	Type string `json:"type" msgpack:"type"`
	Data any    `json:"data" msgpack:"data"`
}

// Connected greets a new session
type Connected struct {
	SessionID  string `json:"session_id" msgpack:"session_id"`
	Device     string `json:"device" msgpack:"device"`
	Backend    string `json:"backend" msgpack:"backend"`
	Resolution int    `json:"resolution" msgpack:"resolution"`
	TargetFPS  int    `json:"target_fps" msgpack:"target_fps"`
}

// MeshUpdate carries one normalized mesh
type MeshUpdate struct {
	Vertices       []types.Vertex        `json:"vertices" msgpack:"vertices"`
	Faces          []types.Face          `json:"faces" msgpack:"faces"`
	Metrics        types.MetricsSnapshot `json:"metrics" msgpack:"metrics"`
	SourceFrameSeq uint64                `json:"source_frame_seq" msgpack:"source_frame_seq"`
	FaceDetected   bool                  `json:"face_detected" msgpack:"face_detected"`
}

// Notice is the payload of no_face, recalibrated, metrics_reset and error
type Notice struct {
	Message string `json:"message" msgpack:"message"`
}

// Standard notice texts
const (
	MsgNoFace        = "No face detected"
	MsgRecalibrated  = "Face tracking reset"
	MsgMetricsReset  = "Metrics reset"
	MsgDecodeFailed  = "failed to decode frame"
	MsgInferenceFail = "inference failed"
)

// NewConnected builds a connected envelope
func NewConnected(c Connected) Envelope {
	return Envelope{Type: TypeConnected, Data: c}
}

// NewMeshUpdate builds a mesh_update envelope, rounding vertices to precision
// decimals (precision < 0 keeps full precision). The input is not modified.
func NewMeshUpdate(mesh types.MeshResult, metrics types.MetricsSnapshot, precision int) Envelope {
	return Envelope{Type: TypeMeshUpdate, Data: MeshUpdate{
		Vertices:       RoundVertices(mesh.Vertices, precision),
		Faces:          mesh.Faces,
		Metrics:        metrics,
		SourceFrameSeq: mesh.SourceFrameSeq,
		FaceDetected:   true,
	}}
}

// NewNotice builds a notice envelope of the given type
func NewNotice(typ, message string) Envelope {
	return Envelope{Type: typ, Data: Notice{Message: message}}
}

// NewMetrics builds a metrics_update envelope
func NewMetrics(m types.MetricsSnapshot) Envelope {
	return Envelope{Type: TypeMetricsUpdate, Data: m}
}

// RoundVertices returns a copy of vs rounded to precision decimals
func RoundVertices(vs []types.Vertex, precision int) []types.Vertex {
	if precision < 0 {
		return vs
	}
	scale := math.Pow(10, float64(precision))
	out := make([]types.Vertex, len(vs))
	for i, v := range vs {
		for j := range v {
			out[i][j] = math.Round(v[j]*scale) / scale
		}
	}
	return out
}

// Inbound is a decoded client message
type Inbound struct {
	Type  string
	Frame *FrameRequest
}

// FrameRequest is a client frame before admission.
// The image stays encoded (base64 text or raw bytes) until Payload is called,
// so frames dropped at admission are never decoded.
type FrameRequest struct {
	Seq     uint64
	raw     []byte
	encoded string
}

// NewFrameRequest wraps raw encoded image bytes
func NewFrameRequest(seq uint64, raw []byte) *FrameRequest {
	return &FrameRequest{Seq: seq, raw: raw}
}

// Payload returns the encoded image bytes (JPEG/PNG)
func (f *FrameRequest) Payload() ([]byte, error) {
	if f.raw != nil {
		return f.raw, nil
	}
	return imaging.DecodeBase64(f.encoded)
}
