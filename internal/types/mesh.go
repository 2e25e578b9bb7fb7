package types

import "time"

// Vertex is a 3D point (x, y, z)
type Vertex [3]float64

// Face is a triangle as three vertex indices
type Face [3]uint32

// Convention identifies the coordinate convention of a mesh
type Convention int

const (
	// ModelNative is the reconstruction model's own axis convention (needs orientation fix)
	ModelNative Convention = iota
	// CameraFacing is upright and facing the viewer (normalizer output)
	CameraFacing
)

// String returns the convention name
func (c Convention) String() string {
	switch c {
	case ModelNative:
		return "model_native"
	case CameraFacing:
		return "camera_facing"
	default:
		return "unknown"
	}
}

// RawMesh is untransformed reconstruction output in model-local coordinates.
type RawMesh struct {
	Vertices   []Vertex
	Faces      []Face
	Convention Convention
}

// MeshResult is a normalized mesh tagged with the frame it came from.
type MeshResult struct {
	Vertices       []Vertex
	Faces          []Face
	SourceFrameSeq uint64
	Generation     uint64
	GeneratedAt    time.Time
}
