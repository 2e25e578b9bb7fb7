// Package mesh shapes raw reconstruction output into the renderer's frame of reference.
package mesh

import (
	"fmt"
	"math"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// DefaultTargetSize is the largest extent of a normalized mesh, in scene units.
const DefaultTargetSize = 200.0

// Bounds is an axis-aligned bounding box in 3D.
type Bounds struct {
	Min types.Vertex
	Max types.Vertex
}

// Center returns the midpoint of the box
func (b Bounds) Center() types.Vertex {
	return types.Vertex{
		(b.Min[0] + b.Max[0]) / 2,
		(b.Min[1] + b.Max[1]) / 2,
		(b.Min[2] + b.Max[2]) / 2,
	}
}

// Extents returns the size along each axis
func (b Bounds) Extents() types.Vertex {
	return types.Vertex{
		b.Max[0] - b.Min[0],
		b.Max[1] - b.Min[1],
		b.Max[2] - b.Min[2],
	}
}

// MaxDim returns the largest extent
func (b Bounds) MaxDim() float64 {
	e := b.Extents()
	return math.Max(e[0], math.Max(e[1], e[2]))
}

// BoundsOf computes the bounding box of vertices. Empty input yields the zero box.
func BoundsOf(vertices []types.Vertex) Bounds {
	if len(vertices) == 0 {
		return Bounds{}
	}
	b := Bounds{Min: vertices[0], Max: vertices[0]}
	for _, v := range vertices[1:] {
		for axis := 0; axis < 3; axis++ {
			b.Min[axis] = math.Min(b.Min[axis], v[axis])
			b.Max[axis] = math.Max(b.Max[axis], v[axis])
		}
	}
	return b
}

// Transform is the similarity transform a Normalizer applies to one mesh.
type Transform struct {
	// Translation applied first (negated center of the raw bounds)
	Translation types.Vertex
	// Scale applied uniformly after centering
	Scale float64
	// Reorient applies the 180° X+Y rotation: (x, y, z) → (-x, -y, z)
	Reorient bool
}

// Apply transforms a single vertex
func (t Transform) Apply(v types.Vertex) types.Vertex {
	out := types.Vertex{
		(v[0] + t.Translation[0]) * t.Scale,
		(v[1] + t.Translation[1]) * t.Scale,
		(v[2] + t.Translation[2]) * t.Scale,
	}
	if t.Reorient {
		out[0], out[1] = -out[0], -out[1]
	}
	return out
}

// Normalizer is a pure RawMesh → camera-facing mesh transform.
//
// Algorithm:
//  1. Axis-aligned bounds of the vertex set
//  2. Translate by -center(bounds)
//  3. maxDim = largest extent (centering does not change extents)
//  4. Uniform scale by TargetSize / maxDim (1 when maxDim is 0)
//  5. ModelNative meshes are rotated 180° about X and then Y
//
// Output is tagged CameraFacing, so feeding it back through Normalize only
// re-centers (a no-op) and rescales by TargetSize/TargetSize. That makes the
// transform idempotent for a fixed TargetSize.
//
// Thread-safety: value type, no state. Safe for concurrent use.
type Normalizer struct {
	TargetSize float64
}

// NewNormalizer validates targetSize and returns a Normalizer
func NewNormalizer(targetSize float64) (Normalizer, error) {
	if targetSize <= 0 || math.IsNaN(targetSize) || math.IsInf(targetSize, 0) {
		return Normalizer{}, fmt.Errorf("mesh: target size must be a positive finite number, got %v", targetSize)
	}
	return Normalizer{TargetSize: targetSize}, nil
}

// Plan computes the transform for raw without applying it
func (n Normalizer) Plan(raw types.RawMesh) Transform {
	bounds := BoundsOf(raw.Vertices)
	center := bounds.Center()

	scale := 1.0
	if maxDim := bounds.MaxDim(); maxDim > 0 {
		scale = n.TargetSize / maxDim
	}

	return Transform{
		Translation: types.Vertex{-center[0], -center[1], -center[2]},
		Scale:       scale,
		Reorient:    raw.Convention == types.ModelNative,
	}
}

// Normalize returns a new CameraFacing mesh. raw is not modified.
// Faces referencing missing vertices are rejected.
func (n Normalizer) Normalize(raw types.RawMesh) (types.RawMesh, error) {
	if err := validateFaces(raw); err != nil {
		return types.RawMesh{}, err
	}

	t := n.Plan(raw)

	vertices := make([]types.Vertex, len(raw.Vertices))
	for i, v := range raw.Vertices {
		if !finite(v) {
			return types.RawMesh{}, fmt.Errorf("mesh: vertex %d is not finite: %v", i, v)
		}
		vertices[i] = t.Apply(v)
	}

	faces := make([]types.Face, len(raw.Faces))
	copy(faces, raw.Faces)

	return types.RawMesh{
		Vertices:   vertices,
		Faces:      faces,
		Convention: types.CameraFacing,
	}, nil
}

func validateFaces(raw types.RawMesh) error {
	n := uint32(len(raw.Vertices))
	for i, f := range raw.Faces {
		if f[0] >= n || f[1] >= n || f[2] >= n {
			return fmt.Errorf("mesh: face %d %v references vertex outside [0,%d)", i, f, n)
		}
	}
	return nil
}

func finite(v types.Vertex) bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
