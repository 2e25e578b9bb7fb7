package types

import (
	"image"
	"math"
	"time"
)

// Frame is one client frame, owned by its session for a single processing cycle.
type Frame struct {
	// Seq is the per-session sequence number (strictly increasing)
	Seq uint64
	// Data is the encoded image payload (JPEG/PNG bytes)
	Data []byte
	// ReceivedAt is when the transport handed the frame to the session
	ReceivedAt time.Time
	// TraceID correlates log lines for this frame across goroutines
	TraceID string
}

// BoundingBox is a face region in pixel coordinates of the full frame.
type BoundingBox struct {
	X          float64 `json:"x" msgpack:"x"`
	Y          float64 `json:"y" msgpack:"y"`
	W          float64 `json:"w" msgpack:"w"`
	H          float64 `json:"h" msgpack:"h"`
	Confidence float64 `json:"confidence" msgpack:"confidence"` // [0,1]
}

// Area returns the box area in square pixels
func (b BoundingBox) Area() float64 {
	return b.W * b.H
}

// IsEmpty reports whether the box has no area
func (b BoundingBox) IsEmpty() bool {
	return b.W <= 0 || b.H <= 0
}

// Expand grows the box by frac of its size on every side.
// Expand(0.3) is the reconstruction padding, Expand(0.5) the tracking neighborhood.
func (b BoundingBox) Expand(frac float64) BoundingBox {
	dx := b.W * frac
	dy := b.H * frac
	return BoundingBox{
		X:          b.X - dx,
		Y:          b.Y - dy,
		W:          b.W + 2*dx,
		H:          b.H + 2*dy,
		Confidence: b.Confidence,
	}
}

// Clamp restricts the box to a frame of the given size
func (b BoundingBox) Clamp(frameWidth, frameHeight int) BoundingBox {
	x0 := math.Max(0, b.X)
	y0 := math.Max(0, b.Y)
	x1 := math.Min(float64(frameWidth), b.X+b.W)
	y1 := math.Min(float64(frameHeight), b.Y+b.H)
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}
	return BoundingBox{X: x0, Y: y0, W: x1 - x0, H: y1 - y0, Confidence: b.Confidence}
}

// Offset translates the box (maps crop-local coordinates back to frame space)
func (b BoundingBox) Offset(dx, dy float64) BoundingBox {
	b.X += dx
	b.Y += dy
	return b
}

// Rect converts the box to an integer pixel rectangle (floor/ceil outward)
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(b.X)),
		int(math.Floor(b.Y)),
		int(math.Ceil(b.X+b.W)),
		int(math.Ceil(b.Y+b.H)),
	)
}

// BoxFromRect builds a BoundingBox covering r with the given confidence
func BoxFromRect(r image.Rectangle, confidence float64) BoundingBox {
	return BoundingBox{
		X:          float64(r.Min.X),
		Y:          float64(r.Min.Y),
		W:          float64(r.Dx()),
		H:          float64(r.Dy()),
		Confidence: confidence,
	}
}
