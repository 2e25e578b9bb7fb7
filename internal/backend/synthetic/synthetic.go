// Package synthetic is a deterministic, dependency-free model backend.
//
// The detector treats each connected bright area of the frame as a candidate
// face (luminance threshold + bounding box) and keeps the largest; the
// reconstructor emits an ellipsoid
// whose depth follows the crop's mean luminance. Outputs are a pure function
// of the input pixels, which makes the backend suitable for tests, demos and
// as the reference implementation behind the plugin and subprocess workers.
package synthetic

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// Name is the registry name of this backend
const Name = "synthetic"

// Options tunes the synthetic backend
type Options struct {
	// Threshold is the luminance (0-255) above which a pixel counts as face
	Threshold uint8
	// Rings and Segments set the ellipsoid tessellation
	Rings, Segments int
	// Delay simulates model cost per call (honors ctx)
	Delay time.Duration
}

// DefaultOptions returns the options used by New
func DefaultOptions() Options {
	return Options{Threshold: 128, Rings: 16, Segments: 24}
}

// Backend implements backend.Backend
type Backend struct {
	opts   Options
	closed atomic.Bool
	calls  atomic.Uint64
}

var _ backend.Backend = (*Backend)(nil)

// New creates a synthetic backend with default options
func New() *Backend {
	return NewWithOptions(DefaultOptions())
}

// NewWithOptions creates a synthetic backend
func NewWithOptions(opts Options) *Backend {
	def := DefaultOptions()
	if opts.Threshold == 0 {
		opts.Threshold = def.Threshold
	}
	if opts.Rings < 2 {
		opts.Rings = def.Rings
	}
	if opts.Segments < 3 {
		opts.Segments = def.Segments
	}
	return &Backend{opts: opts}
}

// Name implements backend.Backend
func (b *Backend) Name() string { return Name }

// Calls returns the number of model calls served
func (b *Backend) Calls() uint64 { return b.calls.Load() }

// Health implements backend.Backend
func (b *Backend) Health(context.Context) backend.Health {
	up := !b.closed.Load()
	return backend.Health{Model: up, Detector: up}
}

// Close implements backend.Backend
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

// Detect implements backend.Detector.
// Every 4-connected bright area on the sampling grid is a candidate face;
// backend.SelectLargest picks the one to track. Confidence is the fill ratio
// of bright cells inside a candidate's bounding box.
func (b *Backend) Detect(ctx context.Context, img image.Image) (*types.BoundingBox, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	step := max(1, bounds.Dx()/160)
	cols := (bounds.Dx() + step - 1) / step
	rows := (bounds.Dy() + step - 1) / step
	if cols == 0 || rows == 0 {
		return nil, nil
	}

	mask := make([]bool, cols*rows)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x, y := bounds.Min.X+c*step, bounds.Min.Y+r*step
			mask[r*cols+c] = luminance(img.At(x, y)) >= b.opts.Threshold
		}
	}

	var candidates []types.BoundingBox
	for _, reg := range regions(mask, cols, rows) {
		w, h := reg.maxC-reg.minC+1, reg.maxR-reg.minR+1
		box := types.BoundingBox{
			X:          float64(reg.minC * step),
			Y:          float64(reg.minR * step),
			W:          float64(w * step),
			H:          float64(h * step),
			Confidence: math.Min(1, float64(reg.cells)/float64(w*h)),
		}
		candidates = append(candidates, box.Clamp(bounds.Dx(), bounds.Dy()))
	}
	return backend.SelectLargest(candidates), nil
}

// region is one connected area of the mask, in grid cells
type region struct {
	minC, minR, maxC, maxR int
	cells                  int
}

// regions labels the 4-connected true areas of a cols x rows mask
func regions(mask []bool, cols, rows int) []region {
	seen := make([]bool, len(mask))
	var (
		out   []region
		stack []int
	)
	for start, on := range mask {
		if !on || seen[start] {
			continue
		}
		reg := region{minC: math.MaxInt, minR: math.MaxInt, maxC: -1, maxR: -1}
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			c, r := i%cols, i/cols
			reg.cells++
			reg.minC, reg.minR = min(reg.minC, c), min(reg.minR, r)
			reg.maxC, reg.maxR = max(reg.maxC, c), max(reg.maxR, r)

			for _, n := range [4]int{i - 1, i + 1, i - cols, i + cols} {
				switch {
				case n < 0 || n >= len(mask):
					continue
				case (n == i-1 && c == 0) || (n == i+1 && c == cols-1):
					continue
				case !mask[n] || seen[n]:
					continue
				}
				seen[n] = true
				stack = append(stack, n)
			}
		}
		out = append(out, reg)
	}
	return out
}

// Reconstruct implements backend.Reconstructor.
// The mesh is a UV ellipsoid in model-native axes (y down, z away from camera).
func (b *Backend) Reconstruct(ctx context.Context, crop image.Image) (*types.RawMesh, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}

	bounds := crop.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("synthetic: empty crop")
	}

	rx := float64(bounds.Dx()) / 2
	ry := float64(bounds.Dy()) / 2 * 1.25
	rz := rx * (0.3 + 0.5*meanLuminance(crop)/255)

	rings, segments := b.opts.Rings, b.opts.Segments
	vertices := make([]types.Vertex, 0, (rings+1)*segments)
	for r := 0; r <= rings; r++ {
		theta := math.Pi * float64(r) / float64(rings)
		for s := 0; s < segments; s++ {
			phi := 2 * math.Pi * float64(s) / float64(segments)
			vertices = append(vertices, types.Vertex{
				rx * math.Sin(theta) * math.Cos(phi),
				-ry * math.Cos(theta),
				-rz * math.Sin(theta) * math.Sin(phi),
			})
		}
	}

	faces := make([]types.Face, 0, rings*segments*2)
	for r := 0; r < rings; r++ {
		for s := 0; s < segments; s++ {
			a := uint32(r*segments + s)
			bb := uint32(r*segments + (s+1)%segments)
			c := uint32((r+1)*segments + s)
			d := uint32((r+1)*segments + (s+1)%segments)
			faces = append(faces, types.Face{a, c, bb}, types.Face{bb, c, d})
		}
	}

	return &types.RawMesh{Vertices: vertices, Faces: faces, Convention: types.ModelNative}, nil
}

func (b *Backend) begin(ctx context.Context) error {
	if b.closed.Load() {
		return fmt.Errorf("synthetic: backend closed")
	}
	b.calls.Add(1)

	if b.opts.Delay > 0 {
		timer := time.NewTimer(b.opts.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func luminance(c color.Color) uint8 {
	return color.GrayModel.Convert(c).(color.Gray).Y
}

func meanLuminance(img image.Image) float64 {
	bounds := img.Bounds()
	step := max(1, bounds.Dx()/64)
	var sum, n float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			sum += float64(luminance(img.At(x, y)))
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}
