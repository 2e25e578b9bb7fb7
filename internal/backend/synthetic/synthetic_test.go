package synthetic

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/mesh"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

func TestDetect_FindsBrightRegion(t *testing.T) {
	b := New()
	img := FaceImage(640, 480, image.Rect(100, 80, 220, 220))

	box, err := b.Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if box == nil {
		t.Fatal("Detect() found nothing")
	}
	want := types.BoundingBox{X: 100, Y: 80, W: 120, H: 140, Confidence: 1}
	if *box != want {
		t.Errorf("box = %+v, want %+v", *box, want)
	}
	t.Logf("✅ detected %+v", *box)
}

func TestDetect_SubImageCoordinatesAreLocal(t *testing.T) {
	b := New()
	full := FaceImage(640, 480, image.Rect(300, 200, 360, 280))
	sub := full.SubImage(image.Rect(256, 160, 416, 320))

	box, err := b.Detect(context.Background(), sub)
	if err != nil || box == nil {
		t.Fatalf("Detect() = %v, %v", box, err)
	}
	if box.X != 44 || box.Y != 40 {
		t.Errorf("box origin = (%v,%v), want (44,40) relative to the sub-image", box.X, box.Y)
	}
}

// TestDetect_SeveralFacesPicksOne documents multi-face frames.
//
// Scenario: two or more separate bright areas in one frame.
// Contract: Detect reports exactly one of them, chosen by larger area, then
// higher confidence, then smaller Y, then smaller X.
func TestDetect_SeveralFacesPicksOne(t *testing.T) {
	b := New()

	withHole := func(img *image.RGBA, hole image.Rectangle) *image.RGBA {
		for y := hole.Min.Y; y < hole.Max.Y; y++ {
			for x := hole.Min.X; x < hole.Max.X; x++ {
				img.SetRGBA(x, y, color.RGBA{A: 255})
			}
		}
		return img
	}

	cases := []struct {
		name string
		img  image.Image
		want types.BoundingBox
	}{
		{
			name: "larger_area_wins",
			img:  FacesImage(320, 240, image.Rect(10, 10, 50, 50), image.Rect(200, 100, 280, 180)),
			want: types.BoundingBox{X: 200, Y: 100, W: 80, H: 80, Confidence: 1},
		},
		{
			name: "equal_area_higher_in_frame_wins",
			img:  FacesImage(320, 240, image.Rect(40, 120, 100, 180), image.Rect(200, 40, 260, 100)),
			want: types.BoundingBox{X: 200, Y: 40, W: 60, H: 60, Confidence: 1},
		},
		{
			name: "equal_area_and_row_leftmost_wins",
			img:  FacesImage(320, 240, image.Rect(200, 60, 260, 120), image.Rect(40, 60, 100, 120)),
			want: types.BoundingBox{X: 40, Y: 60, W: 60, H: 60, Confidence: 1},
		},
		{
			name: "equal_area_higher_confidence_wins",
			img: withHole(
				FacesImage(320, 240, image.Rect(40, 20, 100, 80), image.Rect(200, 140, 260, 200)),
				image.Rect(60, 40, 80, 60),
			),
			want: types.BoundingBox{X: 200, Y: 140, W: 60, H: 60, Confidence: 1},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			box, err := b.Detect(context.Background(), tc.img)
			if err != nil || box == nil {
				t.Fatalf("Detect() = %v, %v", box, err)
			}
			if *box != tc.want {
				t.Errorf("box = %+v, want %+v", *box, tc.want)
			}
		})
	}
	t.Logf("✅ one face chosen per frame")
}

func TestDetect_NoFace(t *testing.T) {
	b := New()
	img := FaceImage(320, 240, image.Rectangle{})
	box, err := b.Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if box != nil {
		t.Errorf("box = %+v, want nil", *box)
	}
}

func TestReconstruct_ValidNativeMesh(t *testing.T) {
	b := NewWithOptions(Options{Rings: 8, Segments: 12})
	crop := FaceImage(192, 192, image.Rect(0, 0, 192, 192))

	raw, err := b.Reconstruct(context.Background(), crop)
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	if len(raw.Vertices) != 9*12 || len(raw.Faces) != 8*12*2 {
		t.Errorf("sizes: %d vertices, %d faces", len(raw.Vertices), len(raw.Faces))
	}
	if raw.Convention != types.ModelNative {
		t.Errorf("convention = %v", raw.Convention)
	}

	// Every face index must be valid for the normalizer
	if _, err := (mesh.Normalizer{TargetSize: 200}).Normalize(*raw); err != nil {
		t.Errorf("normalizer rejected synthetic mesh: %v", err)
	}
}

func TestBackend_DelayHonorsContext(t *testing.T) {
	b := NewWithOptions(Options{Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := b.Detect(ctx, FaceImage(16, 16, image.Rect(2, 2, 8, 8)))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Detect ignored ctx: took %v", elapsed)
	}
}

func TestBackend_Close(t *testing.T) {
	b := New()
	if h := b.Health(context.Background()); !h.Model || !h.Detector {
		t.Fatalf("health before close = %+v", h)
	}
	_ = b.Close()
	if h := b.Health(context.Background()); h.Model || h.Detector {
		t.Errorf("health after close = %+v", h)
	}
	if _, err := b.Detect(context.Background(), FaceImage(8, 8, image.Rectangle{})); err == nil {
		t.Error("Detect after Close succeeded")
	}
}
