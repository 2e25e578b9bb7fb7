package imaging

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// DefaultPadding widens a face box before reconstruction (30% per side).
const DefaultPadding = 0.3

// Crop copies the part of img inside box (clamped to the image) into a new
// RGBA image whose origin is (0,0). It also returns the clamped rectangle so
// callers can map crop coordinates back to frame space.
func Crop(img image.Image, box types.BoundingBox) (*image.RGBA, image.Rectangle, error) {
	bounds := img.Bounds()
	r := box.Rect().Add(bounds.Min).Intersect(bounds)
	if r.Empty() {
		return nil, image.Rectangle{}, fmt.Errorf("imaging: crop %v outside image %v", box.Rect(), bounds)
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, r.Sub(bounds.Min), nil
}

// Resize scales img to size×size with bilinear interpolation
func Resize(img image.Image, size int) (*image.RGBA, error) {
	if size <= 0 {
		return nil, fmt.Errorf("imaging: resize target must be > 0, got %d", size)
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst, nil
}

// ExtractFace pads box, clamps it to the image, crops and resizes to size×size.
// This is the reconstruction model input.
func ExtractFace(img image.Image, box types.BoundingBox, padding float64, size int) (*image.RGBA, error) {
	b := img.Bounds()
	padded := box.Expand(padding).Clamp(b.Dx(), b.Dy())
	if padded.IsEmpty() {
		return nil, fmt.Errorf("imaging: face region %+v is empty after clamping", box)
	}
	crop, _, err := Crop(img, padded)
	if err != nil {
		return nil, err
	}
	return Resize(crop, size)
}

// ToRGBA converts any image to RGBA with origin (0,0) (grayscale, paletted, …)
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// SelfCheck round-trips a tiny image through encode, decode, crop and resize.
// It backs the "preprocessor" health flag.
func SelfCheck() error {
	sample := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range sample.Pix {
		sample.Pix[i] = uint8(i)
	}
	data, err := EncodePNG(sample)
	if err != nil {
		return err
	}
	img, err := Decode(data)
	if err != nil {
		return err
	}
	out, err := ExtractFace(img, types.BoundingBox{X: 2, Y: 2, W: 4, H: 4}, DefaultPadding, 4)
	if err != nil {
		return err
	}
	if out.Bounds().Dx() != 4 || out.Bounds().Dy() != 4 {
		return fmt.Errorf("imaging: self-check produced %v", out.Bounds())
	}
	return nil
}
