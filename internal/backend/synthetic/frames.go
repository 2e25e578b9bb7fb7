package synthetic

import (
	"image"
	"image/color"
)

// FaceImage renders a dark w×h frame with a bright rectangle at face.
// Used by tests and the replay command to produce frames the detector finds.
func FaceImage(w, h int, face image.Rectangle) *image.RGBA {
	return FacesImage(w, h, face)
}

// FacesImage renders a dark w×h frame with a bright rectangle per face
func FacesImage(w, h int, faces ...image.Rectangle) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	dark := color.RGBA{R: 20, G: 20, B: 30, A: 255}
	skin := color.RGBA{R: 235, G: 200, B: 180, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, dark)
			for _, face := range faces {
				if (image.Point{X: x, Y: y}).In(face) {
					img.SetRGBA(x, y, skin)
					break
				}
			}
		}
	}
	return img
}
