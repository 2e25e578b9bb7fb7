// Package imaging decodes client frames and prepares model inputs.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	"image/png"
	"strings"
)

// DefaultMaxPixels bounds the decoded size of a frame (4096x4096)
const DefaultMaxPixels = 4096 * 4096

var (
	// ErrEmptyPayload is returned for a zero-length frame
	ErrEmptyPayload = errors.New("imaging: empty payload")
	// ErrTooLarge is returned when the header declares more pixels than allowed
	ErrTooLarge = errors.New("imaging: image dimensions exceed limit")
)

// Decode decodes an encoded image (JPEG or PNG bytes) of at most
// DefaultMaxPixels
func Decode(data []byte) (image.Image, error) {
	return DecodeLimited(data, DefaultMaxPixels)
}

// DecodeLimited decodes an encoded image after checking the dimensions in its
// header, so an oversized frame is rejected before any pixel buffer is
// allocated. maxPixels <= 0 means DefaultMaxPixels.
func DecodeLimited(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imaging: decode header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("imaging: decoded image is empty (%dx%d)", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d > %d pixels", ErrTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imaging: decode: %w", err)
	}
	if b := img.Bounds(); b.Empty() {
		return nil, fmt.Errorf("imaging: decoded image is empty (%v)", b)
	}
	return img, nil
}

// DecodeBase64 decodes a base64 string, with or without a data URL prefix
// ("data:image/jpeg;base64,..."), into the raw encoded bytes.
func DecodeBase64(s string) ([]byte, error) {
	if i := strings.Index(s, "base64,"); i >= 0 {
		s = s[i+len("base64,"):]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyPayload
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Some browsers strip padding
		if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rawErr == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("imaging: base64: %w", err)
	}
	return data, nil
}

// EncodePNG encodes img as PNG (lossless wire format for model backends)
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("imaging: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
