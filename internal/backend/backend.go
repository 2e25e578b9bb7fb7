// Package backend defines the model capability contract consumed by the
// inference dispatcher, plus a registry of interchangeable implementations.
//
// The models are black boxes. The pipeline only ever calls:
//
//	Detector.Detect(image)           → BoundingBox | none
//	Reconstructor.Reconstruct(crop)  → RawMesh
//
// Implementations are selected by name when a session is configured
// (synthetic, subprocess, plugin); nothing inspects concrete types at runtime.
package backend

import (
	"context"
	"image"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// Detector finds the face in an image.
//
// Contract:
//   - Returns (nil, nil) when no face is found (a miss is not an error)
//   - Box coordinates are relative to img.Bounds().Min
//   - MUST honor ctx cancellation and deadline
type Detector interface {
	Detect(ctx context.Context, img image.Image) (*types.BoundingBox, error)
}

// Reconstructor turns a face crop into a RawMesh in model-local coordinates.
//
// Contract:
//   - crop is already padded and resized to the configured input resolution
//   - MUST honor ctx cancellation and deadline
type Reconstructor interface {
	Reconstruct(ctx context.Context, crop image.Image) (*types.RawMesh, error)
}

// Health reports component availability (the health surface)
type Health struct {
	Model    bool `json:"model"`
	Detector bool `json:"detector"`
}

// Backend is a named Detector + Reconstructor pair with a lifecycle
type Backend interface {
	Detector
	Reconstructor
	Name() string
	Health(ctx context.Context) Health
	Close() error
}

// Info describes a backend for status endpoints
type Info struct {
	Name   string `json:"backend"`
	Device string `json:"device"`
}
