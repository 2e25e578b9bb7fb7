package grpcplugin

import (
	"context"
	"fmt"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/imaging"
)

// Server exposes a backend.Backend as a FaceMeshServer
type Server struct {
	Backend backend.Backend
	Version string
	Device  string
}

var _ FaceMeshServer = (*Server)(nil)

func (s *Server) GetMetadata(context.Context, *Empty) (*Metadata, error) {
	return &Metadata{Name: s.Backend.Name(), Version: s.Version, Device: s.Device}, nil
}

func (s *Server) Detect(ctx context.Context, in *ImageRequest) (*DetectResponse, error) {
	img, err := imaging.Decode(in.Image)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	box, err := s.Backend.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	if box == nil {
		return &DetectResponse{}, nil
	}
	return &DetectResponse{Found: true, Box: *box}, nil
}

func (s *Server) Reconstruct(ctx context.Context, in *ImageRequest) (*ReconstructResponse, error) {
	img, err := imaging.Decode(in.Image)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	raw, err := s.Backend.Reconstruct(ctx, img)
	if err != nil {
		return nil, err
	}
	return &ReconstructResponse{Vertices: raw.Vertices, Faces: raw.Faces, Convention: int(raw.Convention)}, nil
}

func (s *Server) Health(ctx context.Context, _ *Empty) (*HealthResponse, error) {
	h := s.Backend.Health(ctx)
	return &HealthResponse{Model: h.Model, Detector: h.Detector}, nil
}

// Serve runs b as a plugin process. It blocks until the host disconnects.
func Serve(b backend.Backend, version, device string) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins:         PluginMap(&Server{Backend: b, Version: version, Device: device}),
		GRPCServer:      goplugin.DefaultGRPCServer,
	})
}
