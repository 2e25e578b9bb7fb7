// Package grpcplugin serves and consumes face models as hashicorp/go-plugin
// gRPC plugins. Messages travel as JSON through a registered gRPC codec, so
// no generated protobuf code is needed on either side.
package grpcplugin

import (
	"context"
	"encoding/json"
	"fmt"

	goplugin "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

const (
	PluginMapKey      = "facemesh"
	serviceName       = "facemesh.backend.v1.FaceMesh"
	jsonCodecName     = "json"
	methodGetMetadata = "/" + serviceName + "/GetMetadata"
	methodDetect      = "/" + serviceName + "/Detect"
	methodReconstruct = "/" + serviceName + "/Reconstruct"
	methodHealth      = "/" + serviceName + "/Health"
)

// HandshakeConfig must match between host and plugin binaries
var HandshakeConfig = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "FACEMESH_PLUGIN",
	MagicCookieValue: "facemesh",
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return jsonCodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type Empty struct{}

type Metadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Device  string `json:"device"`
}

// ImageRequest carries a PNG-encoded frame, region or crop
type ImageRequest struct {
	Image []byte `json:"image"`
}

type DetectResponse struct {
	Found bool              `json:"found"`
	Box   types.BoundingBox `json:"box"`
}

type ReconstructResponse struct {
	Vertices   []types.Vertex `json:"vertices"`
	Faces      []types.Face   `json:"faces"`
	Convention int            `json:"convention"`
}

type HealthResponse struct {
	Model    bool `json:"model"`
	Detector bool `json:"detector"`
}

type FaceMeshServer interface {
	GetMetadata(ctx context.Context, in *Empty) (*Metadata, error)
	Detect(ctx context.Context, in *ImageRequest) (*DetectResponse, error)
	Reconstruct(ctx context.Context, in *ImageRequest) (*ReconstructResponse, error)
	Health(ctx context.Context, in *Empty) (*HealthResponse, error)
}

type FaceMeshClient interface {
	GetMetadata(ctx context.Context) (*Metadata, error)
	Detect(ctx context.Context, in *ImageRequest) (*DetectResponse, error)
	Reconstruct(ctx context.Context, in *ImageRequest) (*ReconstructResponse, error)
	Health(ctx context.Context) (*HealthResponse, error)
}

type faceMeshClient struct {
	conn grpc.ClientConnInterface
}

func NewFaceMeshClient(conn grpc.ClientConnInterface) FaceMeshClient {
	return &faceMeshClient{conn: conn}
}

func (c *faceMeshClient) GetMetadata(ctx context.Context) (*Metadata, error) {
	out := &Metadata{}
	if err := c.conn.Invoke(ctx, methodGetMetadata, &Empty{}, out, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *faceMeshClient) Detect(ctx context.Context, in *ImageRequest) (*DetectResponse, error) {
	out := &DetectResponse{}
	if err := c.conn.Invoke(ctx, methodDetect, in, out, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *faceMeshClient) Reconstruct(ctx context.Context, in *ImageRequest) (*ReconstructResponse, error) {
	out := &ReconstructResponse{}
	if err := c.conn.Invoke(ctx, methodReconstruct, in, out, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *faceMeshClient) Health(ctx context.Context) (*HealthResponse, error) {
	out := &HealthResponse{}
	if err := c.conn.Invoke(ctx, methodHealth, &Empty{}, out, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

// unary builds a MethodDesc for a handler taking *In
func unary[In any, Out any](name, fullMethod string, call func(context.Context, *In) (*Out, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(In)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				typed, ok := req.(*In)
				if !ok {
					return nil, fmt.Errorf("invalid request type")
				}
				return call(ctx, typed)
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func RegisterFaceMeshServer(server grpc.ServiceRegistrar, impl FaceMeshServer) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*FaceMeshServer)(nil),
		Methods: []grpc.MethodDesc{
			unary("GetMetadata", methodGetMetadata, impl.GetMetadata),
			unary("Detect", methodDetect, impl.Detect),
			unary("Reconstruct", methodReconstruct, impl.Reconstruct),
			unary("Health", methodHealth, impl.Health),
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "facemesh-backend-v1.proto",
	}, impl)
}

type GRPCPlugin struct {
	goplugin.NetRPCUnsupportedPlugin
	Impl FaceMeshServer
}

func (p *GRPCPlugin) GRPCServer(_ *goplugin.GRPCBroker, server *grpc.Server) error {
	RegisterFaceMeshServer(server, p.Impl)
	return nil
}

func (p *GRPCPlugin) GRPCClient(_ context.Context, _ *goplugin.GRPCBroker, conn *grpc.ClientConn) (any, error) {
	return NewFaceMeshClient(conn), nil
}

func PluginMap(impl FaceMeshServer) map[string]goplugin.Plugin {
	return map[string]goplugin.Plugin{
		PluginMapKey: &GRPCPlugin{Impl: impl},
	}
}
