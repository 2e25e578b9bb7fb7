package grpcplugin

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/imaging"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

const (
	defaultStartTimeout = 3 * time.Second
	defaultCallTimeout  = 5 * time.Second
	healthTimeout       = time.Second
)

// ErrNotConnected is returned when the plugin process is not running
var ErrNotConnected = errors.New("grpcplugin: plugin not connected")

// Config describes a plugin binary
type Config struct {
	// Name is the registry name (defaults to the plugin's reported name)
	Name   string
	Binary string
	Args   []string
	// StartTimeout bounds the go-plugin handshake
	StartTimeout time.Duration
	// CallTimeout applies to calls whose ctx carries no deadline
	CallTimeout time.Duration
	// Debug forwards plugin logs to slog instead of discarding them
	Debug bool
}

// Host is a long-lived connection to a plugin process implementing
// backend.Backend. A plugin that exits is relaunched on the next call.
type Host struct {
	cfg Config

	mu     sync.Mutex
	client *goplugin.Client
	rpc    FaceMeshClient
	meta   Metadata
	closed bool
}

var _ backend.Backend = (*Host)(nil)

// NewHost validates cfg. Call Start to launch the plugin.
func NewHost(cfg Config) (*Host, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("grpcplugin: binary is required")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Host{cfg: cfg}, nil
}

// Start launches the plugin and reads its metadata
func (h *Host) Start(ctx context.Context) error {
	rpc, err := h.ensure()
	if err != nil {
		return err
	}

	callCtx, cancel := h.callContext(ctx, h.cfg.CallTimeout)
	defer cancel()
	meta, err := rpc.GetMetadata(callCtx)
	if err != nil {
		return fmt.Errorf("grpcplugin: get metadata: %w", err)
	}

	h.mu.Lock()
	h.meta = *meta
	h.mu.Unlock()

	slog.Info("grpcplugin: plugin started",
		"name", h.Name(),
		"binary", h.cfg.Binary,
		"version", meta.Version,
		"device", meta.Device,
	)
	return nil
}

func (h *Host) ensure() (FaceMeshClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrNotConnected
	}
	if h.rpc != nil && (h.client == nil || !h.client.Exited()) {
		return h.rpc, nil
	}
	if h.client != nil {
		slog.Warn("grpcplugin: plugin exited, relaunching", "binary", h.cfg.Binary)
		h.client.Kill()
		h.client, h.rpc = nil, nil
	}

	client, rpc, err := h.connect()
	if err != nil {
		return nil, err
	}
	h.client, h.rpc = client, rpc
	return rpc, nil
}

func (h *Host) connect() (*goplugin.Client, FaceMeshClient, error) {
	logger := hclog.New(&hclog.LoggerOptions{Output: io.Discard, Level: hclog.NoLevel})
	if h.cfg.Debug {
		logger = hclog.New(&hclog.LoggerOptions{Name: "plugin", Output: slogWriter{}, Level: hclog.Debug})
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolGRPC},
		Plugins:          PluginMap(nil),
		Cmd:              exec.Command(h.cfg.Binary, h.cfg.Args...),
		Managed:          true,
		StartTimeout:     h.cfg.StartTimeout,
		Logger:           logger,
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("grpcplugin: start plugin client: %w", err)
	}
	raw, err := rpcClient.Dispense(PluginMapKey)
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("grpcplugin: dispense plugin: %w", err)
	}
	typed, ok := raw.(FaceMeshClient)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("grpcplugin: plugin rpc client type mismatch")
	}
	return client, typed, nil
}

func (h *Host) callContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := parent.Deadline(); ok {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// callError keeps ctx errors visible to errors.Is after the gRPC status wrap
func callError(op string, ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("grpcplugin: %s: %w", op, ctxErr)
	}
	return fmt.Errorf("grpcplugin: %s: %w", op, err)
}

// Name implements backend.Backend
func (h *Host) Name() string {
	if h.cfg.Name != "" {
		return h.cfg.Name
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.meta.Name != "" {
		return "plugin:" + h.meta.Name
	}
	return "plugin"
}

// Info returns the plugin's reported identity
func (h *Host) Info() backend.Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return backend.Info{Name: h.meta.Name, Device: h.meta.Device}
}

// Detect implements backend.Detector
func (h *Host) Detect(ctx context.Context, img image.Image) (*types.BoundingBox, error) {
	rpc, err := h.ensure()
	if err != nil {
		return nil, err
	}
	data, err := imaging.EncodePNG(img)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := h.callContext(ctx, h.cfg.CallTimeout)
	defer cancel()
	resp, err := rpc.Detect(callCtx, &ImageRequest{Image: data})
	if err != nil {
		return nil, callError("detect", callCtx, err)
	}
	if !resp.Found {
		return nil, nil
	}
	box := resp.Box
	return &box, nil
}

// Reconstruct implements backend.Reconstructor
func (h *Host) Reconstruct(ctx context.Context, crop image.Image) (*types.RawMesh, error) {
	rpc, err := h.ensure()
	if err != nil {
		return nil, err
	}
	data, err := imaging.EncodePNG(crop)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := h.callContext(ctx, h.cfg.CallTimeout)
	defer cancel()
	resp, err := rpc.Reconstruct(callCtx, &ImageRequest{Image: data})
	if err != nil {
		return nil, callError("reconstruct", callCtx, err)
	}
	return &types.RawMesh{
		Vertices:   resp.Vertices,
		Faces:      resp.Faces,
		Convention: types.Convention(resp.Convention),
	}, nil
}

// Health implements backend.Backend
func (h *Host) Health(ctx context.Context) backend.Health {
	rpc, err := h.ensure()
	if err != nil {
		return backend.Health{}
	}
	callCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	resp, err := rpc.Health(callCtx)
	if err != nil {
		return backend.Health{}
	}
	return backend.Health{Model: resp.Model, Detector: resp.Detector}
}

// Close kills the plugin process
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.client != nil {
		h.client.Kill()
	}
	h.client, h.rpc = nil, nil
	return nil
}

// slogWriter forwards hclog output lines to slog at debug level
type slogWriter struct{}

func (slogWriter) Write(p []byte) (int, error) {
	slog.Debug("grpcplugin: plugin log", "line", string(trimNewline(p)))
	return len(p), nil
}

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
