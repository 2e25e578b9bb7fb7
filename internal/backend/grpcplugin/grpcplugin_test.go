package grpcplugin

import (
	"context"
	"errors"
	"image"
	"net"
	"os"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend/synthetic"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// TestMain lets the test binary double as a plugin process
func TestMain(m *testing.M) {
	if os.Getenv(HandshakeConfig.MagicCookieKey) == HandshakeConfig.MagicCookieValue {
		Serve(synthetic.New(), "test", "cpu")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// bufHost serves b over an in-memory gRPC listener and returns a Host bound to it
func bufHost(t *testing.T, b backend.Backend) *Host {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterFaceMeshServer(srv, &Server{Backend: b, Version: "test", Device: "cpu"})
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient() error = %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
	})

	h, err := NewHost(Config{Binary: "bufconn", CallTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	h.rpc = NewFaceMeshClient(conn)
	return h
}

func TestHost_MatchesInProcessBackend(t *testing.T) {
	ref := synthetic.New()
	h := bufHost(t, synthetic.New())
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if h.Name() != "plugin:synthetic" {
		t.Errorf("Name() = %q", h.Name())
	}
	if info := h.Info(); info.Device != "cpu" {
		t.Errorf("Info() = %+v", info)
	}

	frame := synthetic.FaceImage(200, 150, image.Rect(50, 20, 120, 110))
	got, err := h.Detect(ctx, frame)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	want, _ := ref.Detect(ctx, frame)
	if got == nil || *got != *want {
		t.Errorf("Detect() = %+v, want %+v", got, want)
	}

	miss, err := h.Detect(ctx, synthetic.FaceImage(40, 40, image.Rectangle{}))
	if err != nil || miss != nil {
		t.Errorf("Detect(empty) = %+v, %v", miss, err)
	}

	crop := synthetic.FaceImage(48, 48, image.Rect(0, 0, 48, 48))
	mesh, err := h.Reconstruct(ctx, crop)
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	wantMesh, _ := ref.Reconstruct(ctx, crop)
	if len(mesh.Vertices) != len(wantMesh.Vertices) || len(mesh.Faces) != len(wantMesh.Faces) {
		t.Errorf("mesh = %d/%d, want %d/%d", len(mesh.Vertices), len(mesh.Faces),
			len(wantMesh.Vertices), len(wantMesh.Faces))
	}
	if mesh.Convention != types.ModelNative {
		t.Errorf("convention = %v", mesh.Convention)
	}

	if hh := h.Health(ctx); !hh.Model || !hh.Detector {
		t.Errorf("Health() = %+v", hh)
	}
	t.Logf("✅ plugin round trip box=%+v vertices=%d", *got, len(mesh.Vertices))
}

func TestHost_DeadlineIsVisible(t *testing.T) {
	h := bufHost(t, synthetic.NewWithOptions(synthetic.Options{Delay: 300 * time.Millisecond}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Detect(ctx, synthetic.FaceImage(16, 16, image.Rect(1, 1, 8, 8)))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Detect() error = %v, want context.DeadlineExceeded in chain", err)
	}
}

func TestHost_BackendErrorsAndClose(t *testing.T) {
	b := synthetic.New()
	_ = b.Close()
	h := bufHost(t, b)
	ctx := context.Background()

	if _, err := h.Reconstruct(ctx, synthetic.FaceImage(8, 8, image.Rectangle{})); err == nil {
		t.Error("Reconstruct() on closed backend succeeded")
	}
	if hh := h.Health(ctx); hh.Model {
		t.Errorf("Health() = %+v, want down", hh)
	}

	_ = h.Close()
	if _, err := h.Detect(ctx, synthetic.FaceImage(8, 8, image.Rectangle{})); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Detect() after Close error = %v, want ErrNotConnected", err)
	}
	if hh := h.Health(ctx); hh.Model || hh.Detector {
		t.Errorf("Health() after Close = %+v", hh)
	}
}

func TestNewHost_RequiresBinary(t *testing.T) {
	if _, err := NewHost(Config{}); err == nil {
		t.Error("NewHost() without binary succeeded")
	}
}

// TestHost_PluginProcess launches the test binary through go-plugin.
func TestHost_PluginProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	h, err := NewHost(Config{Binary: os.Args[0], Args: []string{"-test.run=^$"}, StartTimeout: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	box, err := h.Detect(ctx, synthetic.FaceImage(120, 90, image.Rect(30, 20, 80, 70)))
	if err != nil || box == nil {
		t.Fatalf("Detect() = %+v, %v", box, err)
	}
	if !h.Health(ctx).Model {
		t.Error("plugin reported unhealthy")
	}
}
