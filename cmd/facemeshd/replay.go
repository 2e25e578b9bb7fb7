package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/client/rendersync"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend/synthetic"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/imaging"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/protocol"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

type replayOptions struct {
	Server        string // ws://host:port/ws
	Frames        int    // 0 = once through the images (synthetic: 60)
	FPS           float64
	Binary        bool     // send raw binary frames instead of JSON
	Images        string   // glob of JPEG/PNG files; empty = synthetic frames
	Params        []string // key=value session overrides
	RecalibrateAt int      // send recalibrate before this seq (0 = never)
	Settle        time.Duration
	Wait          time.Duration
}

type replaySummary struct {
	SessionID string
	Sent      uint64
	Applied   uint64
	Stale     uint64
	NoFace    uint64
	Errors    uint64
	LastError string
	Elapsed   time.Duration
	Metrics   *types.MetricsSnapshot
}

func newReplayCmd() *cobra.Command {
	opts := replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Stream frames to a server and apply the returned meshes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			summary, err := runReplay(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderReplay(summary))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Server, "server", "ws://127.0.0.1:5000/ws", "WebSocket endpoint")
	f.IntVar(&opts.Frames, "frames", 0, "Frames to send (default: every image once, or 60 synthetic)")
	f.Float64Var(&opts.FPS, "fps", 15, "Send rate")
	f.BoolVar(&opts.Binary, "binary", false, "Send raw binary frames")
	f.StringVar(&opts.Images, "images", "", "Glob of JPEG/PNG frames (default: synthetic moving face)")
	f.StringArrayVar(&opts.Params, "param", nil, "Session override key=value (repeatable)")
	f.IntVar(&opts.RecalibrateAt, "recalibrate-at", 0, "Send recalibrate before this frame")
	f.DurationVar(&opts.Settle, "settle", 300*time.Millisecond, "Wait for in-flight frames before requesting metrics")
	f.DurationVar(&opts.Wait, "wait", 3*time.Second, "How long to wait for server replies")
	return cmd
}

// frameSource yields encoded images by index
type frameSource func(i int) ([]byte, error)

func loadFrames(opts replayOptions) (frameSource, int, error) {
	if opts.Images == "" {
		n := opts.Frames
		if n <= 0 {
			n = 60
		}
		return syntheticFrame, n, nil
	}

	paths, err := filepath.Glob(opts.Images)
	if err != nil {
		return nil, 0, fmt.Errorf("replay: bad glob %q: %w", opts.Images, err)
	}
	if len(paths) == 0 {
		return nil, 0, fmt.Errorf("replay: no images match %q", opts.Images)
	}
	sort.Strings(paths)

	images := make([][]byte, len(paths))
	for i, p := range paths {
		if images[i], err = os.ReadFile(p); err != nil {
			return nil, 0, fmt.Errorf("replay: %w", err)
		}
	}
	n := opts.Frames
	if n <= 0 {
		n = len(images)
	}
	return func(i int) ([]byte, error) { return images[i%len(images)], nil }, n, nil
}

// syntheticFrame renders a face sweeping left and right across a 320x240 frame
func syntheticFrame(i int) ([]byte, error) {
	x := 40 + (i*8)%140
	y := 50 + (i*3)%30
	img := synthetic.FaceImage(320, 240, image.Rect(x, y, x+110, y+130))
	return imaging.EncodePNG(img)
}

type textFrame struct {
	Type string `json:"type"`
	Data struct {
		Image string `json:"image"`
		Seq   uint64 `json:"seq"`
	} `json:"data"`
}

func encodeFrame(seq uint64, data []byte, binary bool) (int, []byte, error) {
	if binary {
		return websocket.BinaryMessage, protocol.EncodeBinaryFrame(seq, data), nil
	}
	var f textFrame
	f.Type = protocol.TypeFrame
	f.Data.Seq = seq
	f.Data.Image = base64.StdEncoding.EncodeToString(data)
	payload, err := json.Marshal(f)
	return websocket.TextMessage, payload, err
}

func controlMessage(typ string) []byte {
	payload, _ := json.Marshal(map[string]string{"type": typ})
	return payload
}

func replayURL(server string, params []string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("replay: bad server url: %w", err)
	}
	q := u.Query()
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return "", fmt.Errorf("replay: --param must be key=value, got %q", p)
		}
		q.Set(key, value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// logScene reports applied meshes at debug level
type logScene struct{}

func (logScene) ShowMesh(u protocol.MeshUpdate) {
	slog.Debug("mesh applied", "seq", u.SourceFrameSeq, "vertices", len(u.Vertices))
}
func (logScene) FaceLost() { slog.Debug("face lost") }
func (logScene) Cleared()  { slog.Debug("mesh cleared") }

// runReplay streams frames over one session. Every server message goes
// through a rendersync.Applier, so the summary counts what a renderer would
// actually have shown.
func runReplay(ctx context.Context, opts replayOptions) (replaySummary, error) {
	frames, n, err := loadFrames(opts)
	if err != nil {
		return replaySummary{}, err
	}
	target, err := replayURL(opts.Server, opts.Params)
	if err != nil {
		return replaySummary{}, err
	}
	if opts.FPS <= 0 {
		opts.FPS = 15
	}
	if opts.Wait <= 0 {
		opts.Wait = 3 * time.Second
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return replaySummary{}, fmt.Errorf("replay: dial %s: %w", target, err)
	}
	defer ws.Close()

	var (
		summary   replaySummary
		errCount  atomic.Uint64
		lastError atomic.Value // string
		applier   = rendersync.New(logScene{})
		connected = make(chan string, 1)
		metricsCh = make(chan types.MetricsSnapshot, 1)
		readDone  = make(chan error, 1)
	)

	go func() {
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			msg, err := protocol.DecodeServer(data, mt == websocket.BinaryMessage)
			if err != nil {
				slog.Warn("replay: undecodable server message", "error", err)
				continue
			}
			switch msg.Type {
			case protocol.TypeConnected:
				connected <- msg.Connected.SessionID
			case protocol.TypeMetricsUpdate:
				select {
				case metricsCh <- *msg.Metrics:
				default:
				}
			case protocol.TypeError:
				errCount.Add(1)
				lastError.Store(msg.Message)
			default:
				applier.Handle(msg)
			}
		}
	}()

	select {
	case summary.SessionID = <-connected:
	case err := <-readDone:
		return replaySummary{}, fmt.Errorf("replay: session refused: %w", err)
	case <-time.After(opts.Wait):
		return replaySummary{}, errors.New("replay: no connected message from server")
	case <-ctx.Done():
		return replaySummary{}, ctx.Err()
	}
	slog.Info("replay started", "session_id", summary.SessionID, "frames", n, "fps", opts.FPS)

	start := time.Now()
	ticker := time.NewTicker(time.Duration(float64(time.Second) / opts.FPS))
	defer ticker.Stop()

	for i := 0; i < n; i++ {
		seq := uint64(i + 1)
		if opts.RecalibrateAt > 0 && int(seq) == opts.RecalibrateAt {
			if err := ws.WriteMessage(websocket.TextMessage, controlMessage(protocol.TypeRecalibrate)); err != nil {
				return summary, fmt.Errorf("replay: send recalibrate: %w", err)
			}
		}

		data, err := frames(i)
		if err != nil {
			return summary, err
		}
		mt, payload, err := encodeFrame(seq, data, opts.Binary)
		if err != nil {
			return summary, fmt.Errorf("replay: encode frame %d: %w", seq, err)
		}
		if err := ws.WriteMessage(mt, payload); err != nil {
			return summary, fmt.Errorf("replay: send frame %d: %w", seq, err)
		}
		summary.Sent++

		select {
		case <-ticker.C:
		case err := <-readDone:
			return summary, fmt.Errorf("replay: connection lost: %w", err)
		case <-ctx.Done():
			return summary, ctx.Err()
		}
	}

	time.Sleep(opts.Settle)
	if err := ws.WriteMessage(websocket.TextMessage, controlMessage(protocol.TypeGetMetrics)); err != nil {
		return summary, fmt.Errorf("replay: request metrics: %w", err)
	}
	select {
	case m := <-metricsCh:
		summary.Metrics = &m
	case <-time.After(opts.Wait):
		slog.Warn("replay: no metrics_update received")
	}
	summary.Elapsed = time.Since(start)

	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replay done"),
		time.Now().Add(time.Second))
	select {
	case <-readDone:
	case <-time.After(opts.Wait):
	}

	stats := applier.Stats()
	summary.Applied = stats.Applied
	summary.Stale = stats.Stale
	summary.NoFace = stats.NoFace
	summary.Errors = errCount.Load()
	if s, ok := lastError.Load().(string); ok {
		summary.LastError = s
	}
	return summary, nil
}
