// Command facemesh-worker-synthetic serves the synthetic face models over the
// subprocess worker protocol (length-prefixed msgpack on stdin/stdout).
//
// stdout carries protocol frames only; logs go to stderr so the host can
// relay them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend/subprocess"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend/synthetic"
)

func main() {
	threshold := flag.Uint("threshold", 128, "Luminance threshold (0-255) for the face detector")
	rings := flag.Int("rings", 16, "Mesh latitude rings")
	segments := flag.Int("segments", 24, "Mesh longitude segments")
	delay := flag.Duration("delay", 0, "Simulated model cost per call")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := synthetic.NewWithOptions(synthetic.Options{
		Threshold: uint8(min(*threshold, 255)),
		Rings:     *rings,
		Segments:  *segments,
		Delay:     *delay,
	})
	defer b.Close()

	slog.Info("synthetic worker ready", "pid", os.Getpid(), "delay", *delay)

	start := time.Now()
	if err := subprocess.Serve(ctx, os.Stdin, os.Stdout, b); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("synthetic worker exiting", "uptime", time.Since(start).Round(time.Second), "calls", b.Calls())
}
