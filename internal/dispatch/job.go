package dispatch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/imaging"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/tracker"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// Job is one unit of model work for one session frame.
// Everything a job reads is captured here; it never touches session state.
type Job struct {
	SessionID  string
	Generation uint64

	// Frame is the admitted client frame (Data is the encoded JPEG/PNG)
	Frame types.Frame
	// Plan is the tracker's search plan at dispatch time
	Plan tracker.Plan
	// Backend serves Detect and Reconstruct
	Backend backend.Backend
	// InputSize is the reconstruction input resolution (square)
	InputSize int
	// Padding widens the face box before cropping
	Padding float64
	// MaxPixels rejects larger frames before decoding (0 = imaging default)
	MaxPixels int
}

// Result is what a finished Job delivers back to its session.
// SessionID, Seq and Generation let the session discard superseded results.
type Result struct {
	SessionID  string
	Seq        uint64
	Generation uint64
	TraceID    string

	// Detection is the raw detector output in frame coordinates (nil = none)
	Detection *types.BoundingBox
	// Face is the box the mesh was reconstructed from (nil = no face)
	Face *types.BoundingBox
	// Mesh is the raw reconstruction (nil when Face is nil or on error)
	Mesh *types.RawMesh
	// FrameSize is the decoded frame size
	FrameSize image.Point

	// Err is a *types.PipelineError (AdmissionDrop for undecodable frames,
	// InferenceFailure for model failures and timeouts)
	Err error

	Started  time.Time
	Finished time.Time
}

// ErrTimeout marks an inference that exceeded the configured deadline
var ErrTimeout = errors.New("dispatch: inference deadline exceeded")

// ErrPanic marks a backend (or decoder) that panicked during a job
var ErrPanic = errors.New("dispatch: model call panicked")

// safeRun is run with panic recovery: a crashing model fails this job only
func safeRun(ctx context.Context, job Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: recovered panic in model call",
				"session_id", job.SessionID,
				"seq", job.Frame.Seq,
				"trace_id", job.Frame.TraceID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			res = Result{
				SessionID:  job.SessionID,
				Seq:        job.Frame.Seq,
				Generation: job.Generation,
				TraceID:    job.Frame.TraceID,
				Err:        types.NewError(types.KindInferenceFailure, "panic", fmt.Errorf("%w: %v", ErrPanic, r)),
			}
		}
	}()
	return run(ctx, job)
}

// run executes detect → select → crop → reconstruct for one job
func run(ctx context.Context, job Job) Result {
	res := Result{
		SessionID:  job.SessionID,
		Seq:        job.Frame.Seq,
		Generation: job.Generation,
		TraceID:    job.Frame.TraceID,
	}

	img, err := imaging.DecodeLimited(job.Frame.Data, job.MaxPixels)
	if err != nil {
		res.Err = types.NewError(types.KindAdmissionDrop, "decode", err)
		return res
	}
	bounds := img.Bounds()
	res.FrameSize = image.Pt(bounds.Dx(), bounds.Dy())

	det, err := detect(ctx, job, img)
	if err != nil {
		res.Err = inferenceError("detect", err)
		return res
	}
	res.Detection = det

	target := job.Plan.Target(det)
	if target == nil {
		return res
	}

	crop, err := imaging.ExtractFace(img, *target, job.Padding, job.InputSize)
	if err != nil {
		res.Err = inferenceError("extract", err)
		return res
	}

	raw, err := job.Backend.Reconstruct(ctx, crop)
	if err != nil {
		res.Err = inferenceError("reconstruct", err)
		return res
	}
	if raw == nil {
		res.Err = inferenceError("reconstruct", fmt.Errorf("backend %s returned no mesh", job.Backend.Name()))
		return res
	}

	face := *target
	res.Face = &face
	res.Mesh = raw
	return res
}

// detect runs the detector on the full frame or on the tracking neighborhood
func detect(ctx context.Context, job Job, img image.Image) (*types.BoundingBox, error) {
	if job.Plan.Region == nil {
		return job.Backend.Detect(ctx, img)
	}

	crop, rect, err := imaging.Crop(img, *job.Plan.Region)
	if err != nil {
		// Region fell outside the frame (resolution change): search everything
		return job.Backend.Detect(ctx, img)
	}
	det, err := job.Backend.Detect(ctx, crop)
	if err != nil || det == nil {
		return det, err
	}
	mapped := det.Offset(float64(rect.Min.X), float64(rect.Min.Y))
	return &mapped, nil
}

func inferenceError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return types.NewError(types.KindInferenceFailure, op, err)
}
