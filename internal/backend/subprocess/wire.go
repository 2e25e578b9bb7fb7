package subprocess

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// Wire protocol (both directions):
//
//	[4 bytes big-endian length][msgpack payload]
//
// Requests carry an ID; the worker echoes it so the host can match
// responses to callers. A worker may answer out of order.

// Ops understood by a worker
const (
	OpDetect      = "detect"
	OpReconstruct = "reconstruct"
	OpHealth      = "health"
)

// maxFrameSize bounds a single message (a raw 4K PNG fits comfortably)
const maxFrameSize = 64 << 20

type request struct {
	ID uint64 `msgpack:"id"`
	Op string `msgpack:"op"`
	// Image is a PNG-encoded image (detect: frame or region, reconstruct: crop)
	Image []byte `msgpack:"image,omitempty"`
	// DeadlineMS tells the worker how long the host will wait
	DeadlineMS int64 `msgpack:"deadline_ms,omitempty"`
}

type wireMesh struct {
	Vertices   []types.Vertex `msgpack:"vertices"`
	Faces      []types.Face   `msgpack:"faces"`
	Convention int            `msgpack:"convention"`
}

type response struct {
	ID     uint64             `msgpack:"id"`
	Box    *types.BoundingBox `msgpack:"box,omitempty"`
	Mesh   *wireMesh          `msgpack:"mesh,omitempty"`
	Health *backend.Health    `msgpack:"health,omitempty"`
	Error  string             `msgpack:"error,omitempty"`
	// Code classifies Error (codeDeadline: the worker ran out of time)
	Code string `msgpack:"code,omitempty"`
}

const codeDeadline = "deadline"

func toWireMesh(m *types.RawMesh) *wireMesh {
	if m == nil {
		return nil
	}
	return &wireMesh{Vertices: m.Vertices, Faces: m.Faces, Convention: int(m.Convention)}
}

func (w *wireMesh) raw() *types.RawMesh {
	if w == nil {
		return nil
	}
	return &types.RawMesh{Vertices: w.Vertices, Faces: w.Faces, Convention: types.Convention(w.Convention)}
}

// writeMessage writes one length-prefixed msgpack message.
// Prefix and payload go out in a single Write so concurrent writers
// serialized by a mutex never interleave partial frames.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("subprocess: marshal: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("subprocess: message too large (%d bytes)", len(payload))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("subprocess: write: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
// Returns io.EOF untouched when the stream closes between messages.
func readMessage(r io.Reader, v any) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxFrameSize {
		return fmt.Errorf("subprocess: message length %d exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("subprocess: read payload (%d bytes): %w", n, err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("subprocess: unmarshal: %w", err)
	}
	return nil
}
