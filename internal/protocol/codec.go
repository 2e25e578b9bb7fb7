package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// ErrMalformed marks client messages that could not be parsed
var ErrMalformed = errors.New("protocol: malformed message")

// BinaryFrameHeader is the size of the seq prefix of a raw binary frame
const BinaryFrameHeader = 8

// Codec encodes outbound envelopes
type Codec struct {
	// Binary selects MessagePack instead of JSON
	Binary bool
}

// Encode serializes env. The returned bool reports a binary payload.
func (c Codec) Encode(env Envelope) ([]byte, bool, error) {
	if !c.Binary {
		data, err := json.Marshal(env)
		if err != nil {
			return nil, false, fmt.Errorf("protocol: encode %s: %w", env.Type, err)
		}
		return data, false, nil
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(env); err != nil {
		return nil, true, fmt.Errorf("protocol: encode %s: %w", env.Type, err)
	}
	return buf.Bytes(), true, nil
}

type textMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type textFrame struct {
	Image string `json:"image"`
	Seq   uint64 `json:"seq"`
}

// DecodeText parses a JSON client message
func DecodeText(data []byte) (Inbound, error) {
	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch msg.Type {
	case TypeFrame:
		var f textFrame
		if len(msg.Data) == 0 {
			return Inbound{}, fmt.Errorf("%w: frame without data", ErrMalformed)
		}
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			return Inbound{}, fmt.Errorf("%w: frame: %w", ErrMalformed, err)
		}
		return Inbound{Type: TypeFrame, Frame: &FrameRequest{Seq: f.Seq, encoded: f.Image}}, nil

	case TypeRecalibrate, TypeGetMetrics, TypeResetMetrics:
		return Inbound{Type: msg.Type}, nil

	case "":
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Inbound{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}
}

// DecodeBinary parses a raw binary frame: [8-byte big-endian seq][image]
func DecodeBinary(data []byte) (Inbound, error) {
	if len(data) <= BinaryFrameHeader {
		return Inbound{}, fmt.Errorf("%w: binary frame too short (%d bytes)", ErrMalformed, len(data))
	}
	seq := binary.BigEndian.Uint64(data[:BinaryFrameHeader])
	return Inbound{Type: TypeFrame, Frame: NewFrameRequest(seq, data[BinaryFrameHeader:])}, nil
}

// EncodeBinaryFrame builds a raw binary frame (client side)
func EncodeBinaryFrame(seq uint64, image []byte) []byte {
	out := make([]byte, BinaryFrameHeader+len(image))
	binary.BigEndian.PutUint64(out, seq)
	copy(out[BinaryFrameHeader:], image)
	return out
}

// Received is a decoded server message (client side)
type Received struct {
	Type      string
	Mesh      *MeshUpdate
	Metrics   *types.MetricsSnapshot
	Connected *Connected
	Message   string
}

// DecodeServer parses a server message in either encoding (client side)
func DecodeServer(data []byte, isBinary bool) (Received, error) {
	var (
		typ       string
		unmarshal func(dst any) error
	)
	if isBinary {
		var env struct {
			Type string             `msgpack:"type"`
			Data msgpack.RawMessage `msgpack:"data"`
		}
		if err := msgpack.Unmarshal(data, &env); err != nil {
			return Received{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		typ = env.Type
		unmarshal = func(dst any) error { return msgpack.Unmarshal(env.Data, dst) }
	} else {
		var env textMessage
		if err := json.Unmarshal(data, &env); err != nil {
			return Received{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		typ = env.Type
		unmarshal = func(dst any) error { return json.Unmarshal(env.Data, dst) }
	}

	out := Received{Type: typ}
	var err error
	switch typ {
	case TypeMeshUpdate:
		out.Mesh = &MeshUpdate{}
		err = unmarshal(out.Mesh)
	case TypeMetricsUpdate:
		out.Metrics = &types.MetricsSnapshot{}
		err = unmarshal(out.Metrics)
	case TypeConnected:
		out.Connected = &Connected{}
		err = unmarshal(out.Connected)
	default:
		var n Notice
		err = unmarshal(&n)
		out.Message = n.Message
	}
	if err != nil {
		return Received{}, fmt.Errorf("%w: %s: %w", ErrMalformed, typ, err)
	}
	return out, nil
}
