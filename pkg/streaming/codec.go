package streaming

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// NewFrameFromJSON decodes a serialized frame back into its concrete type.
// The raw payload is retained on the frame for consumers that re-publish it.
func NewFrameFromJSON(b []byte) (Frame, error) {
	var probe struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, errors.Wrap(err, "could not probe frame type")
	}

	var frame Frame
	var err error
	switch probe.Type {
	case FrameTypeAck:
		frame, err = decodeFrame[*FrameAck](b)
	case FrameTypeTurnCreated:
		frame, err = decodeFrame[*FrameTurnCreated](b)
	case FrameTypeInputCommitted:
		frame, err = decodeFrame[*FrameInputCommitted](b)
	case FrameTypeTimelineForked:
		frame, err = decodeFrame[*FrameTimelineForked](b)
	case FrameTypeExecutionBegan:
		frame, err = decodeFrame[*FrameExecutionBegan](b)
	case FrameTypeStepAppended:
		frame, err = decodeFrame[*FrameStepAppended](b)
	case FrameTypeOutputDelta:
		frame, err = decodeFrame[*FrameOutputDelta](b)
	case FrameTypeOutputCommitted:
		frame, err = decodeFrame[*FrameOutputCommitted](b)
	case FrameTypeCompleted:
		frame, err = decodeFrame[*FrameCompleted](b)
	case FrameTypeError:
		frame, err = decodeFrame[*FrameError](b)
	default:
		return nil, errors.Errorf("unknown frame type %q", probe.Type)
	}
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func decodeFrame[T Frame](b []byte) (Frame, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, errors.Wrapf(err, "could not decode %T frame", v)
	}
	type payloadSetter interface{ SetPayload([]byte) }
	if ps, ok := any(v).(payloadSetter); ok {
		ps.SetPayload(b)
	}
	return v, nil
}

// ToTypedFrame narrows a Frame to a concrete frame struct, returning false
// when the dynamic type does not match.
func ToTypedFrame[T any](f Frame) (T, bool) {
	v, ok := f.(T)
	return v, ok
}

// Codec serializes frames for a transport. The default codec is plain JSON;
// alternative codecs can be registered under a name and looked up by
// transports that negotiate encodings.
type Codec interface {
	Name() string
	Encode(Frame) ([]byte, error)
	Decode([]byte) (Frame, error)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode frame")
	}
	return b, nil
}

func (jsonCodec) Decode(b []byte) (Frame, error) {
	return NewFrameFromJSON(b)
}

var (
	codecsMu sync.RWMutex
	codecs   = map[string]Codec{"json": jsonCodec{}}
)

func RegisterCodec(c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[c.Name()] = c
}

func LookupCodec(name string) (Codec, bool) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	c, ok := codecs[name]
	return c, ok
}

func DefaultCodec() Codec { return jsonCodec{} }
