package streaming

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Sink receives frames as an operation progresses. Implementations must be
// safe for use from a single producer goroutine; the orchestrator never
// publishes a frame from more than one goroutine at a time.
type Sink interface {
	PublishFrame(Frame) error
}

type ctxKey int

const (
	ctxKeyFrameSinks ctxKey = iota
)

// WithFrameSinks attaches one or more sinks to the context handed to an
// orchestrator operation. The operation publishes every frame to them in
// addition to its own sinks, so a caller can observe a single request
// without reconfiguring the orchestrator.
func WithFrameSinks(ctx context.Context, sinks ...Sink) context.Context {
	if len(sinks) == 0 {
		return ctx
	}
	existing := GetFrameSinks(ctx)
	combined := append([]Sink{}, existing...)
	combined = append(combined, sinks...)
	return context.WithValue(ctx, ctxKeyFrameSinks, combined)
}

func GetFrameSinks(ctx context.Context) []Sink {
	if v := ctx.Value(ctxKeyFrameSinks); v != nil {
		if sinks, ok := v.([]Sink); ok {
			return sinks
		}
	}
	return nil
}

// WatermillSink publishes frames to a watermill publisher under a fixed
// topic, JSON-encoded with the default codec.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{
		publisher: publisher,
		topic:     topic,
	}
}

func (w *WatermillSink) PublishFrame(frame Frame) error {
	b, err := DefaultCodec().Encode(frame)
	if err != nil {
		return errors.Wrap(err, "could not encode frame for publishing")
	}
	msg := newFrameMessage(frame, b)
	if err := w.publisher.Publish(w.topic, msg); err != nil {
		return errors.Wrapf(err, "could not publish frame to topic %s", w.topic)
	}
	return nil
}

var _ Sink = &WatermillSink{}

// ChannelSink delivers frames into an unbounded in-process queue. The
// producer never blocks, regardless of how slowly the consumer drains.
type ChannelSink struct {
	queue *FrameQueue
}

func NewChannelSink(queue *FrameQueue) *ChannelSink {
	return &ChannelSink{queue: queue}
}

func (c *ChannelSink) PublishFrame(frame Frame) error {
	c.queue.Push(frame)
	return nil
}

var _ Sink = &ChannelSink{}

// LogSink writes every frame to the global logger at debug level. Useful as
// an extra subscriber during development.
type LogSink struct{}

func (LogSink) PublishFrame(frame Frame) error {
	log.Debug().Object("meta", frame.Metadata()).Str("type", string(frame.Type())).Msg("frame")
	return nil
}

var _ Sink = LogSink{}
