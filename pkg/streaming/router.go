package streaming

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/loom/pkg/logging"
)

// FrameRouter wires an in-process pubsub to watermill handlers so frame
// consumers (CLI renderers, websocket bridges, log dumpers) can subscribe to
// operation streams by topic.
type FrameRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	verbose    bool
}

type FrameRouterOption func(*FrameRouter)

func WithLogger(logger watermill.LoggerAdapter) FrameRouterOption {
	return func(r *FrameRouter) {
		r.logger = logger
	}
}

func WithVerbose(verbose bool) FrameRouterOption {
	return func(r *FrameRouter) {
		r.verbose = verbose
		r.logger = logging.NewWatermill(log.Logger)
	}
}

func NewFrameRouter(options ...FrameRouterOption) (*FrameRouter, error) {
	ret := &FrameRouter{
		logger: watermill.NopLogger{},
	}

	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}

	ret.router = router

	return ret, nil
}

func (r *FrameRouter) Close() error {
	log.Debug().Msg("Closing publisher")
	err := r.Publisher.Close()
	if err != nil {
		log.Error().Err(err).Msg("Failed to close pubsub")
		// not returning just yet
	}

	log.Debug().Msg("Closing router")
	err = r.router.Close()
	if err != nil {
		log.Error().Err(err).Msg("Failed to close router")
	}

	return nil
}

func (r *FrameRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	r.router.AddNoPublisherHandler(name, topic, r.Subscriber, f)
}

// AddFrameHandler registers a handler that receives decoded frames instead
// of raw watermill messages. Messages that fail to decode are logged and
// acked so one bad payload does not stall the topic.
func (r *FrameRouter) AddFrameHandler(name string, topic string, f func(ctx context.Context, frame Frame) error) {
	r.AddHandler(name, topic, func(msg *message.Message) error {
		frame, err := NewFrameFromJSON(msg.Payload)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.UUID).Msg("failed to decode frame")
			return nil
		}
		return f(msg.Context(), frame)
	})
}

// DumpRawFrames is a handler that pretty-prints each frame's JSON payload to
// stdout. In non-verbose mode the per-frame metadata block is elided.
func (r *FrameRouter) DumpRawFrames(msg *message.Message) error {
	defer msg.Ack()

	var s map[string]interface{}
	err := json.Unmarshal(msg.Payload, &s)
	if err != nil {
		return err
	}
	if !r.verbose {
		delete(s, "meta")
	}
	s_, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(s_))
	return nil
}

func (r *FrameRouter) Running() chan struct{} {
	return r.router.Running()
}

func (r *FrameRouter) IsRunning() bool {
	return r.router.IsRunning()
}

func (r *FrameRouter) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

func (r *FrameRouter) RunHandlers(ctx context.Context) error {
	return r.router.RunHandlers(ctx)
}
