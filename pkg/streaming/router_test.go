package streaming

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"
)

type capturingPublisher struct {
	mu       sync.Mutex
	messages map[string][]*message.Message
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{messages: map[string][]*message.Message{}}
}

func (p *capturingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[topic] = append(p.messages[topic], messages...)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func (p *capturingPublisher) topic(name string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[name]
}

func TestPublisherManagerStampsSequence(t *testing.T) {
	publishers := NewPublisherManager()
	pub := newCapturingPublisher()
	publishers.SubscribePublisher("frames", pub)

	for i := 0; i < 3; i++ {
		require.NoError(t, publishers.Publish(NewOutputDeltaFrame(testMetadata(i, false), "x", i+1)))
	}

	got := pub.topic("frames")
	require.Len(t, got, 3)
	for i, msg := range got {
		require.Equal(t, fmt.Sprintf("%d", i), msg.Metadata.Get("sequence_number"))
		require.Equal(t, "req-1", msg.Metadata.Get("request_id"))
		require.Equal(t, string(OperationChat), msg.Metadata.Get("operation"))
		require.Equal(t, string(FrameTypeOutputDelta), msg.Metadata.Get("frame_type"))

		frame, err := NewFrameFromJSON(msg.Payload)
		require.NoError(t, err)
		require.Equal(t, i, frame.Metadata().Sequence)
	}
}

func TestPublisherManagerFansOut(t *testing.T) {
	publishers := NewPublisherManager()
	first := newCapturingPublisher()
	second := newCapturingPublisher()
	publishers.SubscribePublisher("frames", first)
	publishers.SubscribePublisher("frames", second)
	publishers.SubscribePublisher("audit", second)

	publishers.PublishBlind(NewExecutionBeganFrame(testMetadata(0, false)))

	require.Len(t, first.topic("frames"), 1)
	require.Len(t, second.topic("frames"), 1)
	require.Len(t, second.topic("audit"), 1)
}

func TestFrameRouterDeliversFrames(t *testing.T) {
	router, err := NewFrameRouter()
	require.NoError(t, err)
	defer func() { _ = router.Close() }()

	received := make(chan Frame, 1)
	router.AddFrameHandler("capture", "frames", func(ctx context.Context, frame Frame) error {
		received <- frame
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()

	select {
	case <-router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	sink := NewWatermillSink(router.Publisher, "frames")
	require.NoError(t, sink.PublishFrame(NewOutputDeltaFrame(testMetadata(0, false), "abc", 3)))

	select {
	case frame := <-received:
		delta, ok := frame.(*FrameOutputDelta)
		require.True(t, ok)
		require.Equal(t, "abc", delta.Delta)
		require.Equal(t, "req-1", delta.Metadata().RequestID)
	case <-time.After(5 * time.Second):
		t.Fatal("frame was not delivered")
	}
}
