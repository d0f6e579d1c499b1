package streaming

import (
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// PublisherManager distributes frames to a set of watermill publishers.
// Publishers subscribe to a topic; each published frame is delivered to
// every publisher registered for every topic.
//
// The manager stamps a process-wide sequence number onto each outgoing
// message, in the order Publish handles them. This is independent of the
// per-operation frame sequence carried in FrameMetadata.
type PublisherManager struct {
	Publishers     map[string][]message.Publisher
	sequenceNumber uint64
	mutex          sync.Mutex
}

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{
		Publishers: make(map[string][]message.Publisher),
	}
}

func (s *PublisherManager) SubscribePublisher(topic string, pub message.Publisher) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Publishers[topic] = append(s.Publishers[topic], pub)
}

func (s *PublisherManager) Publish(frame Frame) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, err := DefaultCodec().Encode(frame)
	if err != nil {
		return err
	}

	msg := newFrameMessage(frame, b)
	msg.Metadata.Set("sequence_number", fmt.Sprintf("%d", s.sequenceNumber))
	s.sequenceNumber++

	for topic, pubs := range s.Publishers {
		for _, pub := range pubs {
			err = pub.Publish(topic, msg)
			if err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("failed to publish frame")
			}
		}
	}

	return nil
}

func (s *PublisherManager) PublishBlind(frame Frame) {
	err := s.Publish(frame)
	if err != nil {
		log.Warn().Err(err).Msg("failed to publish frame")
	}
}

func (s *PublisherManager) PublishFrame(frame Frame) error {
	return s.Publish(frame)
}

var _ Sink = &PublisherManager{}

func newFrameMessage(frame Frame, b []byte) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), b)
	md := frame.Metadata()
	msg.Metadata.Set("request_id", md.RequestID)
	msg.Metadata.Set("operation", string(md.Operation))
	msg.Metadata.Set("frame_type", string(frame.Type()))
	return msg
}
