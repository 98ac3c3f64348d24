package events

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

const SequenceNumberKey = "sequence_number"

// PublisherManager distributes events to a set of publishers, each subscribed
// with the topic it should receive them on.
//
// Every outgoing message carries a sequence number, in the order the events
// were handed to Publish.
type PublisherManager struct {
	publishers     map[string][]message.Publisher
	sequenceNumber uint64
	mutex          sync.Mutex
}

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{
		publishers: make(map[string][]message.Publisher),
	}
}

func (s *PublisherManager) SubscribePublisher(topic string, p message.Publisher) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.publishers[topic] = append(s.publishers[topic], p)
}

// Publish serializes e to JSON and sends it to every subscribed publisher.
// A failing publisher is logged and does not stop the others; the last such
// error is returned.
func (s *PublisherManager) Publish(e Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	seq := strconv.FormatUint(s.sequenceNumber, 10)
	s.sequenceNumber++

	var ret error
	for topic, pubs := range s.publishers {
		for _, p := range pubs {
			// publishers may keep the message, so each gets its own
			msg := message.NewMessage(watermill.NewUUID(), b)
			msg.Metadata.Set(SequenceNumberKey, seq)
			setCorrelationID(msg, e)
			if err := p.Publish(topic, msg); err != nil {
				log.Warn().Err(err).Str("topic", topic).Str("type", string(e.Type())).Msg("failed to publish")
				ret = err
			}
		}
	}
	return ret
}
