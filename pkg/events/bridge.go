package events

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/branchchat/pkg/chat"
	"github.com/go-go-golems/branchchat/pkg/conversation"
)

const DefaultTopic = "chat"

func metadataFromChange(ch conversation.Change) EventMetadata {
	ret := EventMetadata{
		ConversationID: ch.ConversationID,
		Version:        ch.Version,
		Epoch:          ch.Epoch,
	}
	if ex := ch.Exchange; ex != nil {
		ret.ExchangeID = ex.ID
		ret.UserID = ex.UserID.String()
		ret.AssistantID = ex.AssistantID.String()
	}
	return ret
}

// FromChange maps a store change to the events it represents. Changes that are
// only of interest inside the store map to nothing.
func FromChange(ch conversation.Change) []Event {
	meta := metadataFromChange(ch)
	switch ch.Mutation {
	case "begin_exchange":
		editOf := ""
		if ch.Exchange != nil {
			editOf = ch.Exchange.EditOf.String()
		}
		return []Event{NewExchangeStartedEvent(meta, editOf)}
	case "append_content", "set_content":
		if ch.Delta == "" {
			return nil
		}
		return []Event{NewPartialEvent(meta, ch.MessageID.String(), ch.Delta)}
	case "replace_id", "reconcile_ids":
		ret := make([]Event, 0, len(ch.Reconciled))
		for _, p := range ch.Reconciled {
			ret = append(ret, NewReconciledEvent(meta, p.Old.String(), p.New.String()))
		}
		return ret
	case "load":
		return []Event{NewLoadedEvent(meta, ch.Title, ch.Messages)}
	case "set_status":
		switch ch.Status {
		case conversation.StatusCompleted:
			return []Event{NewCompletedEvent(meta)}
		case conversation.StatusCancelled:
			return []Event{NewCancelledEvent(meta)}
		case conversation.StatusFailed:
			ce := chat.Classify(ch.Err)
			if ce == nil {
				return []Event{NewFailedEvent(meta, string(chat.KindNetwork), nil, 0)}
			}
			return []Event{NewFailedEvent(meta, string(ce.Kind), ce.Err, ce.RetryAfter.Seconds())}
		case conversation.StatusRequestSent, conversation.StatusReconcilingIDs, conversation.StatusStreaming:
			return []Event{NewStatusEvent(meta, string(ch.Status))}
		case conversation.StatusIdle, conversation.StatusOptimisticInserted:
		}
	}
	return nil
}

// Attach publishes the store's changes as events on topic. The returned func detaches.
func Attach(store *conversation.Store, publisher message.Publisher, topic string) func() {
	m := NewPublisherManager()
	m.SubscribePublisher(topic, publisher)
	return AttachManager(store, m)
}

// AttachManager publishes the store's changes through m.
func AttachManager(store *conversation.Store, m *PublisherManager) func() {
	return store.Subscribe(func(ch conversation.Change) {
		for _, e := range FromChange(ch) {
			_ = m.Publish(e)
		}
	})
}
