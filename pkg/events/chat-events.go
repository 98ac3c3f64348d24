package events

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeExchangeStarted EventType = "exchange-started"
	EventTypeStatus          EventType = "status"
	EventTypeReconciled      EventType = "reconciled"
	EventTypePartial         EventType = "partial"
	EventTypeCompleted       EventType = "completed"
	EventTypeCancelled       EventType = "cancelled"
	EventTypeFailed          EventType = "failed"
	EventTypeLoaded          EventType = "loaded"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata identifies the conversation and exchange an event belongs to.
type EventMetadata struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ExchangeID     string `json:"exchange_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	AssistantID    string `json:"assistant_id,omitempty"`
	Version        int64  `json:"version"`
	Epoch          int64  `json:"epoch"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("conversation_id", em.ConversationID)
	e.Str("exchange_id", em.ExchangeID)
	e.Str("user_id", em.UserID)
	e.Str("assistant_id", em.AssistantID)
	e.Int64("version", em.Version)
	e.Int64("epoch", em.Epoch)
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// raw JSON when the event was decoded by NewEventFromJson
	payload []byte
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

type EventExchangeStarted struct {
	EventImpl
	EditOf string `json:"edit_of,omitempty"`
}

func NewExchangeStartedEvent(metadata EventMetadata, editOf string) *EventExchangeStarted {
	return &EventExchangeStarted{
		EventImpl: EventImpl{Type_: EventTypeExchangeStarted, Metadata_: metadata},
		EditOf:    editOf,
	}
}

type EventStatus struct {
	EventImpl
	Status string `json:"status"`
}

func NewStatusEvent(metadata EventMetadata, status string) *EventStatus {
	return &EventStatus{
		EventImpl: EventImpl{Type_: EventTypeStatus, Metadata_: metadata},
		Status:    status,
	}
}

// EventReconciled reports that a temporary message id was replaced by the server id.
type EventReconciled struct {
	EventImpl
	PreviousID string `json:"previous_id"`
	MessageID  string `json:"message_id"`
}

func NewReconciledEvent(metadata EventMetadata, previousID, messageID string) *EventReconciled {
	return &EventReconciled{
		EventImpl:  EventImpl{Type_: EventTypeReconciled, Metadata_: metadata},
		PreviousID: previousID,
		MessageID:  messageID,
	}
}

type EventPartial struct {
	EventImpl
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
}

func NewPartialEvent(metadata EventMetadata, messageID, delta string) *EventPartial {
	return &EventPartial{
		EventImpl: EventImpl{Type_: EventTypePartial, Metadata_: metadata},
		MessageID: messageID,
		Delta:     delta,
	}
}

type EventCompleted struct {
	EventImpl
}

func NewCompletedEvent(metadata EventMetadata) *EventCompleted {
	return &EventCompleted{EventImpl: EventImpl{Type_: EventTypeCompleted, Metadata_: metadata}}
}

type EventCancelled struct {
	EventImpl
}

func NewCancelledEvent(metadata EventMetadata) *EventCancelled {
	return &EventCancelled{EventImpl: EventImpl{Type_: EventTypeCancelled, Metadata_: metadata}}
}

type EventFailed struct {
	EventImpl
	Kind        string  `json:"kind"`
	ErrorString string  `json:"error_string"`
	RetryAfter  float64 `json:"retry_after_seconds,omitempty"`
}

func NewFailedEvent(metadata EventMetadata, kind string, err error, retryAfterSeconds float64) *EventFailed {
	ret := &EventFailed{
		EventImpl:  EventImpl{Type_: EventTypeFailed, Metadata_: metadata},
		Kind:       kind,
		RetryAfter: retryAfterSeconds,
	}
	if err != nil {
		ret.ErrorString = err.Error()
	}
	return ret
}

type EventLoaded struct {
	EventImpl
	Title    string `json:"title,omitempty"`
	Messages int    `json:"messages"`
}

func NewLoadedEvent(metadata EventMetadata, title string, messages int) *EventLoaded {
	return &EventLoaded{
		EventImpl: EventImpl{Type_: EventTypeLoaded, Metadata_: metadata},
		Title:     title,
		Messages:  messages,
	}
}

func decodeAs[T any, PT interface {
	*T
	Event
	setPayload([]byte)
}](b []byte) (Event, error) {
	var ret T
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, err
	}
	p := PT(&ret)
	p.setPayload(b)
	return p, nil
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}

// NewEventFromJson decodes an event published on the events topic.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, err
	}

	switch hdr.Type {
	case EventTypeExchangeStarted:
		return decodeAs[EventExchangeStarted](b)
	case EventTypeStatus:
		return decodeAs[EventStatus](b)
	case EventTypeReconciled:
		return decodeAs[EventReconciled](b)
	case EventTypePartial:
		return decodeAs[EventPartial](b)
	case EventTypeCompleted:
		return decodeAs[EventCompleted](b)
	case EventTypeCancelled:
		return decodeAs[EventCancelled](b)
	case EventTypeFailed:
		return decodeAs[EventFailed](b)
	case EventTypeLoaded:
		return decodeAs[EventLoaded](b)
	}
	return nil, fmt.Errorf("unknown event type: %q", hdr.Type)
}
