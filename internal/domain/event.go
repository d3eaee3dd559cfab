package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventMessage        EventType = "MESSAGE"
	EventReaction       EventType = "REACTION"
	EventDeliveryStatus EventType = "DELIVERY_STATUS"
)

// Relay topics.
const (
	TopicChatMessages     = "chat-messages"
	TopicDeliveryStatus   = "delivery-status"
	TopicMessageReactions = "message-reactions"
)

type MessageEvent struct {
	MessageID        uuid.UUID     `json:"messageId"`
	ChatID           uuid.UUID     `json:"chatId"`
	SenderID         uuid.UUID     `json:"senderId"`
	Content          string        `json:"content,omitempty"`
	MessageType      MessageType   `json:"messageType"`
	Recipients       []uuid.UUID   `json:"recipients"`
	ReplyToMessageID uuid.NullUUID `json:"replyToMessageId"`
}

type DeliveryStatusEvent struct {
	MessageID uuid.UUID      `json:"messageId"`
	UserID    uuid.UUID      `json:"userId"`
	Status    DeliveryStatus `json:"status"`
}

type ReactionEvent struct {
	MessageID    uuid.UUID    `json:"messageId"`
	UserID       uuid.UUID    `json:"userId"`
	ReactionType ReactionType `json:"reactionType,omitempty"`
	Removed      bool         `json:"removed"`
}

// Envelope carries exactly one event payload; Type says which one.
type Envelope struct {
	EventID   uuid.UUID            `json:"eventId"`
	Type      EventType            `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Message   *MessageEvent        `json:"message,omitempty"`
	Reaction  *ReactionEvent       `json:"reaction,omitempty"`
	Delivery  *DeliveryStatusEvent `json:"delivery,omitempty"`
}

func newEnvelope(t EventType, at time.Time) Envelope {
	return Envelope{EventID: uuid.New(), Type: t, Timestamp: at}
}

func NewMessageEnvelope(e MessageEvent, at time.Time) Envelope {
	env := newEnvelope(EventMessage, at)
	env.Message = &e
	return env
}

func NewReactionEnvelope(e ReactionEvent, at time.Time) Envelope {
	env := newEnvelope(EventReaction, at)
	env.Reaction = &e
	return env
}

func NewDeliveryEnvelope(e DeliveryStatusEvent, at time.Time) Envelope {
	env := newEnvelope(EventDeliveryStatus, at)
	env.Delivery = &e
	return env
}

// Topic returns the relay topic and partition key the envelope is published
// under: chat id for messages, message id for reactions and delivery updates.
func (e Envelope) Topic() (topic, key string, err error) {
	if err := e.Validate(); err != nil {
		return "", "", err
	}
	switch e.Type {
	case EventMessage:
		return TopicChatMessages, e.Message.ChatID.String(), nil
	case EventReaction:
		return TopicMessageReactions, e.Reaction.MessageID.String(), nil
	default:
		return TopicDeliveryStatus, e.Delivery.MessageID.String(), nil
	}
}

// Validate checks that the discriminant matches the populated payload.
func (e Envelope) Validate() error {
	var ok bool
	switch e.Type {
	case EventMessage:
		ok = e.Message != nil && e.Reaction == nil && e.Delivery == nil
	case EventReaction:
		ok = e.Reaction != nil && e.Message == nil && e.Delivery == nil
	case EventDeliveryStatus:
		ok = e.Delivery != nil && e.Message == nil && e.Reaction == nil
	default:
		return fmt.Errorf("unknown event type %q: %w", e.Type, ErrValidation)
	}
	if !ok {
		return fmt.Errorf("event %s: payload does not match type %s: %w", e.EventID, e.Type, ErrValidation)
	}
	return nil
}

func (e Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event: %v: %w", err, ErrValidation)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
