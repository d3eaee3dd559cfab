package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Notifications below go straight to realtime subscribers. They are not
// stored and never travel over the relay.

type ChatEventType string

const (
	ChatEventUserJoined         ChatEventType = "USER_JOINED"
	ChatEventParticipantAdded   ChatEventType = "PARTICIPANT_ADDED"
	ChatEventParticipantRemoved ChatEventType = "PARTICIPANT_REMOVED"
)

// ChatEvent reports a change in who is part of a chat, or a member opening
// it. ActorID is the admin or member who made the change.
type ChatEvent struct {
	Type      ChatEventType `json:"type"`
	ChatID    uuid.UUID     `json:"chatId"`
	UserID    uuid.UUID     `json:"userId"`
	ActorID   uuid.NullUUID `json:"actorId"`
	Timestamp time.Time     `json:"timestamp"`
}

type TypingEvent struct {
	ChatID    uuid.UUID `json:"chatId"`
	UserID    uuid.UUID `json:"userId"`
	IsTyping  bool      `json:"isTyping"`
	Timestamp time.Time `json:"timestamp"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "ONLINE"
	PresenceAway    PresenceStatus = "AWAY"
	PresenceOffline PresenceStatus = "OFFLINE"
)

func ParsePresenceStatus(v string) (PresenceStatus, error) {
	s := PresenceStatus(strings.ToUpper(strings.TrimSpace(v)))
	switch s {
	case PresenceOnline, PresenceAway, PresenceOffline:
		return s, nil
	}
	return "", fmt.Errorf("unknown presence status %q: %w", v, ErrValidation)
}

type PresenceEvent struct {
	UserID    uuid.UUID      `json:"userId"`
	Status    PresenceStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}
