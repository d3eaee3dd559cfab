package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ReactionType string

const (
	ReactionLike  ReactionType = "LIKE"
	ReactionLove  ReactionType = "LOVE"
	ReactionLaugh ReactionType = "LAUGH"
	ReactionWow   ReactionType = "WOW"
	ReactionSad   ReactionType = "SAD"
	ReactionAngry ReactionType = "ANGRY"
)

func (rt ReactionType) IsValid() bool {
	switch rt {
	case ReactionLike, ReactionLove, ReactionLaugh, ReactionWow, ReactionSad, ReactionAngry:
		return true
	}
	return false
}

func ParseReactionType(v string) (ReactionType, error) {
	rt := ReactionType(strings.ToUpper(strings.TrimSpace(v)))
	if !rt.IsValid() {
		return "", fmt.Errorf("unknown reaction type %q: %w", v, ErrValidation)
	}
	return rt, nil
}

type Reaction struct {
	MessageID    uuid.UUID    `gorm:"column:message_id;primaryKey;type:char(36)" json:"message_id"`
	UserID       uuid.UUID    `gorm:"column:user_id;primaryKey;type:char(36)" json:"user_id"`
	ReactionType ReactionType `gorm:"column:reaction_type;type:varchar(20);not null" json:"reaction_type"`
	UpdatedAt    time.Time    `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

func (Reaction) TableName() string { return "message_reactions" }
