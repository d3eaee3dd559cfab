package domain

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChatType string

const (
	ChatTypeIndividual ChatType = "INDIVIDUAL"
	ChatTypeGroup      ChatType = "GROUP"
)

func (ct ChatType) IsValid() bool {
	switch ct {
	case ChatTypeIndividual, ChatTypeGroup:
		return true
	}
	return false
}

type Chat struct {
	ID          uuid.UUID      `gorm:"primaryKey;type:char(36)" json:"id"`
	Type        ChatType       `gorm:"column:type;type:varchar(20);not null" json:"type"`
	Name        sql.NullString `gorm:"column:name" json:"name"`
	Description sql.NullString `gorm:"column:description" json:"description"`
	CreatorID   uuid.UUID      `gorm:"column:creator_id;not null;type:char(36)" json:"creator_id"`
	// PairKey is only set for individual chats; the unique index keeps one
	// chat per unordered pair of users.
	PairKey   sql.NullString `gorm:"column:pair_key;type:varchar(80);uniqueIndex" json:"-"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (c *Chat) BeforeSave(tx *gorm.DB) (err error) {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid chat type: %s", c.Type)
	}
	if c.Type == ChatTypeIndividual && (c.Name.Valid || c.Description.Valid) {
		return fmt.Errorf("individual chat %s cannot carry a name or description", c.ID)
	}
	return nil
}

// PairKey returns the order-independent key for the individual chat
// between a and b.
func PairKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if y < x {
		x, y = y, x
	}
	return x + ":" + y
}
