package domain

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "ADMIN"
	RoleMember ParticipantRole = "MEMBER"
)

type Participant struct {
	ChatID     uuid.UUID       `gorm:"column:chat_id;primaryKey;type:char(36)" json:"chat_id"`
	UserID     uuid.UUID       `gorm:"column:user_id;primaryKey;type:char(36);index" json:"user_id"`
	Role       ParticipantRole `gorm:"column:role;type:varchar(20);not null;default:'MEMBER'" json:"role"`
	JoinedAt   time.Time       `gorm:"column:joined_at;not null" json:"joined_at"`
	LeftAt     sql.NullTime    `gorm:"column:left_at" json:"left_at"`
	LastReadAt sql.NullTime    `gorm:"column:last_read_at" json:"last_read_at"`
}

func (Participant) TableName() string { return "chat_participants" }

// Active reports whether the participant has not left the chat.
func (p *Participant) Active() bool {
	return p != nil && !p.LeftAt.Valid
}

func (p *Participant) IsAdmin() bool {
	return p.Active() && p.Role == RoleAdmin
}

// ParticipantDecision inspects the locked chat, acting and target rows and
// returns the participant row to write, or nil to leave the table alone.
// acting and target are nil when no row exists.
type ParticipantDecision func(chat Chat, acting, target *Participant) (*Participant, error)
