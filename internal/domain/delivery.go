package domain

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryRead      DeliveryStatus = "READ"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return 0
}

func (s DeliveryStatus) IsValid() bool { return s.rank() > 0 }

// ParseDeliveryStatus accepts the wire names SENT, DELIVERED and READ.
func ParseDeliveryStatus(v string) (DeliveryStatus, error) {
	s := DeliveryStatus(v)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown delivery status %q: %w", v, ErrValidation)
	}
	return s, nil
}

// MaxStatus returns the later of a and b in SENT < DELIVERED < READ.
func MaxStatus(a, b DeliveryStatus) DeliveryStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

type DeliveryInfo struct {
	MessageID   uuid.UUID      `gorm:"column:message_id;primaryKey;type:char(36)" json:"message_id"`
	UserID      uuid.UUID      `gorm:"column:user_id;primaryKey;type:char(36)" json:"user_id"`
	Status      DeliveryStatus `gorm:"column:status;type:varchar(20);not null;default:'SENT'" json:"status"`
	DeliveredAt sql.NullTime   `gorm:"column:delivered_at" json:"delivered_at"`
	ReadAt      sql.NullTime   `gorm:"column:read_at" json:"read_at"`
}

// Advance moves the entry towards status without ever going back. Timestamps
// are stamped on the first transition that reaches them and never rewritten.
// The second return value is false when nothing changed.
func (d DeliveryInfo) Advance(status DeliveryStatus, at time.Time) (DeliveryInfo, bool) {
	next := MaxStatus(d.Status, status)
	if next == d.Status {
		return d, false
	}
	out := d
	out.Status = next
	if next.rank() >= DeliveryDelivered.rank() && !out.DeliveredAt.Valid {
		out.DeliveredAt = sql.NullTime{Time: at, Valid: true}
	}
	if next == DeliveryRead && !out.ReadAt.Valid {
		out.ReadAt = sql.NullTime{Time: at, Valid: true}
	}
	return out, true
}
