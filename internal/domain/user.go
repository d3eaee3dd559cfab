package domain

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID             uuid.UUID    `gorm:"type:char(36);primaryKey" json:"id"`
	Email          string       `gorm:"type:varchar(320);uniqueIndex;not null" json:"email"`
	FirstName      string       `gorm:"type:varchar(255)" json:"first_name"`
	LastName       string       `gorm:"type:varchar(255)" json:"last_name"`
	ProfilePicture string       `gorm:"type:varchar(512)" json:"profile_picture,omitempty"`
	LastSeen       sql.NullTime `json:"last_seen"`
	CreatedAt      time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
