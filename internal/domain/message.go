package domain

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageTypeText       MessageType = "TEXT"
	MessageTypeImage      MessageType = "IMAGE"
	MessageTypeVideo      MessageType = "VIDEO"
	MessageTypeFile       MessageType = "FILE"
	MessageTypeMultimodal MessageType = "MULTIMODAL"
)

type MessageStatus string

const MessageStatusSent MessageStatus = "SENT"

type Message struct {
	ID               uuid.UUID      `gorm:"type:char(36);primaryKey" json:"id"`
	ChatID           uuid.UUID      `gorm:"column:chat_id;not null;type:char(36);index:idx_messages_chat_created,priority:1" json:"chat_id"`
	SenderID         uuid.UUID      `gorm:"column:sender_id;not null;type:char(36)" json:"sender_id"`
	Type             MessageType    `gorm:"column:type;type:varchar(20);not null" json:"type"`
	Content          sql.NullString `gorm:"column:content;type:text" json:"content"`
	FileName         sql.NullString `gorm:"column:file_name" json:"file_name"`
	FilePath         sql.NullString `gorm:"column:file_path" json:"-"`
	FileSize         sql.NullInt64  `gorm:"column:file_size" json:"file_size"`
	MimeType         sql.NullString `gorm:"column:mime_type" json:"mime_type"`
	ReplyToMessageID uuid.NullUUID  `gorm:"column:reply_to_message_id;type:char(36)" json:"reply_to_message_id"`
	Status           MessageStatus  `gorm:"column:status;type:varchar(20);not null;default:'SENT'" json:"status"`
	IsDeleted        bool           `gorm:"column:is_deleted;not null;default:false" json:"is_deleted"`
	DeletedAt        sql.NullTime   `gorm:"column:deleted_at" json:"deleted_at"`
	CreatedAt        time.Time      `gorm:"index:idx_messages_chat_created,priority:2" json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Media describes an uploaded attachment before it is persisted.
type Media struct {
	FileName    string
	ContentType string
	Size        int64
	Path        string
}

func (m *Media) Present() bool {
	return m != nil && m.Size > 0
}

// Kind maps the attachment's MIME type to the message type used when the
// message carries nothing but this attachment.
func (m *Media) Kind() MessageType {
	ct := strings.ToLower(m.ContentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return MessageTypeImage
	case strings.HasPrefix(ct, "video/"):
		return MessageTypeVideo
	default:
		return MessageTypeFile
	}
}

// ResolveMessageType returns the type for a message with the given text and
// attachment, and false when there is nothing to send.
func ResolveMessageType(text string, media *Media) (MessageType, bool) {
	hasText := strings.TrimSpace(text) != ""
	hasMedia := media.Present()
	switch {
	case hasText && hasMedia:
		return MessageTypeMultimodal, true
	case hasText:
		return MessageTypeText, true
	case hasMedia:
		return media.Kind(), true
	}
	return "", false
}
