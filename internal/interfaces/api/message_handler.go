package api

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/application/services"
	"github.com/masjids-io/chatspot/internal/domain"
	"go.uber.org/zap"
)

type MessageHandler struct {
	chats     *services.ChatService
	ingestion *services.IngestionService
	delivery  *services.DeliveryService
	reactions *services.ReactionService
	maxUpload int64
	log       *zap.Logger
}

type sendMessageRequest struct {
	Text    string `json:"text" form:"text"`
	ReplyTo string `json:"replyTo" form:"replyTo"`
}

type reactionRequest struct {
	ReactionType string `json:"reactionType" binding:"required"`
}

func (h *MessageHandler) List(c *gin.Context) {
	id, _ := identity(c)
	chatID, ok := uuidParam(c, "chatId")
	if !ok {
		return
	}
	limit, _, err := pageParams(c)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	var before time.Time
	if v := c.Query("before"); v != "" {
		if before, err = time.Parse(time.RFC3339Nano, v); err != nil {
			abortWithError(c, h.log, fmt.Errorf("invalid before %q: %w", v, domain.ErrValidation))
			return
		}
	}
	msgs, err := h.chats.GetMessages(c.Request.Context(), chatID, id.UserID, before, limit)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// Send accepts either a JSON body or a multipart form whose optional "media"
// part is the attachment.
func (h *MessageHandler) Send(c *gin.Context) {
	id, _ := identity(c)
	chatID, ok := uuidParam(c, "chatId")
	if !ok {
		return
	}

	var body sendMessageRequest
	if err := c.ShouldBind(&body); err != nil {
		badRequest(c, err)
		return
	}
	req := services.SendRequest{ChatID: chatID, SenderID: id.UserID, Text: body.Text}
	if body.ReplyTo != "" {
		parent, err := uuid.Parse(body.ReplyTo)
		if err != nil {
			abortWithError(c, h.log, fmt.Errorf("invalid replyTo: %w", domain.ErrValidation))
			return
		}
		req.ReplyTo = uuid.NullUUID{UUID: parent, Valid: true}
	}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if fh, err := c.FormFile("media"); err == nil {
			if h.maxUpload > 0 && fh.Size > h.maxUpload {
				abortWithError(c, h.log, fmt.Errorf("attachment exceeds %d bytes: %w", h.maxUpload, domain.ErrValidation))
				return
			}
			f, err := fh.Open()
			if err != nil {
				abortWithError(c, h.log, fmt.Errorf("open attachment: %v: %w", err, domain.ErrValidation))
				return
			}
			defer f.Close()
			req.Media = &domain.Media{
				FileName:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Size:        fh.Size,
			}
			req.MediaBody = f
		} else if !errors.Is(err, http.ErrMissingFile) {
			badRequest(c, err)
			return
		}
	}

	msg, err := h.ingestion.SendMessage(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *MessageHandler) Delete(c *gin.Context) {
	id, _ := identity(c)
	messageID, ok := uuidParam(c, "messageId")
	if !ok {
		return
	}
	if err := h.ingestion.DeleteMessage(c.Request.Context(), messageID, id.UserID); err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) Media(c *gin.Context) {
	id, _ := identity(c)
	messageID, ok := uuidParam(c, "messageId")
	if !ok {
		return
	}
	msg, data, err := h.ingestion.OpenMedia(c.Request.Context(), messageID, id.UserID)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	ct := msg.MimeType.String
	if ct == "" {
		ct = "application/octet-stream"
	}
	c.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": msg.FileName.String}))
	c.Data(http.StatusOK, ct, data)
}

func (h *MessageHandler) AddReaction(c *gin.Context) {
	id, _ := identity(c)
	messageID, ok := uuidParam(c, "messageId")
	if !ok {
		return
	}
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	r, err := h.reactions.AddReaction(c.Request.Context(), messageID, id.UserID, req.ReactionType)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *MessageHandler) RemoveReaction(c *gin.Context) {
	id, _ := identity(c)
	messageID, ok := uuidParam(c, "messageId")
	if !ok {
		return
	}
	if err := h.reactions.RemoveReaction(c.Request.Context(), messageID, id.UserID); err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) ListReactions(c *gin.Context) {
	id, _ := identity(c)
	messageID, ok := uuidParam(c, "messageId")
	if !ok {
		return
	}
	rs, err := h.reactions.ListReactions(c.Request.Context(), messageID, id.UserID)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	h.mark(c, h.delivery.MarkAsRead)
}

func (h *MessageHandler) MarkDelivered(c *gin.Context) {
	h.mark(c, h.delivery.MarkAsDelivered)
}

func (h *MessageHandler) mark(c *gin.Context, apply func(context.Context, uuid.UUID, uuid.UUID) (domain.DeliveryInfo, error)) {
	id, _ := identity(c)
	messageID, ok := uuidParam(c, "messageId")
	if !ok {
		return
	}
	info, err := apply(c.Request.Context(), messageID, id.UserID)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *MessageHandler) ListDelivery(c *gin.Context) {
	id, _ := identity(c)
	messageID, ok := uuidParam(c, "messageId")
	if !ok {
		return
	}
	rows, err := h.delivery.ListDelivery(c.Request.Context(), messageID, id.UserID)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}
