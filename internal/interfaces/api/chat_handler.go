package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/application/services"
	"github.com/masjids-io/chatspot/internal/domain"
	"go.uber.org/zap"
)

type ChatHandler struct {
	chats      *services.ChatService
	membership *services.MembershipService
	log        *zap.Logger
}

type createIndividualRequest struct {
	ParticipantID uuid.UUID `json:"participantId" binding:"required"`
}

type createGroupRequest struct {
	Name           string      `json:"name" binding:"required"`
	Description    string      `json:"description"`
	ParticipantIDs []uuid.UUID `json:"participantIds"`
}

type addParticipantRequest struct {
	ParticipantID uuid.UUID `json:"participantId" binding:"required"`
}

func (h *ChatHandler) List(c *gin.Context) {
	id, _ := identity(c)
	limit, offset, err := pageParams(c)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	sums, err := h.chats.ListChats(c.Request.Context(), id.UserID, limit, offset)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sums)
}

func (h *ChatHandler) Get(c *gin.Context) {
	id, _ := identity(c)
	chatID, ok := uuidParam(c, "chatId")
	if !ok {
		return
	}
	sum, err := h.chats.GetChat(c.Request.Context(), chatID, id.UserID)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *ChatHandler) CreateIndividual(c *gin.Context) {
	id, _ := identity(c)
	var req createIndividualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	chat, err := h.chats.CreateIndividualChat(c.Request.Context(), id.UserID, req.ParticipantID)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (h *ChatHandler) CreateGroup(c *gin.Context) {
	id, _ := identity(c)
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	chat, err := h.chats.CreateGroupChat(c.Request.Context(), id.UserID, req.Name, req.Description, req.ParticipantIDs)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (h *ChatHandler) AddParticipant(c *gin.Context) {
	id, _ := identity(c)
	chatID, ok := uuidParam(c, "chatId")
	if !ok {
		return
	}
	var req addParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.membership.AddParticipant(c.Request.Context(), chatID, id.UserID, req.ParticipantID); err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ChatHandler) RemoveParticipant(c *gin.Context) {
	id, _ := identity(c)
	chatID, ok := uuidParam(c, "chatId")
	if !ok {
		return
	}
	target, ok := uuidParam(c, "participantId")
	if !ok {
		return
	}
	if err := h.membership.RemoveParticipant(c.Request.Context(), chatID, id.UserID, target); err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ChatHandler) SearchUsers(c *gin.Context) {
	limit, _, err := pageParams(c)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	users, err := h.chats.SearchUsers(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		abortWithError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
		return uuid.Nil, false
	}
	return id, true
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func pageParams(c *gin.Context) (limit, offset int, err error) {
	parse := func(key string) (int, error) {
		v := c.Query(key)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid %s %q: %w", key, v, domain.ErrValidation)
		}
		return n, nil
	}
	if limit, err = parse("limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = parse("offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}
