package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/masjids-io/chatspot/internal/infrastructure/websocket"
	"go.uber.org/zap"
)

type WebSocketHandler struct {
	hub *websocket.Hub
	log *zap.Logger
}

func NewWebSocketHandler(hub *websocket.Hub, log *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, log: log}
}

// ServeChatWs upgrades an authenticated request into a realtime connection.
func (h *WebSocketHandler) ServeChatWs(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.log.Debug("websocket_connect", zap.String("user_id", id.UserID.String()))
	h.hub.ServeWs(c.Writer, c.Request, id.UserID)
}
