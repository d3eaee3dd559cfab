package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/masjids-io/chatspot/internal/application/services"
	"github.com/masjids-io/chatspot/internal/auth"
	"github.com/masjids-io/chatspot/internal/config"
	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/masjids-io/chatspot/internal/infrastructure/websocket"
	"github.com/masjids-io/chatspot/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const limiterTTL = 10 * time.Minute

// UserDirectory receives the identities of authenticated callers.
type UserDirectory interface {
	Sync(ctx context.Context, u domain.User) error
}

type Deps struct {
	Chats      *services.ChatService
	Membership *services.MembershipService
	Ingestion  *services.IngestionService
	Delivery   *services.DeliveryService
	Reactions  *services.ReactionService
	Profiles   *services.UserService
	Users      UserDirectory
	Hub        *websocket.Hub
	Verifier   *auth.Verifier
	Gatherer   prometheus.Gatherer
	Metrics    *metrics.Metrics
	HTTP       config.HTTPConfig
	RateLimit  config.RateLimitConfig
	MaxUpload  int64
	Log        *zap.Logger
}

// NewRouter builds the HTTP surface. Background upkeep stops when ctx is
// done.
func NewRouter(ctx context.Context, d Deps) *gin.Engine {
	log := d.Log.Named("http")
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log), cors.New(corsConfig(d.HTTP.AllowedOrigins)))
	r.MaxMultipartMemory = 8 << 20

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	limiter := newLimiterPool(d.RateLimit.RPS, d.RateLimit.Burst, limiterTTL)
	go sweepLimiters(ctx, limiter, time.Minute)

	syncer := &userSyncer{users: d.Users}
	authed := r.Group("/", authenticate(d.Verifier, syncer, log), rateLimit(limiter, d.Metrics))

	ws := NewWebSocketHandler(d.Hub, log)
	authed.GET("/ws", ws.ServeChatWs)

	chats := &ChatHandler{chats: d.Chats, membership: d.Membership, log: log}
	messages := &MessageHandler{
		chats:     d.Chats,
		ingestion: d.Ingestion,
		delivery:  d.Delivery,
		reactions: d.Reactions,
		maxUpload: d.MaxUpload,
		log:       log,
	}

	api := authed.Group("/api")
	api.GET("/chats", chats.List)
	api.GET("/chats/:chatId", chats.Get)
	api.POST("/chats/individual", chats.CreateIndividual)
	api.POST("/chats/group", chats.CreateGroup)
	api.POST("/chats/:chatId/participants", chats.AddParticipant)
	api.DELETE("/chats/:chatId/participants/:participantId", chats.RemoveParticipant)
	api.GET("/chats/:chatId/messages", messages.List)
	api.POST("/chats/:chatId/messages", messages.Send)

	api.DELETE("/messages/:messageId", messages.Delete)
	api.GET("/messages/:messageId/media", messages.Media)
	api.POST("/messages/:messageId/reactions", messages.AddReaction)
	api.DELETE("/messages/:messageId/reactions", messages.RemoveReaction)
	api.GET("/messages/:messageId/reactions", messages.ListReactions)
	api.PUT("/messages/:messageId/read", messages.MarkRead)
	api.PUT("/messages/:messageId/delivered", messages.MarkDelivered)
	api.GET("/messages/:messageId/delivery", messages.ListDelivery)

	profiles := &UserHandler{users: d.Profiles, maxUpload: d.MaxUpload, log: log}
	api.GET("/users/search", chats.SearchUsers)
	api.GET("/users/profile", profiles.Me)
	api.PUT("/users/profile", profiles.UpdateMe)
	api.GET("/users/:userId", profiles.Get)
	api.GET("/users/:userId/picture", profiles.Picture)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Origin"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func sweepLimiters(ctx context.Context, p *limiterPool, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			p.sweep(now)
		}
	}
}
