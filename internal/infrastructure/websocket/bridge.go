package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBridge relays realtime frames between instances over Redis pub/sub.
// Frames published on any instance reach the local hub of every instance,
// and so do subscription revocations.
type RedisBridge struct {
	rdb     redis.UniversalClient
	prefix  string
	control string
	hub     *Hub
	log     *zap.Logger
}

type revokeNotice struct {
	UserID uuid.UUID `json:"userId"`
	ChatID uuid.UUID `json:"chatId"`
}

func NewRedisBridge(rdb redis.UniversalClient, prefix string, hub *Hub, log *zap.Logger) *RedisBridge {
	return &RedisBridge{
		rdb:     rdb,
		prefix:  prefix + ":rt:",
		control: prefix + ":rtctl:revoke",
		hub:     hub,
		log:     log.Named("bridge"),
	}
}

func (b *RedisBridge) Publish(topic string, payload []byte) error {
	return b.rdb.Publish(context.Background(), b.prefix+topic, payload).Err()
}

// ParticipantAdded is a no-op: new members subscribe themselves.
func (b *RedisBridge) ParticipantAdded(chatID, userID, actorID uuid.UUID) {}

// ParticipantRemoved revokes the removed user's chat subscriptions on every
// instance. If the notice cannot be published the local hub is still revoked.
func (b *RedisBridge) ParticipantRemoved(chatID, userID, actorID uuid.UUID) {
	payload, _ := json.Marshal(revokeNotice{UserID: userID, ChatID: chatID})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.control, payload).Err(); err != nil {
		b.log.Error("revoke_publish_failed",
			zap.String("user_id", userID.String()),
			zap.String("chat_id", chatID.String()),
			zap.Error(err))
		b.hub.Revoke(userID, chatID)
	}
}

// Run delivers frames and revocations from Redis to the local hub until ctx
// is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	ps := b.rdb.PSubscribe(ctx, b.prefix+"*", b.control)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	b.log.Info("bridge_subscribed", zap.String("pattern", b.prefix+"*"), zap.String("control", b.control))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Channel == b.control {
				b.revoke(msg.Payload)
				continue
			}
			topic := strings.TrimPrefix(msg.Channel, b.prefix)
			if err := b.hub.Publish(topic, []byte(msg.Payload)); err != nil {
				b.log.Debug("bridge_deliver_failed", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
}

func (b *RedisBridge) revoke(payload string) {
	var n revokeNotice
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		b.log.Warn("revoke_notice_malformed", zap.Error(err))
		return
	}
	b.hub.Revoke(n.UserID, n.ChatID)
}
