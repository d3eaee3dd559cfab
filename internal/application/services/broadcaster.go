package services

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/masjids-io/chatspot/internal/metrics"
	"go.uber.org/zap"
)

// Frame types pushed to realtime subscribers.
const (
	FrameMessage        = "message"
	FrameReaction       = "reaction"
	FrameDeliveryStatus = "delivery_status"
	FrameChatEvent      = "chat_event"
	FrameTyping         = "typing"
	FramePresence       = "presence"
)

type Frame struct {
	Topic   string      `json:"topic"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Broadcaster fans events out to realtime topics without blocking the
// caller. Frames wait in a bounded queue drained by a fixed set of workers;
// when the queue is full the oldest frame is dropped.
type Broadcaster struct {
	pub     RealtimePublisher
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
	queue  chan Frame
	wg     sync.WaitGroup
}

func NewBroadcaster(pub RealtimePublisher, queueSize, workers int, m *metrics.Metrics, log *zap.Logger) *Broadcaster {
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	b := &Broadcaster{
		pub:     pub,
		log:     log.Named("broadcaster"),
		metrics: m,
		queue:   make(chan Frame, queueSize),
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.work()
	}
	return b
}

func (b *Broadcaster) BroadcastNewMessage(e domain.MessageEvent) {
	b.enqueue(Frame{Topic: ChatTopic(e.ChatID), Type: FrameMessage, Payload: e})
	for _, uid := range e.Recipients {
		b.enqueue(Frame{Topic: UserMessagesTopic(uid), Type: FrameMessage, Payload: e})
	}
}

func (b *Broadcaster) BroadcastReaction(e domain.ReactionEvent) {
	b.enqueue(Frame{Topic: ReactionsTopic(e.MessageID), Type: FrameReaction, Payload: e})
}

func (b *Broadcaster) BroadcastDeliveryStatus(e domain.DeliveryStatusEvent) {
	b.enqueue(Frame{Topic: DeliveryTopic(e.MessageID), Type: FrameDeliveryStatus, Payload: e})
}

// BroadcastChatEvent tells the chat and the affected user about a
// membership change.
func (b *Broadcaster) BroadcastChatEvent(e domain.ChatEvent) {
	b.enqueue(Frame{Topic: ChatEventsTopic(e.ChatID), Type: FrameChatEvent, Payload: e})
	if e.Type != domain.ChatEventUserJoined {
		b.enqueue(Frame{Topic: UserMessagesTopic(e.UserID), Type: FrameChatEvent, Payload: e})
	}
}

func (b *Broadcaster) BroadcastTyping(e domain.TypingEvent) {
	b.enqueue(Frame{Topic: TypingTopic(e.ChatID), Type: FrameTyping, Payload: e})
}

func (b *Broadcaster) BroadcastPresence(e domain.PresenceEvent) {
	b.enqueue(Frame{Topic: PresenceTopic(e.UserID), Type: FramePresence, Payload: e})
}

func (b *Broadcaster) ParticipantAdded(chatID, userID, actorID uuid.UUID) {
	b.BroadcastChatEvent(domain.ChatEvent{
		Type:      domain.ChatEventParticipantAdded,
		ChatID:    chatID,
		UserID:    userID,
		ActorID:   uuid.NullUUID{UUID: actorID, Valid: true},
		Timestamp: now(),
	})
}

func (b *Broadcaster) ParticipantRemoved(chatID, userID, actorID uuid.UUID) {
	b.BroadcastChatEvent(domain.ChatEvent{
		Type:      domain.ChatEventParticipantRemoved,
		ChatID:    chatID,
		UserID:    userID,
		ActorID:   uuid.NullUUID{UUID: actorID, Valid: true},
		Timestamp: now(),
	})
}

func (b *Broadcaster) enqueue(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for {
		select {
		case b.queue <- f:
			b.metrics.BroadcastEnqueued.Inc()
			b.metrics.BroadcastQueueDepth.Set(float64(len(b.queue)))
			return
		default:
		}
		select {
		case old := <-b.queue:
			b.metrics.BroadcastDropped.Inc()
			b.log.Warn("broadcast_queue_full_dropped_oldest", zap.String("topic", old.Topic), zap.String("type", old.Type))
		default:
		}
	}
}

func (b *Broadcaster) work() {
	defer b.wg.Done()
	for f := range b.queue {
		b.metrics.BroadcastQueueDepth.Set(float64(len(b.queue)))
		data, err := json.Marshal(f)
		if err != nil {
			b.log.Error("broadcast_encode_failed", zap.String("topic", f.Topic), zap.Error(err))
			continue
		}
		if err := b.pub.Publish(f.Topic, data); err != nil {
			b.metrics.BroadcastFailures.Inc()
			b.log.Warn("broadcast_failed", zap.String("topic", f.Topic), zap.Error(err))
		}
	}
}

// Close stops accepting frames and waits until the queued ones are sent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
