package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/config"
	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/masjids-io/chatspot/internal/infrastructure/database"
	"github.com/masjids-io/chatspot/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu   sync.Mutex
	envs []domain.Envelope
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, _, _ string, env domain.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) ofType(t domain.EventType) []domain.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Envelope
	for _, e := range p.envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type memMedia struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func (m *memMedia) Store(_ context.Context, name, _ string, r io.Reader) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	p := uuid.NewString() + filepath.Ext(name)
	m.mu.Lock()
	m.files[p] = b
	m.mu.Unlock()
	return p, nil
}

func (m *memMedia) Load(_ context.Context, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[p]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (m *memMedia) Remove(_ context.Context, p string) error {
	m.mu.Lock()
	delete(m.files, p)
	m.mu.Unlock()
	return nil
}

type presenceSet map[uuid.UUID]bool

func (p presenceSet) Online(id uuid.UUID) bool { return p[id] }

// framesRecorder is a RealtimePublisher that keeps every frame it receives.
type framesRecorder struct {
	mu     sync.Mutex
	frames []Frame
	topics []string
}

func (r *framesRecorder) Publish(topic string, payload []byte) error {
	var f struct {
		Topic string          `json:"topic"`
		Type  string          `json:"type"`
		Raw   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &f); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.frames = append(r.frames, Frame{Topic: f.Topic, Type: f.Type, Payload: f.Raw})
	return nil
}

func (r *framesRecorder) topicList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

type harness struct {
	t          *testing.T
	db         *gorm.DB
	chats      *database.ChatRepository
	messages   *database.MessageRepository
	deliveries *database.DeliveryRepository
	reactions  *database.ReactionRepository
	users      *database.UserRepository
	pub        *recordingPublisher
	media      *memMedia
	metrics    *metrics.Metrics

	membership *MembershipService
	chatSvc    *ChatService
	ingestion  *IngestionService
	delivery   *DeliveryService
	reaction   *ReactionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		URL:    filepath.Join(t.TempDir(), "chat.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })

	h := &harness{
		t:          t,
		db:         db,
		chats:      database.NewChatRepository(db),
		messages:   database.NewMessageRepository(db),
		deliveries: database.NewDeliveryRepository(db),
		reactions:  database.NewReactionRepository(db),
		users:      database.NewUserRepository(db),
		pub:        &recordingPublisher{},
		media:      &memMedia{files: map[string][]byte{}},
		metrics:    metrics.New(prometheus.NewRegistry()),
	}
	log := zap.NewNop()
	h.membership = NewMembershipService(h.chats, h.messages, h.users, log)
	h.chatSvc = NewChatService(h.chats, h.messages, h.users, h.membership, log)
	h.ingestion = NewIngestionService(h.membership, h.messages, h.media, h.pub, h.metrics, log)
	h.delivery = NewDeliveryService(h.membership, h.chats, h.messages, h.deliveries, h.pub, h.metrics, log)
	h.reaction = NewReactionService(h.membership, h.messages, h.reactions, h.pub, h.metrics, log)
	return h
}

func (h *harness) user(first string) uuid.UUID {
	h.t.Helper()
	id := uuid.New()
	require.NoError(h.t, h.users.Sync(context.Background(), domain.User{
		ID:        id,
		Email:     first + "-" + id.String()[:8] + "@example.com",
		FirstName: first,
	}))
	return id
}

// group creates a group chat administered by admin.
func (h *harness) group(admin uuid.UUID, members ...uuid.UUID) domain.Chat {
	h.t.Helper()
	chat, err := h.chatSvc.CreateGroupChat(context.Background(), admin, "group", "", members)
	require.NoError(h.t, err)
	return chat
}

func (h *harness) send(chatID, sender uuid.UUID, text string) domain.Message {
	h.t.Helper()
	msg, err := h.ingestion.SendMessage(context.Background(), SendRequest{ChatID: chatID, SenderID: sender, Text: text})
	require.NoError(h.t, err)
	return msg
}

func (h *harness) count(model interface{}, where string, args ...interface{}) int64 {
	h.t.Helper()
	var n int64
	require.NoError(h.t, h.db.Model(model).Where(where, args...).Count(&n).Error)
	return n
}

func mediaOf(name, contentType, body string) (*domain.Media, io.Reader) {
	return &domain.Media{FileName: name, ContentType: contentType, Size: int64(len(body))}, bytes.NewBufferString(body)
}
