package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/application/services"
	"github.com/masjids-io/chatspot/internal/auth"
	"github.com/masjids-io/chatspot/internal/config"
	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/masjids-io/chatspot/internal/infrastructure/database"
	"github.com/masjids-io/chatspot/internal/infrastructure/media"
	"github.com/masjids-io/chatspot/internal/infrastructure/websocket"
	"github.com/masjids-io/chatspot/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, domain.Envelope) error { return nil }

type testServer struct {
	t        *testing.T
	handler  http.Handler
	verifier *auth.Verifier
	users    *database.UserRepository
}

func newTestServer(t *testing.T, rl config.RateLimitConfig) *testServer {
	t.Helper()
	log := zap.NewNop()
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", URL: filepath.Join(t.TempDir(), "api.db")}, log)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })

	chats := database.NewChatRepository(db)
	messages := database.NewMessageRepository(db)
	users := database.NewUserRepository(db)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store, err := media.NewLocalStore(t.TempDir(), 1<<20, log)
	require.NoError(t, err)

	membership := services.NewMembershipService(chats, messages, users, log)
	hub := websocket.NewHub(membership, 8, nil, m, log)
	t.Cleanup(hub.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	verifier := auth.NewVerifier("test-secret")
	r := NewRouter(ctx, Deps{
		Chats:      services.NewChatService(chats, messages, users, membership, log),
		Membership: membership,
		Ingestion:  services.NewIngestionService(membership, messages, store, nopPublisher{}, m, log),
		Delivery:   services.NewDeliveryService(membership, chats, messages, database.NewDeliveryRepository(db), nopPublisher{}, m, log),
		Reactions:  services.NewReactionService(membership, messages, database.NewReactionRepository(db), nopPublisher{}, m, log),
		Profiles:   services.NewUserService(users, store, log),
		Users:      users,
		Hub:        hub,
		Verifier:   verifier,
		Gatherer:   reg,
		Metrics:    m,
		RateLimit:  rl,
		MaxUpload:  1 << 20,
		Log:        log,
	})
	return &testServer{t: t, handler: r, verifier: verifier, users: users}
}

func (s *testServer) login(name string) string {
	s.t.Helper()
	id := auth.Identity{UserID: uuid.New(), Email: name + "@example.com", FirstName: name}
	require.NoError(s.t, s.users.Sync(context.Background(), domain.User{ID: id.UserID, Email: id.Email, FirstName: name}))
	tok, err := s.verifier.Issue(id, time.Hour)
	require.NoError(s.t, err)
	return tok
}

func userOf(t *testing.T, s *testServer, token string) uuid.UUID {
	t.Helper()
	id, err := s.verifier.Verify(token)
	require.NoError(t, err)
	return id.UserID
}

func (s *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestUnauthenticatedRoutes(t *testing.T) {
	s := newTestServer(t, config.RateLimitConfig{RPS: 100, Burst: 100})

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/metrics", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/chats", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/chats", "not-a-token", nil).Code)
}

func TestChatAndMessageFlow(t *testing.T) {
	s := newTestServer(t, config.RateLimitConfig{RPS: 100, Burst: 100})
	alice, bob, eve := s.login("alice"), s.login("bob"), s.login("eve")

	w := s.do(http.MethodPost, "/api/chats/group", alice, obj(`name`, "team", `participantIds`, []uuid.UUID{userOf(t, s, bob)}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var chat domain.Chat
	decode(t, w, &chat)

	w = s.do(http.MethodPost, "/api/chats/"+chat.ID.String()+"/messages", alice, obj(`text`, "hello"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var msg domain.Message
	decode(t, w, &msg)
	assert.Equal(t, domain.MessageTypeText, msg.Type)

	w = s.do(http.MethodGet, "/api/chats", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sums []services.ChatSummary
	decode(t, w, &sums)
	require.Len(t, sums, 1)
	assert.EqualValues(t, 1, sums[0].UnreadCount)

	w = s.do(http.MethodGet, "/api/chats/"+chat.ID.String()+"/messages?limit=10", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []domain.Message
	decode(t, w, &msgs)
	require.Len(t, msgs, 1)

	w = s.do(http.MethodPut, "/api/messages/"+msg.ID.String()+"/read", bob, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var info domain.DeliveryInfo
	decode(t, w, &info)
	assert.Equal(t, domain.DeliveryRead, info.Status)

	w = s.do(http.MethodGet, "/api/messages/"+msg.ID.String()+"/delivery", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rows []domain.DeliveryInfo
	decode(t, w, &rows)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.DeliveryRead, rows[0].Status)

	w = s.do(http.MethodPost, "/api/messages/"+msg.ID.String()+"/reactions", bob, obj(`reactionType`, "love"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(http.MethodGet, "/api/messages/"+msg.ID.String()+"/reactions", alice, nil)
	var reactions []domain.Reaction
	decode(t, w, &reactions)
	require.Len(t, reactions, 1)
	assert.Equal(t, domain.ReactionLove, reactions[0].ReactionType)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/messages/"+msg.ID.String()+"/reactions", bob, nil).Code)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/chats/"+chat.ID.String(), eve, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodDelete, "/api/messages/"+msg.ID.String(), bob, nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/messages/"+msg.ID.String(), alice, nil).Code)
}

func TestParticipantRoutes(t *testing.T) {
	s := newTestServer(t, config.RateLimitConfig{RPS: 100, Burst: 100})
	alice, bob, carol := s.login("alice"), s.login("bob"), s.login("carol")
	bobID, carolID := userOf(t, s, bob), userOf(t, s, carol)

	w := s.do(http.MethodPost, "/api/chats/group", alice, obj(`name`, "team", `participantIds`, []uuid.UUID{bobID}))
	require.Equal(t, http.StatusCreated, w.Code)
	var group domain.Chat
	decode(t, w, &group)

	w = s.do(http.MethodPost, "/api/chats/individual", alice, obj(`participantId`, bobID))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var direct domain.Chat
	decode(t, w, &direct)

	base := "/api/chats/" + group.ID.String() + "/participants"
	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   interface{}
		want   int
	}{
		{"member cannot add", http.MethodPost, base, bob, obj(`participantId`, carolID), http.StatusForbidden},
		{"admin adds", http.MethodPost, base, alice, obj(`participantId`, carolID), http.StatusNoContent},
		{"member cannot remove others", http.MethodDelete, base + "/" + carolID.String(), bob, nil, http.StatusForbidden},
		{"member leaves", http.MethodDelete, base + "/" + bobID.String(), bob, nil, http.StatusNoContent},
		{"individual chat is fixed", http.MethodPost, "/api/chats/" + direct.ID.String() + "/participants", alice, obj(`participantId`, carolID), http.StatusConflict},
		{"unknown chat", http.MethodGet, "/api/chats/" + uuid.NewString(), alice, nil, http.StatusNotFound},
		{"malformed id", http.MethodGet, "/api/chats/xyz", alice, nil, http.StatusBadRequest},
		{"missing body field", http.MethodPost, "/api/chats/individual", alice, obj(`other`, 1), http.StatusBadRequest},
		{"self chat", http.MethodPost, "/api/chats/individual", carol, obj(`participantId`, carolID), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestSendMultipartAndFetchMedia(t *testing.T) {
	s := newTestServer(t, config.RateLimitConfig{RPS: 100, Burst: 100})
	alice, bob := s.login("alice"), s.login("bob")

	w := s.do(http.MethodPost, "/api/chats/individual", alice, obj(`participantId`, userOf(t, s, bob)))
	require.Equal(t, http.StatusOK, w.Code)
	var chat domain.Chat
	decode(t, w, &chat)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("text", "look"))
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="media"; filename="cat.png"`)
	hdr.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/chats/"+chat.ID.String()+"/messages", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+alice)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg domain.Message
	decode(t, rec, &msg)
	assert.Equal(t, domain.MessageTypeMultimodal, msg.Type)

	w = s.do(http.MethodGet, "/api/messages/"+msg.ID.String()+"/media", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "png-bytes", w.Body.String())
}

func (s *testServer) putProfile(token string, fields map[string]string, fileName, contentType, body string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(s.t, mw.WriteField(k, v))
	}
	if fileName != "" {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="profilePicture"; filename="`+fileName+`"`)
		hdr.Set("Content-Type", contentType)
		part, err := mw.CreatePart(hdr)
		require.NoError(s.t, err)
		_, err = part.Write([]byte(body))
		require.NoError(s.t, err)
	}
	require.NoError(s.t, mw.Close())

	req := httptest.NewRequest(http.MethodPut, "/api/users/profile", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestProfileRoutes(t *testing.T) {
	s := newTestServer(t, config.RateLimitConfig{RPS: 100, Burst: 100})
	alice, bob := s.login("alice"), s.login("bob")
	aliceID := userOf(t, s, alice)

	w := s.putProfile(alice, map[string]string{"firstName": " Alice ", "lastName": "Rahman"}, "me.png", "image/png", "avatar-bytes")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var me domain.User
	decode(t, w, &me)
	assert.Equal(t, "Alice", me.FirstName)
	assert.Equal(t, "Rahman", me.LastName)
	assert.NotEmpty(t, me.ProfilePicture)

	w = s.do(http.MethodGet, "/api/users/profile", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &me)
	assert.Equal(t, aliceID, me.ID)
	assert.Equal(t, "Rahman", me.LastName, "later requests keep the edited profile")

	w = s.do(http.MethodGet, "/api/users/"+aliceID.String(), bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var seen domain.User
	decode(t, w, &seen)
	assert.Equal(t, "Alice", seen.FirstName)

	w = s.do(http.MethodGet, "/api/users/"+aliceID.String()+"/picture", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "avatar-bytes", w.Body.String())

	tests := []struct {
		name string
		w    *httptest.ResponseRecorder
		want int
	}{
		{"picture must be an image", s.putProfile(alice, nil, "cv.pdf", "application/pdf", "pdf"), http.StatusBadRequest},
		{"unknown user", s.do(http.MethodGet, "/api/users/"+uuid.NewString(), bob, nil), http.StatusNotFound},
		{"no picture yet", s.do(http.MethodGet, "/api/users/"+userOf(t, s, bob).String()+"/picture", alice, nil), http.StatusNotFound},
		{"malformed id", s.do(http.MethodGet, "/api/users/xyz", alice, nil), http.StatusBadRequest},
		{"search still routes", s.do(http.MethodGet, "/api/users/search?q=ali", bob, nil), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.w.Code, tt.w.Body.String())
		})
	}
}

func TestRateLimitOnMutations(t *testing.T) {
	s := newTestServer(t, config.RateLimitConfig{RPS: 0.001, Burst: 1})
	alice := s.login("alice")

	assert.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/chats/group", alice, obj(`name`, "one")).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(http.MethodPost, "/api/chats/group", alice, obj(`name`, "two")).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/chats", alice, nil).Code, "reads are not limited")
}

func TestLimiterPoolSweep(t *testing.T) {
	p := newLimiterPool(1, 1, time.Minute)
	t0 := time.Now()
	assert.True(t, p.allow("a", t0))
	assert.False(t, p.allow("a", t0))

	p.sweep(t0.Add(2 * time.Minute))
	assert.Empty(t, p.m)
	assert.True(t, p.allow("a", t0.Add(2*time.Minute)))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", domain.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("x: %w", domain.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", domain.ErrInvalidOperation), http.StatusConflict},
		{fmt.Errorf("x: %w", domain.ErrConflict), http.StatusConflict},
		{fmt.Errorf("x: %w", domain.ErrIOFailure), http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", auth.ErrUnauthorized), http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

// obj builds a JSON object from alternating keys and values.
func obj(kv ...interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}
