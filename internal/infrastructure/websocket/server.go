package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/masjids-io/chatspot/internal/metrics"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	authTimeout    = 5 * time.Second
	reportBacklog  = 256
)

var ErrClosed = errors.New("websocket: hub closed")

// Authorizer decides whether a user may subscribe to a topic. It returns the
// chat the topic is scoped to, or uuid.Nil; Revoke drops subscriptions by
// that chat.
type Authorizer interface {
	AuthorizeTopic(ctx context.Context, userID uuid.UUID, topic string) (uuid.UUID, error)
}

// Reporter receives what clients announce about themselves: typing, opening
// a chat and presence. The hub reports ONLINE when a user's first client
// connects and OFFLINE when the last one leaves.
type Reporter interface {
	Typing(ctx context.Context, userID, chatID uuid.UUID, typing bool) error
	Joined(ctx context.Context, userID, chatID uuid.UUID) error
	SetStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus) error
}

type presenceReport struct {
	userID uuid.UUID
	status domain.PresenceStatus
}

// Hub tracks websocket clients by topic and pushes frames to them. A client
// whose send buffer is full is disconnected rather than slowing everyone
// else down.
type Hub struct {
	auth     Authorizer
	buffer   int
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu      sync.RWMutex
	topics  map[string]map[*Client]struct{}
	clients map[uuid.UUID]map[*Client]struct{}
	closed  bool
	// bumped by Revoke so that a subscribe racing a revocation re-authorizes
	revocations uint64

	reporter    Reporter
	reports     chan presenceReport
	reportsDone chan struct{}
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID

	// topic to the chat it is scoped to; guarded by hub.mu
	topics map[string]uuid.UUID
	gone   bool
}

// clientFrame is what clients send: subscription changes, typing
// indicators, chat opens and presence.
type clientFrame struct {
	Action   string `json:"action"`
	Topic    string `json:"topic"`
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
	Status   string `json:"status"`
}

type ackFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Error string `json:"error,omitempty"`
}

func NewHub(auth Authorizer, buffer int, allowedOrigins []string, m *metrics.Metrics, log *zap.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	h := &Hub{
		auth:    auth,
		buffer:  buffer,
		metrics: m,
		log:     log.Named("hub"),
		topics:  make(map[string]map[*Client]struct{}),
		clients: make(map[uuid.UUID]map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// SetReporter routes client announcements to r. Call it before serving.
func (h *Hub) SetReporter(r Reporter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reporter != nil || h.closed {
		return
	}
	h.reporter = r
	h.reports = make(chan presenceReport, reportBacklog)
	h.reportsDone = make(chan struct{})
	go h.runReports(h.reports, h.reportsDone)
}

// runReports applies presence reports one at a time so that a user's
// ONLINE and OFFLINE never overtake each other.
func (h *Hub) runReports(reports <-chan presenceReport, done chan<- struct{}) {
	defer close(done)
	for r := range reports {
		ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
		if err := h.reporter.SetStatus(ctx, r.userID, r.status); err != nil {
			h.log.Warn("presence_report_failed", zap.String("user_id", r.userID.String()), zap.String("status", string(r.status)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) reportLocked(userID uuid.UUID, status domain.PresenceStatus) {
	if h.reports == nil {
		return
	}
	select {
	case h.reports <- presenceReport{userID: userID, status: status}:
	default:
		h.log.Warn("presence_report_dropped", zap.String("user_id", userID.String()), zap.String("status", string(status)))
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// UserTopic is the topic every client is subscribed to on connect.
func UserTopic(userID uuid.UUID) string { return "user/" + userID.String() + "/messages" }

// Online reports whether userID has at least one connected client.
func (h *Hub) Online(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// Publish pushes payload to every local subscriber of topic.
func (h *Hub) Publish(topic string, payload []byte) error {
	var slow []*Client
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	for c := range h.topics[topic] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("client_send_buffer_full",
			zap.String("user_id", c.userID.String()),
			zap.String("topic", topic))
		h.unregister(c)
	}
	return nil
}

// ServeWs upgrades the request and serves userID until the connection drops.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket_upgrade_failed", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	c := h.newClient(conn, userID)
	if err := h.register(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) newClient(conn *websocket.Conn, userID uuid.UUID) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.buffer),
		userID: userID,
		topics: make(map[string]uuid.UUID),
	}
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	own, ok := h.clients[c.userID]
	if !ok {
		own = make(map[*Client]struct{})
		h.clients[c.userID] = own
		h.reportLocked(c.userID, domain.PresenceOnline)
	}
	own[c] = struct{}{}
	h.addLocked(c, UserTopic(c.userID), uuid.Nil)
	h.mu.Unlock()

	h.metrics.WebsocketClients.Inc()
	h.log.Info("client_connected", zap.String("user_id", c.userID.String()))
	return nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if c.gone {
		h.mu.Unlock()
		return
	}
	c.gone = true
	for topic := range c.topics {
		h.removeLocked(c, topic)
	}
	if own := h.clients[c.userID]; own != nil {
		delete(own, c)
		if len(own) == 0 {
			delete(h.clients, c.userID)
			h.reportLocked(c.userID, domain.PresenceOffline)
		}
	}
	close(c.send)
	h.mu.Unlock()

	h.metrics.WebsocketClients.Dec()
	h.log.Info("client_disconnected", zap.String("user_id", c.userID.String()))
}

func (h *Hub) addLocked(c *Client, topic string, scope uuid.UUID) {
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
	c.topics[topic] = scope
}

func (h *Hub) removeLocked(c *Client, topic string) {
	delete(c.topics, topic)
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) subscribe(ctx context.Context, c *Client, topic string) error {
	for {
		h.mu.RLock()
		epoch := h.revocations
		h.mu.RUnlock()

		scope, err := h.auth.AuthorizeTopic(ctx, c.userID, topic)
		if err != nil {
			return err
		}

		h.mu.Lock()
		if c.gone {
			h.mu.Unlock()
			return ErrClosed
		}
		if h.revocations == epoch {
			h.addLocked(c, topic, scope)
			h.mu.Unlock()
			return nil
		}
		h.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Revoke drops every subscription userID holds through chatID and tells the
// affected clients which topics they lost.
func (h *Hub) Revoke(userID, chatID uuid.UUID) {
	type lost struct {
		c     *Client
		topic string
	}
	var dropped []lost
	h.mu.Lock()
	h.revocations++
	for c := range h.clients[userID] {
		for topic, scope := range c.topics {
			if scope == chatID {
				h.removeLocked(c, topic)
				dropped = append(dropped, lost{c, topic})
			}
		}
	}
	h.mu.Unlock()

	for _, d := range dropped {
		h.reply(d.c, ackFrame{Type: "revoked", Topic: d.topic})
	}
	if len(dropped) > 0 {
		h.log.Info("subscriptions_revoked",
			zap.String("user_id", userID.String()),
			zap.String("chat_id", chatID.String()),
			zap.Int("topics", len(dropped)))
	}
}

// ParticipantAdded is a no-op: new members subscribe themselves.
func (h *Hub) ParticipantAdded(chatID, userID, actorID uuid.UUID) {}

func (h *Hub) ParticipantRemoved(chatID, userID, actorID uuid.UUID) {
	h.Revoke(userID, chatID)
}

func (h *Hub) unsubscribe(c *Client, topic string) {
	if topic == UserTopic(c.userID) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.gone {
		h.removeLocked(c, topic)
	}
}

// reply queues a frame for c alone. It never blocks.
func (h *Hub) reply(c *Client, f ackFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.gone {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

// Close disconnects every client, rejects further publications and waits
// for pending presence reports.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var clients []*Client
	for _, own := range h.clients {
		for c := range own {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}

	h.mu.Lock()
	reports, done := h.reports, h.reportsDone
	h.reports = nil
	h.mu.Unlock()
	if reports != nil {
		close(reports)
		<-done
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Debug("client_write_failed", zap.String("user_id", c.userID.String()), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("client_read_failed", zap.String("user_id", c.userID.String()), zap.Error(err))
			}
			return
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.hub.reply(c, ackFrame{Type: "error", Error: "invalid frame"})
			continue
		}
		c.handle(f)
	}
}

func (c *Client) handle(f clientFrame) {
	switch f.Action {
	case "subscribe":
		ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
		err := c.hub.subscribe(ctx, c, f.Topic)
		cancel()
		if err != nil {
			c.hub.log.Info("subscription_rejected",
				zap.String("user_id", c.userID.String()),
				zap.String("topic", f.Topic),
				zap.Error(err))
			c.hub.reply(c, ackFrame{Type: "error", Topic: f.Topic, Error: err.Error()})
			return
		}
		c.hub.reply(c, ackFrame{Type: "subscribed", Topic: f.Topic})
	case "unsubscribe":
		c.hub.unsubscribe(c, f.Topic)
		c.hub.reply(c, ackFrame{Type: "unsubscribed", Topic: f.Topic})
	case "typing", "join", "presence":
		if err := c.announce(f); err != nil {
			c.hub.log.Debug("announcement_rejected",
				zap.String("user_id", c.userID.String()),
				zap.String("action", f.Action),
				zap.Error(err))
			c.hub.reply(c, ackFrame{Type: "error", Topic: f.Topic, Error: err.Error()})
		}
	default:
		c.hub.reply(c, ackFrame{Type: "error", Topic: f.Topic, Error: "unknown action " + f.Action})
	}
}

// announce hands a typing, join or presence frame to the hub's reporter.
// Only failures are acknowledged.
func (c *Client) announce(f clientFrame) error {
	c.hub.mu.RLock()
	r := c.hub.reporter
	c.hub.mu.RUnlock()
	if r == nil {
		return errors.New("announcements are not enabled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	if f.Action == "presence" {
		status, err := domain.ParsePresenceStatus(f.Status)
		if err != nil {
			return err
		}
		return r.SetStatus(ctx, c.userID, status)
	}
	chatID, err := uuid.Parse(f.ChatID)
	if err != nil {
		return fmt.Errorf("invalid chatId %q: %w", f.ChatID, domain.ErrValidation)
	}
	if f.Action == "typing" {
		return r.Typing(ctx, c.userID, chatID, f.IsTyping)
	}
	return r.Joined(ctx, c.userID, chatID)
}
