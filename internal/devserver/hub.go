package devserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatcore/internal/domain"
	"github.com/matheus3301/chatcore/internal/store"
	"github.com/matheus3301/chatcore/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20
	sendBufferSize = 64
)

// Hub tracks the WebSocket clients of every user and routes frames between
// them. A user may be connected from several devices.
type Hub struct {
	srv      *Server
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

type client struct {
	hub     *Hub
	user    string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

func newHub(srv *Server, logger *zap.Logger) *Hub {
	allowed := make(map[string]bool, len(srv.cfg.AllowedOrigins))
	for _, origin := range srv.cfg.AllowedOrigins {
		allowed[origin] = true
	}
	return &Hub{
		srv:     srv,
		logger:  logger,
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Native clients send no Origin.
				return origin == "" || allowed[origin]
			},
		},
	}
}

// ServeWS handles GET /ws. The token is checked before upgrading so a bad
// token is a plain 401 the client can tell apart from a network failure.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	user, err := h.srv.tokens.Verify(bearer(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	burst := h.srv.cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	c := &client{
		hub:     h,
		user:    user,
		conn:    ws,
		send:    make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(h.srv.cfg.SendRate), burst),
	}
	c.queue(transport.EventAuthenticated, transport.AuthenticatedPayload{UserID: user}, "")

	first := h.register(c)
	go c.writePump()
	if first {
		h.broadcastPresence(user, true)
	}
	h.deliverPending(user)
	c.readPump()
}

func (h *Hub) register(c *client) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.user]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.user] = set
	}
	set[c] = struct{}{}
	h.logger.Info("client connected", zap.String("user", c.user), zap.Int("devices", len(set)))
	return len(set) == 1
}

func (h *Hub) unregister(c *client) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.user]
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.user)
		last = true
	}
	h.logger.Info("client disconnected", zap.String("user", c.user), zap.Int("devices", len(set)))
	return last
}

// Online reports whether user has at least one connected device.
func (h *Hub) Online(user string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[user]) > 0
}

// OnlineCount returns the number of connected users.
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

func (h *Hub) devices(user string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients[user]))
	for c := range h.clients[user] {
		out = append(out, c)
	}
	return out
}

// sendTo queues a frame on every device of user.
func (h *Hub) sendTo(user, eventType string, payload any) {
	for _, c := range h.devices(user) {
		c.queue(eventType, payload, "")
	}
}

func (h *Hub) broadcastPresence(user string, online bool) {
	h.mu.RLock()
	var others []*client
	for id, set := range h.clients {
		if id == user {
			continue
		}
		for c := range set {
			others = append(others, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range others {
		c.queue(transport.EventPresence, transport.PresencePayload{UserID: user, Online: online}, "")
	}
}

// fanOut delivers a newly stored message to the recipient and to the
// sender's devices, and reports delivery back when the recipient is online.
func (h *Hub) fanOut(m store.Message) {
	p := toPayload(m)
	h.sendTo(m.SenderID, transport.EventMessageNew, p)
	if !h.Online(m.RecipientID) {
		return
	}
	h.sendTo(m.RecipientID, transport.EventMessageNew, p)
	h.markDelivered(m.RecipientID, []store.Message{m})
}

// deliverPending flushes the delivered status of messages that arrived
// while user was offline.
func (h *Hub) deliverPending(user string) {
	msgs, err := h.srv.db.Undelivered(user)
	if err != nil {
		h.logger.Warn("load undelivered", zap.String("user", user), zap.Error(err))
		return
	}
	h.markDelivered(user, msgs)
}

func (h *Hub) markDelivered(recipient string, msgs []store.Message) {
	if len(msgs) == 0 {
		return
	}
	senderOf := make(map[string]string, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		senderOf[m.ID] = m.SenderID
		ids = append(ids, m.ID)
	}
	changed, err := h.srv.db.MarkDelivered(recipient, ids)
	if err != nil {
		h.logger.Warn("mark delivered", zap.String("recipient", recipient), zap.Error(err))
		return
	}
	bySender := make(map[string][]string)
	for _, id := range changed {
		bySender[senderOf[id]] = append(bySender[senderOf[id]], id)
	}
	for sender, ids := range bySender {
		h.sendTo(sender, transport.EventMessageStatus, transport.StatusPayload{IDs: ids, Status: string(domain.StatusDelivered)})
	}
}

// handle processes one frame from c.
func (h *Hub) handle(c *client, env transport.Envelope) {
	switch env.Type {
	case transport.EventPing:
		c.queue(transport.EventPong, nil, env.RequestID)

	case transport.EventMessageSend:
		if !c.limiter.Allow() {
			c.ack(env.RequestID, transport.AckPayload{OK: false, Error: "rate limited"})
			return
		}
		var p transport.MessagePayload
		if err := env.Decode(&p); err != nil {
			c.ack(env.RequestID, transport.AckPayload{OK: false, Error: err.Error()})
			return
		}
		if p.TempID == "" {
			p.TempID = env.RequestID
		}
		m, created, err := h.srv.persist(c.user, p)
		if err != nil {
			c.ack(env.RequestID, transport.AckPayload{OK: false, Error: err.Error()})
			return
		}
		stored := toPayload(m)
		c.ack(env.RequestID, transport.AckPayload{OK: true, Message: &stored})
		if created {
			h.fanOut(m)
		}

	case transport.EventTyping:
		var p transport.TypingPayload
		if err := env.Decode(&p); err != nil || p.To == "" {
			c.queue(transport.EventError, map[string]string{"error": "typing requires a recipient"}, env.RequestID)
			return
		}
		p.From = c.user
		p.At = h.srv.now().UTC()
		h.sendTo(p.To, transport.EventUserTyping, p)

	case transport.EventMessageRead:
		var p transport.ReadPayload
		if err := env.Decode(&p); err != nil || p.CounterpartID == "" {
			c.queue(transport.EventError, map[string]string{"error": "read requires a counterpart"}, env.RequestID)
			return
		}
		if _, err := h.srv.markRead(c.user, p.CounterpartID, p.IDs); err != nil {
			h.logger.Warn("read receipt failed", zap.String("user", c.user), zap.Error(err))
		}

	default:
		if !transport.IsCallEvent(env.Type) {
			c.queue(transport.EventError, map[string]string{"error": "unknown event " + env.Type}, env.RequestID)
			return
		}
		var p transport.CallPayload
		if err := env.Decode(&p); err != nil || p.To == "" {
			c.queue(transport.EventError, map[string]string{"error": "call signal requires a recipient"}, env.RequestID)
			return
		}
		p.From = c.user
		h.sendTo(p.To, env.Type, p)
	}
}

func (c *client) ack(requestID string, p transport.AckPayload) {
	c.queue(transport.EventAck, p, requestID)
}

// queue encodes a frame for the write pump. A client that cannot keep up
// is disconnected.
func (c *client) queue(eventType string, payload any, requestID string) {
	env, err := transport.NewEnvelope(eventType, payload)
	if err != nil {
		c.hub.logger.Error("encode frame", zap.String("type", eventType), zap.Error(err))
		return
	}
	env.RequestID = requestID
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("client too slow, dropping", zap.String("user", c.user))
		go c.close()
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func (c *client) readPump() {
	defer func() {
		if c.hub.unregister(c) {
			c.hub.broadcastPresence(c.user, false)
		}
		c.close()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var env transport.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("read failed", zap.String("user", c.user), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.handle(c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
