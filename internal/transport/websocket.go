package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// WSConfig configures the WebSocket dialer.
type WSConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	ReadLimit         int64
	HTTPClient        *http.Client
}

func (c *WSConfig) defaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
}

// WSDialer dials the messaging server over WebSocket.
type WSDialer struct {
	cfg    WSConfig
	logger *zap.Logger
}

// NewWSDialer creates a dialer for the given server URL. http(s) schemes are
// rewritten to ws(s) and "/ws" is appended when the URL has no path.
func NewWSDialer(cfg WSConfig, logger *zap.Logger) *WSDialer {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSDialer{cfg: cfg, logger: logger}
}

func (d *WSDialer) endpoint() string {
	u := strings.Replace(d.cfg.URL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	rest := u
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if !strings.Contains(rest, "/") {
		u += "/ws"
	}
	return u
}

// Dial opens a session and waits for the server's authenticated frame.
func (d *WSDialer) Dial(ctx context.Context, identity, token string) (Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.Dial(hctx, d.endpoint(), &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.cfg.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("websocket dial: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(d.cfg.ReadLimit)

	_, data, err := conn.Read(hctx)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return nil, fmt.Errorf("read auth frame: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("read auth frame: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("decode auth frame: %w", err)
	}
	switch env.Type {
	case EventAuthenticated:
	case EventUnauthorized:
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, ErrUnauthorized
	default:
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected %q frame, got %q", EventAuthenticated, env.Type)
	}

	var auth AuthenticatedPayload
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &auth)
	}
	if auth.UserID != "" && identity != "" && auth.UserID != identity {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("server authenticated %q, expected %q: %w", auth.UserID, identity, ErrUnauthorized)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	wc := &wsConn{
		conn:   conn,
		events: make(chan Envelope, 64),
		done:   make(chan struct{}),
		cancel: connCancel,
		logger: d.logger,
	}
	go wc.readLoop(connCtx)
	if d.cfg.HeartbeatInterval > 0 {
		go wc.heartbeatLoop(connCtx, d.cfg.HeartbeatInterval)
	}
	return wc, nil
}

type wsConn struct {
	conn   *websocket.Conn
	events chan Envelope
	done   chan struct{}
	cancel context.CancelFunc
	logger *zap.Logger

	mu       sync.Mutex
	err      error
	finished bool
}

func (c *wsConn) Events() <-chan Envelope { return c.events }
func (c *wsConn) Done() <-chan struct{}   { return c.done }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Send(ctx context.Context, env Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.finish(ErrClosed)
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

func (c *wsConn) finish(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.err = err
	c.mu.Unlock()
	c.cancel()
	close(c.done)
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer close(c.events)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				err = ErrClosed
			}
			c.finish(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if env.Type == EventPong {
			continue
		}

		select {
		case c.events <- env:
		case <-ctx.Done():
			c.finish(ErrClosed)
			return
		}
	}
}

func (c *wsConn) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("heartbeat failed, closing connection", zap.Error(err))
				c.finish(fmt.Errorf("heartbeat: %w", err))
				_ = c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
