package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/chatcore/internal/domain"
	"nhooyr.io/websocket"
)

// testServer accepts one WebSocket per request and hands it to fn after
// checking the bearer token.
func testServer(t *testing.T, token string, fn func(ctx context.Context, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.CloseNow() }()
		fn(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeEnv(ctx context.Context, t *testing.T, c *websocket.Conn, eventType string, payload any) {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		t.Error(err)
		return
	}
	data, _ := json.Marshal(env)
	_ = c.Write(ctx, websocket.MessageText, data)
}

func TestDialAuthenticatesAndReceives(t *testing.T) {
	received := make(chan Envelope, 1)
	srv := testServer(t, "tok", func(ctx context.Context, c *websocket.Conn) {
		writeEnv(ctx, t, c, EventAuthenticated, AuthenticatedPayload{UserID: "alice"})
		writeEnv(ctx, t, c, EventMessageNew, MessagePayload{
			ID: "m_1", SenderID: "bob", RecipientID: "alice", Content: "hi", Type: "text",
			CreatedAt: time.UnixMilli(1000),
		})
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		_ = json.Unmarshal(data, &env)
		received <- env
		<-ctx.Done()
	})

	d := NewWSDialer(WSConfig{URL: srv.URL, HeartbeatInterval: -1}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, "alice", "tok")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	select {
	case env := <-conn.Events():
		if env.Type != EventMessageNew {
			t.Fatalf("event type = %q, want %q", env.Type, EventMessageNew)
		}
		var p MessagePayload
		if err := env.Decode(&p); err != nil {
			t.Fatal(err)
		}
		m := p.ToDomain()
		if id, ok := m.ID.ServerID(); !ok || id != "m_1" {
			t.Errorf("identity = %v, want confirmed(m_1)", m.ID)
		}
		if m.Status != domain.StatusSent {
			t.Errorf("status = %s, want sent", m.Status)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for message:new")
	}

	env, _ := NewEnvelope(EventTyping, TypingPayload{To: "bob", IsTyping: true})
	if err := conn.Send(ctx, env); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case got := <-received:
		if got.Type != EventTyping {
			t.Errorf("server got %q, want %q", got.Type, EventTyping)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for server to receive frame")
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	srv := testServer(t, "good", func(ctx context.Context, c *websocket.Conn) {})
	d := NewWSDialer(WSConfig{URL: srv.URL}, nil)

	_, err := d.Dial(context.Background(), "alice", "bad")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Dial() error = %v, want ErrUnauthorized", err)
	}
}

func TestDialUnauthorizedFrame(t *testing.T) {
	srv := testServer(t, "tok", func(ctx context.Context, c *websocket.Conn) {
		writeEnv(ctx, t, c, EventUnauthorized, nil)
		<-ctx.Done()
	})
	d := NewWSDialer(WSConfig{URL: srv.URL}, nil)

	_, err := d.Dial(context.Background(), "alice", "tok")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Dial() error = %v, want ErrUnauthorized", err)
	}
}

func TestEventsClosedOnServerDrop(t *testing.T) {
	srv := testServer(t, "tok", func(ctx context.Context, c *websocket.Conn) {
		writeEnv(ctx, t, c, EventAuthenticated, AuthenticatedPayload{UserID: "alice"})
		_ = c.Close(websocket.StatusGoingAway, "bye")
	})
	d := NewWSDialer(WSConfig{URL: srv.URL, HeartbeatInterval: -1}, nil)

	conn, err := d.Dial(context.Background(), "alice", "tok")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done() not closed after server drop")
	}
	if conn.Err() == nil {
		t.Error("Err() = nil after drop")
	}
	if err := conn.Send(context.Background(), Envelope{Type: EventPing}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after drop = %v, want ErrClosed", err)
	}
}

func TestEndpoint(t *testing.T) {
	tests := []struct{ in, want string }{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://chat.example.com", "wss://chat.example.com/ws"},
		{"wss://chat.example.com/realtime", "wss://chat.example.com/realtime"},
	}
	for _, tt := range tests {
		d := NewWSDialer(WSConfig{URL: tt.in}, nil)
		if got := d.endpoint(); got != tt.want {
			t.Errorf("endpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPayloadRoundTripKeepsTempAlias(t *testing.T) {
	m := domain.Message{
		ID: domain.Confirmed("m_9"), Alias: "tmp_9",
		SenderID: "a", RecipientID: "b", Content: "x", Type: domain.TypeText,
		Status: domain.StatusDelivered,
	}
	back := FromDomain(m).ToDomain()
	if back.ID != m.ID || back.Alias != "tmp_9" || back.Status != domain.StatusDelivered {
		t.Errorf("round trip = %+v", back)
	}
}
