package chat

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/matheus3301/chatcore/internal/domain"
	"github.com/matheus3301/chatcore/internal/transport"
)

// fakeConn is an in-memory realtime session. reply, when set, answers
// outbound frames.
type fakeConn struct {
	events chan transport.Envelope
	done   chan struct{}

	mu     sync.Mutex
	sent   []transport.Envelope
	closed bool
	err    error
	reply  func(transport.Envelope) []transport.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan transport.Envelope, 64), done: make(chan struct{})}
}

func (c *fakeConn) Send(_ context.Context, env transport.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.sent = append(c.sent, env)
	reply := c.reply
	c.mu.Unlock()
	if reply != nil {
		for _, r := range reply(env) {
			c.events <- r
		}
	}
	return nil
}

func (c *fakeConn) Events() <-chan transport.Envelope { return c.events }
func (c *fakeConn) Done() <-chan struct{}            { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.drop(transport.ErrClosed)
	return nil
}

func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	c.mu.Unlock()
	close(c.events)
	close(c.done)
}

func (c *fakeConn) setReply(fn func(transport.Envelope) []transport.Envelope) {
	c.mu.Lock()
	c.reply = fn
	c.mu.Unlock()
}

func (c *fakeConn) sentOfType(t string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.sent {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (c *fakeConn) push(t string, payload any) {
	env, _ := transport.NewEnvelope(t, payload)
	c.events <- env
}

// ackWith acknowledges message:send frames with the given server id.
func ackWith(serverID string) func(transport.Envelope) []transport.Envelope {
	return func(env transport.Envelope) []transport.Envelope {
		if env.Type != transport.EventMessageSend {
			return nil
		}
		var p transport.MessagePayload
		_ = env.Decode(&p)
		p.ID = serverID
		p.Status = string(domain.StatusSent)
		ack, _ := transport.NewEnvelope(transport.EventAck, transport.AckPayload{OK: true, Message: &p})
		ack.RequestID = env.RequestID
		return []transport.Envelope{ack}
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  error
	conns []*fakeConn
	// configure runs on every new connection before it is returned.
	configure func(*fakeConn)
}

func (d *fakeDialer) Dial(context.Context, string, string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	if d.configure != nil {
		d.configure(c)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeAPI struct {
	mu          sync.Mutex
	convs       []domain.Conversation
	pages       map[string][]domain.Message
	sendErr     error
	sends       int
	refreshes   int
	panicOnList bool
	readCalls   int
	// listGate, when set, holds ListConversations until it is closed.
	listGate chan struct{}
	// pageGates hold ListMessages for a counterpart the same way.
	pageGates map[string]chan struct{}
}

func (a *fakeAPI) ListConversations(context.Context) ([]domain.Conversation, error) {
	a.mu.Lock()
	gate := a.listGate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	if a.panicOnList {
		a.panicOnList = false
		panic("list exploded")
	}
	return append([]domain.Conversation(nil), a.convs...), nil
}

func (a *fakeAPI) ListMessages(_ context.Context, id string, page, _ int) ([]domain.Message, error) {
	a.mu.Lock()
	gate := a.pageGates[id]
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if page != 1 {
		return nil, nil
	}
	return a.pages[id], nil
}

func (a *fakeAPI) MarkRead(context.Context, string, []string) error {
	a.mu.Lock()
	a.readCalls++
	a.mu.Unlock()
	return nil
}

func (a *fakeAPI) SendMessage(_ context.Context, m domain.Message) (domain.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends++
	if a.sendErr != nil {
		return domain.Message{}, a.sendErr
	}
	tmp, _ := m.ID.TempID()
	m.ID = domain.Confirmed("rest_1")
	m.Alias = tmp
	m.Status = domain.StatusSent
	return m, nil
}

func (a *fakeAPI) Upload(_ context.Context, name, mimeType string, r io.Reader) (domain.FileMeta, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return domain.FileMeta{}, err
	}
	return domain.FileMeta{Name: name, MIME: mimeType, Size: int64(len(data)), URL: "/files/" + name}, nil
}

func (a *fakeAPI) counts() (sends, refreshes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sends, a.refreshes
}

var errRESTDown = errors.New("rest: 503 service unavailable")
