package conn

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/chatcore/internal/transport"
)

type fakeConn struct {
	events chan transport.Envelope
	done   chan struct{}

	mu     sync.Mutex
	sent   []transport.Envelope
	err    error
	closed bool
	// onSend lets a test answer a frame, e.g. with an ack.
	onSend func(transport.Envelope)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan transport.Envelope, 16),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Send(_ context.Context, env transport.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.sent = append(c.sent, env)
	fn := c.onSend
	c.mu.Unlock()
	if fn != nil {
		fn(env)
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

// drop simulates the server going away.
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

func (c *fakeConn) sentFrames() []transport.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Envelope(nil), c.sent...)
}

// fakeDialer fails while fail is set and otherwise hands out fresh conns.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  error
	conns []*fakeConn
	// during runs inside the n-th dial before it completes, e.g. to let
	// time pass or to hold the dial open.
	during func(n int)
}

func (d *fakeDialer) Dial(_ context.Context, _, _ string) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	n, during := d.dials, d.during
	d.mu.Unlock()

	if during != nil {
		during(n)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

var errUnreachable = errors.New("dial tcp: connection refused")
