// Package transport defines the realtime wire contract and a WebSocket
// implementation of it. Only the connection manager holds a Conn.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized is returned when the server rejects the credentials.
	// Retrying with the same credentials is pointless.
	ErrUnauthorized = errors.New("transport: unauthorized")
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
)

// Dialer opens authenticated realtime sessions.
type Dialer interface {
	Dial(ctx context.Context, identity, token string) (Conn, error)
}

// Conn is one live realtime session.
type Conn interface {
	// Send writes one frame.
	Send(ctx context.Context, env Envelope) error
	// Events yields inbound frames and is closed when the session ends.
	Events() <-chan Envelope
	// Done is closed when the session ends; Err then reports why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, identity, token string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, identity, token string) (Conn, error) {
	return f(ctx, identity, token)
}
