// Package transport provides the bidirectional message channel between a
// session and the simulation engine. Two implementations exist: a plain
// WebSocket carrying JSON text frames and a socket.io client for engines
// fronted by a socket.io gateway.
//
// A Channel never reconnects. Once it is closed, by either side, Receive
// returns ErrClosed and the owner is expected to dial a new one.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by Receive and Send once the channel is closed.
var ErrClosed = errors.New("channel closed")

// Channel is one live connection to the engine.
type Channel interface {
	// Send encodes v as JSON and writes it as a single message.
	Send(ctx context.Context, v any) error
	// Receive blocks until the next inbound message arrives.
	Receive(ctx context.Context) ([]byte, error)
	// Close closes the channel. It is safe to call more than once.
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// Kind names a transport implementation in configuration.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindSocketIO  Kind = "socketio"
)

// New returns the Dialer for kind, connecting to url.
func New(kind Kind, url string) (Dialer, error) {
	switch kind {
	case "", KindWebSocket:
		return &WebSocket{URL: url}, nil
	case KindSocketIO:
		return &SocketIO{URL: url}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
