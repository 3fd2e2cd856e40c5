package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tracecat/simlab/internal/ctxlog"
)

// DefaultWebSocketURL is the engine's lab stream route.
const DefaultWebSocketURL = "ws://localhost:8000/labs/ws"

const closeGracePeriod = time.Second

// WebSocket dials a plain websocket endpoint.
type WebSocket struct {
	URL    string
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Dial opens the websocket and returns it as a Channel.
func (w *WebSocket) Dial(ctx context.Context) (Channel, error) {
	url := w.URL
	if url == "" {
		url = DefaultWebSocketURL
	}
	logger := ctxlog.FromContext(ctx).With("transport", KindWebSocket, "url", url)

	d := w.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}

	logger.Debug("Dialing engine...")
	conn, resp, err := d.DialContext(ctx, url, w.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed with status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	logger.Debug("Connected", "remote", conn.RemoteAddr().String())
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *wsChannel) Send(ctx context.Context, v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(v); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	// gorilla reads are not cancellable; an expired read deadline unblocks them.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, c.readError(ctx, err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsChannel) readError(ctx context.Context, err error) error {
	switch {
	case c.closed.Load():
		return ErrClosed
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.As(err, new(*websocket.CloseError)), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return fmt.Errorf("failed to read message: %w", err)
	}
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// Best effort: the peer may already be gone.
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		err = c.conn.Close()
	})
	return err
}
