package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/tracecat/simlab/internal/ctxlog"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

const (
	defaultStartEvent     = "start"
	defaultDataEvent      = "event"
	defaultConnectTimeout = 15 * time.Second
	socketIOInboxSize     = 256
)

// SocketIO dials an engine fronted by a socket.io gateway. Outbound messages
// are emitted as StartEvent; inbound records arrive as DataEvent.
type SocketIO struct {
	URL                string
	Namespace          string
	StartEvent         string
	DataEvent          string
	ConnectTimeout     time.Duration
	InsecureSkipVerify bool
}

// Dial connects and waits for the socket.io handshake to complete.
func (s *SocketIO) Dial(ctx context.Context) (Channel, error) {
	logger := ctxlog.FromContext(ctx).With("transport", KindSocketIO, "url", s.URL)

	parsedURL, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("socket.io URL %q must be absolute", s.URL)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	opts.SetReconnection(false)
	if s.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(s.Namespace, opts)

	ch := &sioChannel{
		io:         io,
		startEvent: orDefault(s.StartEvent, defaultStartEvent),
		inbox:      make(chan []byte, socketIOInboxSize),
		done:       make(chan struct{}),
	}

	connectChan := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Connected", "sid", io.Id())
		select {
		case connectChan <- nil:
		default:
		}
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		select {
		case connectChan <- connectError(errs...):
		default:
		}
	})
	io.On(types.EventName(orDefault(s.DataEvent, defaultDataEvent)), ch.onData)
	io.On(types.EventName("disconnect"), func(reason ...any) {
		logger.Debug("Disconnected by remote", "reason", reason)
		ch.shutdown()
	})

	logger.Debug("Dialing engine...")
	io.Connect()

	timeout := s.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return ch, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", timeout)
	}
}

type sioChannel struct {
	io         *socket.Socket
	startEvent string

	inbox    chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

// onData re-encodes the first payload so consumers see the same bytes a
// plain websocket would deliver.
func (c *sioChannel) onData(data ...any) {
	if len(data) == 0 {
		return
	}
	var raw []byte
	switch v := data[0].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		raw = b
	}
	select {
	case c.inbox <- raw:
	case <-c.done:
	}
}

func (c *sioChannel) Send(_ context.Context, v any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.io.Emit(c.startEvent, v); err != nil {
		return fmt.Errorf("failed to emit %q: %w", c.startEvent, err)
	}
	return nil
}

func (c *sioChannel) Receive(ctx context.Context) ([]byte, error) {
	// Drain buffered messages before reporting closure.
	select {
	case raw := <-c.inbox:
		return raw, nil
	default:
	}
	select {
	case raw := <-c.inbox:
		return raw, nil
	case <-c.done:
		// A record may have landed just before the close.
		select {
		case raw := <-c.inbox:
			return raw, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *sioChannel) Close() error {
	c.shutdown()
	c.io.Disconnect()
	return nil
}

func (c *sioChannel) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// connectError turns a connect_error payload into an error. The payload may
// be empty.
func connectError(errs ...any) error {
	if len(errs) == 0 {
		return errors.New("connect_error without details")
	}
	if err, ok := errs[0].(error); ok && err != nil {
		return err
	}
	return fmt.Errorf("%v", errs[0])
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
