package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tracecat/simlab/internal/ctxlog"
	"resty.dev/v3"
)

// DefaultBaseURL is where a locally running engine serves its HTTP API.
const DefaultBaseURL = "http://localhost:8000"

const defaultTimeout = 30 * time.Second

// ErrTeardownFailed is returned when the engine answers a teardown with a
// non-2xx status.
var ErrTeardownFailed = errors.New("teardown failed")

// TeardownReply is the engine's acknowledgement of a teardown.
type TeardownReply struct {
	Message string `json:"message"`
}

// Client issues HTTP calls against one engine.
type Client struct {
	rc *resty.Client
}

// Option configures a Client.
type Option func(*resty.Client)

// WithTimeout bounds every request made by the client.
func WithTimeout(d time.Duration) Option {
	return func(rc *resty.Client) { rc.SetTimeout(d) }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(rc *resty.Client) { rc.SetHeader(key, value) }
}

// New returns a Client for the engine at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(defaultTimeout).
		SetHeader("Accept", "application/json")
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{rc: rc}
}

// Teardown asks the engine to stop the lab identified by sessionID and
// release everything it provisioned.
func (c *Client) Teardown(ctx context.Context, sessionID string) (*TeardownReply, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrTeardownFailed)
	}
	logger := ctxlog.FromContext(ctx).With("session", sessionID)
	logger.Debug("Requesting lab teardown...")

	var reply TeardownReply
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("uuid", sessionID).
		SetResult(&reply).
		Delete("/labs/{uuid}")
	if err != nil {
		return nil, fmt.Errorf("teardown request for %s: %w", sessionID, err)
	}
	if resp.IsError() {
		if body := strings.TrimSpace(resp.String()); body != "" {
			return nil, fmt.Errorf("%w: status %d: %s", ErrTeardownFailed, resp.StatusCode(), body)
		}
		return nil, fmt.Errorf("%w: status %d", ErrTeardownFailed, resp.StatusCode())
	}

	logger.Debug("Teardown acknowledged", "status", resp.StatusCode(), "message", reply.Message)
	return &reply, nil
}

// Close releases idle connections held by the client.
func (c *Client) Close() error {
	return c.rc.Close()
}
