package smp

import (
	"context"
	"log/slog"
	"time"
)

const defaultTimeout = 5 * time.Second

// Option configures a Client at Open time.
type Option func(*Client)

// WithLogger overrides the client's slog.Logger. The default is
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDefaultTimeout overrides the per-request timeout used when a
// zero-valued timeout is passed to an operation. The default is 5s.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// Client is the public entry point: it owns a Router bound to one
// Transport. Only one Client should be open per device connection (no
// multi-device multiplexing, no concurrent uploads on the same client —
// spec §1 non-goals).
type Client struct {
	router         *Router
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// Open binds a Client to transport and starts its receive loop.
func Open(transport Transport, opts ...Option) *Client {
	c := &Client{
		logger:         slog.Default(),
		defaultTimeout: defaultTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.router = NewRouter(transport, c.logger)

	return c
}

// Close shuts the client down: the receive loop stops and every pending
// request fails with ClosedError. Idempotent.
func (c *Client) Close() error {
	return c.router.Close()
}

// Message is the generic request envelope for the public Execute escape
// hatch (§6): op/group/id plus a CBOR-taggable payload.
type Message struct {
	Op      uint8
	Group   uint16
	ID      uint8
	Payload any
}

// Execute sends msg and returns the matching response frame, or fails with
// Timeout, TransportError, or Closed per §4.C. A zero timeout uses the
// client's default.
func (c *Client) Execute(ctx context.Context, msg Message, timeout time.Duration) (Frame, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	return c.router.Execute(ctx, msg.Op, msg.Group, msg.ID, msg.Payload, timeout)
}

func (c *Client) timeoutOrDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.defaultTimeout
	}
	return timeout
}
