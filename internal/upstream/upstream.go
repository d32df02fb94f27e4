// Package upstream implements the upstream client of spec.md §4.6: a
// long-lived bidirectional websocket stream to each configured parent,
// with exponential back-off reconnection and a hello push on connect.
//
// Grounded on the teacher's internal/web Hub send-loop pattern
// (one-writer-goroutine-per-connection, drop-and-reconnect on error),
// generalised from a fan-out broadcaster to a single persistent client
// connection with its own retry state machine.
package upstream

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hailstorm-sh/hailstorm/internal/router"
	"github.com/hailstorm-sh/hailstorm/internal/wire"
)

// MinBackoff and MaxBackoff bound the reconnect delay of spec.md §4.6.
const (
	MinBackoff = 500 * time.Millisecond
	MaxBackoff = 30 * time.Second
)

// Client maintains one parent connection. One Client exists per
// configured `hs_upstream.<name>=<url>` entry.
type Client struct {
	name string
	url  string
	r    *router.Router

	mu       sync.Mutex
	conn     *wire.Conn
	parentID int // handle returned by router.AddParent while connected
}

// New constructs an upstream Client for one parent URL. name is the
// `hs_upstream.<name>` key, used only for logging.
func New(name, url string, r *router.Router) *Client {
	return &Client{name: name, url: url, r: r}
}

// Run dials url, pushes a hello update, delivers inbound commands to
// the router, and reconnects with exponential back-off on failure.
// Returns when ctx is cancelled.
func (c *Client) Run(ctx context.Context, hello wire.AgentUpdate) {
	backoff := MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := c.connectAndServe(ctx, hello)
		if err != nil {
			slog.Warn("upstream connection lost, backing off", "parent", c.name, "url", c.url, "error", err, "backoff", backoff)
		}
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = MinBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > MaxBackoff {
			backoff = MaxBackoff
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// connectAndServe dials the parent and serves its command stream until
// it fails or ctx is cancelled. The returned bool reports whether the
// connection was ever established, so Run knows whether to reset its
// back-off.
func (c *Client) connectAndServe(ctx context.Context, hello wire.AgentUpdate) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return false, err
	}
	conn := wire.NewConn(ws)
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	parentID := c.r.AddParent(c)
	defer c.r.RemoveParent(parentID)

	if err := conn.SendUpdate(wire.AgentMessage{Updates: []wire.AgentUpdate{hello}}); err != nil {
		return false, err
	}

	slog.Info("upstream connected", "parent", c.name, "url", c.url)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		cmd, err := conn.RecvCommand()
		if err != nil {
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			return true, err
		}
		c.r.RouteCommand(cmd)
	}
}

// Send implements router.UpstreamSink: it writes msg to the current
// connection, if any.
func (c *Client) Send(msg wire.AgentMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.SendUpdate(msg)
}

type notConnectedError struct{}

func (notConnectedError) Error() string { return "upstream: not connected" }

var errNotConnected = notConnectedError{}
