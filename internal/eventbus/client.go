package eventbus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hailstorm-sh/hailstorm/internal/herrors"
)

// Client is a thin wrapper around a NATS connection used for
// publishing observability events and serving operator requests.
type Client struct {
	conn *nats.Conn
}

// NewClient connects to an embedded Bus in the same process.
func NewClient(bus *Bus) (*Client, error) {
	return NewClientFromURL(bus.ClientURL())
}

// NewClientFromURL connects to any NATS URL, embedded or external.
func NewClientFromURL(url string) (*Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, herrors.New(herrors.Transport, "eventbus.NewClientFromURL", err)
	}
	return &Client{conn: conn}, nil
}

// Publish sends a raw payload to topic.
func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

// PublishJSON marshals v and publishes it to topic.
func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return herrors.New(herrors.ProtocolViolation, "eventbus.PublishJSON: marshal", err)
	}
	return c.conn.Publish(topic, data)
}

// Subscribe registers handler for every message published to topic.
func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

// Request sends data to topic and waits up to timeout for one reply,
// used by hailstorm-ctl's request/reply control channel.
func (c *Client) Request(topic string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return c.conn.Request(topic, data, timeout)
}

// Flush blocks until all buffered publishes reach the server, used by
// tests that need delivery ordering guarantees.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close closes the underlying connection without draining it.
func (c *Client) Close() {
	c.conn.Close()
}
