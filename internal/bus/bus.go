// Package bus provides sqrld's internal event bus: an embedded NATS server
// plus a thin client wrapper, used to hand parsed entries and completed
// sessions between the daemon's concurrent tasks without hand-rolling
// channel plumbing for every producer/consumer pair.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"
	"github.com/nats-io/nats-server/v2/server"

	. "github.com/sqrl-dev/sqrld/internal/logging"
)

// Subjects used on the internal bus.
const (
	SubjectParsedEntries     = "sqrld.entries.parsed"
	SubjectCompletedSessions = "sqrld.sessions.completed"
	SubjectFlushSignal       = "sqrld.flush.signal"
)

// EmbeddedServer wraps an in-process NATS server bound to loopback only.
type EmbeddedServer struct {
	srv *server.Server
	url string
}

// StartEmbedded starts an embedded NATS server on an OS-assigned loopback
// port and blocks until it is ready to accept connections.
func StartEmbedded() (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:     "127.0.0.1",
		Port:     -1, // let the OS pick a free port
		HTTPPort: -1,
		NoLog:    true,
		NoSigs:   true,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded bus server: %w", err)
	}

	go srv.Start()

	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded bus server failed to start in time")
	}

	url := fmt.Sprintf("nats://%s", srv.Addr().String())
	L_info("bus: embedded server ready", "url", url)
	return &EmbeddedServer{srv: srv, url: url}, nil
}

// URL returns the connect URL clients should use.
func (e *EmbeddedServer) URL() string { return e.url }

// Shutdown stops the embedded server.
func (e *EmbeddedServer) Shutdown() {
	e.srv.Shutdown()
}

// Client wraps a NATS connection with the small set of operations the
// daemon's tasks need: publish/subscribe to JSON payloads.
type Client struct {
	conn     *nc.Conn
	clientID string
}

// NewClient connects to url, identifying itself as clientID (e.g.
// "watcher_task", "tracker_task").
func NewClient(url string, clientID string) (*Client, error) {
	opts := []nc.Option{
		nc.Name(clientID),
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				L_warn("bus: client disconnected", "client", clientID, "error", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			L_info("bus: client reconnected", "client", clientID, "url", conn.ConnectedUrl())
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}

	return &Client{conn: conn, clientID: clientID}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeJSON subscribes to subject, unmarshaling each message into a
// fresh value of the type produced by newValue before invoking handler.
// Decode failures are logged and skipped rather than propagated, since a
// malformed internal-bus message should never take down a task.
func (c *Client) SubscribeJSON(subject string, newValue func() interface{}, handler func(interface{})) (*nc.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nc.Msg) {
		v := newValue()
		if err := json.Unmarshal(msg.Data, v); err != nil {
			L_warn("bus: failed to decode message", "subject", subject, "error", err)
			return
		}
		handler(v)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Flush flushes buffered outbound data.
func (c *Client) Flush() error {
	return c.conn.Flush()
}
