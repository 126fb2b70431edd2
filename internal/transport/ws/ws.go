// Package ws provides the websocket-backed transport for remote plugin
// contexts. The frame layer dials the plugin's declared URL here; inbound
// frames are stamped with the dialed origin before the connection layer's
// origin filter sees them.
package ws

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taquila123/remix-plugin/internal/protocol"
	"github.com/taquila123/remix-plugin/internal/transport"
)

const (
	writeTimeout         = 10 * time.Second
	maxInboundMessageLen = 1 << 20 // 1 MiB
)

// Conn is a websocket transport to one plugin context.
type Conn struct {
	conn   *websocket.Conn
	origin string

	writeMu sync.Mutex

	inbox     chan transport.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the plugin content at rawURL and returns a ready
// transport. The remote origin is the canonical origin of the dialed URL.
func Dial(ctx context.Context, rawURL string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse plugin url: %w", err)
	}

	dialURL := *u
	switch u.Scheme {
	case "http":
		dialURL.Scheme = "ws"
	case "https":
		dialURL.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported plugin url scheme %q", u.Scheme)
	}

	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial plugin: %w", err)
	}

	c := &Conn{
		conn:   wsConn,
		origin: u.Scheme + "://" + u.Host,
		inbox:  make(chan transport.Envelope, 64),
		closed: make(chan struct{}),
	}
	wsConn.SetReadLimit(maxInboundMessageLen)

	go c.readPump()
	return c, nil
}

// Send serializes and writes one message. gorilla permits a single
// concurrent writer, so writes are serialized here.
func (c *Conn) Send(msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Messages returns the inbound delivery stream.
func (c *Conn) Messages() <-chan transport.Envelope {
	return c.inbox
}

// Origin returns the canonical origin of the dialed URL.
func (c *Conn) Origin() string {
	return c.origin
}

// Close tears down the websocket and ends the inbound stream.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readPump() {
	defer close(c.inbox)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			_ = c.Close()
			return
		}
		select {
		case c.inbox <- transport.Envelope{Origin: c.origin, Data: data}:
		case <-c.closed:
			return
		}
	}
}
