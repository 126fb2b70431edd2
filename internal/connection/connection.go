// Package connection manages one host-to-plugin channel: frame bring-up,
// the handshake that establishes origin and transport, the serialized call
// path, and teardown.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/taquila123/remix-plugin/internal/bus"
	"github.com/taquila123/remix-plugin/internal/callqueue"
	"github.com/taquila123/remix-plugin/internal/frame"
	"github.com/taquila123/remix-plugin/internal/pending"
	"github.com/taquila123/remix-plugin/internal/profile"
	"github.com/taquila123/remix-plugin/internal/protocol"
	"github.com/taquila123/remix-plugin/internal/router"
	"github.com/taquila123/remix-plugin/internal/transport"
)

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks github.com/taquila123/remix-plugin/internal/transport Transport

// ErrNoTransport is returned when a send is attempted before the handshake
// has recorded a transport handle, or after teardown cleared it.
var ErrNoTransport = errors.New("no transport attached")

// State is the connection lifecycle state.
type State string

const (
	StateUnloaded          State = "unloaded"
	StateLoading           State = "loading"
	StateAwaitingHandshake State = "awaiting_handshake"
	StateConnected         State = "connected"
	StateDeactivated       State = "deactivated"
)

// Connection owns one plugin channel's state: its correlation counter, its
// pending-table partition, its call queue, and its notification hub. The
// counter resets only by creating a new Connection.
type Connection struct {
	prof   *profile.Profile
	frame  *frame.Frame
	logger *slog.Logger

	counter atomic.Int64
	table   *pending.Table
	hub     *bus.Hub
	queue   *callqueue.Queue
	router  *router.Router

	mu       sync.Mutex
	state    State
	origin   string
	tr       transport.Transport
	emitters map[string]bus.Emitter
}

// New creates an unloaded connection for the profile. handler serves
// requests the plugin makes back into the host; sink receives caller-less
// failures. Both may be nil.
func New(prof *profile.Profile, dialer frame.Dialer, handler router.Handler, sink router.Sink, logger *slog.Logger) *Connection {
	c := &Connection{
		prof:   prof,
		frame:  frame.New(prof.URL, dialer),
		logger: logger,
		table:  pending.NewTable(),
		hub:    bus.NewHub(),
		state:  StateUnloaded,
	}

	if sink == nil {
		sink = router.SinkFunc(func(ctx context.Context, reason string, msg protocol.Message) {
			logger.Error("dead letter dropped (no sink configured)", "reason", reason, "plugin", msg.Name)
		})
	}

	c.queue = callqueue.New(prof, func() int64 { return c.counter.Add(1) }, c.table, c.send, logger)
	c.router = router.New(c.table, c.hub, handler, c.send, sink, logger)
	return c
}

// Render constructs the isolated context, waits for its content to load,
// attaches the inbound listener, captures the origin, records the transport
// handle, and sends the handshake request. Rendering twice is fatal.
func (c *Connection) Render(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUnloaded {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection %q is %s", frame.ErrAlreadyRendered, c.prof.Name, c.state)
	}
	c.state = StateLoading
	c.mu.Unlock()

	tr, err := c.frame.Load(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateUnloaded
		c.mu.Unlock()
		return fmt.Errorf("load frame for %q: %w", c.prof.Name, err)
	}

	c.mu.Lock()
	c.tr = tr
	c.origin = tr.Origin()
	c.emitters = bus.Emitters(c.prof, c.send)
	c.state = StateAwaitingHandshake
	c.mu.Unlock()

	go c.receiveLoop(tr)

	c.logger.Info("frame loaded", "plugin", c.prof.Name, "origin", tr.Origin())

	if err := c.sendHandshake(); err != nil {
		// The frame is live but the plugin is unreachable; tear everything
		// down so the transport and receive loop do not outlive the failed
		// render.
		if derr := c.Deactivate(); derr != nil {
			c.logger.Warn("teardown after failed handshake", "plugin", c.prof.Name, "error", derr)
		}
		return err
	}
	return nil
}

// sendHandshake issues the zero-payload handshake request. The connection
// becomes Connected when its response flows back through the normal
// router/pending path; no distinguished transition exists.
func (c *Connection) sendHandshake() error {
	id := c.counter.Add(1)

	resolver := func(payload json.RawMessage, errText string) {
		if errText != "" {
			c.logger.Error("handshake failed", "plugin", c.prof.Name, "error", errText)
			return
		}
		c.mu.Lock()
		if c.state == StateAwaitingHandshake {
			c.state = StateConnected
		}
		c.mu.Unlock()
		c.logger.Info("handshake complete", "plugin", c.prof.Name)
	}
	if err := c.table.Register(c.prof.Name, id, resolver); err != nil {
		return fmt.Errorf("register handshake: %w", err)
	}

	msg := protocol.NewRequest(c.prof.Name, protocol.HandshakeKey, id, nil, nil)
	if err := c.send(msg); err != nil {
		c.table.Drop(c.prof.Name, id)
		return fmt.Errorf("send handshake: %w", err)
	}
	return nil
}

// Call invokes a declared method on the plugin. Calls are serialized per
// connection; the returned handle resolves when the matching response
// arrives.
func (c *Connection) Call(method string, args, requestInfo json.RawMessage) (*callqueue.Pending, error) {
	return c.queue.Call(method, args, requestInfo)
}

// Notify sends one declared notification to the plugin, bypassing the call
// queue. Delivery is not acknowledged.
func (c *Connection) Notify(key string, payload json.RawMessage) error {
	c.mu.Lock()
	emit, ok := c.emitters[key]
	c.mu.Unlock()

	if !ok {
		if !c.prof.DeclaresNotification(key) {
			return fmt.Errorf("notification %q is not declared by plugin %q", key, c.prof.Name)
		}
		return ErrNoTransport
	}
	return emit(payload)
}

// Subscribe attaches a local listener for the plugin's inbound
// notifications. Subscribers never see notifications published before they
// subscribed.
func (c *Connection) Subscribe() (<-chan bus.Notification, func()) {
	return c.hub.Subscribe()
}

// Deactivate detaches the context, clears the transport handle, and removes
// the inbound listener. Deactivating twice is an error.
func (c *Connection) Deactivate() error {
	c.mu.Lock()
	if c.state == StateDeactivated {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection %q already deactivated", frame.ErrNotRendered, c.prof.Name)
	}
	prev := c.state
	c.state = StateDeactivated
	c.tr = nil
	c.emitters = nil
	c.mu.Unlock()

	if prev == StateUnloaded {
		return nil
	}
	if err := c.frame.Remove(); err != nil && !errors.Is(err, frame.ErrNotRendered) {
		return fmt.Errorf("remove frame for %q: %w", c.prof.Name, err)
	}
	return nil
}

// Name returns the plugin name from the profile.
func (c *Connection) Name() string {
	return c.prof.Name
}

// Profile returns the immutable profile this connection was created from.
func (c *Connection) Profile() *profile.Profile {
	return c.prof
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Origin returns the origin recorded at handshake time, or "" before it.
func (c *Connection) Origin() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origin
}

// QueueDepth returns the number of queued outbound requests, including the
// in-flight head.
func (c *Connection) QueueDepth() int {
	return c.queue.Depth()
}

// send delivers one outbound message through the recorded transport handle.
func (c *Connection) send(msg protocol.Message) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()

	if tr == nil {
		return ErrNoTransport
	}
	return tr.Send(msg)
}

// receiveLoop drains the transport's inbound stream until teardown closes
// it. Deliveries whose origin does not match the recorded origin are
// discarded without side effects.
func (c *Connection) receiveLoop(tr transport.Transport) {
	for env := range tr.Messages() {
		c.mu.Lock()
		origin := c.origin
		deactivated := c.state == StateDeactivated
		c.mu.Unlock()

		if deactivated {
			return
		}
		if env.Origin != origin {
			c.logger.Debug("discarded message from unexpected origin", "plugin", c.prof.Name, "origin", env.Origin)
			continue
		}

		msg, err := protocol.Unmarshal(env.Data)
		if err != nil {
			c.logger.Warn("malformed inbound message", "plugin", c.prof.Name, "error", err)
			continue
		}
		c.router.Dispatch(context.Background(), msg)
	}
}
