// Package host owns the set of plugin connections for one engine process:
// creating them from discovered profiles, exposing host methods to plugins,
// and tearing everything down in order.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/taquila123/remix-plugin/internal/bus"
	"github.com/taquila123/remix-plugin/internal/callqueue"
	"github.com/taquila123/remix-plugin/internal/connection"
	"github.com/taquila123/remix-plugin/internal/frame"
	"github.com/taquila123/remix-plugin/internal/profile"
	"github.com/taquila123/remix-plugin/internal/protocol"
	"github.com/taquila123/remix-plugin/internal/router"
)

// Handler serves one host method invoked by a plugin. args is the request
// payload; requestInfo identifies the caller and is forwarded untouched from
// the wire.
type Handler func(ctx context.Context, args, requestInfo json.RawMessage) (json.RawMessage, error)

// Diagnostics event types published by the host.
const (
	EventConnectionRendered    = "connection.rendered"
	EventConnectionDeactivated = "connection.deactivated"
	EventDeadLetter            = "deadletter"
)

// ConnectionEvent is the payload of connection lifecycle events.
type ConnectionEvent struct {
	Plugin string `json:"plugin"`
}

// DeadLetterEvent is the payload of dead-letter events.
type DeadLetterEvent struct {
	Reason string `json:"reason"`
	Plugin string `json:"plugin"`
	Action string `json:"action"`
	Key    string `json:"key,omitempty"`
}

// EventPublisher receives engine diagnostics (state changes, dead letters)
// for live observers. Publishing must never block.
type EventPublisher interface {
	Publish(eventType string, data any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Status is a point-in-time snapshot of one connection.
type Status struct {
	Plugin     string           `json:"plugin"`
	URL        string           `json:"url"`
	State      connection.State `json:"state"`
	Origin     string           `json:"origin,omitempty"`
	QueueDepth int              `json:"queue_depth"`
}

// Host manages all plugin connections and the host-side method surface.
type Host struct {
	registry *profile.Registry
	dialer   frame.Dialer
	sink     router.Sink
	events   EventPublisher
	logger   *slog.Logger

	mu       sync.Mutex
	conns    map[string]*connection.Connection
	handlers map[string]Handler
}

// New creates a host over the given profile registry. dialer constructs the
// transport for each rendered connection; sink and events may be nil.
func New(registry *profile.Registry, dialer frame.Dialer, sink router.Sink, events EventPublisher, logger *slog.Logger) *Host {
	if events == nil {
		events = nopPublisher{}
	}
	return &Host{
		registry: registry,
		dialer:   dialer,
		sink:     sink,
		events:   events,
		logger:   logger,
		conns:    make(map[string]*connection.Connection),
		handlers: make(map[string]Handler),
	}
}

// Expose registers a host method that plugins may request. Registering the
// same name twice replaces the previous handler.
func (h *Host) Expose(method string, handler Handler) {
	h.mu.Lock()
	h.handlers[method] = handler
	h.mu.Unlock()
}

// Connect creates and renders the connection for the named profile. A plugin
// can hold at most one live connection.
func (h *Host) Connect(ctx context.Context, name string) error {
	prof, ok := h.registry.Get(name)
	if !ok {
		return fmt.Errorf("no profile for plugin %q", name)
	}

	h.mu.Lock()
	if existing, ok := h.conns[name]; ok && existing.State() != connection.StateDeactivated {
		h.mu.Unlock()
		return fmt.Errorf("%w: plugin %q", frame.ErrAlreadyRendered, name)
	}
	c := connection.New(prof, h.dialer, h.handleRequest, h.wrapSink(), h.logger)
	h.conns[name] = c
	h.mu.Unlock()

	if err := c.Render(ctx); err != nil {
		h.mu.Lock()
		delete(h.conns, name)
		h.mu.Unlock()
		return err
	}

	h.events.Publish(EventConnectionRendered, ConnectionEvent{Plugin: name})
	return nil
}

// ConnectAll renders every discovered profile. Failures are logged and
// skipped so one broken plugin cannot block the rest; the first error is
// returned after all attempts.
func (h *Host) ConnectAll(ctx context.Context) error {
	var first error
	for _, name := range h.registry.Names() {
		if err := h.Connect(ctx, name); err != nil {
			h.logger.Error("failed to connect plugin", "plugin", name, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Disconnect deactivates the named connection. The entry is kept so its
// terminal state remains observable.
func (h *Host) Disconnect(name string) error {
	h.mu.Lock()
	c, ok := h.conns[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection for plugin %q", name)
	}
	if err := c.Deactivate(); err != nil {
		return err
	}
	h.events.Publish(EventConnectionDeactivated, ConnectionEvent{Plugin: name})
	return nil
}

// Call invokes a method on the named plugin and returns the pending handle.
func (h *Host) Call(name, method string, args, requestInfo json.RawMessage) (*callqueue.Pending, error) {
	c, err := h.get(name)
	if err != nil {
		return nil, err
	}
	return c.Call(method, args, requestInfo)
}

// Notify sends a declared notification to the named plugin.
func (h *Host) Notify(name, key string, payload json.RawMessage) error {
	c, err := h.get(name)
	if err != nil {
		return err
	}
	return c.Notify(key, payload)
}

// Subscribe attaches a listener for the named plugin's notifications.
func (h *Host) Subscribe(name string) (<-chan bus.Notification, func(), error) {
	c, err := h.get(name)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := c.Subscribe()
	return ch, cancel, nil
}

// Statuses returns a snapshot of every connection, sorted by plugin name.
func (h *Host) Statuses() []Status {
	h.mu.Lock()
	out := make([]Status, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, Status{
			Plugin:     c.Name(),
			URL:        c.Profile().URL,
			State:      c.State(),
			Origin:     c.Origin(),
			QueueDepth: c.QueueDepth(),
		})
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Plugin < out[j].Plugin })
	return out
}

// Shutdown deactivates every live connection.
func (h *Host) Shutdown() {
	h.mu.Lock()
	conns := make([]*connection.Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if c.State() == connection.StateDeactivated {
			continue
		}
		if err := c.Deactivate(); err != nil {
			h.logger.Warn("deactivate failed during shutdown", "plugin", c.Name(), "error", err)
		}
	}
	h.logger.Info("all connections deactivated", "count", len(conns))
}

func (h *Host) get(name string) (*connection.Connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[name]
	if !ok {
		return nil, fmt.Errorf("no connection for plugin %q", name)
	}
	return c, nil
}

// handleRequest serves requests plugins make into the host, dispatching on
// the method name.
func (h *Host) handleRequest(ctx context.Context, msg protocol.Message) (json.RawMessage, error) {
	h.mu.Lock()
	handler, ok := h.handlers[msg.Key]
	h.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("host does not expose method %q", msg.Key)
	}
	return handler(ctx, msg.Payload, msg.RequestInfo)
}

// wrapSink forwards dead letters to the configured sink and mirrors them to
// the event stream.
func (h *Host) wrapSink() router.Sink {
	return router.SinkFunc(func(ctx context.Context, reason string, msg protocol.Message) {
		h.events.Publish(EventDeadLetter, DeadLetterEvent{
			Reason: reason,
			Plugin: msg.Name,
			Action: string(msg.Action),
			Key:    msg.Key,
		})
		if h.sink != nil {
			h.sink.Record(ctx, reason, msg)
		}
	})
}
