// Package router dispatches inbound plugin messages by action. It is the
// only component that resolves pending requests and publishes inbound
// notifications.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/taquila123/remix-plugin/internal/bus"
	"github.com/taquila123/remix-plugin/internal/pending"
	"github.com/taquila123/remix-plugin/internal/protocol"
)

// Handler processes a request the plugin makes back into the host. The full
// message is passed through so requestInfo reaches authorization logic.
type Handler func(ctx context.Context, msg protocol.Message) (json.RawMessage, error)

// Sink receives failures that have no caller to report to: protocol
// violations and unmatched responses.
type Sink interface {
	Record(ctx context.Context, reason string, msg protocol.Message)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, reason string, msg protocol.Message)

func (f SinkFunc) Record(ctx context.Context, reason string, msg protocol.Message) {
	f(ctx, reason, msg)
}

// Dead-letter reasons.
const (
	ReasonProtocolViolation = "protocol_violation"
	ReasonUnmatchedResponse = "unmatched_response"
)

// Router routes one connection's inbound messages. Messages reaching
// Dispatch have already passed the transport origin filter.
type Router struct {
	table   *pending.Table
	hub     *bus.Hub
	handler Handler
	send    func(protocol.Message) error
	dead    Sink
	logger  *slog.Logger
}

// New creates a router. handler may be nil when the host exposes no methods;
// requests then fail with an error response instead of going unanswered.
func New(table *pending.Table, hub *bus.Hub, handler Handler, send func(protocol.Message) error, dead Sink, logger *slog.Logger) *Router {
	return &Router{
		table:   table,
		hub:     hub,
		handler: handler,
		send:    send,
		dead:    dead,
		logger:  logger,
	}
}

// Dispatch classifies msg by action and routes it. A failure while handling
// one message never stops the router from serving the next.
func (r *Router) Dispatch(ctx context.Context, msg protocol.Message) {
	switch msg.Action {
	case protocol.ActionNotification:
		r.handleNotification(msg)
	case protocol.ActionRequest:
		r.handleRequest(ctx, msg)
	case protocol.ActionResponse:
		r.handleResponse(ctx, msg)
	default:
		r.logger.Error("protocol violation: unknown action", "action", string(msg.Action), "plugin", msg.Name)
		r.dead.Record(ctx, ReasonProtocolViolation, msg)
	}
}

func (r *Router) handleNotification(msg protocol.Message) {
	// A notification without a payload carries nothing to publish.
	if len(msg.Payload) == 0 {
		return
	}
	r.hub.Publish(msg.Name, msg.Key, msg.Payload)
}

// handleRequest invokes the local handler and always answers: every inbound
// request gets exactly one response.
func (r *Router) handleRequest(ctx context.Context, msg protocol.Message) {
	var (
		payload json.RawMessage
		err     error
	)
	if r.handler == nil {
		err = errors.New("host exposes no request handler")
	} else {
		payload, err = r.handler(ctx, msg)
	}

	var resp protocol.Message
	if err != nil {
		// Only the message text crosses the boundary.
		resp = protocol.Respond(msg, nil, err.Error())
	} else {
		resp = protocol.Respond(msg, payload, "")
	}

	if sendErr := r.send(resp); sendErr != nil {
		r.logger.Error("failed to send response", "plugin", msg.Name, "key", msg.Key, "error", sendErr)
	}
}

func (r *Router) handleResponse(ctx context.Context, msg protocol.Message) {
	id, ok := msg.CorrelationID()
	if !ok {
		r.logger.Error("protocol violation: response without id", "plugin", msg.Name)
		r.dead.Record(ctx, ReasonProtocolViolation, msg)
		return
	}

	if err := r.table.Resolve(msg.Name, id, msg.Payload, msg.Error); err != nil {
		if errors.Is(err, pending.ErrNoPending) {
			// Duplicate or stale response. Recoverable; log and move on.
			r.logger.Warn("unmatched response", "plugin", msg.Name, "id", id)
			r.dead.Record(ctx, ReasonUnmatchedResponse, msg)
			return
		}
		r.logger.Error("failed to resolve response", "plugin", msg.Name, "id", id, "error", err)
	}
}
