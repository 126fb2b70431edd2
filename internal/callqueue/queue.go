// Package callqueue serializes outbound requests to one plugin connection.
// At most one request is in flight at a time; later calls wait in FIFO
// order. This trades concurrency for deterministic ordering of side effects
// on the remote side.
package callqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/taquila123/remix-plugin/internal/pending"
	"github.com/taquila123/remix-plugin/internal/profile"
	"github.com/taquila123/remix-plugin/internal/protocol"
)

// ErrMethodNotExposed is returned when a call names a method outside the
// profile allow-list. The call is rejected before it is enqueued; nothing
// reaches the wire.
var ErrMethodNotExposed = errors.New("method not exposed")

// RemoteError is a failure reported by the plugin in a response's error
// field. Only the message text crosses the boundary.
type RemoteError struct {
	Method string
	Text   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Text)
}

type outcome struct {
	payload json.RawMessage
	err     error
}

// Pending is the caller's handle for one queued request.
type Pending struct {
	ch chan outcome
}

// Await blocks until the request resolves or ctx is done. The queue itself
// never times a request out; ctx only stops this caller from waiting.
func (p *Pending) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-p.ch:
		return o.payload, o.err
	}
}

func (p *Pending) fulfil(payload json.RawMessage) {
	p.ch <- outcome{payload: payload}
}

func (p *Pending) fail(err error) {
	p.ch <- outcome{err: err}
}

type entry struct {
	method string
	args   json.RawMessage
	info   json.RawMessage
	result *Pending
}

// Queue is the per-connection FIFO of deferred send-actions. Only the head
// is executing; everything behind it is latent.
type Queue struct {
	prof   *profile.Profile
	nextID func() int64
	table  *pending.Table
	send   func(protocol.Message) error
	logger *slog.Logger

	mu       sync.Mutex
	entries  []*entry
	inFlight bool
}

// New creates a queue for one connection. nextID must return strictly
// increasing correlation ids; table and send are shared with the router and
// transport of the same connection.
func New(prof *profile.Profile, nextID func() int64, table *pending.Table, send func(protocol.Message) error, logger *slog.Logger) *Queue {
	return &Queue{
		prof:   prof,
		nextID: nextID,
		table:  table,
		send:   send,
		logger: logger,
	}
}

// Call queues "invoke method with args on behalf of requestInfo" and returns
// the caller's pending handle. A method outside the allow-list fails
// immediately and is never enqueued. If the queue was empty the new head is
// executed before Call returns; send failures still surface through the
// handle.
func (q *Queue) Call(method string, args, requestInfo json.RawMessage) (*Pending, error) {
	if !q.prof.HasMethod(method) {
		return nil, fmt.Errorf("%w: %q is not declared by plugin %q", ErrMethodNotExposed, method, q.prof.Name)
	}

	e := &entry{
		method: method,
		args:   args,
		info:   requestInfo,
		result: &Pending{ch: make(chan outcome, 1)},
	}

	q.mu.Lock()
	q.entries = append(q.entries, e)
	// Queue length alone cannot decide whether to start the head: a Call
	// landing between a resolver's pop and its advance would start the new
	// head twice. The in-flight flag settles who executes it.
	shouldStart := len(q.entries) == 1 && !q.inFlight
	q.mu.Unlock()

	if shouldStart {
		q.advance()
	}
	return e.result, nil
}

// Depth returns the number of queued entries, including the in-flight head.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// advance executes queue heads until one is successfully in flight or the
// queue drains. The in-flight slot is claimed under the lock, so at most one
// of several racing callers executes a given head. Heads whose send fails
// are failed and popped here rather than by a resolver calling back into
// itself.
func (q *Queue) advance() {
	for {
		q.mu.Lock()
		if q.inFlight || len(q.entries) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.entries[0]
		q.inFlight = true
		q.mu.Unlock()

		if err := q.startHead(e); err != nil {
			q.logger.Warn("request send failed", "method", e.method, "error", err)
			e.result.fail(err)
			q.pop(e)
			continue
		}
		return
	}
}

// startHead assigns a correlation id, registers the resolver, and puts the
// request on the wire.
func (q *Queue) startHead(e *entry) error {
	id := q.nextID()

	resolver := func(payload json.RawMessage, errText string) {
		if errText != "" {
			e.result.fail(&RemoteError{Method: e.method, Text: errText})
		} else {
			e.result.fulfil(payload)
		}
		q.pop(e)
		q.advance()
	}

	if err := q.table.Register(q.prof.Name, id, resolver); err != nil {
		return fmt.Errorf("register pending request: %w", err)
	}

	msg := protocol.NewRequest(q.prof.Name, e.method, id, e.args, e.info)
	if err := q.send(msg); err != nil {
		q.table.Drop(q.prof.Name, id)
		return err
	}

	q.logger.Debug("request sent", "method", e.method, "id", id)
	return nil
}

// pop removes e if it is still the head and releases the in-flight slot.
// Completing an entry and beginning the next are separate transitions so the
// control flow stays auditable.
func (q *Queue) pop(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) > 0 && q.entries[0] == e {
		q.entries = q.entries[1:]
		q.inFlight = false
	}
}
