// Package pending maps in-flight correlation ids to their one-shot
// resolvers. An entry is registered immediately before a request is sent and
// removed exactly once, when its matching response arrives.
package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrNoPending is returned when a response arrives for a (plugin, id) pair
// with no registered entry: a duplicate or stale response.
var ErrNoPending = errors.New("no pending request")

// Resolver consumes the payload of a response, or its error text when the
// remote side reports failure. It is invoked at most once.
type Resolver func(payload json.RawMessage, errText string)

// Table maps plugin name -> correlation id -> resolver.
type Table struct {
	mu      sync.Mutex
	entries map[string]map[int64]Resolver
}

// NewTable creates an empty pending-request table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]map[int64]Resolver),
	}
}

// Register stores the resolver for (name, id). Registering an id that is
// already pending is a programming error: ids are monotonic per connection
// and never reused while pending.
func (t *Table) Register(name string, id int64, fn Resolver) error {
	if fn == nil {
		return fmt.Errorf("resolver is nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	byID, ok := t.entries[name]
	if !ok {
		byID = make(map[int64]Resolver)
		t.entries[name] = byID
	}
	if _, dup := byID[id]; dup {
		return fmt.Errorf("correlation id %d already pending for %q", id, name)
	}
	byID[id] = fn
	return nil
}

// Resolve removes the entry for (name, id) and invokes its resolver with the
// response payload and error text. Returns ErrNoPending when no entry exists.
// The resolver runs outside the table lock.
func (t *Table) Resolve(name string, id int64, payload json.RawMessage, errText string) error {
	t.mu.Lock()
	byID, ok := t.entries[name]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w for %q id %d", ErrNoPending, name, id)
	}
	fn, ok := byID[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w for %q id %d", ErrNoPending, name, id)
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(t.entries, name)
	}
	t.mu.Unlock()

	fn(payload, errText)
	return nil
}

// Drop discards the entry for (name, id) without invoking its resolver.
// Used when a registered request could not be sent.
func (t *Table) Drop(name string, id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if byID, ok := t.entries[name]; ok {
		delete(byID, id)
		if len(byID) == 0 {
			delete(t.entries, name)
		}
	}
}

// Len returns the number of pending entries for a plugin.
func (t *Table) Len(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[name])
}
