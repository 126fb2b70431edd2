package deadletter

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/taquila123/remix-plugin/internal/log"
	"github.com/taquila123/remix-plugin/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deadletter.db")
	s, err := Open(context.Background(), path, log.WithComponent("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndRecent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	id := int64(99)
	msg := protocol.Message{
		Action:  protocol.ActionResponse,
		Name:    "calc",
		Key:     "add",
		ID:      &id,
		Payload: json.RawMessage(`5`),
	}
	if err := s.Insert(ctx, "unmatched_response", msg); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, "protocol_violation", protocol.Message{Action: "frob", Name: "calc"}); err != nil {
		t.Fatalf("Insert 2: %v", err)
	}

	entries, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	var unmatched *Entry
	for i := range entries {
		if entries[i].Reason == "unmatched_response" {
			unmatched = &entries[i]
		}
	}
	if unmatched == nil {
		t.Fatal("unmatched_response entry not found")
	}
	if unmatched.Plugin != "calc" || unmatched.Action != "response" || unmatched.Key != "add" {
		t.Fatalf("unexpected entry: %#v", unmatched)
	}
	if unmatched.CorrelationID == nil || *unmatched.CorrelationID != 99 {
		t.Fatalf("correlation id not preserved: %#v", unmatched.CorrelationID)
	}
	if string(unmatched.Payload) != "5" {
		t.Fatalf("payload not preserved: %s", unmatched.Payload)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected count 2, got %d", n)
	}
}

func TestRecentLimit(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Insert(ctx, "protocol_violation", protocol.Message{Action: "frob", Name: "calc"}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	entries, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
}

func TestRecordLogsInsteadOfFailing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	// Record must never propagate storage errors to the router.
	s.Record(context.Background(), "protocol_violation", protocol.Message{Action: "frob", Name: "calc"})

	n, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
}
