// Package deadletter persists failures that have no caller to report to:
// protocol violations and unmatched responses. The store is the host's
// process-wide error channel; without it these failures would be silently
// lost because inbound handling runs with no caller waiting.
package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/taquila123/remix-plugin/internal/protocol"
)

const maxPayloadBytes = 64 * 1024

// Entry is one dead-lettered message.
type Entry struct {
	ID            string    `json:"id"`
	Reason        string    `json:"reason"`
	Plugin        string    `json:"plugin"`
	Action        string    `json:"action"`
	Key           string    `json:"key,omitempty"`
	CorrelationID *int64    `json:"correlation_id,omitempty"`
	Payload       []byte    `json:"payload,omitempty"`
	Error         string    `json:"error,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Store is a SQLite-backed dead-letter log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and creates if needed) the dead-letter database at path and
// ensures the table exists.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("dead-letter path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dead-letter directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dead_letter (
  id             TEXT PRIMARY KEY,
  reason         TEXT NOT NULL,
  plugin         TEXT NOT NULL,
  action         TEXT NOT NULL,
  key            TEXT,
  correlation_id INTEGER,
  payload        JSON,
  error          TEXT,
  received_at    TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS dead_letter_received_at_idx ON dead_letter(received_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap dead-letter store: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record writes one dead letter. It satisfies the router's sink contract;
// a write failure is itself only a diagnostic, so it is logged rather than
// returned.
func (s *Store) Record(ctx context.Context, reason string, msg protocol.Message) {
	if err := s.Insert(ctx, reason, msg); err != nil {
		s.logger.Error("failed to record dead letter", "reason", reason, "plugin", msg.Name, "error", err)
	}
}

// Insert writes one dead letter and returns any storage error.
func (s *Store) Insert(ctx context.Context, reason string, msg protocol.Message) error {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var payload any
	if len(msg.Payload) > 0 {
		p := msg.Payload
		if len(p) > maxPayloadBytes {
			p = p[:maxPayloadBytes]
		}
		payload = string(p)
	}

	var correlationID any
	if cid, ok := msg.CorrelationID(); ok {
		correlationID = cid
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO dead_letter(id, reason, plugin, action, key, correlation_id, payload, error, received_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, reason, msg.Name, string(msg.Action), msg.Key, correlationID, payload, msg.Error, now)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// Recent returns up to limit dead letters, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, reason, plugin, action, key, correlation_id, payload, error, received_at
FROM dead_letter
ORDER BY received_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e             Entry
			key           sql.NullString
			correlationID sql.NullInt64
			payload       sql.NullString
			errText       sql.NullString
			receivedAtS   string
		)
		if err := rows.Scan(&e.ID, &e.Reason, &e.Plugin, &e.Action, &key, &correlationID, &payload, &errText, &receivedAtS); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if key.Valid {
			e.Key = key.String
		}
		if correlationID.Valid {
			cid := correlationID.Int64
			e.CorrelationID = &cid
		}
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		if errText.Valid {
			e.Error = errText.String
		}
		if t, err := time.Parse(time.RFC3339Nano, receivedAtS); err == nil {
			e.ReceivedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the total number of stored dead letters.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letter;").Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}
