// Package pgstore is a PostgreSQL-backed EventStore/PendingLister, grounded
// on stock/store_postgres.go's database/sql + github.com/lib/pq usage
// (QueryRowContext/QueryContext, sql.ErrNoRows handling).
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/resilientmq/resilientmq/event"
	"github.com/resilientmq/resilientmq/store"
)

// Store is an EventStore/PendingLister backed by a single "events" table.
// Schema (caller-managed migration, not created by this package):
//
//	CREATE TABLE events (
//	    message_id     TEXT PRIMARY KEY,
//	    type           TEXT NOT NULL,
//	    payload        JSONB NOT NULL,
//	    routing_key    TEXT NOT NULL DEFAULT '',
//	    status         TEXT NOT NULL,
//	    content_type   TEXT NOT NULL DEFAULT '',
//	    delivery_mode  SMALLINT NOT NULL DEFAULT 0,
//	    correlation_id TEXT NOT NULL DEFAULT '',
//	    headers        JSONB,
//	    event_ts       TIMESTAMPTZ NOT NULL
//	);
type Store struct {
	db *sql.DB
}

// Open opens a PostgreSQL connection pool and verifies it with Ping.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ store.PendingLister = (*Store)(nil)

func (s *Store) PingStore(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) SaveEvent(ctx context.Context, msg *event.Message) error {
	headers, err := json.Marshal(msg.Properties.Headers)
	if err != nil {
		return fmt.Errorf("pgstore: marshal headers: %w", err)
	}
	const q = `
		INSERT INTO events (message_id, type, payload, routing_key, status,
		                     content_type, delivery_mode, correlation_id, headers, event_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.db.ExecContext(ctx, q,
		msg.MessageID, msg.Type, []byte(msg.Payload), msg.RoutingKey, string(msg.Status),
		msg.Properties.ContentType, msg.Properties.DeliveryMode, msg.Properties.CorrelationID,
		headers, msg.Properties.Timestamp,
	)
	if err != nil && isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (s *Store) UpdateEventStatus(ctx context.Context, msg *event.Message, status event.Status) error {
	const q = `UPDATE events SET status = $1 WHERE message_id = $2`
	res, err := s.db.ExecContext(ctx, q, string(status), msg.MessageID)
	if err != nil {
		return fmt.Errorf("pgstore: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, msg *event.Message) (*event.Message, error) {
	const q = `
		SELECT message_id, type, payload, routing_key, status,
		       content_type, delivery_mode, correlation_id, headers, event_ts
		FROM events WHERE message_id = $1`
	row := s.db.QueryRowContext(ctx, q, msg.MessageID)
	out, err := scanRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get event: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteEvent(ctx context.Context, msg *event.Message) error {
	const q = `DELETE FROM events WHERE message_id = $1`
	_, err := s.db.ExecContext(ctx, q, msg.MessageID)
	return err
}

// GetPendingEvents returns events in the given status, ordered ascending by
// event_ts: the ordering the publisher's pending scanner relies on (§4.6,
// Testable Property 5) comes from the SQL layer, not an in-process sort.
func (s *Store) GetPendingEvents(ctx context.Context, status event.Status) ([]*event.Message, error) {
	const q = `
		SELECT message_id, type, payload, routing_key, status,
		       content_type, delivery_mode, correlation_id, headers, event_ts
		FROM events WHERE status = $1 ORDER BY event_ts ASC`
	rows, err := s.db.QueryContext(ctx, q, string(status))
	if err != nil {
		return nil, fmt.Errorf("pgstore: list pending: %w", err)
	}
	defer rows.Close()

	var out []*event.Message
	for rows.Next() {
		msg, err := scanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan pending row: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type scanFunc func(dest ...any) error

func scanRow(scan scanFunc) (*event.Message, error) {
	var (
		msg          event.Message
		status       string
		payload      []byte
		headersBytes []byte
		ts           time.Time
	)
	if err := scan(
		&msg.MessageID, &msg.Type, &payload, &msg.RoutingKey, &status,
		&msg.Properties.ContentType, &msg.Properties.DeliveryMode, &msg.Properties.CorrelationID,
		&headersBytes, &ts,
	); err != nil {
		return nil, err
	}
	msg.Status = event.Status(status)
	msg.Payload = payload
	msg.Properties.Timestamp = ts
	if len(headersBytes) > 0 {
		if err := json.Unmarshal(headersBytes, &msg.Properties.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	return &msg, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the code raised when SaveEvent races on message_id.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
