package anonstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	driftmail "github.com/driftmail/driftmail-go"

	"github.com/driftmail/driftmail-go/anon"
)

// Postgres is a Store backed by PostgreSQL. Events are rows keyed by
// (namespace, event_ts) with the full event envelope in a jsonb column, so
// payloads round-trip byte-for-byte. Schema lives in migrations/.
type Postgres struct {
	pool      *pgxpool.Pool
	namespace string
	ownPool   bool
}

// NewPostgres connects to Postgres and returns a store scoped to namespace.
func NewPostgres(ctx context.Context, databaseURL, namespace string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool, namespace: namespace, ownPool: true}, nil
}

// NewPostgresWithPool wraps an existing connection pool.
func NewPostgresWithPool(pool *pgxpool.Pool, namespace string) *Postgres {
	return &Postgres{pool: pool, namespace: namespace}
}

// Close closes the connection pool if this store created it.
func (p *Postgres) Close() {
	if p.ownPool {
		p.pool.Close()
	}
}

// AppendEvent inserts an event row, bumping a colliding timestamp past the
// newest buffered event.
func (p *Postgres) AppendEvent(ctx context.Context, event anon.Event) (anon.Event, error) {
	var newest *int64
	err := p.pool.QueryRow(ctx,
		`SELECT MAX(event_ts) FROM anon_events WHERE namespace = $1`,
		p.namespace,
	).Scan(&newest)
	if err != nil {
		return anon.Event{}, fmt.Errorf("read newest event: %w", err)
	}
	if newest != nil && event.Timestamp <= *newest {
		event.Timestamp = *newest + 1
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return anon.Event{}, fmt.Errorf("encode event: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO anon_events (namespace, event_ts, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`, p.namespace, event.Timestamp, string(event.Type), payload)
	if err != nil {
		return anon.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

// Events returns all buffered events in insertion order.
func (p *Postgres) Events(ctx context.Context) ([]anon.Event, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT payload FROM anon_events
		WHERE namespace = $1
		ORDER BY event_ts ASC
	`, p.namespace)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsByType returns buffered events matching type and optional name.
func (p *Postgres) EventsByType(ctx context.Context, typ anon.EventType, name string) ([]anon.Event, error) {
	query := `
		SELECT payload FROM anon_events
		WHERE namespace = $1 AND event_type = $2
	`
	args := []any{p.namespace, string(typ)}
	if name != "" {
		query += ` AND payload->'payload'->>'eventName' = $3`
		args = append(args, name)
	}
	query += ` ORDER BY event_ts ASC`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events by type: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]anon.Event, error) {
	var events []anon.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev anon.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// DeleteEvents removes the events with the given timestamps.
func (p *Postgres) DeleteEvents(ctx context.Context, timestamps []int64) error {
	if len(timestamps) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		DELETE FROM anon_events
		WHERE namespace = $1 AND event_ts = ANY($2)
	`, p.namespace, timestamps)
	if err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

// Clear removes the buffered events and the session record; criteria stay.
func (p *Postgres) Clear(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM anon_events WHERE namespace = $1`, p.namespace); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM anon_sessions WHERE namespace = $1`, p.namespace); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	return nil
}

// RecordSession creates or increments the session record.
func (p *Postgres) RecordSession(ctx context.Context, now time.Time) (anon.SessionRecord, error) {
	var rec anon.SessionRecord
	err := p.pool.QueryRow(ctx, `
		INSERT INTO anon_sessions (namespace, session_count, first_session_at, last_session_at)
		VALUES ($1, 1, $2, $2)
		ON CONFLICT (namespace) DO UPDATE SET
			session_count = anon_sessions.session_count + 1,
			last_session_at = EXCLUDED.last_session_at
		RETURNING session_count, first_session_at, last_session_at
	`, p.namespace, now.UTC()).Scan(&rec.SessionCount, &rec.FirstSessionAt, &rec.LastSessionAt)
	if err != nil {
		return anon.SessionRecord{}, fmt.Errorf("record session: %w", err)
	}
	return rec, nil
}

// Session returns the current session record.
func (p *Postgres) Session(ctx context.Context) (anon.SessionRecord, error) {
	var rec anon.SessionRecord
	err := p.pool.QueryRow(ctx, `
		SELECT session_count, first_session_at, last_session_at
		FROM anon_sessions
		WHERE namespace = $1
	`, p.namespace).Scan(&rec.SessionCount, &rec.FirstSessionAt, &rec.LastSessionAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return anon.SessionRecord{}, anon.ErrNoSession
	}
	if err != nil {
		return anon.SessionRecord{}, fmt.Errorf("query session: %w", err)
	}
	return rec, nil
}

// SetCriteria replaces the active criteria set.
func (p *Postgres) SetCriteria(ctx context.Context, criteria []driftmail.Criteria) error {
	data, err := json.Marshal(criteria)
	if err != nil {
		return fmt.Errorf("encode criteria: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO anon_criteria (namespace, criteria)
		VALUES ($1, $2)
		ON CONFLICT (namespace) DO UPDATE SET criteria = EXCLUDED.criteria
	`, p.namespace, data)
	if err != nil {
		return fmt.Errorf("upsert criteria: %w", err)
	}
	return nil
}

// Criteria returns the active criteria set.
func (p *Postgres) Criteria(ctx context.Context) ([]driftmail.Criteria, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT criteria FROM anon_criteria WHERE namespace = $1`,
		p.namespace,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query criteria: %w", err)
	}

	var criteria []driftmail.Criteria
	if err := json.Unmarshal(data, &criteria); err != nil {
		return nil, fmt.Errorf("decode criteria: %w", err)
	}
	return criteria, nil
}
