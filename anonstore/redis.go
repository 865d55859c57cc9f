package anonstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	driftmail "github.com/driftmail/driftmail-go"

	"github.com/driftmail/driftmail-go/anon"
)

// Redis is a Store backed by a Redis instance. The event buffer lives in a
// list key, the session record and criteria in string keys. All keys are
// scoped by a namespace so one Redis instance can hold buffers for many
// visitors.
type Redis struct {
	client    *redis.Client
	namespace string
	ownClient bool
}

// NewRedis connects to Redis and returns a store scoped to namespace.
func NewRedis(ctx context.Context, redisURL, namespace string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Connection pool settings
	opt.PoolSize = 10
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Redis{client: client, namespace: namespace, ownClient: true}, nil
}

// NewRedisWithClient wraps an existing Redis client.
func NewRedisWithClient(client *redis.Client, namespace string) *Redis {
	return &Redis{client: client, namespace: namespace}
}

// Close closes the Redis client if this store created it.
func (r *Redis) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}

func (r *Redis) eventsKey() string   { return "dm:anon:" + r.namespace + ":events" }
func (r *Redis) sessionKey() string  { return "dm:anon:" + r.namespace + ":session" }
func (r *Redis) criteriaKey() string { return "dm:anon:" + r.namespace + ":criteria" }

// AppendEvent adds an event to the buffer list, bumping a colliding
// timestamp past the newest buffered event.
func (r *Redis) AppendEvent(ctx context.Context, event anon.Event) (anon.Event, error) {
	last, err := r.client.LIndex(ctx, r.eventsKey(), -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return anon.Event{}, fmt.Errorf("read newest event: %w", err)
	}
	if err == nil {
		var newest anon.Event
		if err := json.Unmarshal([]byte(last), &newest); err != nil {
			return anon.Event{}, fmt.Errorf("decode newest event: %w", err)
		}
		if event.Timestamp <= newest.Timestamp {
			event.Timestamp = newest.Timestamp + 1
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return anon.Event{}, fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.RPush(ctx, r.eventsKey(), data).Err(); err != nil {
		return anon.Event{}, fmt.Errorf("rpush event: %w", err)
	}
	return event, nil
}

// Events returns all buffered events in insertion order.
func (r *Redis) Events(ctx context.Context) ([]anon.Event, error) {
	raw, err := r.client.LRange(ctx, r.eventsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange events: %w", err)
	}

	events := make([]anon.Event, 0, len(raw))
	for _, item := range raw {
		var ev anon.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// EventsByType returns buffered events matching type and optional name.
func (r *Redis) EventsByType(ctx context.Context, typ anon.EventType, name string) ([]anon.Event, error) {
	events, err := r.Events(ctx)
	if err != nil {
		return nil, err
	}
	return anon.FilterEvents(events, typ, name), nil
}

// DeleteEvents removes the events with the given timestamps by rewriting the
// buffer list atomically.
func (r *Redis) DeleteEvents(ctx context.Context, timestamps []int64) error {
	if len(timestamps) == 0 {
		return nil
	}
	drop := make(map[int64]bool, len(timestamps))
	for _, ts := range timestamps {
		drop[ts] = true
	}

	events, err := r.Events(ctx)
	if err != nil {
		return err
	}

	var kept [][]byte
	for _, ev := range events {
		if drop[ev.Timestamp] {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		kept = append(kept, data)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.eventsKey())
	for _, data := range kept {
		pipe.RPush(ctx, r.eventsKey(), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rewrite events: %w", err)
	}
	return nil
}

// Clear removes the buffered events and the session record; criteria stay.
func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.eventsKey(), r.sessionKey()).Err(); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	return nil
}

// RecordSession creates or increments the session record.
func (r *Redis) RecordSession(ctx context.Context, now time.Time) (anon.SessionRecord, error) {
	rec, err := r.Session(ctx)
	switch {
	case errors.Is(err, anon.ErrNoSession):
		rec = anon.SessionRecord{
			SessionCount:   1,
			FirstSessionAt: now,
			LastSessionAt:  now,
		}
	case err != nil:
		return anon.SessionRecord{}, err
	default:
		rec.SessionCount++
		rec.LastSessionAt = now
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return anon.SessionRecord{}, fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.sessionKey(), data, 0).Err(); err != nil {
		return anon.SessionRecord{}, fmt.Errorf("set session: %w", err)
	}
	return rec, nil
}

// Session returns the current session record.
func (r *Redis) Session(ctx context.Context) (anon.SessionRecord, error) {
	data, err := r.client.Get(ctx, r.sessionKey()).Result()
	if errors.Is(err, redis.Nil) {
		return anon.SessionRecord{}, anon.ErrNoSession
	}
	if err != nil {
		return anon.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}

	var rec anon.SessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return anon.SessionRecord{}, fmt.Errorf("decode session: %w", err)
	}
	return rec, nil
}

// SetCriteria replaces the active criteria set.
func (r *Redis) SetCriteria(ctx context.Context, criteria []driftmail.Criteria) error {
	data, err := json.Marshal(criteria)
	if err != nil {
		return fmt.Errorf("encode criteria: %w", err)
	}
	if err := r.client.Set(ctx, r.criteriaKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("set criteria: %w", err)
	}
	return nil
}

// Criteria returns the active criteria set.
func (r *Redis) Criteria(ctx context.Context) ([]driftmail.Criteria, error) {
	data, err := r.client.Get(ctx, r.criteriaKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get criteria: %w", err)
	}

	var criteria []driftmail.Criteria
	if err := json.Unmarshal([]byte(data), &criteria); err != nil {
		return nil, fmt.Errorf("decode criteria: %w", err)
	}
	return criteria, nil
}
