// Package anonstore provides Store implementations for the anonymous event
// buffer: in-memory, Redis-backed and Postgres-backed.
package anonstore

import (
	"context"
	"sync"
	"time"

	driftmail "github.com/driftmail/driftmail-go"

	"github.com/driftmail/driftmail-go/anon"
)

// Memory is an in-process Store. It is the default backend and the one used
// by tests; contents do not survive a process restart.
type Memory struct {
	mu       sync.Mutex
	events   []anon.Event
	session  *anon.SessionRecord
	criteria []driftmail.Criteria
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// AppendEvent adds an event to the buffer, bumping a colliding timestamp
// past the newest buffered event.
func (m *Memory) AppendEvent(ctx context.Context, event anon.Event) (anon.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.events); n > 0 && event.Timestamp <= m.events[n-1].Timestamp {
		event.Timestamp = m.events[n-1].Timestamp + 1
	}
	m.events = append(m.events, event)
	return event, nil
}

// Events returns all buffered events in insertion order.
func (m *Memory) Events(ctx context.Context) ([]anon.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]anon.Event(nil), m.events...), nil
}

// EventsByType returns buffered events matching type and optional name.
func (m *Memory) EventsByType(ctx context.Context, typ anon.EventType, name string) ([]anon.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return anon.FilterEvents(m.events, typ, name), nil
}

// DeleteEvents removes the events with the given timestamps.
func (m *Memory) DeleteEvents(ctx context.Context, timestamps []int64) error {
	if len(timestamps) == 0 {
		return nil
	}
	drop := make(map[int64]bool, len(timestamps))
	for _, ts := range timestamps {
		drop[ts] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	for _, ev := range m.events {
		if !drop[ev.Timestamp] {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return nil
}

// Clear removes all buffered events and the session record.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	m.session = nil
	return nil
}

// RecordSession creates or increments the session record.
func (m *Memory) RecordSession(ctx context.Context, now time.Time) (anon.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		m.session = &anon.SessionRecord{
			SessionCount:   1,
			FirstSessionAt: now,
			LastSessionAt:  now,
		}
	} else {
		m.session.SessionCount++
		m.session.LastSessionAt = now
	}
	return *m.session, nil
}

// Session returns the current session record.
func (m *Memory) Session(ctx context.Context) (anon.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return anon.SessionRecord{}, anon.ErrNoSession
	}
	return *m.session, nil
}

// SetCriteria replaces the active criteria set.
func (m *Memory) SetCriteria(ctx context.Context, criteria []driftmail.Criteria) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.criteria = append([]driftmail.Criteria(nil), criteria...)
	return nil
}

// Criteria returns the active criteria set.
func (m *Memory) Criteria(ctx context.Context) ([]driftmail.Criteria, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]driftmail.Criteria(nil), m.criteria...), nil
}
