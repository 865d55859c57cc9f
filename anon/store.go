package anon

import (
	"context"
	"errors"
	"time"

	driftmail "github.com/driftmail/driftmail-go"
)

// Storage errors shared by all Store implementations.
var (
	// ErrNoSession indicates no session record has been created yet.
	ErrNoSession = errors.New("anon: no session recorded")
)

// Store is the durable buffer for anonymous events, the session record, and
// the active identification criteria. Implementations must be safe for
// concurrent use and must preserve event insertion order and payload fidelity
// across restarts.
type Store interface {
	// AppendEvent adds an event to the buffer and returns it as stored.
	// Implementations enforce timestamp uniqueness within the buffer: a
	// timestamp colliding with the newest buffered event is bumped past it.
	AppendEvent(ctx context.Context, event Event) (Event, error)

	// Events returns all buffered events in insertion order.
	Events(ctx context.Context) ([]Event, error)

	// EventsByType returns buffered events of the given type, optionally
	// restricted to an exact event name. An empty result means no match;
	// callers treat an empty buffer identically.
	EventsByType(ctx context.Context, typ EventType, name string) ([]Event, error)

	// DeleteEvents removes the events with the given timestamps.
	DeleteEvents(ctx context.Context, timestamps []int64) error

	// Clear removes all buffered events and the session record.
	// Criteria are left in place.
	Clear(ctx context.Context) error

	// RecordSession creates the session record on first call and increments
	// the counter on subsequent calls, updating the last-session time.
	RecordSession(ctx context.Context, now time.Time) (SessionRecord, error)

	// Session returns the current session record, or ErrNoSession.
	Session(ctx context.Context) (SessionRecord, error)

	// SetCriteria replaces the active criteria set.
	SetCriteria(ctx context.Context, criteria []driftmail.Criteria) error

	// Criteria returns the active criteria set, possibly empty.
	Criteria(ctx context.Context) ([]driftmail.Criteria, error)
}
