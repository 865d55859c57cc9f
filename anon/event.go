// Package anon implements local buffering of analytics events for
// not-yet-identified visitors, criteria-based identification, and replay of
// the buffered history once a real identity is established.
package anon

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	driftmail "github.com/driftmail/driftmail-go"
)

// EventType discriminates buffered event payloads.
type EventType string

// Buffered event types.
const (
	EventTrack             EventType = "track"
	EventTrackPurchase     EventType = "trackPurchase"
	EventCartUpdate        EventType = "cartUpdate"
	EventTokenRegistration EventType = "tokenRegistration"
)

// ErrUnknownEventType indicates a buffered event with an unrecognized type.
var ErrUnknownEventType = errors.New("anon: unknown event type")

// TrackPayload is the buffered form of a generic event track call.
type TrackPayload struct {
	EventName  string         `json:"eventName"`
	DataFields map[string]any `json:"dataFields,omitempty"`
	CreatedAt  int64          `json:"createdAt"`
}

// PurchasePayload is the buffered form of a purchase track call.
// Total is kept as the original string representation; it is parsed back to a
// number at replay time.
type PurchasePayload struct {
	Total      string                   `json:"total"`
	Items      []driftmail.CommerceItem `json:"items"`
	DataFields map[string]any           `json:"dataFields,omitempty"`
	CreatedAt  int64                    `json:"createdAt"`
}

// CartPayload is the buffered form of a cart update call.
type CartPayload struct {
	Items     []driftmail.CommerceItem `json:"items"`
	CreatedAt int64                    `json:"createdAt"`
}

// TokenPayload is the buffered form of a device token registration.
type TokenPayload struct {
	Token string `json:"token"`
}

// Event is one locally buffered analytics occurrence. Exactly one payload
// pointer matching Type is set. Timestamp is seconds since epoch and doubles
// as the event's identifier within the buffer.
type Event struct {
	Type      EventType
	Timestamp int64

	Track    *TrackPayload
	Purchase *PurchasePayload
	Cart     *CartPayload
	Token    *TokenPayload
}

// Name returns the event name for track events, empty otherwise.
func (e Event) Name() string {
	if e.Type == EventTrack && e.Track != nil {
		return e.Track.EventName
	}
	return ""
}

type eventEnvelope struct {
	Type      EventType       `json:"eventType"`
	Timestamp int64           `json:"eventTimestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event as a type-tagged envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Type {
	case EventTrack:
		payload = e.Track
	case EventTrackPurchase:
		payload = e.Purchase
	case EventCartUpdate:
		payload = e.Cart
	case EventTokenRegistration:
		payload = e.Token
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if payload == nil {
		return nil, fmt.Errorf("anon: event %q has no payload", e.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(eventEnvelope{Type: e.Type, Timestamp: e.Timestamp, Payload: raw})
}

// UnmarshalJSON decodes a type-tagged envelope back into a typed payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}

	decoded := Event{Type: env.Type, Timestamp: env.Timestamp}
	var dst any
	switch env.Type {
	case EventTrack:
		decoded.Track = &TrackPayload{}
		dst = decoded.Track
	case EventTrackPurchase:
		decoded.Purchase = &PurchasePayload{}
		dst = decoded.Purchase
	case EventCartUpdate:
		decoded.Cart = &CartPayload{}
		dst = decoded.Cart
	case EventTokenRegistration:
		decoded.Token = &TokenPayload{}
		dst = decoded.Token
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}

	*e = decoded
	return nil
}

// FilterEvents returns the subsequence of events whose type equals typ and,
// if name is non-empty, whose event name equals it exactly.
func FilterEvents(events []Event, typ EventType, name string) []Event {
	var matched []Event
	for _, ev := range events {
		if ev.Type != typ {
			continue
		}
		if name != "" && ev.Name() != name {
			continue
		}
		matched = append(matched, ev)
	}
	return matched
}

// SessionRecord aggregates counters for anonymous activity.
type SessionRecord struct {
	SessionCount   int       `json:"numberOfSessions"`
	FirstSessionAt time.Time `json:"firstSession"`
	LastSessionAt  time.Time `json:"lastSession"`
}

// sessionKey is the profile attribute the session record is published under.
const sessionKey = "dm_anon_sessions"

const sessionTimeLayout = "2006-01-02T15:04:05Z"

// ProfileDataFields returns the session record as user-profile data fields
// for the identification-time profile update.
func (s SessionRecord) ProfileDataFields() map[string]any {
	return map[string]any{
		sessionKey: map[string]any{
			"number_of_sessions": s.SessionCount,
			"first_session":      s.FirstSessionAt.UTC().Format(sessionTimeLayout),
			"last_session":       s.LastSessionAt.UTC().Format(sessionTimeLayout),
		},
	}
}
