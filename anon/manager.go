package anon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	driftmail "github.com/driftmail/driftmail-go"

	"github.com/driftmail/driftmail-go/metrics"
)

// State is the visitor lifecycle state for this subsystem.
type State int

const (
	// StateAnonymous is the initial state: events are buffered locally.
	StateAnonymous State = iota
	// StateIdentified means an identity is assigned; events route directly
	// to the API, bypassing the buffer.
	StateIdentified
)

// String implements fmt.Stringer.
func (s State) String() string {
	if s == StateIdentified {
		return "identified"
	}
	return "anonymous"
}

// ErrNotIdentified is returned by SyncPending before an identity exists.
var ErrNotIdentified = errors.New("anon: visitor not identified")

// Options configures a Manager. The zero value is usable: default logger,
// no metrics, disjunctive matching, unconditional buffer clear after flush,
// unlimited buffer.
type Options struct {
	Logger  *slog.Logger
	Metrics metrics.Recorder

	// MatchMode selects criteria semantics within a single criteria.
	MatchMode MatchMode

	// RetainFailedEvents keeps unacknowledged events in the buffer after a
	// flush attempt for a later SyncPending call. When false the buffer is
	// cleared unconditionally after the attempt, accepting loss of events
	// whose calls failed.
	RetainFailedEvents bool

	// MaxBufferedEvents caps the buffer; the oldest event is evicted on
	// overflow. Zero means unlimited.
	MaxBufferedEvents int

	// Now overrides the time source (tests).
	Now func() time.Time

	// NewUserID overrides generated identity values (tests).
	NewUserID func() string
}

// Manager orchestrates the anonymous visitor pipeline: it buffers tracking
// calls, evaluates identification criteria after every append, converts the
// visitor into a known user when a criteria matches or a login/merge occurs,
// and replays the buffered history under the new identity.
//
// All buffer mutations are serialized through an internal mutex, preserving
// the append-then-evaluate invariant when callers use multiple goroutines.
type Manager struct {
	api      API
	store    Store
	replayer *Replayer
	logger   *slog.Logger
	metrics  metrics.Recorder

	mode         MatchMode
	retainFailed bool
	maxEvents    int
	now          func() time.Time
	newUserID    func() string

	mu     sync.Mutex
	state  State
	userID string
}

// NewManager creates a Manager over the given API client and store.
func NewManager(api API, store Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newUserID := opts.NewUserID
	if newUserID == nil {
		newUserID = uuid.NewString
	}
	return &Manager{
		api:          api,
		store:        store,
		replayer:     NewReplayer(api, logger, recorder),
		logger:       logger.With("component", "anon.manager"),
		metrics:      recorder,
		mode:         opts.MatchMode,
		retainFailed: opts.RetainFailedEvents,
		maxEvents:    opts.MaxBufferedEvents,
		now:          now,
		newUserID:    newUserID,
	}
}

// NewManagerFromConfig creates a Manager configured from SDK config.
func NewManagerFromConfig(cfg *driftmail.Config, api API, store Store, logger *slog.Logger, recorder metrics.Recorder) (*Manager, error) {
	mode, err := ParseMatchMode(cfg.AnonMatchMode)
	if err != nil {
		return nil, err
	}
	return NewManager(api, store, Options{
		Logger:             logger,
		Metrics:            recorder,
		MatchMode:          mode,
		RetainFailedEvents: cfg.RetainFailedEvents,
		MaxBufferedEvents:  cfg.MaxBufferedEvents,
	}), nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the assigned identity, or empty while anonymous.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// TrackEvent tracks a custom event. While anonymous the event is buffered
// locally; once identified it goes straight to the API.
func (m *Manager) TrackEvent(ctx context.Context, name string, dataFields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	createdAt := m.now().Unix()
	if m.state == StateIdentified {
		_, err := m.api.TrackEvent(ctx, driftmail.TrackEventRequest{
			UserID:          m.userID,
			EventName:       name,
			DataFields:      dataFields,
			CreatedAt:       createdAt,
			CreateNewFields: true,
		})
		return err
	}

	return m.bufferLocked(ctx, Event{
		Type: EventTrack,
		Track: &TrackPayload{
			EventName:  name,
			DataFields: dataFields,
			CreatedAt:  createdAt,
		},
	})
}

// TrackPurchase tracks a purchase. Buffered purchases keep the total as its
// string representation and parse it back at replay.
func (m *Manager) TrackPurchase(ctx context.Context, total float64, items []driftmail.CommerceItem, dataFields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	createdAt := m.now().Unix()
	if m.state == StateIdentified {
		_, err := m.api.TrackPurchase(ctx, driftmail.TrackPurchaseRequest{
			User: driftmail.UserScope{
				UserID:          m.userID,
				PreferUserID:    true,
				CreateNewFields: true,
			},
			Total:      total,
			Items:      items,
			DataFields: dataFields,
			CreatedAt:  createdAt,
		})
		return err
	}

	return m.bufferLocked(ctx, Event{
		Type: EventTrackPurchase,
		Purchase: &PurchasePayload{
			Total:      strconv.FormatFloat(total, 'f', -1, 64),
			Items:      items,
			DataFields: dataFields,
			CreatedAt:  createdAt,
		},
	})
}

// UpdateCart tracks a cart update.
func (m *Manager) UpdateCart(ctx context.Context, items []driftmail.CommerceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	createdAt := m.now().Unix()
	if m.state == StateIdentified {
		_, err := m.api.UpdateCart(ctx, driftmail.UpdateCartRequest{
			User: driftmail.UserScope{
				UserID:          m.userID,
				CreateNewFields: true,
			},
			Items:     items,
			CreatedAt: createdAt,
		})
		return err
	}

	return m.bufferLocked(ctx, Event{
		Type: EventCartUpdate,
		Cart: &CartPayload{
			Items:     items,
			CreatedAt: createdAt,
		},
	})
}

// RegisterToken records a device push token.
func (m *Manager) RegisterToken(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdentified {
		_, err := m.api.RegisterToken(ctx, driftmail.RegisterTokenRequest{
			UserID: m.userID,
			Device: driftmail.DeviceToken{Token: token},
		})
		return err
	}

	return m.bufferLocked(ctx, Event{
		Type:  EventTokenRegistration,
		Token: &TokenPayload{Token: token},
	})
}

// UpdateSession records one anonymous session: the first call creates the
// session record, later calls increment the counter and move the last-session
// time forward. No-op once identified.
func (m *Manager) UpdateSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdentified {
		return nil
	}

	rec, err := m.store.RecordSession(ctx, m.now())
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	m.logger.Debug("session recorded", "session_count", rec.SessionCount)
	return nil
}

// FetchCriteria pulls the identification criteria from the backend and
// persists them in the store.
func (m *Manager) FetchCriteria(ctx context.Context) error {
	criteria, err := m.api.GetCriteria(ctx)
	if err != nil {
		return fmt.Errorf("fetch criteria: %w", err)
	}
	if err := m.store.SetCriteria(ctx, criteria); err != nil {
		return fmt.Errorf("store criteria: %w", err)
	}
	m.logger.Debug("criteria updated", "count", len(criteria))
	return nil
}

// SetCriteria injects a static criteria set, bypassing the backend fetch.
func (m *Manager) SetCriteria(ctx context.Context, criteria []driftmail.Criteria) error {
	if err := m.store.SetCriteria(ctx, criteria); err != nil {
		return fmt.Errorf("store criteria: %w", err)
	}
	return nil
}

// CreateKnownUser converts the anonymous visitor into a known user: it
// generates a fresh identity, pushes the session record as a profile update,
// and replays the buffered history. No-op if already identified.
func (m *Manager) CreateKnownUser(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identifyLocked(ctx, "login")
}

// SyncPending replays events left in the buffer by an earlier partial flush.
// Only meaningful with RetainFailedEvents; requires an assigned identity.
func (m *Manager) SyncPending(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdentified {
		return ErrNotIdentified
	}
	return m.flushLocked(ctx)
}

// Logout clears all locally saved state. The visitor becomes a fresh
// anonymous visitor: no identity and an empty buffer.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	m.userID = ""
	m.state = StateAnonymous
	m.metrics.SetBufferDepth(0)
	m.logger.Info("logged out, local anonymous state cleared")
	return nil
}

// bufferLocked appends an event, enforces the buffer cap, and evaluates the
// criteria set. Caller holds m.mu.
func (m *Manager) bufferLocked(ctx context.Context, ev Event) error {
	ev.Timestamp = m.now().Unix()

	stored, err := m.store.AppendEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	m.metrics.IncEventBuffered(string(stored.Type))

	depth, err := m.enforceCapLocked(ctx)
	if err != nil {
		return err
	}
	m.metrics.SetBufferDepth(depth)

	criteria, err := m.store.Criteria(ctx)
	if err != nil {
		return fmt.Errorf("load criteria: %w", err)
	}

	id, matched, err := EvaluateCriteria(ctx, m.store, criteria, m.mode)
	if err != nil {
		return fmt.Errorf("evaluate criteria: %w", err)
	}
	m.metrics.IncCriteriaEvaluation(matched)
	if !matched {
		return nil
	}

	m.logger.Info("identification criteria matched", "criteria_id", id)
	return m.identifyLocked(ctx, "criteria")
}

// enforceCapLocked evicts oldest events past the configured cap and returns
// the resulting buffer depth.
func (m *Manager) enforceCapLocked(ctx context.Context) (int64, error) {
	events, err := m.store.Events(ctx)
	if err != nil {
		return 0, fmt.Errorf("load events: %w", err)
	}
	if m.maxEvents <= 0 || len(events) <= m.maxEvents {
		return int64(len(events)), nil
	}

	var evict []int64
	for _, ev := range events[:len(events)-m.maxEvents] {
		evict = append(evict, ev.Timestamp)
	}
	if err := m.store.DeleteEvents(ctx, evict); err != nil {
		return 0, fmt.Errorf("evict events: %w", err)
	}
	for range evict {
		m.metrics.IncEventEvicted()
	}
	m.logger.Debug("buffer cap reached, oldest events evicted", "evicted", len(evict))
	return int64(m.maxEvents), nil
}

// identifyLocked performs the anonymous to identified transition exactly
// once. The identity is assigned before any network call, so a failed profile
// update leaves an identified user with an unflushed buffer; SyncPending can
// finish the job. Caller holds m.mu.
func (m *Manager) identifyLocked(ctx context.Context, trigger string) error {
	if m.state == StateIdentified {
		return nil
	}

	userID := m.newUserID()
	m.userID = userID
	m.state = StateIdentified
	m.metrics.IncUserIdentified(trigger)
	m.logger.Info("visitor identified", "user_id", userID, "trigger", trigger)

	session, err := m.store.Session(ctx)
	switch {
	case err == nil:
		if _, err := m.api.UpdateUser(ctx, driftmail.UpdateUserRequest{
			UserID:             userID,
			DataFields:         session.ProfileDataFields(),
			MergeNestedObjects: true,
		}); err != nil {
			m.logger.Warn("session profile update failed, buffer retained", "error", err)
			return fmt.Errorf("update user profile: %w", err)
		}
	case errors.Is(err, ErrNoSession):
		// nothing to publish
	default:
		return fmt.Errorf("load session record: %w", err)
	}

	return m.flushLocked(ctx)
}

// flushLocked drains the buffer through the replay engine. Caller holds m.mu.
func (m *Manager) flushLocked(ctx context.Context) error {
	events, err := m.store.Events(ctx)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	result := m.replayer.Replay(ctx, m.userID, events)

	if m.retainFailed && !result.AllSynced() {
		if err := m.store.DeleteEvents(ctx, result.Synced); err != nil {
			return fmt.Errorf("delete synced events: %w", err)
		}
		m.metrics.SetBufferDepth(int64(len(result.Failed)))
		return fmt.Errorf("replay incomplete: %d of %d events failed", len(result.Failed), len(events))
	}

	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	m.metrics.SetBufferDepth(0)
	return nil
}
