package anon_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	driftmail "github.com/driftmail/driftmail-go"

	"github.com/driftmail/driftmail-go/anon"
	"github.com/driftmail/driftmail-go/anonstore"
	"github.com/driftmail/driftmail-go/metrics"
)

// fakeAPI records every request the pipeline makes and serves a small
// in-memory user registry. Failures are injected per endpoint.
type fakeAPI struct {
	mu           sync.Mutex
	trackReqs    []driftmail.TrackEventRequest
	purchaseReqs []driftmail.TrackPurchaseRequest
	cartReqs     []driftmail.UpdateCartRequest
	userReqs     []driftmail.UpdateUserRequest
	mergeReqs    []driftmail.MergeUsersRequest
	tokenReqs    []driftmail.RegisterTokenRequest
	userLookups  int

	users    map[string]driftmail.User
	criteria []driftmail.Criteria

	trackErr      error
	failTrackName string
	updateUserErr error
	mergeErr      error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{users: make(map[string]driftmail.User)}
}

func (f *fakeAPI) TrackEvent(_ context.Context, req driftmail.TrackEventRequest) (*driftmail.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trackErr != nil {
		return nil, f.trackErr
	}
	if f.failTrackName != "" && req.EventName == f.failTrackName {
		return nil, fmt.Errorf("injected failure for %s", req.EventName)
	}
	f.trackReqs = append(f.trackReqs, req)
	return &driftmail.APIResponse{Code: "Success"}, nil
}

func (f *fakeAPI) TrackPurchase(_ context.Context, req driftmail.TrackPurchaseRequest) (*driftmail.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchaseReqs = append(f.purchaseReqs, req)
	return &driftmail.APIResponse{Code: "Success"}, nil
}

func (f *fakeAPI) UpdateCart(_ context.Context, req driftmail.UpdateCartRequest) (*driftmail.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cartReqs = append(f.cartReqs, req)
	return &driftmail.APIResponse{Code: "Success"}, nil
}

func (f *fakeAPI) UpdateUser(_ context.Context, req driftmail.UpdateUserRequest) (*driftmail.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateUserErr != nil {
		return nil, f.updateUserErr
	}
	f.userReqs = append(f.userReqs, req)
	return &driftmail.APIResponse{Code: "Success"}, nil
}

func (f *fakeAPI) MergeUsers(_ context.Context, req driftmail.MergeUsersRequest) (*driftmail.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeErr != nil {
		return nil, f.mergeErr
	}
	f.mergeReqs = append(f.mergeReqs, req)
	return &driftmail.APIResponse{Code: "Success"}, nil
}

func (f *fakeAPI) RegisterToken(_ context.Context, req driftmail.RegisterTokenRequest) (*driftmail.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenReqs = append(f.tokenReqs, req)
	return &driftmail.APIResponse{Code: "Success"}, nil
}

func (f *fakeAPI) GetUserByID(_ context.Context, userID string) (*driftmail.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userLookups++
	u, ok := f.users[userID]
	if !ok {
		return nil, driftmail.ErrUserNotFound
	}
	return &u, nil
}

func (f *fakeAPI) GetUserByEmail(_ context.Context, email string) (*driftmail.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userLookups++
	for _, u := range f.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, driftmail.ErrUserNotFound
}

func (f *fakeAPI) GetCriteria(_ context.Context) ([]driftmail.Criteria, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driftmail.Criteria(nil), f.criteria...), nil
}

// totalCalls counts every write request the fake has seen.
func (f *fakeAPI) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.trackReqs) + len(f.purchaseReqs) + len(f.cartReqs) +
		len(f.userReqs) + len(f.mergeReqs) + len(f.tokenReqs)
}

// steppingClock hands out strictly increasing times one second apart.
func steppingClock(start int64) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := time.Unix(next, 0).UTC()
		next++
		return t
	}
}

func fixedUserID(id string) (func() string, *int) {
	calls := new(int)
	return func() string {
		*calls++
		return id
	}, calls
}

func mochaCriteria(count int) []driftmail.Criteria {
	return []driftmail.Criteria{
		{
			ID: "12",
			Items: []driftmail.CriteriaItem{
				{EventType: "track", Comparator: "equal", Name: "viewedMocha", AggregateCount: count},
			},
		},
	}
}

func TestManager_CriteriaIdentification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeAPI()
	store := anonstore.NewMemory()
	newID, idCalls := fixedUserID("anon-1")
	mgr := anon.NewManager(api, store, anon.Options{
		Now:       steppingClock(1700000000),
		NewUserID: newID,
	})

	if err := mgr.SetCriteria(ctx, mochaCriteria(5)); err != nil {
		t.Fatalf("SetCriteria() error = %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := mgr.TrackEvent(ctx, "viewedMocha", nil); err != nil {
			t.Fatalf("TrackEvent() error = %v", err)
		}
	}

	if got := mgr.State(); got != anon.StateAnonymous {
		t.Fatalf("State() after 4 events = %v, want anonymous", got)
	}
	if n := api.totalCalls(); n != 0 {
		t.Fatalf("API calls while anonymous = %d, want 0", n)
	}

	// The fifth matching event crosses the threshold.
	if err := mgr.TrackEvent(ctx, "viewedMocha", nil); err != nil {
		t.Fatalf("TrackEvent() error = %v", err)
	}

	if got := mgr.State(); got != anon.StateIdentified {
		t.Fatalf("State() = %v, want identified", got)
	}
	if got := mgr.UserID(); got != "anon-1" {
		t.Fatalf("UserID() = %q, want %q", got, "anon-1")
	}
	if *idCalls != 1 {
		t.Errorf("identity generator called %d times, want 1", *idCalls)
	}

	if len(api.trackReqs) != 5 {
		t.Fatalf("replayed track calls = %d, want 5", len(api.trackReqs))
	}
	for _, req := range api.trackReqs {
		if req.UserID != "anon-1" || req.EventName != "viewedMocha" || !req.CreateNewFields {
			t.Errorf("unexpected replayed request: %+v", req)
		}
	}

	events, err := store.Events(ctx)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("buffer holds %d events after replay, want 0", len(events))
	}

	// Further tracking bypasses the buffer.
	if err := mgr.TrackEvent(ctx, "viewedMocha", nil); err != nil {
		t.Fatalf("TrackEvent() error = %v", err)
	}
	if len(api.trackReqs) != 6 {
		t.Errorf("direct track calls = %d, want 6", len(api.trackReqs))
	}
	events, _ = store.Events(ctx)
	if len(events) != 0 {
		t.Errorf("direct track landed in buffer")
	}
}

func TestManager_IdentifiesOnlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeAPI()
	store := anonstore.NewMemory()
	newID, idCalls := fixedUserID("anon-1")
	mgr := anon.NewManager(api, store, anon.Options{
		Now:       steppingClock(1700000000),
		NewUserID: newID,
	})

	if err := mgr.SetCriteria(ctx, mochaCriteria(1)); err != nil {
		t.Fatalf("SetCriteria() error = %v", err)
	}
	if err := mgr.TrackEvent(ctx, "viewedMocha", nil); err != nil {
		t.Fatalf("TrackEvent() error = %v", err)
	}
	if got := mgr.State(); got != anon.StateIdentified {
		t.Fatalf("State() = %v, want identified", got)
	}

	// A login on an already identified visitor must not mint a new identity.
	if err := mgr.CreateKnownUser(ctx); err != nil {
		t.Fatalf("CreateKnownUser() error = %v", err)
	}
	if *idCalls != 1 {
		t.Errorf("identity generator called %d times, want 1", *idCalls)
	}
	if got := mgr.UserID(); got != "anon-1" {
		t.Errorf("UserID() = %q, want %q", got, "anon-1")
	}
}

func TestManager_SessionProfileUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeAPI()
	store := anonstore.NewMemory()
	newID, _ := fixedUserID("anon-7")
	mgr := anon.NewManager(api, store, anon.Options{
		Now:       steppingClock(100),
		NewUserID: newID,
	})

	if err := mgr.UpdateSession(ctx); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	if err := mgr.UpdateSession(ctx); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	if err := mgr.CreateKnownUser(ctx); err != nil {
		t.Fatalf("CreateKnownUser() error = %v", err)
	}

	if len(api.userReqs) != 1 {
		t.Fatalf("profile updates = %d, want 1", len(api.userReqs))
	}
	req := api.userReqs[0]
	if req.UserID != "anon-7" {
		t.Errorf("profile update userID = %q, want %q", req.UserID, "anon-7")
	}
	if !req.MergeNestedObjects {
		t.Error("profile update must merge nested objects, not overwrite")
	}
	nested, ok := req.DataFields["dm_anon_sessions"].(map[string]any)
	if !ok {
		t.Fatalf("profile update missing session fields: %v", req.DataFields)
	}
	if nested["number_of_sessions"] != 2 {
		t.Errorf("number_of_sessions = %v, want 2", nested["number_of_sessions"])
	}
}

func TestManager_NoSessionSkipsProfileUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeAPI()
	mgr := anon.NewManager(api, anonstore.NewMemory(), anon.Options{})

	if err := mgr.CreateKnownUser(ctx); err != nil {
		t.Fatalf("CreateKnownUser() error = %v", err)
	}
	if len(api.userReqs) != 0 {
		t.Errorf("profile updates = %d, want 0 without a session record", len(api.userReqs))
	}
	if got := mgr.State(); got != anon.StateIdentified {
		t.Errorf("State() = %v, want identified", got)
	}
}

func TestManager_UpdateSessionNoopWhenIdentified(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeAPI()
	store := anonstore.NewMemory()
	mgr := anon.NewManager(api, store, anon.Options{})

	if err := mgr.CreateKnownUser(ctx); err != nil {
		t.Fatalf("CreateKnownUser() error = %v", err)
	}
	if err := mgr.UpdateSession(ctx); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	if _, err := store.Session(ctx); !errors.Is(err, anon.ErrNoSession) {
		t.Errorf("Session() error = %v, want ErrNoSession after identified no-op", err)
	}
}

func TestManager_BufferCapEvictsOldest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeAPI()
	store := anonstore.NewMemory()
	mgr := anon.NewManager(api, store, anon.Options{
		Now:               steppingClock(100),
		MaxBufferedEvents: 3,
	})

	for i := 1; i <= 5; i++ {
		name := fmt.Sprintf("event-%d", i)
		if err := mgr.TrackEvent(ctx, name, nil); err != nil {
			t.Fatalf("TrackEvent(%s) error = %v", name, err)
		}
	}

	events, err := store.Events(ctx)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("buffer depth = %d, want 3", len(events))
	}
	for i, want := range []string{"event-3", "event-4", "event-5"} {
		if got := events[i].Track.EventName; got != want {
			t.Errorf("events[%d] = %q, want %q", i, got, want)
		}
	}
}

func TestManager_ClearsBufferDespiteReplayFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeAPI()
	api.trackErr = errors.New("backend down")
	store := anonstore.NewMemory()
	mgr := anon.NewManager(api, store, anon.Options{
		Now: steppingClock(100),
	})

	if err := mgr.SetCriteria(ctx, mochaCriteria(1)); err != nil {
		t.Fatalf("SetCriteria() error = %v", err)
	}
	if err := mgr.TrackEvent(ctx, "viewedMocha", nil); err != nil {
		t.Fatalf("TrackEvent() error = %v", err)
	}

	events, err := store.Events(ctx)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("buffer holds %d events after flush attempt, want 0", len(events))
	}
	if got := mgr.State(); got != anon.StateIdentified {
		t.Errorf("State() = %v, want identified", got)
	}
}

func TestManager_RetainFailedEventsAndSyncPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeAPI()
	api.trackErr = errors.New("backend down")
	store := anonstore.NewMemory()
	mgr := anon.NewManager(api, store, anon.Options{
		Now:                steppingClock(100),
		RetainFailedEvents: true,
	})

	if err := mgr.SetCriteria(ctx, mochaCriteria(2)); err != nil {
		t.Fatalf("SetCriteria() error = %v", err)
	}
	if err := mgr.TrackEvent(ctx, "viewedMocha", nil); err != nil {
		t.Fatalf("TrackEvent() error = %v", err)
	}

	err := mgr.TrackEvent(ctx, "viewedMocha", nil)
	if err == nil || !strings.Contains(err.Error(), "replay incomplete") {
		t.Fatalf("TrackEvent() error = %v, want replay incomplete", err)
	}

	events, _ := store.Events(ctx)
	if len(events) != 2 {
		t.Fatalf("retained events = %d, want 2", len(events))
	}

	// Backend recovers; the pending buffer drains on demand.
	api.mu.Lock()
	api.trackErr = nil
	api.mu.Unlock()

	if err := mgr.SyncPending(ctx); err != nil {
		t.Fatalf("SyncPending() error = %v", err)
	}
	events, _ = store.Events(ctx)
	if len(events) != 0 {
		t.Errorf("events left after SyncPending = %d, want 0", len(events))
	}
	if len(api.trackReqs) != 2 {
		t.Errorf("replayed track calls = %d, want 2", len(api.trackReqs))
	}
}

func TestManager_SyncPendingRequiresIdentity(t *testing.T) {
	t.Parallel()

	mgr := anon.NewManager(newFakeAPI(), anonstore.NewMemory(), anon.Options{})
	if err := mgr.SyncPending(context.Background()); !errors.Is(err, anon.ErrNotIdentified) {
		t.Errorf("SyncPending() error = %v, want ErrNotIdentified", err)
	}
}

func TestManager_Logout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeAPI()
	store := anonstore.NewMemory()
	mgr := anon.NewManager(api, store, anon.Options{
		Now: steppingClock(100),
	})

	if err := mgr.CreateKnownUser(ctx); err != nil {
		t.Fatalf("CreateKnownUser() error = %v", err)
	}
	if err := mgr.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if got := mgr.State(); got != anon.StateAnonymous {
		t.Errorf("State() = %v, want anonymous", got)
	}
	if got := mgr.UserID(); got != "" {
		t.Errorf("UserID() = %q, want empty", got)
	}

	// A fresh anonymous visitor buffers again.
	if err := mgr.TrackEvent(ctx, "browse", nil); err != nil {
		t.Fatalf("TrackEvent() error = %v", err)
	}
	events, _ := store.Events(ctx)
	if len(events) != 1 {
		t.Errorf("buffer depth after logout = %d, want 1", len(events))
	}
	if len(api.trackReqs) != 0 {
		t.Errorf("track calls after logout = %d, want 0", len(api.trackReqs))
	}
}

func TestManager_MetricsPipeline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeAPI()
	rec := metrics.NewInMemory()
	mgr := anon.NewManager(api, anonstore.NewMemory(), anon.Options{
		Now:     steppingClock(100),
		Metrics: rec,
	})

	if err := mgr.SetCriteria(ctx, mochaCriteria(2)); err != nil {
		t.Fatalf("SetCriteria() error = %v", err)
	}
	if err := mgr.TrackEvent(ctx, "viewedMocha", nil); err != nil {
		t.Fatalf("TrackEvent() error = %v", err)
	}
	if err := mgr.TrackEvent(ctx, "viewedMocha", nil); err != nil {
		t.Fatalf("TrackEvent() error = %v", err)
	}

	snap := rec.Snapshot()
	if snap.EventsBuffered != 2 {
		t.Errorf("EventsBuffered = %d, want 2", snap.EventsBuffered)
	}
	if snap.CriteriaEvaluations != 2 || snap.CriteriaMatches != 1 {
		t.Errorf("criteria counters = %d/%d, want 2/1", snap.CriteriaEvaluations, snap.CriteriaMatches)
	}
	if snap.UsersIdentified != 1 {
		t.Errorf("UsersIdentified = %d, want 1", snap.UsersIdentified)
	}
	if snap.EventsReplayedOK != 2 || snap.EventsReplayedFailed != 0 {
		t.Errorf("replay counters = %d/%d, want 2/0", snap.EventsReplayedOK, snap.EventsReplayedFailed)
	}
	if snap.BufferDepth != 0 {
		t.Errorf("BufferDepth = %d, want 0 after flush", snap.BufferDepth)
	}
}

func TestManager_FetchCriteria(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := newFakeAPI()
	api.criteria = mochaCriteria(5)
	store := anonstore.NewMemory()
	mgr := anon.NewManager(api, store, anon.Options{})

	if err := mgr.FetchCriteria(ctx); err != nil {
		t.Fatalf("FetchCriteria() error = %v", err)
	}

	criteria, err := store.Criteria(ctx)
	if err != nil {
		t.Fatalf("Criteria() error = %v", err)
	}
	if len(criteria) != 1 || criteria[0].ID != "12" {
		t.Errorf("stored criteria = %+v, want the fetched set", criteria)
	}
}
