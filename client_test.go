package driftmail_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	driftmail "github.com/driftmail/driftmail-go"

	"github.com/driftmail/driftmail-go/internal/sandbox"
)

const testAPIKey = "test-api-key"

// newTestClient spins up the sandbox API and a client pointed at it.
func newTestClient(t *testing.T) (*driftmail.Client, *sandbox.Handler) {
	t.Helper()

	keyHash, err := sandbox.HashAPIKey(testAPIKey)
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	handler := sandbox.NewHandler(keyHash, nil)

	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)

	client, err := driftmail.NewClient(&driftmail.Config{
		APIKey:  testAPIKey,
		BaseURL: srv.URL,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client, handler
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := driftmail.NewClient(&driftmail.Config{}, nil)
	if !errors.Is(err, driftmail.ErrMissingAPIKey) {
		t.Errorf("NewClient() error = %v, want ErrMissingAPIKey", err)
	}
}

func TestClient_TrackEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, handler := newTestClient(t)

	resp, err := client.TrackEvent(ctx, driftmail.TrackEventRequest{
		UserID:     "u1",
		EventName:  "viewedMocha",
		DataFields: map[string]any{"source": "test"},
		CreatedAt:  1700000000,
	})
	if err != nil {
		t.Fatalf("TrackEvent() error = %v", err)
	}
	if resp.Code != "Success" {
		t.Errorf("response code = %q, want Success", resp.Code)
	}

	calls := handler.Calls()
	if len(calls) != 1 {
		t.Fatalf("captured calls = %d, want 1", len(calls))
	}
	if calls[0].Path != "/api/events/track" || calls[0].UserID != "u1" {
		t.Errorf("captured call = %+v", calls[0])
	}
}

func TestClient_TrackEventValidation(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)

	_, err := client.TrackEvent(context.Background(), driftmail.TrackEventRequest{UserID: "u1"})

	var apiErr *driftmail.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("TrackEvent() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != 400 || apiErr.Code != "InvalidEventName" {
		t.Errorf("APIError = %+v, want 400 InvalidEventName", apiErr)
	}
}

func TestClient_BadAPIKey(t *testing.T) {
	t.Parallel()

	keyHash, err := sandbox.HashAPIKey("the-real-key")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	srv := httptest.NewServer(sandbox.NewHandler(keyHash, nil).Routes())
	t.Cleanup(srv.Close)

	client, err := driftmail.NewClient(&driftmail.Config{
		APIKey:  "the-wrong-key",
		BaseURL: srv.URL,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	_, err = client.GetCriteria(context.Background())

	var apiErr *driftmail.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("GetCriteria() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != 401 || apiErr.Code != "BadApiKey" {
		t.Errorf("APIError = %+v, want 401 BadApiKey", apiErr)
	}
}

func TestClient_GetUserByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, handler := newTestClient(t)

	if _, err := client.GetUserByID(ctx, "nobody"); !errors.Is(err, driftmail.ErrUserNotFound) {
		t.Errorf("GetUserByID(nobody) error = %v, want ErrUserNotFound", err)
	}

	handler.SeedUser(driftmail.User{
		UserID:     "u1",
		Email:      "u1@example.com",
		DataFields: map[string]any{"plan": "pro"},
	})

	user, err := client.GetUserByID(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserByID() error = %v", err)
	}
	if user.UserID != "u1" || user.Email != "u1@example.com" {
		t.Errorf("user = %+v", user)
	}

	user, err = client.GetUserByEmail(ctx, "u1@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if user.UserID != "u1" {
		t.Errorf("user by email = %+v", user)
	}
}

func TestClient_UpdateUserMergesNestedFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, handler := newTestClient(t)

	handler.SeedUser(driftmail.User{
		UserID: "u1",
		DataFields: map[string]any{
			"profile": map[string]any{"name": "A", "city": "Oslo"},
		},
	})

	_, err := client.UpdateUser(ctx, driftmail.UpdateUserRequest{
		UserID: "u1",
		DataFields: map[string]any{
			"profile": map[string]any{"name": "B"},
		},
		MergeNestedObjects: true,
	})
	if err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}

	stored, ok := handler.User("u1")
	if !ok {
		t.Fatal("user missing from sandbox registry")
	}
	profile, _ := stored.DataFields["profile"].(map[string]any)
	if profile["name"] != "B" {
		t.Errorf("profile.name = %v, want B", profile["name"])
	}
	if profile["city"] != "Oslo" {
		t.Errorf("profile.city = %v, want Oslo preserved by the merge", profile["city"])
	}
}

func TestClient_MergeUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, handler := newTestClient(t)

	handler.SeedUser(driftmail.User{UserID: "src", DataFields: map[string]any{"visits": 3.0}})
	handler.SeedUser(driftmail.User{UserID: "dst", DataFields: map[string]any{"plan": "pro"}})

	_, err := client.MergeUsers(ctx, driftmail.MergeUsersRequest{
		SourceUserID:      "src",
		DestinationUserID: "dst",
	})
	if err != nil {
		t.Fatalf("MergeUsers() error = %v", err)
	}

	if _, ok := handler.User("src"); ok {
		t.Error("source user should be gone after the merge")
	}
	dst, ok := handler.User("dst")
	if !ok {
		t.Fatal("destination user missing")
	}
	if dst.DataFields["visits"] != 3.0 || dst.DataFields["plan"] != "pro" {
		t.Errorf("destination dataFields = %v", dst.DataFields)
	}
}

func TestClient_GetCriteria(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, handler := newTestClient(t)

	handler.SetCriteria([]driftmail.Criteria{
		{
			ID: "12",
			Items: []driftmail.CriteriaItem{
				{EventType: "track", Comparator: "equal", Name: "viewedMocha", AggregateCount: 5},
			},
		},
	})

	criteria, err := client.GetCriteria(ctx)
	if err != nil {
		t.Fatalf("GetCriteria() error = %v", err)
	}
	if len(criteria) != 1 || criteria[0].ID != "12" {
		t.Fatalf("criteria = %+v", criteria)
	}
	item := criteria[0].Items[0]
	if item.Name != "viewedMocha" || item.AggregateCount != 5 {
		t.Errorf("criteria item = %+v", item)
	}
}

func TestClient_RegisterToken(t *testing.T) {
	t.Parallel()
	client, handler := newTestClient(t)

	_, err := client.RegisterToken(context.Background(), driftmail.RegisterTokenRequest{
		UserID: "u1",
		Device: driftmail.DeviceToken{Token: "push-token"},
	})
	if err != nil {
		t.Fatalf("RegisterToken() error = %v", err)
	}

	calls := handler.Calls()
	if len(calls) != 1 || calls[0].Path != "/api/users/registerDeviceToken" {
		t.Errorf("captured calls = %+v", calls)
	}
}
