package anon

import (
	"context"

	driftmail "github.com/driftmail/driftmail-go"
)

// API is the subset of the platform client the pipeline invokes.
// *driftmail.Client satisfies it.
type API interface {
	TrackEvent(ctx context.Context, req driftmail.TrackEventRequest) (*driftmail.APIResponse, error)
	TrackPurchase(ctx context.Context, req driftmail.TrackPurchaseRequest) (*driftmail.APIResponse, error)
	UpdateCart(ctx context.Context, req driftmail.UpdateCartRequest) (*driftmail.APIResponse, error)
	UpdateUser(ctx context.Context, req driftmail.UpdateUserRequest) (*driftmail.APIResponse, error)
	MergeUsers(ctx context.Context, req driftmail.MergeUsersRequest) (*driftmail.APIResponse, error)
	RegisterToken(ctx context.Context, req driftmail.RegisterTokenRequest) (*driftmail.APIResponse, error)
	GetUserByID(ctx context.Context, userID string) (*driftmail.User, error)
	GetUserByEmail(ctx context.Context, email string) (*driftmail.User, error)
	GetCriteria(ctx context.Context) ([]driftmail.Criteria, error)
}
