package anon

import (
	"context"
	"fmt"

	driftmail "github.com/driftmail/driftmail-go"
)

// MergeByUserID combines the current anonymous-session history into an
// existing backend user identified by userId. The destination profile is
// fetched first as a precondition; on merge success the pending buffer is
// replayed under the destination identity.
//
// Merging into the current identity, or merging with no local identity at
// all, is a no-op with no API calls.
func (m *Manager) MergeByUserID(ctx context.Context, destinationUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	source := m.userID
	if source == "" || destinationUserID == "" || source == destinationUserID {
		return nil
	}

	if _, err := m.api.GetUserByID(ctx, destinationUserID); err != nil {
		return fmt.Errorf("fetch destination user: %w", err)
	}

	return m.mergeLocked(ctx, driftmail.MergeUsersRequest{
		SourceUserID:      source,
		DestinationUserID: destinationUserID,
	}, destinationUserID)
}

// MergeByEmail combines the current anonymous-session history into an
// existing backend user identified by email. Behaves like MergeByUserID.
func (m *Manager) MergeByEmail(ctx context.Context, destinationEmail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	source := m.userID
	if source == "" || destinationEmail == "" {
		return nil
	}

	dest, err := m.api.GetUserByEmail(ctx, destinationEmail)
	if err != nil {
		return fmt.Errorf("fetch destination user: %w", err)
	}
	if dest.UserID == source {
		return nil
	}

	return m.mergeLocked(ctx, driftmail.MergeUsersRequest{
		SourceUserID:     source,
		DestinationEmail: destinationEmail,
	}, dest.UserID)
}

// mergeLocked calls the merge endpoint, adopts the destination identity, and
// replays any not-yet-synced buffered events. Caller holds m.mu.
func (m *Manager) mergeLocked(ctx context.Context, req driftmail.MergeUsersRequest, destinationUserID string) error {
	if _, err := m.api.MergeUsers(ctx, req); err != nil {
		return fmt.Errorf("merge users: %w", err)
	}

	if destinationUserID != "" {
		m.userID = destinationUserID
	}
	m.state = StateIdentified
	m.metrics.IncUserIdentified("merge")
	m.logger.Info("anonymous history merged",
		"source_user_id", req.SourceUserID,
		"destination_user_id", destinationUserID,
	)

	return m.flushLocked(ctx)
}
