package anon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	driftmail "github.com/driftmail/driftmail-go"

	"github.com/driftmail/driftmail-go/metrics"
)

// ReplayResult reports per-event outcomes of a buffer flush.
type ReplayResult struct {
	// Synced holds the timestamps of successfully replayed events,
	// in ascending order.
	Synced []int64
	// Failed maps timestamps of events that could not be replayed to the
	// error returned by the API call.
	Failed map[int64]error
}

// AllSynced reports whether every replayed event succeeded.
func (r ReplayResult) AllSynced() bool {
	return len(r.Failed) == 0
}

// Replayer converts buffered events into outbound API calls under a known
// identity. Calls for a batch run concurrently; delivery order is not
// guaranteed, the createdAt field in each payload preserves logical order.
type Replayer struct {
	api     API
	logger  *slog.Logger
	metrics metrics.Recorder
}

// NewReplayer creates a replay engine.
func NewReplayer(api API, logger *slog.Logger, recorder metrics.Recorder) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Replayer{
		api:     api,
		logger:  logger.With("component", "anon.replayer"),
		metrics: recorder,
	}
}

// Replay pushes each event through the matching endpoint for userID and
// collects per-event success. Every event is attempted; a failed call never
// aborts the batch.
func (r *Replayer) Replay(ctx context.Context, userID string, events []Event) ReplayResult {
	result := ReplayResult{Failed: make(map[int64]error)}
	if len(events) == 0 {
		return result
	}

	start := time.Now()
	r.metrics.ObserveReplayBatchSize(len(events))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, ev := range events {
		wg.Add(1)
		go func(ev Event) {
			defer wg.Done()
			err := r.replayOne(ctx, userID, ev)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[ev.Timestamp] = err
				r.metrics.IncEventReplayed("failed")
				r.logger.Warn("event replay failed",
					"event_type", string(ev.Type),
					"event_ts", ev.Timestamp,
					"error", err,
				)
				return
			}
			result.Synced = append(result.Synced, ev.Timestamp)
			r.metrics.IncEventReplayed("success")
		}(ev)
	}
	wg.Wait()

	sort.Slice(result.Synced, func(i, j int) bool { return result.Synced[i] < result.Synced[j] })

	r.metrics.ObserveReplayDuration(time.Since(start))
	r.logger.Info("replay finished",
		"user_id", userID,
		"total", len(events),
		"synced", len(result.Synced),
		"failed", len(result.Failed),
	)
	return result
}

func (r *Replayer) replayOne(ctx context.Context, userID string, ev Event) error {
	switch ev.Type {
	case EventTrack:
		_, err := r.api.TrackEvent(ctx, driftmail.TrackEventRequest{
			UserID:          userID,
			EventName:       ev.Track.EventName,
			DataFields:      ev.Track.DataFields,
			CreatedAt:       ev.Track.CreatedAt,
			CreateNewFields: true,
		})
		return err

	case EventTrackPurchase:
		_, err := r.api.TrackPurchase(ctx, driftmail.TrackPurchaseRequest{
			User: driftmail.UserScope{
				UserID:          userID,
				PreferUserID:    true,
				CreateNewFields: true,
			},
			Total:      r.parseTotal(ev),
			Items:      ev.Purchase.Items,
			DataFields: ev.Purchase.DataFields,
			CreatedAt:  ev.Purchase.CreatedAt,
		})
		return err

	case EventCartUpdate:
		_, err := r.api.UpdateCart(ctx, driftmail.UpdateCartRequest{
			User: driftmail.UserScope{
				UserID:          userID,
				CreateNewFields: true,
			},
			Items:     ev.Cart.Items,
			CreatedAt: ev.Cart.CreatedAt,
		})
		return err

	case EventTokenRegistration:
		_, err := r.api.RegisterToken(ctx, driftmail.RegisterTokenRequest{
			UserID: userID,
			Device: driftmail.DeviceToken{Token: ev.Token.Token},
		})
		return err

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
}

// parseTotal converts the buffered purchase total back to a number.
// A malformed total is logged and defaults to zero rather than aborting the
// replay of the event.
func (r *Replayer) parseTotal(ev Event) float64 {
	total, err := strconv.ParseFloat(ev.Purchase.Total, 64)
	if err != nil {
		r.logger.Warn("malformed purchase total, defaulting to zero",
			"event_ts", ev.Timestamp,
			"total", ev.Purchase.Total,
		)
		return 0
	}
	return total
}
