// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Recorder captures metric events for the SDK.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Anonymous buffer metrics
	IncEventBuffered(eventType string)
	IncEventEvicted()
	SetBufferDepth(depth int64)

	// Criteria metrics
	IncCriteriaEvaluation(matched bool)

	// Identification metrics
	IncUserIdentified(trigger string) // trigger: "criteria", "login", "merge"

	// Replay metrics
	IncEventReplayed(status string) // status: "success" or "failed"
	ObserveReplayBatchSize(size int)
	ObserveReplayDuration(duration time.Duration)
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
