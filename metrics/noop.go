package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncEventBuffered is a no-op.
func (n *NoopRecorder) IncEventBuffered(eventType string) {}

// IncEventEvicted is a no-op.
func (n *NoopRecorder) IncEventEvicted() {}

// SetBufferDepth is a no-op.
func (n *NoopRecorder) SetBufferDepth(depth int64) {}

// IncCriteriaEvaluation is a no-op.
func (n *NoopRecorder) IncCriteriaEvaluation(matched bool) {}

// IncUserIdentified is a no-op.
func (n *NoopRecorder) IncUserIdentified(trigger string) {}

// IncEventReplayed is a no-op.
func (n *NoopRecorder) IncEventReplayed(status string) {}

// ObserveReplayBatchSize is a no-op.
func (n *NoopRecorder) ObserveReplayBatchSize(size int) {}

// ObserveReplayDuration is a no-op.
func (n *NoopRecorder) ObserveReplayDuration(duration time.Duration) {}
