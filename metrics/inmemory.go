package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	EventsBuffered        uint64
	EventsEvicted         uint64
	BufferDepth           int64
	CriteriaEvaluations   uint64
	CriteriaMatches       uint64
	UsersIdentified       uint64
	EventsReplayedOK      uint64
	EventsReplayedFailed  uint64
	ReplayBatchCount      uint64
	ReplayDurationTotalNs int64
}

// InMemoryRecorder stores metrics in memory for tests.
type InMemoryRecorder struct {
	eventsBuffered        uint64
	eventsEvicted         uint64
	bufferDepth           int64
	criteriaEvaluations   uint64
	criteriaMatches       uint64
	usersIdentified       uint64
	eventsReplayedOK      uint64
	eventsReplayedFailed  uint64
	replayBatchCount      uint64
	replayDurationTotalNs int64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	return Snapshot{
		EventsBuffered:        atomic.LoadUint64(&m.eventsBuffered),
		EventsEvicted:         atomic.LoadUint64(&m.eventsEvicted),
		BufferDepth:           atomic.LoadInt64(&m.bufferDepth),
		CriteriaEvaluations:   atomic.LoadUint64(&m.criteriaEvaluations),
		CriteriaMatches:       atomic.LoadUint64(&m.criteriaMatches),
		UsersIdentified:       atomic.LoadUint64(&m.usersIdentified),
		EventsReplayedOK:      atomic.LoadUint64(&m.eventsReplayedOK),
		EventsReplayedFailed:  atomic.LoadUint64(&m.eventsReplayedFailed),
		ReplayBatchCount:      atomic.LoadUint64(&m.replayBatchCount),
		ReplayDurationTotalNs: atomic.LoadInt64(&m.replayDurationTotalNs),
	}
}

// IncEventBuffered increments the buffered event counter.
func (m *InMemoryRecorder) IncEventBuffered(eventType string) {
	atomic.AddUint64(&m.eventsBuffered, 1)
}

// IncEventEvicted increments the evicted event counter.
func (m *InMemoryRecorder) IncEventEvicted() {
	atomic.AddUint64(&m.eventsEvicted, 1)
}

// SetBufferDepth records the current buffer depth.
func (m *InMemoryRecorder) SetBufferDepth(depth int64) {
	atomic.StoreInt64(&m.bufferDepth, depth)
}

// IncCriteriaEvaluation increments evaluation counters.
func (m *InMemoryRecorder) IncCriteriaEvaluation(matched bool) {
	atomic.AddUint64(&m.criteriaEvaluations, 1)
	if matched {
		atomic.AddUint64(&m.criteriaMatches, 1)
	}
}

// IncUserIdentified increments the identification counter.
func (m *InMemoryRecorder) IncUserIdentified(trigger string) {
	atomic.AddUint64(&m.usersIdentified, 1)
}

// IncEventReplayed increments replay counters by status.
func (m *InMemoryRecorder) IncEventReplayed(status string) {
	if status == "success" {
		atomic.AddUint64(&m.eventsReplayedOK, 1)
	} else {
		atomic.AddUint64(&m.eventsReplayedFailed, 1)
	}
}

// ObserveReplayBatchSize counts replay batches.
func (m *InMemoryRecorder) ObserveReplayBatchSize(size int) {
	atomic.AddUint64(&m.replayBatchCount, 1)
}

// ObserveReplayDuration records total replay duration.
func (m *InMemoryRecorder) ObserveReplayDuration(duration time.Duration) {
	atomic.AddInt64(&m.replayDurationTotalNs, duration.Nanoseconds())
}
