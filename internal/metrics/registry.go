// Package metrics implements the bridge's in-process counters — plain
// counters are atomic, labeled maps are mutex-guarded — satisfying both
// dispatch.Metrics and webhook.Metrics so a single Registry can be wired
// through the whole process.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Registry is a small atomic-counter store backed by sync/atomic and a
// sync.Mutex; a few in-process counters don't justify a metrics client
// dependency.
type Registry struct {
	signatureRejections atomic.Int64
	eventsIgnored       atomic.Int64

	mu           sync.Mutex
	policyBlocks map[string]int64
	degraded     map[string]int64
	ignoredTypes map[string]int64
	queueDepths  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		policyBlocks: map[string]int64{},
		degraded:     map[string]int64{},
		ignoredTypes: map[string]int64{},
		queueDepths:  map[string]int{},
	}
}

// --- dispatch.Metrics ---

func (r *Registry) PolicyBlock(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policyBlocks[reason]++
}

func (r *Registry) DegradedEvent(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded[reason]++
}

// --- webhook.Metrics ---

func (r *Registry) QueueDepth(chatID string, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueDepths[chatID] = depth
}

func (r *Registry) SignatureRejected() {
	r.signatureRejections.Add(1)
}

func (r *Registry) EventIgnored(eventType string) {
	r.eventsIgnored.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ignoredTypes[eventType]++
}

// Snapshot is a point-in-time copy of every counter, suitable for the admin
// API's /status response or a periodic log line.
type Snapshot struct {
	SignatureRejections int64
	EventsIgnored       int64
	PolicyBlocks        map[string]int64
	DegradedEvents      map[string]int64
	IgnoredByType       map[string]int64
	QueueDepths         map[string]int
	MaxQueueDepth       int
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	max := 0
	queueDepths := make(map[string]int, len(r.queueDepths))
	for chatID, depth := range r.queueDepths {
		queueDepths[chatID] = depth
		if depth > max {
			max = depth
		}
	}

	return Snapshot{
		SignatureRejections: r.signatureRejections.Load(),
		EventsIgnored:        r.eventsIgnored.Load(),
		PolicyBlocks:         copyMap(r.policyBlocks),
		DegradedEvents:       copyMap(r.degraded),
		IgnoredByType:        copyMap(r.ignoredTypes),
		QueueDepths:          queueDepths,
		MaxQueueDepth:        max,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
