package engine

import (
	"time"

	"github.com/decred/dcrd/container/lru"

	"anti_vpn/pkg/metrics"
)

// DeadSourceWindow is how long a failing source is skipped.
const DeadSourceWindow = time.Minute

const maxTrackedSources = 1024

// InvalidationTracker remembers sources that failed recently. A marked
// source is skipped until its window passes; there is no half-open probing
// and no backoff escalation.
type InvalidationTracker struct {
	dead    *lru.Set[string]
	metrics *metrics.Metrics
}

// NewInvalidationTracker returns a tracker using the given window.
func NewInvalidationTracker(window time.Duration, m *metrics.Metrics) *InvalidationTracker {
	if m == nil {
		m = metrics.NopMetrics()
	}
	return &InvalidationTracker{
		dead:    lru.NewSetWithDefaultTTL[string](maxTrackedSources, window),
		metrics: m,
	}
}

// MarkDead marks a source unusable for the window. Marking an already dead
// source restarts its window.
func (t *InvalidationTracker) MarkDead(name string) {
	t.dead.Put(name)
	t.metrics.DeadSources.Set(float64(t.Count()))
}

// IsDead reports whether the source failed within the window.
func (t *InvalidationTracker) IsDead(name string) bool {
	return t.dead.Exists(name)
}

// Revive clears the marker for a source.
func (t *InvalidationTracker) Revive(name string) {
	t.dead.Delete(name)
	t.metrics.DeadSources.Set(float64(t.Count()))
}

// Count returns the number of sources currently dead.
func (t *InvalidationTracker) Count() int {
	t.dead.EvictExpiredNow()
	return int(t.dead.Len())
}
