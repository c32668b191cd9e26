package monitor

import (
	"math"
	"time"
)

// violationKey identifies one tracked violation across cycles.
type violationKey struct {
	invariant string
	key       string
}

// graceTracker counts consecutive cycles each violation has been observed.
// State is in-memory only: after a restart the grace window simply restarts,
// which is acceptable because a persisting violation re-accumulates within
// one grace period.
type graceTracker struct {
	interval time.Duration
	counts   map[violationKey]int
}

func newGraceTracker(interval time.Duration) *graceTracker {
	return &graceTracker{interval: interval, counts: make(map[violationKey]int)}
}

// observe bumps the consecutive count for key and reports whether the
// violation has now persisted long enough for its grace period.
func (g *graceTracker) observe(key violationKey, gracePeriod time.Duration) bool {
	g.counts[key]++
	return g.counts[key] >= g.requiredCycles(gracePeriod)
}

// prune drops tracking state for violations not seen this cycle so a cleared
// violation starts its grace window from scratch if it recurs.
func (g *graceTracker) prune(seen map[violationKey]struct{}) {
	for key := range g.counts {
		if _, ok := seen[key]; !ok {
			delete(g.counts, key)
		}
	}
}

// requiredCycles is ceil(grace / interval), minimum 1: a violation must be
// seen at least once, and a zero grace period opens on first sight.
func (g *graceTracker) requiredCycles(gracePeriod time.Duration) int {
	if gracePeriod <= 0 || g.interval <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(gracePeriod) / float64(g.interval)))
	if n < 1 {
		return 1
	}
	return n
}
