// Package clock implements the learned-offset clock from spec.md §4.1: a
// monotonic wall-clock reference adjusted by an offset learned from the
// server via a TimeSyncRequest/TimeSyncResponse round trip.
package clock

import (
	"sync/atomic"
	"time"
)

// WallFunc returns the current wall-clock time in milliseconds since the
// Unix epoch. Overridable in tests; defaults to the real clock.
type WallFunc func() int64

func defaultWall() int64 {
	return time.Now().UnixMilli()
}

// Clock is a learned-offset clock. The zero value is not usable; use New.
type Clock struct {
	wall WallFunc

	offsetMillis int64 // atomic
	bestRTT      int64 // atomic; -1 means "no measurement yet"
}

// New creates a Clock with offset zero and no RTT measurement.
func New() *Clock {
	return &Clock{wall: defaultWall, bestRTT: -1}
}

// NewWithWall creates a Clock using a custom wall-clock source, for tests.
func NewWithWall(wall WallFunc) *Clock {
	return &Clock{wall: wall, bestRTT: -1}
}

// Now returns wall() + offset, in clock-adjusted milliseconds.
func (c *Clock) Now() int64 {
	return c.wall() + atomic.LoadInt64(&c.offsetMillis)
}

// Offset returns the clock's current learned offset, in milliseconds.
func (c *Clock) Offset() int64 {
	return atomic.LoadInt64(&c.offsetMillis)
}

// WallMillis returns the raw, unadjusted wall-clock reading used as
// input to Sync — callers measuring a round trip must use this rather
// than Now(), which already carries the previous offset and would feed
// back into the next measurement.
func (c *Clock) WallMillis() int64 {
	return c.wall()
}

// Sync computes rtt = localRecv - localSend and
// offset = remoteEnd + rtt/2 - localRecv, per spec.md §4.1, and updates
// the offset only if this measurement's RTT improves on the best one
// observed so far (monotonic improvement, never regresses to a noisier
// sample).
func (c *Clock) Sync(localSend, remoteStart, remoteEnd, localRecv int64) {
	_ = remoteStart // kept for symmetry with the wire message; unused in the formula below

	rtt := localRecv - localSend
	if rtt < 0 {
		rtt = 0
	}

	for {
		best := atomic.LoadInt64(&c.bestRTT)
		if best >= 0 && rtt >= best {
			return
		}

		offset := remoteEnd + rtt/2 - localRecv
		// Snapshot-then-swap isn't a single atomic transaction across two
		// fields, but bestRTT is the gate: once it's committed, a racing
		// updater with a worse RTT will lose the CAS below and retry,
		// never clobbering a better offset with a worse one.
		if atomic.CompareAndSwapInt64(&c.bestRTT, best, rtt) {
			atomic.StoreInt64(&c.offsetMillis, offset)
			return
		}
	}
}

// Reset clears the learned offset and RTT history, for client reconnects.
func (c *Clock) Reset() {
	atomic.StoreInt64(&c.offsetMillis, 0)
	atomic.StoreInt64(&c.bestRTT, -1)
}
