// Package pending tracks outstanding depth-frame requests in a single
// table keyed by timestamp. The transport uses the sent-time view for
// RTT correlation; the jitter buffer uses the requested-at view for
// timeout-based re-request. Keeping both views in one entry removes the
// collision hazard of two independent tables disagreeing about the same
// timestamp.
package pending

import "time"

// entry is the bookkeeping for one requested timestamp.
type entry struct {
	requestedAt time.Time // when the scheduler claimed the grid point
	sentAt      time.Time // when the transport transmitted; zero until then
}

// Table records requested timestamps. Not safe for concurrent use; it is
// owned and mutated only by the session event loop.
type Table struct {
	entries map[int64]*entry
}

// NewTable returns an empty request table.
func NewTable() *Table {
	return &Table{entries: make(map[int64]*entry)}
}

// MarkRequested claims a grid point at now. It returns false when the
// timestamp is already claimed and its previous claim is younger than
// timeout, so consecutive scheduler ticks do not double-request; an
// expired claim is refreshed and returns true.
func (t *Table) MarkRequested(ts int64, now time.Time, timeout time.Duration) bool {
	if e, ok := t.entries[ts]; ok {
		if now.Sub(e.requestedAt) < timeout {
			return false
		}
		e.requestedAt = now
		e.sentAt = time.Time{}
		return true
	}
	t.entries[ts] = &entry{requestedAt: now}
	return true
}

// MarkSent records the transmit time for RTT correlation. A re-request
// of a still-open timestamp refreshes the transmit time rather than
// leaving a stale sample behind.
func (t *Table) MarkSent(ts int64, now time.Time) {
	if e, ok := t.entries[ts]; ok {
		e.sentAt = now
		return
	}
	t.entries[ts] = &entry{requestedAt: now, sentAt: now}
}

// TakeSent resolves a timestamp, removing its entry and returning the
// recorded transmit time. ok is false when the timestamp was never
// tracked or was already dropped; sent is zero when the entry existed
// but was never transmitted.
func (t *Table) TakeSent(ts int64) (sent time.Time, ok bool) {
	e, found := t.entries[ts]
	if !found {
		return time.Time{}, false
	}
	delete(t.entries, ts)
	return e.sentAt, true
}

// Drop discards a timestamp without resolving it, used when the
// transport sheds a queued request on overflow or an error reply
// completes it.
func (t *Table) Drop(ts int64) {
	delete(t.entries, ts)
}

// Expire removes every entry whose media timestamp falls before the
// cutoff. Grid points behind playback are never re-scanned by the
// scheduler, so entries whose transmission was shed at the transport
// layer would otherwise leak forever.
func (t *Table) Expire(beforeTs int64) int {
	n := 0
	for ts := range t.entries {
		if ts < beforeTs {
			delete(t.entries, ts)
			n++
		}
	}
	return n
}

// Clear empties the table (seek/replay).
func (t *Table) Clear() {
	clear(t.entries)
}

// Len returns the number of tracked timestamps.
func (t *Table) Len() int {
	return len(t.entries)
}
