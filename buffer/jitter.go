// Package buffer implements the time-indexed jitter buffer that decouples
// frame arrival from playback. Frames arrive near-ordered from the
// transport, are stored in ascending-timestamp order, and are served to
// the renderer by nearest-timestamp lookup; grid points with no frame and
// no live request are reported to the scheduler for (re-)requesting.
package buffer

import (
	"log/slog"
	"time"

	"github.com/voxelview/depthstream/depth"
	"github.com/voxelview/depthstream/pending"
)

// Buffer stores decoded depth frames in ascending timestamp order and
// shares the pending-request table with the transport. Not safe for
// concurrent use; the session event loop is the only caller.
type Buffer struct {
	log     *slog.Logger
	frames  []*depth.Frame
	pending *pending.Table
}

// New creates a Buffer sharing the given request table. If log is nil,
// slog.Default() is used.
func New(table *pending.Table, log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	return &Buffer{
		log:     log.With("component", "jitter-buffer"),
		pending: table,
	}
}

// Add inserts a frame keeping ascending timestamp order and resolves its
// requested-marker. Frames normally arrive near-ordered, so insertion
// scans backward from the tail.
func (b *Buffer) Add(f *depth.Frame) {
	b.pending.Drop(int64(f.TimestampMs))

	i := len(b.frames)
	for i > 0 && b.frames[i-1].TimestampMs > f.TimestampMs {
		i--
	}
	// Replace rather than duplicate when the same timestamp arrives twice
	// (a late retransmit racing its re-request).
	if i > 0 && b.frames[i-1].TimestampMs == f.TimestampMs {
		b.frames[i-1] = f
		return
	}
	b.frames = append(b.frames, nil)
	copy(b.frames[i+1:], b.frames[i:])
	b.frames[i] = f
}

// Frame returns the stored frame nearest t within the hit tolerance, or
// nil if none qualifies. Frames that have fallen more than the prune age
// behind t are discarded from the front during the scan.
func (b *Buffer) Frame(t int64) *depth.Frame {
	var best *depth.Frame
	bestDist := int64(depth.FrameToleranceMs) + 1
	pruneBefore := t - depth.PruneAgeMs

	prune := 0
	for _, f := range b.frames {
		ts := int64(f.TimestampMs)
		if ts < pruneBefore {
			prune++
			continue
		}
		dist := ts - t
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			best = f
			bestDist = dist
		}
		if ts > t+depth.FrameToleranceMs {
			break
		}
	}

	if prune > 0 {
		b.frames = append(b.frames[:0], b.frames[prune:]...)
	}
	return best
}

// Missing walks the grid start, start+step, … ≤ end and returns the
// points that have neither a stored frame within step/2 nor a live
// request younger than timeout. Each returned point is eagerly marked
// requested at now, so a consecutive tick cannot return it again even if
// the actual transmit is shed downstream.
func (b *Buffer) Missing(start, end, step int64, timeout time.Duration, now time.Time) []int64 {
	if step <= 0 {
		return nil
	}
	var missing []int64
	for t := start; t <= end; t += step {
		if b.hasFrameNear(t, step/2) {
			continue
		}
		if !b.pending.MarkRequested(t, now, timeout) {
			continue
		}
		missing = append(missing, t)
	}
	return missing
}

// hasFrameNear reports whether a stored frame lies within tol of t,
// using binary search over the ordered store.
func (b *Buffer) hasFrameNear(t, tol int64) bool {
	lo, hi := 0, len(b.frames)
	for lo < hi {
		mid := (lo + hi) / 2
		if int64(b.frames[mid].TimestampMs) < t-tol {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo < len(b.frames) && int64(b.frames[lo].TimestampMs) <= t+tol
}

// Cleanup expires requested-markers that have fallen behind playback,
// independent of the transport's bookkeeping. Markers whose request was
// dropped before transmission would otherwise never clear.
func (b *Buffer) Cleanup(playbackMs int64) {
	if n := b.pending.Expire(playbackMs - depth.RequestExpiryMs); n > 0 {
		b.log.Debug("expired stale request markers", "count", n, "playback_ms", playbackMs)
	}
}

// Clear empties the frame store and the requested-marker table, used on
// seek or replay.
func (b *Buffer) Clear() {
	b.frames = b.frames[:0]
	b.pending.Clear()
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	return len(b.frames)
}

// Span returns the first and last buffered timestamps, or (0, 0) when
// the buffer is empty.
func (b *Buffer) Span() (first, last int64) {
	if len(b.frames) == 0 {
		return 0, 0
	}
	return int64(b.frames[0].TimestampMs), int64(b.frames[len(b.frames)-1].TimestampMs)
}
