// Package depth defines the core depth-frame value type that flows from
// the wire codec through the jitter buffer to the renderer.
package depth

import "time"

// Tuning constants shared by the transport (producer side) and the jitter
// buffer (consumer side). Sized to absorb network jitter without letting
// memory or request pressure grow unbounded.
const (
	// PendingSendCapacity bounds the not-yet-transmitted request FIFO.
	// Overflow drops the oldest entry; at 30 fps this is two seconds of
	// requests, which is already older than any useful lookahead.
	PendingSendCapacity = 60

	// JitterWindow is how many inter-arrival gaps feed the jitter estimate.
	JitterWindow = 30

	// FrameToleranceMs is the maximum |stored - requested| timestamp
	// distance for a buffer lookup to count as a hit (~one 30 fps frame).
	FrameToleranceMs = 33

	// PruneAgeMs is how far behind playback a buffered frame may fall
	// before it is discarded during a lookup scan.
	PruneAgeMs = 1000

	// RequestExpiryMs is how far behind playback a requested-marker may
	// fall before Cleanup drops it. Covers requests the transport dropped
	// on queue overflow, which would otherwise never resolve.
	RequestExpiryMs = 2000

	// SeekThresholdMs distinguishes an intentional backward seek from an
	// ordinary out-of-order arrival in the codec's ordering guard.
	SeekThresholdMs = 500
)

// RTT estimator bounds and smoothing factor.
const (
	RTTAlpha        = 0.1
	RTTFirstCap     = 1000 * time.Millisecond
	RTTSampleCap    = 2000 * time.Millisecond
	RTTTimeoutFloor = 1000 * time.Millisecond
)

// Frame is a single reconstructed depth map. It is produced once by the
// wire codec, owned by the jitter buffer, and handed by pointer to the
// renderer; it is never mutated after construction.
type Frame struct {
	TimestampMs uint32
	Width       int
	Height      int
	// Values holds Width*Height reconstructed depth samples in row-major
	// order, already scaled to scene units (sample*Scale + Bias).
	Values []float32
	Scale  float32
	Bias   float32
	// ZMax is the server-suggested far-clip hint for the renderer.
	ZMax float32
}
