package server

import (
	"sync"

	"github.com/voxelview/depthstream/wire"
)

// emaAlpha is the smoothing factor for the rolling pipeline timings
// reported to clients; matched to the client's RTT estimator so both
// sides converge at the same rate.
const emaAlpha = 0.1

// rollingStats maintains exponentially-smoothed per-stage timings for a
// session. Workers update it concurrently, the status handler snapshots
// it, so unlike the client-side engine it carries a lock.
type rollingStats struct {
	mu    sync.Mutex
	stats wire.RollingStats
}

func ema(current, sample float64) float64 {
	if current == 0 {
		return sample
	}
	return emaAlpha*sample + (1-emaAlpha)*current
}

// observeTimings folds one completed request's stage timings (seconds)
// into the rolling averages. A zero sample means the stage was not
// measured on this pass and leaves its average untouched; totalS
// additionally drives the throughput estimate.
func (r *rollingStats) observeTimings(queueS, decodeS, inferS, sendS, totalS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if queueS > 0 {
		r.stats.QueueAvgS = ema(r.stats.QueueAvgS, queueS)
	}
	if decodeS > 0 {
		r.stats.DecodeAvgS = ema(r.stats.DecodeAvgS, decodeS)
	}
	if inferS > 0 {
		r.stats.InferAvgS = ema(r.stats.InferAvgS, inferS)
	}
	if sendS > 0 {
		r.stats.SendAvgS = ema(r.stats.SendAvgS, sendS)
	}
	if totalS > 0 {
		r.stats.DepthFPS = ema(r.stats.DepthFPS, 1/totalS)
	}
}

// observeLatency folds in a client-echoed round-trip sample.
func (r *rollingStats) observeLatency(rttMs float64) {
	if rttMs <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.LatencyMs = ema(r.stats.LatencyMs, rttMs)
}

// addDropped counts requests shed by the inbound queue.
func (r *rollingStats) addDropped(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.DropCount += float64(n)
}

// snapshot returns a copy of the rolling stats.
func (r *rollingStats) snapshot() wire.RollingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
