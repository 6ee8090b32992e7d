package transport

import (
	"math"
	"time"

	"github.com/voxelview/depthstream/depth"
)

// rttEstimator smooths request round-trip samples with an EMA. The first
// sample is capped harder than later ones so a slow cold start (model
// warm-up on the server) does not poison the estimate for seconds.
type rttEstimator struct {
	est time.Duration
	has bool
}

// observe folds one measured round trip into the estimate.
func (e *rttEstimator) observe(d time.Duration) {
	if !e.has {
		if d > depth.RTTFirstCap {
			d = depth.RTTFirstCap
		}
		e.est = d
		e.has = true
		return
	}
	if d > depth.RTTSampleCap {
		d = depth.RTTSampleCap
	}
	e.est = time.Duration(float64(e.est)*(1-depth.RTTAlpha) + float64(d)*depth.RTTAlpha)
}

// value returns the current estimate, zero before the first sample.
func (e *rttEstimator) value() time.Duration {
	return e.est
}

func (e *rttEstimator) reset() {
	e.est = 0
	e.has = false
}

// jitterEstimator tracks the standard deviation of inter-arrival gaps
// over a sliding window of the most recent arrivals.
type jitterEstimator struct {
	gaps        []time.Duration
	next        int
	full        bool
	lastArrival time.Time
}

// observe records a frame arrival, folding the gap since the previous
// arrival into the window. The first arrival only seeds the clock.
func (j *jitterEstimator) observe(now time.Time) {
	if j.lastArrival.IsZero() {
		j.lastArrival = now
		return
	}
	gap := now.Sub(j.lastArrival)
	j.lastArrival = now

	if j.gaps == nil {
		j.gaps = make([]time.Duration, depth.JitterWindow)
	}
	j.gaps[j.next] = gap
	j.next++
	if j.next == len(j.gaps) {
		j.next = 0
		j.full = true
	}
}

// value returns the standard deviation of the windowed gaps, zero until
// at least two gaps have been observed.
func (j *jitterEstimator) value() time.Duration {
	n := j.next
	if j.full {
		n = len(j.gaps)
	}
	if n < 2 {
		return 0
	}

	var mean float64
	for i := 0; i < n; i++ {
		mean += float64(j.gaps[i])
	}
	mean /= float64(n)

	var variance float64
	for i := 0; i < n; i++ {
		d := float64(j.gaps[i]) - mean
		variance += d * d
	}
	variance /= float64(n)

	return time.Duration(math.Sqrt(variance))
}

func (j *jitterEstimator) reset() {
	j.next = 0
	j.full = false
	j.lastArrival = time.Time{}
}
