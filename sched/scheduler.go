// Package sched converts playback position, link health, and service
// telemetry into a bounded stream of frame requests: the prefetch
// scheduler runs once per display refresh, and the adaptive tuner
// retunes its concurrency and lookahead from the service's status polls.
package sched

import (
	"log/slog"
	"math"
	"time"
)

// Window and clamp constants for the prefetch pass, in milliseconds.
const (
	// lookaheadMs is the fixed request window beyond the lead point. The
	// window bounds what work is worth asking for; the per-tick slot cap
	// bounds request pressure. They stay separate deliberately.
	lookaheadMs = 3000

	minLeadMs  = 100
	maxLeadMs  = 3000
	rttLeadPad = 100

	timeoutFloorMs = 1000
	timeoutRTTPad  = 500
)

// Tuning is the snapshot of adaptive parameters consumed by the
// scheduler each tick. The tuner replaces it between ticks; the
// scheduler copies it at tick start and never mutates it.
type Tuning struct {
	MaxInflight int
	LeadMs      int64
	AutoLead    bool
}

// Requester is the subset of the transport the scheduler drives.
// Accepting an interface keeps the scheduler testable with stubs.
type Requester interface {
	EnqueueRequest(ts int64)
	Inflight() int
	RTT() time.Duration
}

// FrameStore is the subset of the jitter buffer the scheduler reads.
type FrameStore interface {
	Missing(start, end, step int64, timeout time.Duration, now time.Time) []int64
	Cleanup(playbackMs int64)
}

// Clock supplies the current playback position. Playback advances
// independently of this subsystem; the host owns it.
type Clock interface {
	NowMs() int64
}

// Scheduler issues bounded batches of frame requests ahead of playback.
// Run it from the session event loop; it never sleeps or blocks.
type Scheduler struct {
	log       *slog.Logger
	store     FrameStore
	requester Requester
	clock     Clock
	stepMs    int64
}

// NewScheduler creates a Scheduler for a stream playing at fps frames
// per second. If log is nil, slog.Default() is used.
func NewScheduler(store FrameStore, requester Requester, clock Clock, fps float64, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	step := int64(math.Round(1000 / fps))
	if step < 1 {
		step = 1
	}
	return &Scheduler{
		log:       log.With("component", "scheduler"),
		store:     store,
		requester: requester,
		clock:     clock,
		stepMs:    step,
	}
}

// StepMs returns the frame grid step in milliseconds.
func (s *Scheduler) StepMs() int64 { return s.stepMs }

// Tick runs one prefetch pass under the given tuning snapshot and
// returns how many requests it issued. Flow control first: with no
// available slots the tick only runs cleanup.
func (s *Scheduler) Tick(tuning Tuning, now time.Time) int {
	p := s.clock.NowMs()
	rttMs := s.requester.RTT().Milliseconds()

	lead := tuning.LeadMs
	if tuning.AutoLead {
		lead = clampMs(maxMs(minLeadMs, rttMs+rttLeadPad), minLeadMs, maxLeadMs)
	}

	timeoutMs := maxMs(timeoutFloorMs, 2*rttMs+timeoutRTTPad)
	timeout := time.Duration(timeoutMs) * time.Millisecond

	// Align the window start to the frame grid at or beyond the lead point.
	start := ((p + lead + s.stepMs - 1) / s.stepMs) * s.stepMs
	end := start + lookaheadMs

	issued := 0
	slots := tuning.MaxInflight - s.requester.Inflight()
	if slots > 0 {
		missing := s.store.Missing(start, end, s.stepMs, timeout, now)
		if len(missing) > slots {
			missing = missing[:slots]
		}
		for _, ts := range missing {
			s.requester.EnqueueRequest(ts)
		}
		issued = len(missing)
	}

	s.store.Cleanup(p)
	return issued
}

func maxMs(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func clampMs(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
