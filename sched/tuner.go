package sched

import (
	"log/slog"

	"github.com/voxelview/depthstream/wire"
)

// Tuner bounds and heuristics.
const (
	// inflightPerWorker sizes the request pipeline per service worker so
	// the workers stay busy across a round trip (Little's law, roughly).
	inflightPerWorker = 4

	// perWorkerLeadMs is the minimum lookahead contributed per worker:
	// with N workers filling the pipeline, the head of the window must
	// be at least N service intervals out.
	perWorkerLeadMs = 40

	// defaultDecodeS stands in for the decode timing when the service
	// has not reported one yet.
	defaultDecodeS = 0.05

	tunerMinLeadMs = 50
	tunerMaxLeadMs = 2000

	// leadHysteresisMs suppresses lead changes smaller than this so
	// downstream consumers are not retuned on estimator noise.
	leadHysteresisMs = 20
)

// Tuner adjusts the scheduler's concurrency and lookahead from polled
// service telemetry. It is pure bookkeeping; the event loop feeds it
// each status reply and installs the tuning it returns.
type Tuner struct {
	log *slog.Logger
}

// NewTuner creates a Tuner. If log is nil, slog.Default() is used.
func NewTuner(log *slog.Logger) *Tuner {
	if log == nil {
		log = slog.Default()
	}
	return &Tuner{log: log.With("component", "tuner")}
}

// Apply folds one status reply into the tuning and returns the updated
// snapshot. The input is not mutated.
func (t *Tuner) Apply(st *wire.Status, cur Tuning) Tuning {
	next := cur

	if st.Workers > 0 {
		target := st.Workers * inflightPerWorker
		if target != next.MaxInflight {
			t.log.Info("retuned max inflight", "from", next.MaxInflight, "to", target, "workers", st.Workers)
			next.MaxInflight = target
		}
	}

	if !next.AutoLead {
		return next
	}

	// Lead covers one full service pass: queue wait, decode, inference,
	// plus a margin that grows with inference time (slower models jitter
	// more in absolute terms).
	decode := st.Rolling.DecodeAvgS
	if decode == 0 {
		decode = defaultDecodeS
	}
	safety := 0.05 + 0.1*st.Rolling.InferAvgS
	processing := st.Rolling.QueueAvgS + decode + st.Rolling.InferAvgS + safety

	leadMs := int64(processing * 1000)
	if floor := int64(st.Workers * perWorkerLeadMs); leadMs < floor {
		leadMs = floor
	}
	leadMs = clampMs(leadMs, tunerMinLeadMs, tunerMaxLeadMs)

	delta := leadMs - next.LeadMs
	if delta < 0 {
		delta = -delta
	}
	if delta > leadHysteresisMs {
		t.log.Info("retuned lead time", "from_ms", next.LeadMs, "to_ms", leadMs,
			"queue_s", st.Rolling.QueueAvgS, "infer_s", st.Rolling.InferAvgS)
		next.LeadMs = leadMs
	}
	return next
}
