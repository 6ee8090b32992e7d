package sched

import (
	"testing"

	"github.com/voxelview/depthstream/wire"
)

func TestApplySizesInflightFromWorkers(t *testing.T) {
	t.Parallel()
	tuner := NewTuner(nil)

	got := tuner.Apply(&wire.Status{Workers: 3}, Tuning{MaxInflight: 4})
	if got.MaxInflight != 12 {
		t.Errorf("max inflight: got %d, want 12", got.MaxInflight)
	}

	// A status reply with no worker count leaves the pipeline size alone.
	got = tuner.Apply(&wire.Status{}, Tuning{MaxInflight: 12})
	if got.MaxInflight != 12 {
		t.Errorf("max inflight: got %d, want 12", got.MaxInflight)
	}
}

func TestApplyLeadFromServiceTimings(t *testing.T) {
	t.Parallel()
	tuner := NewTuner(nil)

	st := &wire.Status{Workers: 3}
	st.Rolling.QueueAvgS = 0.05
	st.Rolling.InferAvgS = 0.1
	st.Rolling.DecodeAvgS = 0.05

	// queue 50 + decode 50 + infer 100 + safety (50 + 10) = 260ms.
	got := tuner.Apply(st, Tuning{AutoLead: true, LeadMs: 500})
	if got.LeadMs != 260 {
		t.Errorf("lead: got %dms, want 260ms", got.LeadMs)
	}
}

func TestApplyDefaultsDecodeTiming(t *testing.T) {
	t.Parallel()
	tuner := NewTuner(nil)

	// No decode sample yet: 50ms stands in. queue 100 + decode 50 +
	// infer 200 + safety 70 = 420ms.
	st := &wire.Status{Workers: 1}
	st.Rolling.QueueAvgS = 0.1
	st.Rolling.InferAvgS = 0.2

	got := tuner.Apply(st, Tuning{AutoLead: true, LeadMs: 1000})
	if got.LeadMs != 420 {
		t.Errorf("lead: got %dms, want 420ms", got.LeadMs)
	}
}

func TestApplyManualLeadUntouched(t *testing.T) {
	t.Parallel()
	tuner := NewTuner(nil)

	st := &wire.Status{Workers: 3}
	st.Rolling.InferAvgS = 0.5

	got := tuner.Apply(st, Tuning{AutoLead: false, LeadMs: 700})
	if got.LeadMs != 700 {
		t.Errorf("lead: got %dms, want 700ms", got.LeadMs)
	}
	// Concurrency still follows the worker count.
	if got.MaxInflight != 12 {
		t.Errorf("max inflight: got %d, want 12", got.MaxInflight)
	}
}

func TestApplyHysteresisSuppressesSmallChanges(t *testing.T) {
	t.Parallel()
	tuner := NewTuner(nil)

	st := &wire.Status{Workers: 1}
	st.Rolling.QueueAvgS = 0.05
	st.Rolling.InferAvgS = 0.1
	st.Rolling.DecodeAvgS = 0.05

	// Target 260 vs current 250: within the 20ms band, keep 250.
	got := tuner.Apply(st, Tuning{AutoLead: true, LeadMs: 250})
	if got.LeadMs != 250 {
		t.Errorf("lead: got %dms, want unchanged 250ms", got.LeadMs)
	}

	// 260 vs 220 crosses the band and retunes.
	got = tuner.Apply(st, Tuning{AutoLead: true, LeadMs: 220})
	if got.LeadMs != 260 {
		t.Errorf("lead: got %dms, want 260ms", got.LeadMs)
	}
}

func TestApplyWorkerFloor(t *testing.T) {
	t.Parallel()
	tuner := NewTuner(nil)

	// Fast service, many workers: the per-worker floor dominates the
	// timing-derived lead.
	st := &wire.Status{Workers: 10}
	st.Rolling.QueueAvgS = 0.001
	st.Rolling.InferAvgS = 0.001
	st.Rolling.DecodeAvgS = 0.001

	got := tuner.Apply(st, Tuning{AutoLead: true, LeadMs: 100})
	if got.LeadMs != 400 {
		t.Errorf("lead: got %dms, want 400ms", got.LeadMs)
	}
}

func TestApplyLeadClamped(t *testing.T) {
	t.Parallel()
	tuner := NewTuner(nil)

	// Pathologically slow inference pins the lead at the upper clamp.
	slow := &wire.Status{Workers: 1}
	slow.Rolling.InferAvgS = 5

	got := tuner.Apply(slow, Tuning{AutoLead: true, LeadMs: 300})
	if got.LeadMs != 2000 {
		t.Errorf("lead: got %dms, want 2000ms", got.LeadMs)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	tuner := NewTuner(nil)

	cur := Tuning{MaxInflight: 4, LeadMs: 300, AutoLead: true}
	st := &wire.Status{Workers: 3}
	st.Rolling.InferAvgS = 0.5

	tuner.Apply(st, cur)
	if cur.MaxInflight != 4 || cur.LeadMs != 300 {
		t.Errorf("input tuning mutated: %+v", cur)
	}
}
