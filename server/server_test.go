package server

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/voxelview/depthstream/wire"
)

func TestDropQueueShedsOldest(t *testing.T) {
	t.Parallel()
	q := newDropQueue(3)

	for ts := int64(0); ts < 5; ts++ {
		q.put(queuedRequest{req: wire.Request{TimeMs: ts * 33}})
	}

	if q.size() != 3 {
		t.Fatalf("size: got %d, want 3", q.size())
	}
	if dropped := q.takeDropped(); dropped != 2 {
		t.Errorf("dropped: got %d, want 2", dropped)
	}
	if dropped := q.takeDropped(); dropped != 0 {
		t.Errorf("dropped after swap: got %d, want 0", dropped)
	}

	// Survivors are the three freshest, in arrival order.
	ctx := context.Background()
	for _, want := range []int64{66, 99, 132} {
		qr, err := q.get(ctx)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if qr.req.TimeMs != want {
			t.Errorf("time_ms: got %d, want %d", qr.req.TimeMs, want)
		}
	}
}

func TestDropQueueGetHonorsContext(t *testing.T) {
	t.Parallel()
	q := newDropQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.get(ctx); err == nil {
		t.Fatal("expected context error on empty queue")
	}
}

func TestRollingStatsSeedAndSmooth(t *testing.T) {
	t.Parallel()
	r := &rollingStats{}

	// First sample seeds the average directly.
	r.observeTimings(0.2, 0, 0, 0, 0)
	if got := r.snapshot().QueueAvgS; got != 0.2 {
		t.Fatalf("seed: got %f, want 0.2", got)
	}

	// Later samples fold in at alpha 0.1.
	r.observeTimings(0.1, 0, 0, 0, 0)
	want := 0.1*0.1 + 0.9*0.2
	if got := r.snapshot().QueueAvgS; math.Abs(got-want) > 1e-9 {
		t.Errorf("smoothed: got %f, want %f", got, want)
	}
}

func TestRollingStatsSkipsUnmeasuredStages(t *testing.T) {
	t.Parallel()
	r := &rollingStats{}

	r.observeTimings(0.05, 0.04, 0.1, 0, 0.25)
	// The send path reports only its own stage; the zeros must not drag
	// the other averages toward zero.
	r.observeTimings(0, 0, 0, 0.01, 0)

	st := r.snapshot()
	if st.QueueAvgS != 0.05 {
		t.Errorf("queueAvgS: got %f, want 0.05", st.QueueAvgS)
	}
	if st.InferAvgS != 0.1 {
		t.Errorf("inferAvgS: got %f, want 0.1", st.InferAvgS)
	}
	if st.SendAvgS != 0.01 {
		t.Errorf("sendAvgS: got %f, want 0.01", st.SendAvgS)
	}
	if math.Abs(st.DepthFPS-4) > 1e-9 {
		t.Errorf("depthFps: got %f, want 4", st.DepthFPS)
	}
}

func TestRollingStatsLatencyIgnoresMissingEcho(t *testing.T) {
	t.Parallel()
	r := &rollingStats{}

	r.observeLatency(0)
	r.observeLatency(-5)
	if got := r.snapshot().LatencyMs; got != 0 {
		t.Fatalf("latency: got %f, want 0", got)
	}

	r.observeLatency(80)
	if got := r.snapshot().LatencyMs; got != 80 {
		t.Errorf("latency: got %f, want 80", got)
	}
}

func TestRollingStatsDropCount(t *testing.T) {
	t.Parallel()
	r := &rollingStats{}

	r.addDropped(3)
	r.addDropped(2)
	if got := r.snapshot().DropCount; got != 5 {
		t.Errorf("dropCount: got %f, want 5", got)
	}
}

func TestRendererDeterministic(t *testing.T) {
	t.Parallel()
	rd := &renderer{width: 32, height: 18}

	a, zMin, zMax := rd.render(1500)
	b, _, _ := rd.render(1500)

	if zMin != sceneNear || zMax != sceneFar {
		t.Errorf("range: got [%f, %f], want [%f, %f]", zMin, zMax, sceneNear, sceneFar)
	}
	if len(a) != 32*18 {
		t.Fatalf("plane size: got %d, want %d", len(a), 32*18)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("value[%d] differs between identical renders: %f vs %f", i, a[i], b[i])
		}
		if a[i] < sceneNear || a[i] > sceneFar {
			t.Fatalf("value[%d] out of range: %f", i, a[i])
		}
	}

	// Different timestamps move the bump.
	c, _, _ := rd.render(2500)
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("renders at different timestamps should differ")
	}
}

func TestServerConfigDefaults(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing Addr")
	}
	if _, err := New(Config{Addr: "localhost:0"}); err == nil {
		t.Fatal("expected error for missing Cert")
	}
}

func TestGridSnap(t *testing.T) {
	t.Parallel()

	// The requested position snaps to the nearest grid point, matching the
	// client's request grid at the same fps.
	step := int64(33)
	cases := []struct {
		in   int64
		want int64
	}{
		{0, 0},
		{16, 0},
		{17, 33},
		{33, 33},
		{1000, 990},
		{1006, 990},
		{1007, 1023},
	}
	for _, tc := range cases {
		got := (tc.in + step/2) / step * step
		if got != tc.want {
			t.Errorf("snap(%d): got %d, want %d", tc.in, got, tc.want)
		}
	}
}
