// Package pipeline runs the client-side synchronization engine: a single
// event loop that owns the transport, jitter buffer, prefetch scheduler,
// and adaptive tuner, interleaving inbound frame handling with the
// scheduler and tuner ticks so no shared state ever needs a lock.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxelview/depthstream/buffer"
	"github.com/voxelview/depthstream/depth"
	"github.com/voxelview/depthstream/pending"
	"github.com/voxelview/depthstream/sched"
	"github.com/voxelview/depthstream/transport"
	"github.com/voxelview/depthstream/wire"
)

// Default tick intervals. The scheduler tick approximates a display
// refresh; the tuner matches the original service's poll cadence.
const (
	DefaultTickInterval  = 16 * time.Millisecond
	DefaultTunerInterval = 500 * time.Millisecond
)

// FrameHandler receives each accepted frame, invoked from the event loop
// after the frame is buffered. It must not block.
type FrameHandler func(*depth.Frame)

// Config configures a Pipeline. Addr and FPS are required.
type Config struct {
	Addr string
	FPS  float64

	// Initial tuning, adaptively overwritten at runtime when the service
	// reports telemetry.
	MaxInflight int
	LeadMs      int64
	AutoLead    bool

	CertFingerprint [32]byte
	TickInterval    time.Duration
	TunerInterval   time.Duration
	OnFrame         FrameHandler
	Log             *slog.Logger
}

// frameQuery asks the event loop for the buffered frame nearest a
// playback position.
type frameQuery struct {
	timeMs int64
	reply  chan *depth.Frame
}

// command is a host request executed on the event loop.
type command struct {
	run  func()
	done chan struct{}
}

// Health is a point-in-time snapshot of sync-engine state for logging
// and telemetry display.
type Health struct {
	State       string        `json:"state"`
	RTT         time.Duration `json:"rtt"`
	Jitter      time.Duration `json:"jitter"`
	Inflight    int           `json:"inflight"`
	Buffered    int           `json:"buffered"`
	BufferFirst int64         `json:"bufferFirstMs"`
	BufferLast  int64         `json:"bufferLastMs"`
	Tuning      sched.Tuning  `json:"tuning"`
	Transport   transport.Stats
	Codec       wire.CodecStats
}

// Pipeline wires the synchronization engine together. Construct with
// New, then call Run once; queries and commands are safe from any
// goroutine while Run is live.
type Pipeline struct {
	log       *slog.Logger
	clock     sched.Clock
	transport *transport.Transport
	buffer    *buffer.Buffer
	scheduler *sched.Scheduler
	tuner     *sched.Tuner
	tuning    sched.Tuning
	onFrame   FrameHandler

	tickInterval  time.Duration
	tunerInterval time.Duration

	queries  chan frameQuery
	commands chan command
	statusCh chan *wire.Status
}

// New creates a Pipeline. The clock supplies playback position in
// milliseconds; playback advances independently and is never blocked or
// adjusted by this subsystem.
func New(config Config, clock sched.Clock) (*Pipeline, error) {
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.TunerInterval <= 0 {
		config.TunerInterval = DefaultTunerInterval
	}

	table := pending.NewTable()
	tr, err := transport.New(transport.Config{
		Addr:            config.Addr,
		CertFingerprint: config.CertFingerprint,
		Log:             log,
	}, table)
	if err != nil {
		return nil, err
	}

	buf := buffer.New(table, log)
	p := &Pipeline{
		log:       log.With("component", "pipeline"),
		clock:     clock,
		transport: tr,
		buffer:    buf,
		tuner:     sched.NewTuner(log),
		tuning: sched.Tuning{
			MaxInflight: config.MaxInflight,
			LeadMs:      config.LeadMs,
			AutoLead:    config.AutoLead,
		},
		onFrame:       config.OnFrame,
		tickInterval:  config.TickInterval,
		tunerInterval: config.TunerInterval,
		queries:       make(chan frameQuery),
		commands:      make(chan command),
		statusCh:      make(chan *wire.Status, 1),
	}
	p.scheduler = sched.NewScheduler(buf, tr, clock, config.FPS, log)

	tr.OnStateChange(func(s transport.State) {
		p.log.Info("connection state", "state", s.String())
	})
	return p, nil
}

// Run connects and drives the event loop until the context is cancelled.
// Connection loss does not end the loop: the engine degrades to "frame
// unavailable" and the host decides whether to Reconnect.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.transport.Connect(ctx); err != nil {
		return err
	}
	defer p.transport.Close()

	tick := time.NewTicker(p.tickInterval)
	defer tick.Stop()
	tunerTick := time.NewTicker(p.tunerInterval)
	defer tunerTick.Stop()

	inbound := p.transport.Inbound()

	for {
		// Priority drain: absorb bursts of arrived frames before running
		// a scheduler tick, so gap detection sees the freshest buffer.
		if inbound != nil {
			select {
			case msg, ok := <-inbound:
				if !ok {
					inbound = nil
					p.transport.MarkClosed()
					continue
				}
				p.handleInbound(msg)
				continue
			default:
			}
		}

		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				p.transport.MarkClosed()
				continue
			}
			p.handleInbound(msg)

		case now := <-tick.C:
			p.scheduler.Tick(p.tuning, now)

		case <-tunerTick.C:
			p.spawnStatusPoll(ctx)

		case st := <-p.statusCh:
			p.tuning = p.tuner.Apply(st, p.tuning)

		case q := <-p.queries:
			q.reply <- p.buffer.Frame(q.timeMs)

		case cmd := <-p.commands:
			cmd.run()
			// A reconnect swaps the inbound channel.
			inbound = p.transport.Inbound()
			if p.transport.State() != transport.StateOpen {
				inbound = nil
			}
			close(cmd.done)
		}
	}
}

// handleInbound routes one transport message; accepted frames go into
// the jitter buffer and out to the subscriber.
func (p *Pipeline) handleInbound(msg wire.Message) {
	frame := p.transport.HandleMessage(msg, time.Now())
	if frame == nil {
		return
	}
	p.buffer.Add(frame)
	if p.onFrame != nil {
		p.onFrame(frame)
	}
}

// spawnStatusPoll runs one status poll off-loop so the round trip never
// stalls frame handling; the reply lands on statusCh. The poll function
// is captured here, on the loop, so the goroutine never reads transport
// state that a concurrent seek or close could be rewriting. A poll
// overlapping a still-buffered reply is dropped rather than queued.
func (p *Pipeline) spawnStatusPoll(ctx context.Context) {
	poll, err := p.transport.StatusPoller()
	if err != nil {
		return
	}
	go func() {
		st, err := poll(ctx)
		if err != nil {
			p.log.Debug("status poll failed", "error", err)
			return
		}
		select {
		case p.statusCh <- st:
		default:
		}
	}()
}

// FrameAt returns the buffered frame nearest timeMs within the sync
// tolerance, or nil when no frame qualifies yet. Safe from any goroutine
// while Run is live.
func (p *Pipeline) FrameAt(ctx context.Context, timeMs int64) *depth.Frame {
	q := frameQuery{timeMs: timeMs, reply: make(chan *depth.Frame, 1)}
	select {
	case p.queries <- q:
	case <-ctx.Done():
		return nil
	}
	select {
	case f := <-q.reply:
		return f
	case <-ctx.Done():
		return nil
	}
}

// Seek clears the jitter buffer and forces a fresh connection so stale
// in-flight responses cannot land in a now-irrelevant buffer. Blocks
// until the event loop has executed it.
func (p *Pipeline) Seek(ctx context.Context) error {
	return p.exec(ctx, func() {
		p.buffer.Clear()
		p.transport.Close()
		if err := p.transport.Connect(ctx); err != nil {
			p.log.Warn("reconnect after seek failed", "error", err)
		}
	})
}

// Reconnect dials again after a connection loss. The host decides when;
// the engine never reconnects on its own.
func (p *Pipeline) Reconnect(ctx context.Context) error {
	return p.exec(ctx, func() {
		if p.transport.State() == transport.StateOpen {
			return
		}
		p.transport.Close()
		if err := p.transport.Connect(ctx); err != nil {
			p.log.Warn("reconnect failed", "error", err)
		}
	})
}

// Snapshot reports current sync-engine health. Safe from any goroutine
// while Run is live.
func (p *Pipeline) Snapshot(ctx context.Context) (Health, error) {
	var h Health
	err := p.exec(ctx, func() {
		first, last := p.buffer.Span()
		h = Health{
			State:       p.transport.State().String(),
			RTT:         p.transport.RTT(),
			Jitter:      p.transport.Jitter(),
			Inflight:    p.transport.Inflight(),
			Buffered:    p.buffer.Len(),
			BufferFirst: first,
			BufferLast:  last,
			Tuning:      p.tuning,
			Transport:   p.transport.Stats(),
			Codec:       p.transport.CodecStats(),
		}
	})
	return h, err
}

// exec runs fn on the event loop and waits for completion.
func (p *Pipeline) exec(ctx context.Context, fn func()) error {
	cmd := command{run: fn, done: make(chan struct{})}
	select {
	case p.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
