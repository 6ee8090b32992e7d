// Package server implements the reference depth service: a QUIC listener
// that answers per-timestamp depth requests with synthetic depth frames
// and serves telemetry to status polls. It reproduces the flow-control
// behavior of the production inference service (bounded drop-oldest
// request queue, capped worker concurrency, rolling-average telemetry)
// so the client engine can be exercised end to end without a model.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/voxelview/depthstream/certs"
	"github.com/voxelview/depthstream/transport"
	"github.com/voxelview/depthstream/wire"
)

// Flow-control limits, matching the service this stands in for.
const (
	// requestQueueCapacity bounds buffered requests per session; overflow
	// sheds the oldest.
	requestQueueCapacity = 32

	// maxConcurrentTasks caps in-progress request tasks per session.
	maxConcurrentTasks = 16
)

// Config configures a Server. Addr and Cert are required.
type Config struct {
	Addr string
	Cert *certs.CertInfo

	// Frame geometry and grid. Defaults: 640x360 at 30 fps.
	Width  int
	Height int
	FPS    float64

	// Workers is the simulated inference worker count; InferDelay is the
	// simulated per-frame inference latency each worker imposes.
	Workers    int
	InferDelay time.Duration

	// Compress selects zlib frame payloads.
	Compress bool

	Log *slog.Logger
}

// Server accepts depth-stream sessions over QUIC.
type Server struct {
	log    *slog.Logger
	config Config
	stepMs int64

	addr atomic.Value // net.Addr, set once listening
}

// New creates a Server, applying defaults for unset geometry and worker
// fields.
func New(config Config) (*Server, error) {
	if config.Addr == "" {
		return nil, errors.New("server: Addr is required")
	}
	if config.Cert == nil {
		return nil, errors.New("server: Cert is required")
	}
	if config.Width <= 0 {
		config.Width = 640
	}
	if config.Height <= 0 {
		config.Height = 360
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.Workers <= 0 {
		config.Workers = 3
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:    log.With("component", "depth-server"),
		config: config,
		stepMs: int64(math.Round(1000 / config.FPS)),
	}, nil
}

// Addr returns the bound listen address once Run is listening, or nil
// before that. Useful with a ":0" configured address.
func (s *Server) Addr() net.Addr {
	addr, _ := s.addr.Load().(net.Addr)
	return addr
}

// Run listens for QUIC sessions and blocks until the context is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := quic.ListenAddr(s.config.Addr, &tls.Config{
		Certificates: []tls.Certificate{s.config.Cert.TLSCert},
		NextProtos:   []string{transport.ALPN},
	}, &quic.Config{MaxIdleTimeout: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.config.Addr, err)
	}
	s.addr.Store(listener.Addr())

	s.log.Info("depth server listening", "addr", listener.Addr().String(),
		"cert_hash", s.config.Cert.FingerprintBase64())

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// session is the per-connection state shared between the frame stream
// and status streams.
type session struct {
	srv         *Server
	log         *slog.Logger
	queue       *dropQueue
	stats       *rollingStats
	renderer    *renderer
	lastDepthMs atomic.Int64
}

// handleConn serves one client connection: the first request-bearing
// stream becomes the session stream; every status-request stream is
// answered and closed.
func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	sess := &session{
		srv:      s,
		log:      s.log.With("remote", conn.RemoteAddr().String()),
		queue:    newDropQueue(requestQueueCapacity),
		stats:    &rollingStats{},
		renderer: &renderer{width: s.config.Width, height: s.config.Height},
	}
	sess.log.Info("session connected")
	defer sess.log.Info("session gone")
	defer conn.CloseWithError(0, "server done")

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go sess.dispatchStream(ctx, stream)
	}
}

// dispatchStream routes a new stream by its first message.
func (sess *session) dispatchStream(ctx context.Context, stream quic.Stream) {
	msg, err := wire.ReadMessage(stream)
	if err != nil {
		stream.CancelRead(0)
		stream.Close()
		return
	}

	switch msg.Type {
	case wire.MsgStatusRequest:
		sess.answerStatus(stream)
		stream.Close()

	case wire.MsgRequest:
		req, err := wire.UnmarshalRequest(msg.Payload)
		if err != nil {
			sess.log.Warn("bad first request", "error", err)
			stream.Close()
			return
		}
		if err := sess.serve(ctx, stream, req); err != nil && ctx.Err() == nil {
			sess.log.Info("session stream ended", "error", err)
		}

	default:
		sess.log.Warn("unexpected stream opener", "type", msg.Type)
		stream.Close()
	}
}

// answerStatus writes one status reply.
func (sess *session) answerStatus(stream quic.Stream) {
	st := wire.Status{
		Workers:          sess.srv.config.Workers,
		ProcessRes:       sess.srv.config.Width,
		DownsampleFactor: 1,
		BufferLen:        sess.queue.size(),
		LastDepthTimeMs:  sess.lastDepthMs.Load(),
		Rolling:          sess.stats.snapshot(),
	}
	if err := wire.WriteJSONMessage(stream, wire.MsgStatus, st); err != nil {
		sess.log.Debug("status reply failed", "error", err)
	}
}

// serve runs the session stream: a receiver feeding the drop-oldest
// queue, a processor spawning bounded worker tasks, and a sender writing
// results back in task order.
func (sess *session) serve(ctx context.Context, stream quic.Stream, first wire.Request) error {
	g, ctx := errgroup.WithContext(ctx)

	// taskSem caps concurrent tasks; inferSem models the inference
	// worker pool underneath them.
	taskSem := semaphore.NewWeighted(maxConcurrentTasks)
	inferSem := semaphore.NewWeighted(int64(sess.srv.config.Workers))
	results := make(chan chan []byte, maxConcurrentTasks)

	sess.queue.put(queuedRequest{req: first, receivedNs: time.Now().UnixNano()})

	g.Go(func() error { return sess.receive(stream) })
	g.Go(func() error { return sess.process(ctx, taskSem, inferSem, results) })
	g.Go(func() error { return sess.send(ctx, stream, results) })

	err := g.Wait()
	stream.CancelRead(0)
	stream.Close()
	return err
}

// receive parses request messages into the queue until the stream ends.
func (sess *session) receive(stream quic.Stream) error {
	for {
		msg, err := wire.ReadMessage(stream)
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}
		if msg.Type != wire.MsgRequest {
			sess.log.Warn("unexpected session message", "type", msg.Type)
			continue
		}
		req, err := wire.UnmarshalRequest(msg.Payload)
		if err != nil {
			sess.log.Warn("bad request", "error", err)
			continue
		}
		sess.queue.put(queuedRequest{req: req, receivedNs: time.Now().UnixNano()})
	}
}

// process drains the queue, spawning one bounded task per request. Task
// results enter the results channel in spawn order, which is the order
// the sender writes them.
func (sess *session) process(ctx context.Context, taskSem, inferSem *semaphore.Weighted, results chan<- chan []byte) error {
	defer close(results)
	for {
		qr, err := sess.queue.get(ctx)
		if err != nil {
			return nil
		}

		if dropped := sess.queue.takeDropped(); dropped > 0 {
			sess.stats.addDropped(dropped)
			sess.log.Debug("shed queued requests", "count", dropped)
		}
		sess.stats.observeLatency(qr.req.RTT)

		if err := taskSem.Acquire(ctx, 1); err != nil {
			return nil
		}
		result := make(chan []byte, 1)
		select {
		case results <- result:
		case <-ctx.Done():
			taskSem.Release(1)
			return nil
		}

		go func() {
			defer taskSem.Release(1)
			result <- sess.produce(ctx, inferSem, qr)
		}()
	}
}

// produce renders and encodes one frame, recording stage timings. A nil
// result tells the sender to emit an error reply instead of a frame.
func (sess *session) produce(ctx context.Context, inferSem *semaphore.Weighted, qr queuedRequest) []byte {
	start := time.Now()
	queueS := time.Duration(start.UnixNano() - qr.receivedNs).Seconds()

	// Snap the requested position to the frame grid.
	step := sess.srv.stepMs
	ts := (qr.req.TimeMs + step/2) / step * step
	if ts < 0 {
		ts = 0
	}

	decodeStart := time.Now()
	values, zMin, zMax := sess.renderer.render(ts)
	decodeS := time.Since(decodeStart).Seconds()

	inferStart := time.Now()
	if err := inferSem.Acquire(ctx, 1); err != nil {
		return nil
	}
	if d := sess.srv.config.InferDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			inferSem.Release(1)
			return nil
		}
	}
	inferSem.Release(1)
	inferS := time.Since(inferStart).Seconds()

	payload, err := wire.Encode(values, sess.srv.config.Width, sess.srv.config.Height,
		uint32(ts), zMin, zMax, sess.srv.config.Compress)
	if err != nil {
		sess.log.Warn("encode failed", "time_ms", ts, "error", err)
		return nil
	}

	sess.lastDepthMs.Store(ts)
	sess.stats.observeTimings(queueS, decodeS, inferS, 0, time.Since(start).Seconds())
	return payload
}

// send writes results back in order, one frame or error reply per task.
func (sess *session) send(ctx context.Context, stream quic.Stream, results <-chan chan []byte) error {
	for result := range results {
		var payload []byte
		select {
		case payload = <-result:
		case <-ctx.Done():
			return nil
		}

		sendStart := time.Now()
		if payload == nil {
			em := wire.ErrorMessage{Type: "error", Message: "frame unavailable"}
			if err := wire.WriteJSONMessage(stream, wire.MsgError, em); err != nil {
				return fmt.Errorf("write error reply: %w", err)
			}
			continue
		}
		if err := wire.WriteMessage(stream, wire.MsgFrame, payload); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		sess.stats.observeTimings(0, 0, 0, time.Since(sendStart).Seconds(), 0)
	}
	return nil
}
