// Package transport owns the QUIC session to the depth service: the
// connection state machine, the bounded pending-send queue, request/frame
// correlation for RTT estimation, and inter-arrival jitter tracking.
//
// All state-mutating methods must be called from the session event loop;
// the only internal goroutines are the stream reader, which feeds inbound
// messages into a single channel consumed by that loop, and the stream
// writer, which drains the send queue so the loop never blocks on QUIC
// flow control.
package transport

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/voxelview/depthstream/depth"
	"github.com/voxelview/depthstream/pending"
	"github.com/voxelview/depthstream/wire"
)

// ALPN is the application protocol negotiated on the QUIC handshake.
const ALPN = "depthstream"

// sendQueueDepth buffers hand-off from the event loop to the stream
// writer. Slightly above the pending-send capacity so a full flush after
// reconnect fits without stalling.
const sendQueueDepth = depth.PendingSendCapacity + 4

// inboundDepth buffers decoded wire messages between the stream reader
// and the event loop.
const inboundDepth = 64

// statusTimeout bounds a single status poll round trip.
const statusTimeout = 2 * time.Second

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotOpen is returned by operations that need a live session stream.
var ErrNotOpen = errors.New("transport: session not open")

// Stats counts transport-level events since the last Connect.
type Stats struct {
	RequestsSent   int64
	FramesReceived int64
	DecodeFailures int64
	ErrorReplies   int64
	ShedRequests   int64
}

// Config configures a Transport. Addr is required. Exactly one of
// CertFingerprint (SHA-256 of the server's self-signed certificate DER,
// pinned) or RootCAs must be set.
type Config struct {
	Addr            string
	CertFingerprint [32]byte
	RootCAs         *x509.CertPool
	Log             *slog.Logger
}

// Transport is the client side of one depth-stream session.
type Transport struct {
	log     *slog.Logger
	config  Config
	pending *pending.Table
	codec   *wire.Codec

	state   State
	stateCb func(State)

	conn   quic.Connection
	stream quic.Stream
	sendQ  chan wire.Request
	done   chan struct{}

	pendingSend []int64
	inflight    int

	rtt    rttEstimator
	jitter jitterEstimator
	stats  Stats

	inbound chan wire.Message
}

// New creates a Transport sharing the given request table. The table's
// sent-time view correlates responses back to transmit times; the jitter
// buffer holds the other view of the same entries.
func New(config Config, table *pending.Table) (*Transport, error) {
	if config.Addr == "" {
		return nil, errors.New("transport: Addr is required")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		log:     log.With("component", "transport"),
		config:  config,
		pending: table,
		codec:   wire.NewCodec(),
	}, nil
}

// OnStateChange registers a callback invoked from the event loop on
// every connection state transition.
func (t *Transport) OnStateChange(cb func(State)) {
	t.stateCb = cb
}

// State returns the current connection state.
func (t *Transport) State() State { return t.state }

// Inflight returns the number of transmitted requests with no response yet.
func (t *Transport) Inflight() int { return t.inflight }

// RTT returns the smoothed round-trip estimate, zero before any sample.
func (t *Transport) RTT() time.Duration { return t.rtt.value() }

// Jitter returns the standard deviation of recent inter-arrival gaps.
func (t *Transport) Jitter() time.Duration { return t.jitter.value() }

// Stats returns a copy of the transport counters.
func (t *Transport) Stats() Stats { return t.stats }

// CodecStats returns the wire codec's decode counters.
func (t *Transport) CodecStats() wire.CodecStats { return t.codec.Stats() }

// Inbound returns the channel of raw session messages. It is closed when
// the stream reader exits; the event loop must then call MarkClosed.
func (t *Transport) Inbound() <-chan wire.Message { return t.inbound }

// Connect dials the service and opens the session stream. There is no
// automatic reconnect; the caller decides when to dial again. A closed
// transport may be reused: Connect resets estimators, counters, and the
// codec's ordering cursor.
func (t *Transport) Connect(ctx context.Context) error {
	if t.state == StateConnecting || t.state == StateOpen {
		return fmt.Errorf("transport: connect in state %s", t.state)
	}
	t.setState(StateConnecting)

	conn, err := quic.DialAddr(ctx, t.config.Addr, t.tlsConfig(), &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
	if err != nil {
		t.setState(StateClosed)
		return fmt.Errorf("transport: dial %s: %w", t.config.Addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open session stream failed")
		t.setState(StateClosed)
		return fmt.Errorf("transport: open session stream: %w", err)
	}

	t.conn = conn
	t.stream = stream
	t.sendQ = make(chan wire.Request, sendQueueDepth)
	t.done = make(chan struct{})
	t.inbound = make(chan wire.Message, inboundDepth)
	t.inflight = 0
	t.rtt.reset()
	t.jitter.reset()
	t.stats = Stats{}
	t.codec.ResetCursor()

	go t.readLoop(stream, t.inbound, t.done)
	go t.writeLoop(stream, t.sendQ)

	t.setState(StateOpen)
	t.log.Info("session open", "addr", t.config.Addr)
	t.flushPending()
	return nil
}

// tlsConfig builds the dial TLS config. With a pinned fingerprint the
// chain is not verified at all; the certificate hash must match exactly
// (self-signed server, short-lived rotating certs).
func (t *Transport) tlsConfig() *tls.Config {
	cfg := &tls.Config{
		NextProtos: []string{ALPN},
		RootCAs:    t.config.RootCAs,
	}
	if t.config.CertFingerprint != ([32]byte{}) {
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				if sha256.Sum256(raw) == t.config.CertFingerprint {
					return nil
				}
			}
			return errors.New("transport: server certificate fingerprint mismatch")
		}
	}
	return cfg
}

// EnqueueRequest queues a frame request. The queue is a bounded FIFO:
// when full, the oldest entry is shed and its request-table entry
// dropped so the scheduler can re-claim the grid point. When the session
// is open the queue is flushed immediately.
func (t *Transport) EnqueueRequest(ts int64) {
	if len(t.pendingSend) >= depth.PendingSendCapacity {
		shed := t.pendingSend[0]
		t.pendingSend = append(t.pendingSend[:0], t.pendingSend[1:]...)
		t.pending.Drop(shed)
		t.stats.ShedRequests++
		t.log.Debug("shed oldest queued request", "time_ms", shed)
	}
	t.pendingSend = append(t.pendingSend, ts)

	if t.state == StateOpen {
		t.flushPending()
	}
}

// flushPending hands queued requests to the stream writer. Transmit time
// is recorded and inflight incremented at hand-off; entries that do not
// fit in the writer queue stay queued for the next flush.
func (t *Transport) flushPending() {
	rttMs := float64(t.rtt.value().Milliseconds())
	now := time.Now()

	n := 0
	for _, ts := range t.pendingSend {
		req := wire.Request{TimeMs: ts, RTT: rttMs}
		select {
		case t.sendQ <- req:
			t.pending.MarkSent(ts, now)
			t.inflight++
			t.stats.RequestsSent++
			n++
		default:
			// Writer backed up; stop and retry the remainder later.
			t.pendingSend = append(t.pendingSend[:0], t.pendingSend[n:]...)
			return
		}
	}
	t.pendingSend = t.pendingSend[:0]
}

// HandleMessage processes one inbound session message from the event
// loop. For frame messages it returns the decoded frame; for control
// messages and undecodable frames it returns nil.
func (t *Transport) HandleMessage(msg wire.Message, arrivedAt time.Time) *depth.Frame {
	switch msg.Type {
	case wire.MsgFrame:
		return t.handleFrame(msg.Payload, arrivedAt)
	case wire.MsgError:
		t.handleError(msg.Payload)
		return nil
	default:
		t.log.Warn("unknown message type", "type", msg.Type, "bytes", len(msg.Payload))
		return nil
	}
}

// handleFrame completes one request: the response counts against
// inflight and feeds the jitter window even when the decode is rejected,
// because the server did answer.
func (t *Transport) handleFrame(payload []byte, arrivedAt time.Time) *depth.Frame {
	t.decInflight()
	t.jitter.observe(arrivedAt)

	frame, err := t.codec.Decode(payload)
	if err != nil {
		t.stats.DecodeFailures++
		t.log.Debug("frame rejected", "error", err)
		return nil
	}
	t.stats.FramesReceived++

	if sentAt, ok := t.pending.TakeSent(int64(frame.TimestampMs)); ok && !sentAt.IsZero() {
		t.rtt.observe(arrivedAt.Sub(sentAt))
	}
	return frame
}

// handleError logs a server-reported application error. The failed
// timestamp is not identified on the wire, so its request-table entry is
// left to expire through the timeout path; no retry happens here. The
// reply still frees a pipeline slot, so queued requests resume flushing.
func (t *Transport) handleError(payload []byte) {
	t.decInflight()
	t.stats.ErrorReplies++

	var em wire.ErrorMessage
	if err := wire.UnmarshalError(payload, &em); err != nil {
		t.log.Warn("undecodable error reply", "error", err)
	} else {
		t.log.Warn("server error reply", "message", em.Message)
	}

	if t.state == StateOpen {
		t.flushPending()
	}
}

func (t *Transport) decInflight() {
	if t.inflight > 0 {
		t.inflight--
	}
}

// StatusPoller returns a self-contained poll function bound to the
// current connection, or ErrNotOpen when there is no live session.
// StatusPoller itself must be called from the event loop; the returned
// function touches only the captured connection, which is internally
// synchronized, so it may run from a helper goroutine while the loop
// keeps mutating transport state.
func (t *Transport) StatusPoller() (func(context.Context) (*wire.Status, error), error) {
	if t.conn == nil || t.state != StateOpen {
		return nil, ErrNotOpen
	}
	conn := t.conn
	return func(ctx context.Context) (*wire.Status, error) {
		return pollStatus(ctx, conn)
	}, nil
}

// pollStatus performs one status poll on a fresh bidirectional stream:
// one request, one reply, close.
func pollStatus(ctx context.Context, conn quic.Connection) (*wire.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: open status stream: %w", err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	if err := wire.WriteJSONMessage(stream, wire.MsgStatusRequest, struct{}{}); err != nil {
		return nil, fmt.Errorf("transport: write status request: %w", err)
	}

	msg, err := wire.ReadMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("transport: read status reply: %w", err)
	}
	if msg.Type != wire.MsgStatus {
		return nil, fmt.Errorf("transport: unexpected status reply type %d", msg.Type)
	}

	status, err := wire.UnmarshalStatus(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("transport: decode status: %w", err)
	}
	return status, nil
}

// MarkClosed transitions to Closed after the inbound channel closes
// (reader saw a stream or connection error). Requests in flight are
// silently lost; the scheduler re-requests their grid points once the
// timeout path clears them.
func (t *Transport) MarkClosed() {
	if t.state == StateClosed {
		return
	}
	t.teardown("session stream closed")
}

// Close shuts the session down explicitly.
func (t *Transport) Close() {
	if t.state == StateClosed || t.state == StateDisconnected {
		return
	}
	t.teardown("client close")
}

func (t *Transport) teardown(reason string) {
	if t.conn != nil {
		t.conn.CloseWithError(0, reason)
		t.conn = nil
	}
	if t.sendQ != nil {
		close(t.sendQ)
		t.sendQ = nil
	}
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.stream = nil
	t.inflight = 0
	t.pendingSend = t.pendingSend[:0]
	t.setState(StateClosed)
	t.log.Info("session closed", "reason", reason)
}

func (t *Transport) setState(s State) {
	if t.state == s {
		return
	}
	t.state = s
	if t.stateCb != nil {
		t.stateCb(s)
	}
}

// readLoop reads framed messages off the session stream into the inbound
// channel until the stream errors or done closes, then closes the
// channel. It never touches Transport state directly. The done select
// matters on teardown: closing the connection only unblocks the read,
// not a send stuck on a full inbound buffer the event loop has
// abandoned.
func (t *Transport) readLoop(r io.Reader, inbound chan<- wire.Message, done <-chan struct{}) {
	defer close(inbound)
	br := bufio.NewReader(r)
	for {
		msg, err := wire.ReadMessage(br)
		if err != nil {
			t.log.Debug("session reader exiting", "error", err)
			return
		}
		select {
		case inbound <- msg:
		case <-done:
			return
		}
	}
}

// writeLoop drains the send queue onto the session stream. A write error
// cancels the stream, which surfaces to the event loop through the
// reader's exit.
func (t *Transport) writeLoop(stream quic.Stream, sendQ <-chan wire.Request) {
	for req := range sendQ {
		if err := wire.WriteJSONMessage(stream, wire.MsgRequest, req); err != nil {
			t.log.Debug("session writer exiting", "error", err)
			stream.CancelRead(0)
			return
		}
	}
}
