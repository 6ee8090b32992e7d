package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Session message type IDs. Requests and errors carry JSON payloads;
// MsgFrame carries a binary depth frame. Status messages travel on their
// own short-lived stream, one request and one reply per poll.
const (
	MsgRequest       uint64 = 0x01
	MsgError         uint64 = 0x02
	MsgFrame         uint64 = 0x03
	MsgStatusRequest uint64 = 0x10
	MsgStatus        uint64 = 0x11
)

// maxMessageSize caps a single framed message. The largest legitimate
// payload is an uncompressed 8192x8192 frame header+samples; anything
// beyond this is a corrupt length prefix.
const maxMessageSize = 8192*8192*2 + HeaderSize

// Message is one framed unit read off a session stream.
type Message struct {
	Type    uint64
	Payload []byte
}

// Request asks the service to produce the depth frame nearest the given
// playback position. RTT is the client's current round-trip estimate in
// milliseconds, echoed to the server as congestion telemetry; zero means
// no estimate yet.
type Request struct {
	TimeMs int64   `json:"time_ms"`
	RTT    float64 `json:"rtt,omitempty"`
}

// ErrorMessage is an application-level failure for a single request. It
// completes the request (inflight decrements) but is never fatal to the
// session.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RollingStats carries the service's exponentially-smoothed pipeline
// timings, all in seconds except where named otherwise.
type RollingStats struct {
	DepthFPS   float64 `json:"depthFps"`
	LatencyMs  float64 `json:"latencyMs"`
	InferAvgS  float64 `json:"inferAvgS"`
	QueueAvgS  float64 `json:"queueAvgS"`
	DecodeAvgS float64 `json:"decodeAvgS"`
	SendAvgS   float64 `json:"sendAvgS"`
	DropCount  float64 `json:"dropCount"`
}

// Status is the telemetry payload returned for each status poll. The
// adaptive tuner sizes concurrency and lookahead from it.
type Status struct {
	Workers          int          `json:"workers"`
	ProcessRes       int          `json:"processRes"`
	DownsampleFactor int          `json:"downsampleFactor"`
	BufferLen        int          `json:"bufferLen"`
	LastDepthTimeMs  int64        `json:"lastDepthTimeMs"`
	Rolling          RollingStats `json:"rollingStats"`
}

// ReadMessage reads one framed message from the stream. Wire format:
// [type (varint)] [length (varint)] [payload]. The reader should be
// buffered; a bare io.Reader is wrapped on the fly.
func ReadMessage(r io.Reader) (Message, error) {
	br, ok := r.(quicvarint.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	msgType, err := quicvarint.Read(br)
	if err != nil {
		return Message{}, &ParseError{Field: "message type", Err: err}
	}
	length, err := quicvarint.Read(br)
	if err != nil {
		return Message{}, &ParseError{Field: "message length", Err: err}
	}
	if length > maxMessageSize {
		return Message{}, &ParseError{Field: "message length", Err: fmt.Errorf("%d exceeds limit", length)}
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(br, payload); err != nil {
			return Message{}, &ParseError{Field: "message payload", Err: err}
		}
	}
	return Message{Type: msgType, Payload: payload}, nil
}

// WriteMessage writes one framed message as a single Write call so
// concurrent writers on the same stream cannot interleave a frame.
func WriteMessage(w io.Writer, msgType uint64, payload []byte) error {
	buf := make([]byte, 0, len(payload)+2*quicvarint.Len(uint64(len(payload)))+8)
	buf = quicvarint.Append(buf, msgType)
	buf = quicvarint.Append(buf, uint64(len(payload)))
	buf = append(buf, payload...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write message: %w", err)
	}
	return nil
}

// WriteJSONMessage marshals v and writes it as a framed message.
func WriteJSONMessage(w io.Writer, msgType uint64, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal message: %w", err)
	}
	return WriteMessage(w, msgType, payload)
}

// UnmarshalRequest decodes a MsgRequest payload.
func UnmarshalRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, &ParseError{Field: "request", Err: err}
	}
	return req, nil
}

// UnmarshalError decodes a MsgError payload into em.
func UnmarshalError(payload []byte, em *ErrorMessage) error {
	if err := json.Unmarshal(payload, em); err != nil {
		return &ParseError{Field: "error message", Err: err}
	}
	return nil
}

// UnmarshalStatus decodes a MsgStatus payload.
func UnmarshalStatus(payload []byte) (*Status, error) {
	var s Status
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, &ParseError{Field: "status", Err: err}
	}
	return &s, nil
}
