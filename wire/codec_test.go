package wire

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

// encodeTestFrame builds a valid frame with a small gradient plane.
func encodeTestFrame(t *testing.T, ts uint32, compress bool) []byte {
	t.Helper()
	values := make([]float32, 4*2)
	for i := range values {
		values[i] = 0.5 + float32(i)*0.25
	}
	data, err := Encode(values, 4, 2, ts, 0.5, 4.0, compress)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return data
}

func TestDecodeRoundTripRaw(t *testing.T) {
	t.Parallel()
	c := NewCodec()

	frame, err := c.Decode(encodeTestFrame(t, 1000, false))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if frame.TimestampMs != 1000 {
		t.Errorf("timestamp: got %d, want 1000", frame.TimestampMs)
	}
	if frame.Width != 4 || frame.Height != 2 {
		t.Errorf("dimensions: got %dx%d, want 4x2", frame.Width, frame.Height)
	}
	if len(frame.Values) != 8 {
		t.Fatalf("values: got %d, want 8", len(frame.Values))
	}

	// Quantization error is bounded by scale/2.
	maxErr := float64(frame.Scale) / 2
	for i, want := range []float32{0.5, 0.75, 1.0, 1.25, 1.5, 1.75, 2.0, 2.25} {
		if diff := math.Abs(float64(frame.Values[i] - want)); diff > maxErr {
			t.Errorf("value[%d]: got %f, want %f (tolerance %f)", i, frame.Values[i], want, maxErr)
		}
	}
	if frame.ZMax != 4.0 {
		t.Errorf("zMax: got %f, want 4.0", frame.ZMax)
	}
}

func TestDecodeRoundTripCompressed(t *testing.T) {
	t.Parallel()
	c := NewCodec()

	data := encodeTestFrame(t, 500, true)
	if data[3] != '2' {
		t.Fatalf("expected compressed magic, got %q", data[0:4])
	}

	frame, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if frame.TimestampMs != 500 {
		t.Errorf("timestamp: got %d, want 500", frame.TimestampMs)
	}
	if c.Stats().Accepted != 1 {
		t.Errorf("accepted count: got %d, want 1", c.Stats().Accepted)
	}
}

func TestDecodeUnknownMagic(t *testing.T) {
	t.Parallel()
	c := NewCodec()

	data := encodeTestFrame(t, 100, false)
	copy(data[0:4], "NOPE")

	if _, err := c.Decode(data); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
	if c.Stats().BadMagic != 1 {
		t.Errorf("badMagic count: got %d, want 1", c.Stats().BadMagic)
	}
}

func TestDecodeFutureVersionRejected(t *testing.T) {
	t.Parallel()
	c := NewCodec()

	data := encodeTestFrame(t, 100, false)
	binary.LittleEndian.PutUint16(data[4:6], Version+1)

	if _, err := c.Decode(data); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
	if c.Stats().BadVersion != 1 {
		t.Errorf("badVersion count: got %d, want 1", c.Stats().BadVersion)
	}
}

func TestDecodeVersionZeroTolerated(t *testing.T) {
	t.Parallel()
	c := NewCodec()

	data := encodeTestFrame(t, 100, false)
	binary.LittleEndian.PutUint16(data[4:6], 0)

	if _, err := c.Decode(data); err != nil {
		t.Fatalf("version 0 should decode, got %v", err)
	}
}

func TestDecodeCorruptCompressedPayload(t *testing.T) {
	t.Parallel()
	c := NewCodec()

	data := encodeTestFrame(t, 100, true)
	// Garble the zlib stream past its header.
	for i := HeaderSize + 4; i < len(data); i++ {
		data[i] ^= 0xFF
	}

	_, err := c.Decode(data)
	if err == nil {
		t.Fatal("expected decode failure for corrupt payload")
	}
	if c.Stats().BadPayload != 1 {
		t.Errorf("badPayload count: got %d, want 1", c.Stats().BadPayload)
	}
	if c.Stats().Accepted != 0 {
		t.Error("no frame should have been accepted")
	}
}

func TestDecodeTruncatedHeader(t *testing.T) {
	t.Parallel()
	c := NewCodec()

	data := encodeTestFrame(t, 100, false)
	if _, err := c.Decode(data[:10]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	// A short buffer is a size problem, not a format-tag problem.
	if c.Stats().BadPayload != 1 {
		t.Errorf("badPayload count: got %d, want 1", c.Stats().BadPayload)
	}
	if c.Stats().BadMagic != 0 {
		t.Errorf("badMagic count: got %d, want 0", c.Stats().BadMagic)
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	t.Parallel()
	c := NewCodec()

	data := encodeTestFrame(t, 100, false)
	if _, err := c.Decode(data[:len(data)-3]); !errors.Is(err, ErrPayloadSize) {
		t.Fatalf("expected ErrPayloadSize, got %v", err)
	}
}

func TestOrderingGuard(t *testing.T) {
	t.Parallel()
	c := NewCodec()

	if _, err := c.Decode(encodeTestFrame(t, 1000, false)); err != nil {
		t.Fatalf("first frame should decode: %v", err)
	}

	// 100ms back: ordinary out-of-order arrival, rejected.
	if _, err := c.Decode(encodeTestFrame(t, 900, false)); !errors.Is(err, ErrStaleFrame) {
		t.Fatalf("expected ErrStaleFrame for ts=900, got %v", err)
	}
	if c.Stats().StaleDropped != 1 {
		t.Errorf("staleDropped count: got %d, want 1", c.Stats().StaleDropped)
	}

	// 800ms back: past the seek threshold, accepted and cursor resets.
	frame, err := c.Decode(encodeTestFrame(t, 200, false))
	if err != nil {
		t.Fatalf("seek frame should decode: %v", err)
	}
	if frame.TimestampMs != 200 {
		t.Errorf("timestamp: got %d, want 200", frame.TimestampMs)
	}
	if c.Stats().Seeks != 1 {
		t.Errorf("seeks count: got %d, want 1", c.Stats().Seeks)
	}

	// Cursor moved to 200: 250 now advances normally.
	if _, err := c.Decode(encodeTestFrame(t, 250, false)); err != nil {
		t.Fatalf("ts=250 should decode after seek: %v", err)
	}
}

func TestOrderingGuardBoundary(t *testing.T) {
	t.Parallel()
	c := NewCodec()

	if _, err := c.Decode(encodeTestFrame(t, 1000, false)); err != nil {
		t.Fatalf("first frame should decode: %v", err)
	}

	// Exactly at the threshold is still stale; one past it is a seek.
	if _, err := c.Decode(encodeTestFrame(t, 500, false)); !errors.Is(err, ErrStaleFrame) {
		t.Fatalf("diff=500 should be stale, got %v", err)
	}
	if _, err := c.Decode(encodeTestFrame(t, 499, false)); err != nil {
		t.Fatalf("diff=501 should be a seek, got %v", err)
	}
}

func TestParseHeaderFields(t *testing.T) {
	t.Parallel()

	data := encodeTestFrame(t, 1234, false)
	h, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if h.Magic != MagicRaw {
		t.Errorf("magic: got %q", h.Magic)
	}
	if h.Version != Version {
		t.Errorf("version: got %d, want %d", h.Version, Version)
	}
	if h.DataType != DataTypeUint16 {
		t.Errorf("dataType: got %d, want %d", h.DataType, DataTypeUint16)
	}
	if h.TimestampMs != 1234 {
		t.Errorf("timestamp: got %d, want 1234", h.TimestampMs)
	}
	if h.Width != 4 || h.Height != 2 {
		t.Errorf("dimensions: got %dx%d, want 4x2", h.Width, h.Height)
	}
	if h.Compressed() {
		t.Error("raw frame should not report compressed")
	}
}

func TestEncodeClipsOutOfRange(t *testing.T) {
	t.Parallel()
	c := NewCodec()

	values := []float32{-10, 0.5, 4.0, 100}
	data, err := Encode(values, 2, 2, 0, 0.5, 4.0, false)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	frame, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	maxErr := float64(frame.Scale) / 2
	for i, want := range []float32{0.5, 0.5, 4.0, 4.0} {
		if diff := math.Abs(float64(frame.Values[i] - want)); diff > maxErr {
			t.Errorf("value[%d]: got %f, want clipped %f", i, frame.Values[i], want)
		}
	}
}
