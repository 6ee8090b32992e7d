// Package wire implements the binary depth-frame format and the
// varint-framed JSON session messages exchanged with the depth service.
//
// A depth frame is a fixed 32-byte little-endian header followed by
// width*height uint16 samples, either raw (magic "VDZ1") or wrapped in a
// zlib stream (magic "VDZ2"). Samples reconstruct to scene units as
// sample*scale + bias.
package wire

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/voxelview/depthstream/depth"
)

// HeaderSize is the fixed byte length of the depth-frame header.
const HeaderSize = 32

// Format magics. MagicRaw carries uncompressed samples, MagicZlib a
// zlib-compressed sample block.
var (
	MagicRaw  = [4]byte{'V', 'D', 'Z', '1'}
	MagicZlib = [4]byte{'V', 'D', 'Z', '2'}
)

// Version is the highest header version this codec understands. Frames
// with a greater version are rejected and counted rather than decoded
// under a layout we did not validate; version 0 is tolerated because
// early encoders wrote it with an identical layout.
const Version uint16 = 1

// DataTypeUint16 is the only sample encoding currently defined.
const DataTypeUint16 uint16 = 1

// maxDimension bounds width and height to keep a corrupt header from
// driving an enormous allocation.
const maxDimension = 8192

// Header is the decoded fixed-size prefix of a depth frame.
type Header struct {
	Magic       [4]byte
	Version     uint16
	DataType    uint16
	TimestampMs uint32
	Width       uint32
	Height      uint32
	Scale       float32
	Bias        float32
	ZMax        float32
}

// Compressed reports whether the payload following this header is a
// zlib stream.
func (h *Header) Compressed() bool {
	return h.Magic == MagicZlib
}

// CodecStats counts decode outcomes. All rejection categories are
// non-fatal; the scheduler re-requests anything that was dropped.
type CodecStats struct {
	Accepted     int64 `json:"accepted"`
	BadMagic     int64 `json:"badMagic"`
	BadVersion   int64 `json:"badVersion"`
	BadPayload   int64 `json:"badPayload"`
	StaleDropped int64 `json:"staleDropped"`
	Seeks        int64 `json:"seeks"`
}

// Codec decodes depth frames. It is stateless except for the ordering
// cursor: a decoded timestamp below the cursor is rejected as stale
// unless it is far enough back to be an intentional seek, in which case
// the cursor resets. Not safe for concurrent use; the owning event loop
// is the only caller.
type Codec struct {
	lastTimestamp int64 // -1 until the first accepted frame
	stats         CodecStats
}

// NewCodec returns a Codec with an unset ordering cursor.
func NewCodec() *Codec {
	return &Codec{lastTimestamp: -1}
}

// Stats returns a copy of the decode counters.
func (c *Codec) Stats() CodecStats {
	return c.stats
}

// ResetCursor clears the ordering cursor, used when the session
// reconnects after a playback seek.
func (c *Codec) ResetCursor() {
	c.lastTimestamp = -1
}

// ParseHeader decodes the fixed 32-byte prefix without touching the
// payload or the ordering cursor.
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	copy(h.Magic[:], data[0:4])
	if h.Magic != MagicRaw && h.Magic != MagicZlib {
		return h, fmt.Errorf("%w: %q", ErrBadMagic, data[0:4])
	}
	h.Version = binary.LittleEndian.Uint16(data[4:6])
	h.DataType = binary.LittleEndian.Uint16(data[6:8])
	h.TimestampMs = binary.LittleEndian.Uint32(data[8:12])
	h.Width = binary.LittleEndian.Uint32(data[12:16])
	h.Height = binary.LittleEndian.Uint32(data[16:20])
	h.Scale = math.Float32frombits(binary.LittleEndian.Uint32(data[20:24]))
	h.Bias = math.Float32frombits(binary.LittleEndian.Uint32(data[24:28]))
	h.ZMax = math.Float32frombits(binary.LittleEndian.Uint32(data[28:32]))
	return h, nil
}

// Decode parses a complete frame (header + payload) and returns the
// reconstructed depth plane. Rejections return an error and no partial
// frame; every rejection is counted in Stats.
func (c *Codec) Decode(data []byte) (*depth.Frame, error) {
	h, err := ParseHeader(data)
	if err != nil {
		if errors.Is(err, ErrTruncated) {
			c.stats.BadPayload++
		} else {
			c.stats.BadMagic++
		}
		return nil, err
	}
	if h.Version > Version {
		c.stats.BadVersion++
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.DataType != DataTypeUint16 {
		c.stats.BadPayload++
		return nil, fmt.Errorf("%w: %d", ErrBadDataType, h.DataType)
	}
	if h.Width == 0 || h.Height == 0 {
		c.stats.BadPayload++
		return nil, ErrEmptyPayload
	}
	if h.Width > maxDimension || h.Height > maxDimension {
		c.stats.BadPayload++
		return nil, fmt.Errorf("%w: %dx%d", ErrFrameTooBig, h.Width, h.Height)
	}

	samples, err := decodePayload(&h, data[HeaderSize:])
	if err != nil {
		c.stats.BadPayload++
		return nil, err
	}

	if err := c.checkOrder(h.TimestampMs); err != nil {
		c.stats.StaleDropped++
		return nil, err
	}

	values := make([]float32, len(samples))
	for i, s := range samples {
		values[i] = float32(s)*h.Scale + h.Bias
	}

	c.stats.Accepted++
	return &depth.Frame{
		TimestampMs: h.TimestampMs,
		Width:       int(h.Width),
		Height:      int(h.Height),
		Values:      values,
		Scale:       h.Scale,
		Bias:        h.Bias,
		ZMax:        h.ZMax,
	}, nil
}

// checkOrder enforces the ordering guard: a timestamp below the cursor
// is stale unless the jump back exceeds the seek threshold, in which
// case the cursor resets to the new position.
func (c *Codec) checkOrder(ts uint32) error {
	t := int64(ts)
	if c.lastTimestamp >= 0 && t < c.lastTimestamp {
		if c.lastTimestamp-t <= depth.SeekThresholdMs {
			return fmt.Errorf("%w: ts=%d cursor=%d", ErrStaleFrame, t, c.lastTimestamp)
		}
		c.stats.Seeks++
	}
	c.lastTimestamp = t
	return nil
}

// decodePayload extracts the uint16 sample block, inflating it first for
// compressed frames. A short or oversized block is rejected whole.
func decodePayload(h *Header, payload []byte) ([]uint16, error) {
	want := int(h.Width) * int(h.Height) * 2

	raw := payload
	if h.Compressed() {
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
		defer zr.Close()
		inflated := make([]byte, 0, want)
		buf := bytes.NewBuffer(inflated)
		if _, err := io.CopyN(buf, zr, int64(want)+1); err != io.EOF {
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
			}
			return nil, fmt.Errorf("%w: inflated payload exceeds %d bytes", ErrPayloadSize, want)
		}
		raw = buf.Bytes()
	}

	if len(raw) != want {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrPayloadSize, len(raw), want)
	}

	samples := make([]uint16, int(h.Width)*int(h.Height))
	for i := range samples {
		samples[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return samples, nil
}

// Encode quantizes a float32 depth plane into the wire format, used by
// the reference server. Values are clipped to [zMin, zMax] and mapped to
// the full uint16 range; compress selects the zlib variant (level 1,
// speed over ratio, matching the service this replaces).
func Encode(values []float32, width, height int, timestampMs uint32, zMin, zMax float32, compress bool) ([]byte, error) {
	if len(values) != width*height {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrPayloadSize, len(values), width, height)
	}
	if zMax <= zMin {
		zMax = zMin + 1e-3
	}
	scale := (zMax - zMin) / 65535.0

	raw := make([]byte, len(values)*2)
	for i, v := range values {
		if v < zMin {
			v = zMin
		} else if v > zMax {
			v = zMax
		}
		q := uint16(math.RoundToEven(float64((v - zMin) / scale)))
		binary.LittleEndian.PutUint16(raw[i*2:], q)
	}

	magic := MagicRaw
	payload := raw
	if compress {
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("wire: init compressor: %w", err)
		}
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("wire: compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("wire: flush compressor: %w", err)
		}
		magic = MagicZlib
		payload = buf.Bytes()
	}

	out := make([]byte, HeaderSize, HeaderSize+len(payload))
	copy(out[0:4], magic[:])
	binary.LittleEndian.PutUint16(out[4:6], Version)
	binary.LittleEndian.PutUint16(out[6:8], DataTypeUint16)
	binary.LittleEndian.PutUint32(out[8:12], timestampMs)
	binary.LittleEndian.PutUint32(out[12:16], uint32(width))
	binary.LittleEndian.PutUint32(out[16:20], uint32(height))
	binary.LittleEndian.PutUint32(out[20:24], math.Float32bits(scale))
	binary.LittleEndian.PutUint32(out[24:28], math.Float32bits(zMin))
	binary.LittleEndian.PutUint32(out[28:32], math.Float32bits(zMax))
	return append(out, payload...), nil
}
