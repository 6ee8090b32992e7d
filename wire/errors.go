package wire

import (
	"errors"
	"fmt"
)

// Sentinel errors for frame rejection. These enable callers to
// programmatically distinguish rejection modes using errors.Is; all of
// them are non-fatal to the session.
var (
	ErrBadMagic     = errors.New("wire: unrecognized format tag")
	ErrBadVersion   = errors.New("wire: unsupported format version")
	ErrBadDataType  = errors.New("wire: unsupported sample data type")
	ErrTruncated    = errors.New("wire: truncated frame")
	ErrPayloadSize  = errors.New("wire: payload size mismatch")
	ErrStaleFrame   = errors.New("wire: stale out-of-order frame")
	ErrDecompress   = errors.New("wire: payload decompression failed")
	ErrFrameTooBig  = errors.New("wire: frame dimensions exceed limit")
	ErrEmptyPayload = errors.New("wire: zero-sized frame")
)

// ParseError indicates a failure to parse a session message field. It
// wraps the underlying I/O or format error and records which field was
// being parsed when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
