package amq

import (
	"fmt"

	"github.com/pkg/errors"
)

// Default to pkg/errors so that failures deep in the codec or the
// peer loops carry stack information.
var (
	errorNew    = errors.New
	errorErrorf = errors.Errorf
	errorWrapf  = errors.Wrapf
)

// ErrEOF signals a clean end of the byte stream. It is distinct from
// decode errors; a frame cut off mid-body is reported as a
// MalformedError instead.
var ErrEOF = errors.New("end of stream")

// RangeError is returned when a value is outside the valid wire range
// of the primitive type it is being encoded as. No bytes beyond
// already flushed bits have been committed when it is returned.
type RangeError struct {
	Type  string
	Value interface{}
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("amq: value %v out of range for %s", e.Value, e.Type)
}

func rangeErrorf(typ string, value interface{}) error {
	return &RangeError{Type: typ, Value: value}
}

// MalformedError indicates corrupted or unintelligible wire data:
// nonzero reserved bits, truncated frames, unknown type codes.
// Channel-level callers treat it as fatal to the connection.
type MalformedError struct {
	msg string
}

func (e *MalformedError) Error() string { return "amq: malformed data: " + e.msg }

func malformedf(format string, args ...interface{}) error {
	return &MalformedError{msg: fmt.Sprintf(format, args...)}
}

// VersionError is reported when the remote peer answers with a
// protocol header instead of a frame, carrying its advertised version.
type VersionError struct {
	Major, Minor uint8
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("amq: peer requested protocol version %d-%d", e.Major, e.Minor)
}

// ClosedError is returned from any operation attempted on a closed
// channel, queue, or peer. Reason records the original close cause so
// every blocked caller surfaces the same error regardless of which
// internal queue released it.
type ClosedError struct {
	Reason error
}

func (e *ClosedError) Error() string {
	if e.Reason == nil {
		return "amq: closed"
	}
	return "amq: closed: " + e.Reason.Error()
}

func (e *ClosedError) Unwrap() error { return e.Reason }

func closedError(reason error) error { return &ClosedError{Reason: reason} }

// TimeoutError is returned when a bounded wait (synchronous reply,
// completion mark, flow control clearance) elapses.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return "amq: timed out: " + e.Op }

// UnexpectedResponseError is returned when a synchronous invocation
// receives a reply of a type the request does not declare.
type UnexpectedResponseError struct {
	Frame Frame
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("amq: unexpected response frame: %v", e.Frame)
}
