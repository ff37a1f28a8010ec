package stream

import "fmt"

// ErrorCode identifies the reason a connection or stream closed. Values are
// on-wire (carried in ConnectionClose and StreamClose frames) and must not
// be renumbered.
type ErrorCode uint8

const (
	// ErrNoError indicates a normal, graceful close.
	ErrNoError ErrorCode = 0x01
	// ErrInternalError indicates a local failure unrelated to the peer.
	ErrInternalError ErrorCode = 0x02
	// ErrServerBusy indicates a transient overload condition; retryable.
	ErrServerBusy ErrorCode = 0x03
	// ErrFlowControlError indicates a peer violated an advertised window.
	ErrFlowControlError ErrorCode = 0x04
	// ErrStreamIdError indicates an invalid or out-of-window stream id.
	ErrStreamIdError ErrorCode = 0x05
	// ErrStreamStateError indicates a frame was invalid for the stream's state.
	ErrStreamStateError ErrorCode = 0x06
	// ErrFinalOffsetError indicates a close advertised an offset inconsistent
	// with previously received data.
	ErrFinalOffsetError ErrorCode = 0x07
	// ErrFrameFormatError indicates a frame or packet failed to parse.
	ErrFrameFormatError ErrorCode = 0x08
	// ErrProtocolViolation indicates a violation of a protocol invariant
	// (e.g. non-increasing sequence, overlapping data disagreement).
	ErrProtocolViolation ErrorCode = 0x09
	// ErrApplicationError indicates the application closed a stream abnormally.
	ErrApplicationError ErrorCode = 0x0a
)

// String returns a human-readable name for the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrNoError:
		return "NoError"
	case ErrInternalError:
		return "InternalError"
	case ErrServerBusy:
		return "ServerBusy"
	case ErrFlowControlError:
		return "FlowControlError"
	case ErrStreamIdError:
		return "StreamIdError"
	case ErrStreamStateError:
		return "StreamStateError"
	case ErrFinalOffsetError:
		return "FinalOffsetError"
	case ErrFrameFormatError:
		return "FrameFormatError"
	case ErrProtocolViolation:
		return "ProtocolViolation"
	case ErrApplicationError:
		return "ApplicationError"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(c))
	}
}

// Retryable reports whether this error kind represents a transient
// condition that a sender may retry.
func (c ErrorCode) Retryable() bool {
	return c == ErrServerBusy
}

// StreamError pairs an ErrorCode with a human-readable message, used for
// both ConnectionClose and StreamClose reasons.
type StreamError struct {
	Code    ErrorCode
	Message string
}

func (e *StreamError) Error() string {
	if e == nil {
		return ErrNoError.String()
	}
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewStreamError constructs a *StreamError.
func NewStreamError(code ErrorCode, message string) *StreamError {
	return &StreamError{Code: code, Message: message}
}
