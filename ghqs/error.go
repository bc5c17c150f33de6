package ghqs

import (
	"errors"
	"fmt"

	"github.com/gordian-engine/ghq/ghqwire"
)

// Errors returned from [Session.NewTransaction].
var (
	ErrDraining           = errors.New("session is draining")
	ErrTransportUnhealthy = errors.New("transport is unhealthy")
	ErrStreamLimitReached = errors.New("concurrent outgoing stream limit reached")
	ErrNotUpstream        = errors.New("only upstream sessions originate transactions")
)

// StreamError is delivered to a transaction's handler when its stream
// fails without taking the connection down.
type StreamError struct {
	Code ghqwire.ErrorCode
	Msg  string

	// Retryable marks errors where the peer never processed the
	// request, so resubmitting on another connection is safe.
	Retryable bool
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error %s: %s", e.Code, e.Msg)
}

// ConnectionError is a connection-fatal protocol failure.
// Every open transaction receives it before the transport closes.
type ConnectionError struct {
	Code ghqwire.ErrorCode
	Msg  string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error %s: %s", e.Code, e.Msg)
}

func connErrf(code ghqwire.ErrorCode, format string, args ...any) *ConnectionError {
	return &ConnectionError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// TimeoutError reports an expired transaction or session timer.
type TimeoutError struct {
	Msg string
}

func (e *TimeoutError) Error() string {
	return "timeout: " + e.Msg
}
