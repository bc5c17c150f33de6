package ghqcodec

import (
	"fmt"

	"github.com/gordian-engine/ghq/ghqwire"
)

// Error is a codec-level protocol violation carrying the application
// error code to put on the wire.
type Error struct {
	Code ghqwire.ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// ErrorCode returns the application error code to put on the wire.
func (e *Error) ErrorCode() ghqwire.ErrorCode {
	return e.Code
}

func codecErrf(code ghqwire.ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}
