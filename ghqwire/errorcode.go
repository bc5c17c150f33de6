package ghqwire

import "fmt"

// ErrorCode is an HTTP application error code as carried in QUIC
// RESET_STREAM, STOP_SENDING, and CONNECTION_CLOSE frames.
//
// The values follow the draft table that the legacy h1q profiles
// were deployed against, so they must not be renumbered.
type ErrorCode uint64

const (
	ErrorNoError               ErrorCode = 0x00
	ErrorGeneralProtocolError  ErrorCode = 0x01
	ErrorInternalError         ErrorCode = 0x03
	ErrorRequestCancelled      ErrorCode = 0x05
	ErrorIncompleteRequest     ErrorCode = 0x06
	ErrorConnectError          ErrorCode = 0x07
	ErrorExcessiveLoad         ErrorCode = 0x08
	ErrorVersionFallback       ErrorCode = 0x09
	ErrorWrongStream           ErrorCode = 0x0A
	ErrorLimitExceeded         ErrorCode = 0x0B
	ErrorDuplicatePush         ErrorCode = 0x0C
	ErrorUnknownStreamType     ErrorCode = 0x0D
	ErrorWrongStreamCount      ErrorCode = 0x0E
	ErrorClosedCriticalStream  ErrorCode = 0x0F
	ErrorWrongStreamDirection  ErrorCode = 0x10
	ErrorEarlyResponse         ErrorCode = 0x11
	ErrorMissingSettings       ErrorCode = 0x12
	ErrorUnexpectedFrame       ErrorCode = 0x13
	ErrorRequestRejected       ErrorCode = 0x14

	// Local-only code reporting that 0-RTT data was not accepted
	// by the peer; never useful to retry on the same connection.
	ErrorGiveUpZeroRTT ErrorCode = 0xF2
)

// MalformedFrame returns the error code reporting a malformed frame
// of the given type: a base offset plus the frame type.
func MalformedFrame(ft FrameType) ErrorCode {
	return ErrorCode(0x0100 + uint64(ft))
}

// Malformed-frame codes for the frame types the session inspects.
var (
	ErrorMalformedFramePushPromise = MalformedFrame(FrameTypePushPromise)
	ErrorMalformedFrameSettings    = MalformedFrame(FrameTypeSettings)
	ErrorMalformedFrameGoAway      = MalformedFrame(FrameTypeGoAway)
)

// String implements [fmt.Stringer].
func (c ErrorCode) String() string {
	switch c {
	case ErrorNoError:
		return "HTTP_NO_ERROR"
	case ErrorGeneralProtocolError:
		return "HTTP_GENERAL_PROTOCOL_ERROR"
	case ErrorInternalError:
		return "HTTP_INTERNAL_ERROR"
	case ErrorRequestCancelled:
		return "HTTP_REQUEST_CANCELLED"
	case ErrorWrongStream:
		return "HTTP_WRONG_STREAM"
	case ErrorUnknownStreamType:
		return "HTTP_UNKNOWN_STREAM_TYPE"
	case ErrorWrongStreamCount:
		return "HTTP_WRONG_STREAM_COUNT"
	case ErrorClosedCriticalStream:
		return "HTTP_CLOSED_CRITICAL_STREAM"
	case ErrorMissingSettings:
		return "HTTP_MISSING_SETTINGS"
	case ErrorUnexpectedFrame:
		return "HTTP_UNEXPECTED_FRAME"
	case ErrorRequestRejected:
		return "HTTP_REQUEST_REJECTED"
	case ErrorGiveUpZeroRTT:
		return "GIVEUP_ZERO_RTT"
	case ErrorMalformedFramePushPromise:
		return "HTTP_MALFORMED_FRAME_PUSH_PROMISE"
	default:
		return fmt.Sprintf("0x%x", uint64(c))
	}
}
