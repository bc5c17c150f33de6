package ghqwire

import (
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// FrameType identifies a frame on a request or control stream.
type FrameType uint64

const (
	FrameTypeData        FrameType = 0x00
	FrameTypeHeaders     FrameType = 0x01
	FrameTypeCancelPush  FrameType = 0x03
	FrameTypeSettings    FrameType = 0x04
	FrameTypePushPromise FrameType = 0x05
	FrameTypeGoAway      FrameType = 0x07
	FrameTypeMaxPushID   FrameType = 0x0D
)

// String implements [fmt.Stringer].
func (t FrameType) String() string {
	switch t {
	case FrameTypeData:
		return "DATA"
	case FrameTypeHeaders:
		return "HEADERS"
	case FrameTypeCancelPush:
		return "CANCEL_PUSH"
	case FrameTypeSettings:
		return "SETTINGS"
	case FrameTypePushPromise:
		return "PUSH_PROMISE"
	case FrameTypeGoAway:
		return "GOAWAY"
	case FrameTypeMaxPushID:
		return "MAX_PUSH_ID"
	default:
		return fmt.Sprintf("0x%x", uint64(t))
	}
}

// FrameHeader is the parsed type and length prefix of one frame.
type FrameHeader struct {
	Type   FrameType
	Length uint64
}

// ParseFrameHeader reads a frame header from the start of b.
// It returns the header and the number of bytes consumed,
// or zero consumed if b does not yet hold a complete header.
func ParseFrameHeader(b []byte) (FrameHeader, int, error) {
	t, n, err := ParseVarint(b)
	if err != nil || n == 0 {
		return FrameHeader{}, 0, err
	}
	l, m, err := ParseVarint(b[n:])
	if err != nil || m == 0 {
		return FrameHeader{}, 0, err
	}
	return FrameHeader{Type: FrameType(t), Length: l}, n + m, nil
}

// AppendFrameHeader appends the type and length prefix for one frame.
func AppendFrameHeader(b []byte, t FrameType, length uint64) []byte {
	b = quicvarint.Append(b, uint64(t))
	return quicvarint.Append(b, length)
}

// AppendGoAway appends a complete GOAWAY frame carrying the given stream
// (or push) ID bound.
func AppendGoAway(b []byte, lastID uint64) []byte {
	b = AppendFrameHeader(b, FrameTypeGoAway, uint64(quicvarint.Len(lastID)))
	return quicvarint.Append(b, lastID)
}

// ParseGoAway parses the payload of a GOAWAY frame.
func ParseGoAway(payload []byte) (uint64, error) {
	id, n, err := ParseVarint(payload)
	if err != nil {
		return 0, err
	}
	if n == 0 || n != len(payload) {
		return 0, fmt.Errorf("GOAWAY payload length %d does not hold exactly one varint", len(payload))
	}
	return id, nil
}

// MaxStreamID is the sentinel bound (2^62-1) announced in the first
// GOAWAY of an orderly drain, meaning "no further streams".
const MaxStreamID uint64 = quicvarint.Max
