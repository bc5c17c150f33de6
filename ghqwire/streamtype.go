package ghqwire

import (
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// StreamType is the varint preface identifying a unidirectional stream's role.
type StreamType uint64

const (
	StreamTypeControl      StreamType = 0x00
	StreamTypePush         StreamType = 0x01
	StreamTypeQPACKEncoder StreamType = 0x02
	StreamTypeQPACKDecoder StreamType = 0x03

	// Control stream preface for the h1q-fb-v2 profile.
	StreamTypeH1QControl StreamType = 0xF1
)

// String implements [fmt.Stringer].
func (t StreamType) String() string {
	switch t {
	case StreamTypeControl:
		return "control"
	case StreamTypePush:
		return "push"
	case StreamTypeQPACKEncoder:
		return "qpack_encoder"
	case StreamTypeQPACKDecoder:
		return "qpack_decoder"
	case StreamTypeH1QControl:
		return "h1q_control"
	default:
		return fmt.Sprintf("0x%x", uint64(t))
	}
}

// IsGrease reports whether t is a reserved stream type of the form
// 0x1f * N + 0x21, which peers may send and which must be refused
// with a stop-sending carrying [ErrorUnknownStreamType].
func (t StreamType) IsGrease() bool {
	return t >= 0x21 && (uint64(t)-0x21)%0x1f == 0
}

// AppendStreamPreface appends the varint preface for t to b.
func AppendStreamPreface(b []byte, t StreamType) []byte {
	return quicvarint.Append(b, uint64(t))
}

// AppendPushStreamPreface appends the push stream preface:
// the push stream type followed by the push ID.
func AppendPushStreamPreface(b []byte, pushID uint64) []byte {
	b = quicvarint.Append(b, uint64(StreamTypePush))
	return quicvarint.Append(b, pushID)
}

// ParseVarint reads one QUIC varint from the start of b.
// It returns the value and the number of bytes consumed.
// A zero consumed count means b does not yet hold a complete varint;
// the caller should wait for more bytes.
func ParseVarint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, nil
	}
	need := 1 << (b[0] >> 6)
	if len(b) < need {
		return 0, 0, nil
	}
	v, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse varint: %w", err)
	}
	return v, n, nil
}
