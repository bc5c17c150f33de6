package ghqs

import (
	"strings"

	"github.com/gordian-engine/ghq/ghqwire"
)

// Dialect is the negotiated wire profile for one session,
// fixed after ALPN and never changed.
type Dialect int

const (
	// DialectH1Qv1: HTTP/1.1 framing on request streams,
	// no control streams, drain via Connection: close.
	DialectH1Qv1 Dialect = iota

	// DialectH1Qv2: HTTP/1.1 framing plus one control stream
	// carrying GOAWAY.
	DialectH1Qv2

	// DialectH3: HTTP/3 framing with QPACK, typed control streams,
	// server push, and optional partial reliability.
	DialectH3
)

// String implements [fmt.Stringer].
func (d Dialect) String() string {
	switch d {
	case DialectH1Qv1:
		return "h1q-v1"
	case DialectH1Qv2:
		return "h1q-v2"
	case DialectH3:
		return "h3"
	default:
		return "unknown"
	}
}

// DialectFromALPN maps a negotiated ALPN token to its dialect.
func DialectFromALPN(alpn string) (Dialect, bool) {
	switch {
	case alpn == "h1q-fb-v2":
		return DialectH1Qv2, true
	case alpn == "h1q-fb" || alpn == "h1q" || strings.HasPrefix(alpn, "hq-"):
		return DialectH1Qv1, true
	case alpn == "h3" ||
		strings.HasPrefix(alpn, "h3-fb-") ||
		strings.HasPrefix(alpn, "h3-"):
		return DialectH3, true
	default:
		return 0, false
	}
}

// SupportsPush reports whether the dialect carries server push.
func (d Dialect) SupportsPush() bool {
	return d == DialectH3
}

// UsesQPACK reports whether header sections are QPACK-compressed.
func (d Dialect) UsesQPACK() bool {
	return d == DialectH3
}

// AcceptsUniStreams reports whether peer unidirectional streams
// are ever legal.
func (d Dialect) AcceptsUniStreams() bool {
	return d != DialectH1Qv1
}

// PartialReliabilityCapable reports whether the dialect may negotiate
// the partial reliability extension.
func (d Dialect) PartialReliabilityCapable() bool {
	return d == DialectH3
}

// EgressUniStreamTypes lists the unidirectional streams the session
// must open at transport-ready, in creation order.
func (d Dialect) EgressUniStreamTypes() []ghqwire.StreamType {
	switch d {
	case DialectH1Qv1:
		return nil
	case DialectH1Qv2:
		return []ghqwire.StreamType{ghqwire.StreamTypeH1QControl}
	case DialectH3:
		return []ghqwire.StreamType{
			ghqwire.StreamTypeControl,
			ghqwire.StreamTypeQPACKEncoder,
			ghqwire.StreamTypeQPACKDecoder,
		}
	default:
		return nil
	}
}

// KnownIngressStreamType reports whether the preface t names a
// unidirectional stream role this dialect accepts, and whether that
// role is control-like (as opposed to push).
func (d Dialect) KnownIngressStreamType(t ghqwire.StreamType) (known, controlLike bool) {
	switch d {
	case DialectH1Qv2:
		if t == ghqwire.StreamTypeH1QControl {
			return true, true
		}
	case DialectH3:
		switch t {
		case ghqwire.StreamTypeControl,
			ghqwire.StreamTypeQPACKEncoder,
			ghqwire.StreamTypeQPACKDecoder:
			return true, true
		case ghqwire.StreamTypePush:
			return true, false
		}
	}
	return false, false
}
