package ghqs

import (
	"github.com/gordian-engine/ghq/ghqwire"
)

// controlStream is one typed unidirectional role, bidirectional in
// aggregate: the egress half we opened at transport-ready, plus the
// peer's matching ingress half once its preface arrives.
type controlStream struct {
	role ghqwire.StreamType

	egressID    StreamID
	egressValid bool

	ingressID    StreamID
	ingressValid bool

	readBuf  chainBuffer
	writeBuf chainBuffer

	egressQueued uint64 // Cumulative bytes ever queued.
	bytesWritten uint64 // Wire-committed.

	// Delivery callback sequencing for the GOAWAY protocol.
	awaitingGoawayAck bool
	goawayAckOffset   uint64

	sawSettings bool
}

// hasPendingEgress reports whether the egress half wants to write.
func (cs *controlStream) hasPendingEgress() bool {
	return cs.egressValid && !cs.writeBuf.Empty()
}

// queueControlBytes appends b to the control stream's egress half and
// schedules a flush.
func (s *Session) queueControlBytes(cs *controlStream, b []byte) {
	if len(b) == 0 {
		return
	}
	cs.writeBuf.Append(b)
	cs.egressQueued += uint64(len(b))
	s.signalPendingEgress()
}

// bindIngressControlStream attaches a peer unidirectional stream to
// the control role named by its preface. A second stream claiming an
// occupied role is a connection-fatal wrong stream count.
func (s *Session) bindIngressControlStream(role ghqwire.StreamType, id StreamID) error {
	cs, ok := s.controls[role]
	if !ok {
		// Roles with no egress counterpart still accept the peer half
		// (an upstream session has no egress push role, for example).
		cs = &controlStream{role: role}
		s.controls[role] = cs
		s.controlOrder = append(s.controlOrder, cs)
	}
	if cs.ingressValid {
		return connErrf(ghqwire.ErrorWrongStreamCount,
			"second %s stream (ids %d and %d)", role, cs.ingressID, id)
	}
	cs.ingressValid = true
	cs.ingressID = id
	s.controlByIngressID[id] = cs

	s.log.Debug("Bound ingress control stream", "role", role.String(), "stream_id", uint64(id))
	return nil
}

// processControlIngress drains buffered ingress on one control stream.
// Returned errors are connection-fatal.
func (s *Session) processControlIngress(cs *controlStream) error {
	buf := cs.readBuf.Coalesce()
	if len(buf) == 0 {
		return nil
	}

	switch cs.role {
	case ghqwire.StreamTypeQPACKEncoder:
		n, err := s.qpack.OnEncoderStreamData(buf)
		if err != nil {
			return connErrf(ghqwire.ErrorGeneralProtocolError,
				"bad encoder stream data: %v", err)
		}
		cs.readBuf.TrimStart(n)
		if n > 0 {
			// New inserts may unblock header sections parked on other
			// streams; revisit everything with buffered ingress.
			s.rescheduleBlockedReads()
		}
		return nil

	case ghqwire.StreamTypeQPACKDecoder:
		n, err := s.qpack.OnDecoderStreamData(buf)
		if err != nil {
			return connErrf(ghqwire.ErrorGeneralProtocolError,
				"bad decoder stream data: %v", err)
		}
		cs.readBuf.TrimStart(n)
		return nil

	case ghqwire.StreamTypeControl, ghqwire.StreamTypeH1QControl:
		return s.processControlFrames(cs, buf)

	default:
		panic(connErrf(ghqwire.ErrorInternalError,
			"BUG: control ingress for unexpected role %s", cs.role))
	}
}

func (s *Session) processControlFrames(cs *controlStream, buf []byte) error {
	consumed := 0
	for consumed < len(buf) {
		hdr, n, err := ghqwire.ParseFrameHeader(buf[consumed:])
		if err != nil {
			return connErrf(ghqwire.ErrorGeneralProtocolError,
				"bad control frame header: %v", err)
		}
		if n == 0 {
			break
		}
		if uint64(len(buf)-consumed-n) < hdr.Length {
			break
		}
		payload := buf[consumed+n : consumed+n+int(hdr.Length)]

		if err := s.handleControlFrame(cs, hdr.Type, payload); err != nil {
			return err
		}
		consumed += n + int(hdr.Length)
	}
	cs.readBuf.TrimStart(consumed)
	return nil
}

func (s *Session) handleControlFrame(
	cs *controlStream,
	ft ghqwire.FrameType,
	payload []byte,
) error {
	if s.dialect == DialectH3 && !cs.sawSettings && ft != ghqwire.FrameTypeSettings {
		return connErrf(ghqwire.ErrorMissingSettings,
			"%s frame before SETTINGS on the control stream", ft)
	}

	switch ft {
	case ghqwire.FrameTypeSettings:
		if s.dialect != DialectH3 {
			return connErrf(ghqwire.ErrorUnexpectedFrame,
				"SETTINGS frame on the %s control stream", s.dialect)
		}
		if cs.sawSettings {
			return connErrf(ghqwire.ErrorUnexpectedFrame,
				"second SETTINGS frame")
		}
		cs.sawSettings = true

		settings, err := ghqwire.ParseSettingsPayload(payload)
		if err != nil {
			return connErrf(ghqwire.ErrorMalformedFrameSettings,
				"bad SETTINGS payload: %v", err)
		}
		s.applyPeerSettings(settings)
		return nil

	case ghqwire.FrameTypeGoAway:
		id, err := ghqwire.ParseGoAway(payload)
		if err != nil {
			return connErrf(ghqwire.ErrorMalformedFrameGoAway,
				"bad GOAWAY payload: %v", err)
		}
		return s.onIngressGoaway(id)

	case ghqwire.FrameTypeCancelPush, ghqwire.FrameTypeMaxPushID:
		// Parsed and ignored.
		s.log.Debug("Ignoring control frame", "type", ft.String())
		return nil

	case ghqwire.FrameTypeData, ghqwire.FrameTypeHeaders, ghqwire.FrameTypePushPromise:
		return connErrf(ghqwire.ErrorUnexpectedFrame,
			"%s frame on a control stream", ft)

	default:
		// Unknown frame types are skipped.
		return nil
	}
}

// onControlStreamImpaired handles a control stream that closed,
// errored, or was reset before the connection ended.
func (s *Session) onControlStreamImpaired(cs *controlStream) {
	s.onConnectionError(connErrf(ghqwire.ErrorClosedCriticalStream,
		"%s stream closed mid-session", cs.role))
}
