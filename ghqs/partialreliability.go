package ghqs

import (
	"fmt"

	"github.com/gordian-engine/ghq/ghqwire"
)

// prSegment maps one run of egress body bytes to its stream offsets.
type prSegment struct {
	stream uint64
	body   uint64
	n      uint64
}

// egressOffsetTracker maintains the body-to-stream offset mapping for
// the sender side of partial reliability. Body runs are recorded as
// they are framed, so the translation accounts for codec overhead.
type egressOffsetTracker struct {
	segs       []prSegment
	bodyCursor uint64 // Total body bytes framed so far.
	skipCursor uint64 // Highest skip target accepted.
}

func (t *egressOffsetTracker) recordBody(streamOff, n uint64) {
	if n == 0 {
		return
	}
	t.segs = append(t.segs, prSegment{stream: streamOff, body: t.bodyCursor, n: n})
	t.bodyCursor += n
}

// streamForBody translates a body offset to its stream offset.
// Only offsets within already-framed body runs (or exactly at the
// framing cursor) translate.
func (t *egressOffsetTracker) streamForBody(bodyOff uint64) (uint64, bool) {
	for _, seg := range t.segs {
		if bodyOff < seg.body {
			// Fell into framing overhead between runs.
			return seg.stream, true
		}
		if bodyOff < seg.body+seg.n {
			return seg.stream + (bodyOff - seg.body), true
		}
	}
	if bodyOff == t.bodyCursor && len(t.segs) > 0 {
		last := t.segs[len(t.segs)-1]
		return last.stream + last.n, true
	}
	return 0, false
}

// bodyForStream is the inverse translation, for peer reject events.
func (t *egressOffsetTracker) bodyForStream(streamOff uint64) uint64 {
	var body uint64
	for _, seg := range t.segs {
		if streamOff <= seg.stream {
			return seg.body
		}
		if streamOff < seg.stream+seg.n {
			return seg.body + (streamOff - seg.stream)
		}
		body = seg.body + seg.n
	}
	return body
}

// ingressOffsetTracker maintains the receive-side body cursor for
// translating between stream and body coordinates.
type ingressOffsetTracker struct {
	bodyCursor   uint64 // Body bytes delivered to the transaction.
	rejectCursor uint64 // Highest reject target issued.
}

func (t *ingressOffsetTracker) recordBody(n uint64) {
	t.bodyCursor += n
}

// ingressSkipper is implemented by codecs that can realign after the
// transport skips bytes inside the current body run.
type ingressSkipper interface {
	OnIngressSkip(n uint64) error
}

func (s *Session) skipBodyTo(st *httpStream, bodyOffset uint64) error {
	if st.egressTracker == nil {
		return fmt.Errorf("partial reliability is not enabled on this session")
	}
	tr := st.egressTracker

	if bodyOffset <= tr.skipCursor {
		s.abortStream(st, ghqwire.ErrorGeneralProtocolError)
		return fmt.Errorf("skip offset %d is not past the previous skip %d",
			bodyOffset, tr.skipCursor)
	}
	streamOff, ok := tr.streamForBody(bodyOffset)
	if !ok {
		s.abortStream(st, ghqwire.ErrorGeneralProtocolError)
		return fmt.Errorf("skip offset %d is beyond the framed body (%d)",
			bodyOffset, tr.bodyCursor)
	}

	// Trim queued bytes below the new commit point.
	// Bytes already on the wire stay sent.
	committed := st.bytesWritten + st.bytesSkipped
	if streamOff > committed {
		trim := streamOff - committed
		if trim > uint64(st.writeBuf.Len()) {
			panic(fmt.Errorf(
				"BUG: skip trim %d exceeds %d queued bytes", trim, st.writeBuf.Len(),
			))
		}
		st.writeBuf.TrimStart(int(trim))
		st.bytesSkipped += trim
	}

	tr.skipCursor = bodyOffset
	if err := s.tr.SendDataExpired(st.id, streamOff); err != nil {
		return fmt.Errorf("failed to send data expired: %w", err)
	}
	s.updateEgressEnqueue(st)
	return nil
}

func (s *Session) rejectBodyTo(st *httpStream, bodyOffset uint64) error {
	if st.ingressTracker == nil {
		return fmt.Errorf("partial reliability is not enabled on this session")
	}
	tr := st.ingressTracker

	if bodyOffset <= tr.rejectCursor || bodyOffset < tr.bodyCursor {
		s.abortStream(st, ghqwire.ErrorGeneralProtocolError)
		return fmt.Errorf("reject offset %d is not ahead of cursor %d",
			bodyOffset, max(tr.rejectCursor, tr.bodyCursor))
	}

	// Future bytes carry no framing we can see yet,
	// so the translation is the current stream cursor plus the gap.
	streamOff := st.readOffset + uint64(st.readBuf.Len()) + (bodyOffset - tr.bodyCursor)
	tr.rejectCursor = bodyOffset

	if err := s.tr.SendDataRejected(st.id, streamOff); err != nil {
		return fmt.Errorf("failed to send data rejected: %w", err)
	}
	return nil
}

// handleDataExpired processes a peer skip on our ingress:
// bytes below offset will never arrive.
func (s *Session) handleDataExpired(st *httpStream, offset uint64) {
	have := st.readOffset + uint64(st.readBuf.Len())
	if offset <= have {
		// Nothing to do; the skip is behind what we already hold.
		return
	}
	gap := offset - have

	if sk, ok := st.codec.(ingressSkipper); ok {
		if err := sk.OnIngressSkip(gap); err != nil {
			s.abortStream(st, ghqwire.ErrorGeneralProtocolError)
			if st.txn != nil {
				st.txn.deliverError(err)
			}
			return
		}
	}
	st.readOffset += gap

	var newBody uint64
	if st.ingressTracker != nil {
		st.ingressTracker.bodyCursor += gap
		newBody = st.ingressTracker.bodyCursor
	}
	if st.txn != nil && st.txn.handler != nil {
		if obs, ok := st.txn.handler.(BodyEventObserver); ok {
			obs.OnBodySkipped(newBody)
		}
	}
}

// handleDataRejected processes a peer reject on our egress:
// the receiver refuses bytes below offset.
func (s *Session) handleDataRejected(st *httpStream, offset uint64) {
	committed := st.bytesWritten + st.bytesSkipped
	if offset > committed {
		trim := offset - committed
		if trim > uint64(st.writeBuf.Len()) {
			trim = uint64(st.writeBuf.Len())
		}
		st.writeBuf.TrimStart(int(trim))
		st.bytesSkipped += trim
		s.updateEgressEnqueue(st)
	}

	var body uint64
	if st.egressTracker != nil {
		body = st.egressTracker.bodyForStream(offset)
	}
	if st.txn != nil && st.txn.handler != nil {
		if obs, ok := st.txn.handler.(BodyEventObserver); ok {
			obs.OnBodyRejected(body)
		}
	}
}
