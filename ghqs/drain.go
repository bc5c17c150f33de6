package ghqs

import (
	"fmt"

	"github.com/gordian-engine/ghq/ghqwire"
)

// setDrainState advances the drain machine.
// The state only walks forward; regression is a bug.
func (s *Session) setDrainState(next DrainState) {
	if next < s.drainState {
		panic(fmt.Errorf(
			"BUG: drain state regression %d -> %d", s.drainState, next,
		))
	}
	if next == s.drainState {
		return
	}
	s.log.Debug("Drain state advanced",
		"from", int(s.drainState), "to", int(next))
	s.drainState = next
}

// controlRole names the control stream carrying GOAWAY for this
// dialect.
func (s *Session) controlRole() ghqwire.StreamType {
	if s.dialect == DialectH1Qv2 {
		return ghqwire.StreamTypeH1QControl
	}
	return ghqwire.StreamTypeControl
}

// drainOnLoop starts orderly shutdown on the loop goroutine.
func (s *Session) drainOnLoop() {
	if s.drainState != DrainNone || s.destroyed || s.dropping {
		return
	}

	switch s.dialect {
	case DialectH1Qv1:
		// Per-message Connection: close; the latch is applied to the
		// next egress message in prepareEgressMessage.
		s.setDrainState(DrainPending)

	case DialectH1Qv2, DialectH3:
		s.setDrainState(DrainPending)
		if s.dir == DirectionDownstream {
			s.sendFirstGoaway()
		}
		// Upstream peers originate no GOAWAYs; checkForShutdown
		// treats their pending state as done.

	default:
		panic(fmt.Errorf("BUG: drain on unknown dialect %d", s.dialect))
	}
}

// sendFirstGoaway announces the sentinel bound ("no more new
// streams"), and arms the delivery callback that triggers the second,
// definitive GOAWAY.
func (s *Session) sendFirstGoaway() {
	cs, ok := s.controls[s.controlRole()]
	if !ok || !cs.egressValid {
		// Without a control stream there is nothing to announce;
		// fall straight through to done.
		s.setDrainState(DrainDone)
		return
	}

	// The bound new peer streams are checked against is fixed now.
	s.localGoawayBound = uint64(s.maxSeenPeerBidi)
	s.haveLocalGoawayBound = true

	s.queueControlBytes(cs, ghqwire.AppendGoAway(nil, ghqwire.MaxStreamID))
	cs.awaitingGoawayAck = true
	cs.goawayAckOffset = cs.egressQueued
	_ = s.tr.RegisterDeliveryCallback(cs.egressID, cs.goawayAckOffset)

	s.setDrainState(DrainFirstGoaway)
	s.log.Info("Sent first GOAWAY", "bound", s.localGoawayBound)
}

// onGoawayAcked runs when a GOAWAY's delivery callback fires:
// after the first, send the definitive bound; after the second,
// draining is complete.
func (s *Session) onGoawayAcked() {
	switch s.drainState {
	case DrainFirstGoaway:
		cs, ok := s.controls[s.controlRole()]
		if !ok || !cs.egressValid {
			s.setDrainState(DrainDone)
			s.checkForShutdown()
			return
		}

		var secondBound uint64
		if s.seenPeerBidi {
			secondBound = uint64(s.maxSeenPeerBidi)
		}
		s.queueControlBytes(cs, ghqwire.AppendGoAway(nil, secondBound))
		cs.awaitingGoawayAck = true
		cs.goawayAckOffset = cs.egressQueued
		_ = s.tr.RegisterDeliveryCallback(cs.egressID, cs.goawayAckOffset)

		s.setDrainState(DrainSecondGoaway)
		s.log.Info("Sent second GOAWAY", "bound", secondBound)

	case DrainSecondGoaway:
		s.setDrainState(DrainDone)
		s.checkForShutdown()

	default:
		// A stale ack after a forced drop; nothing to advance.
	}
}

// onIngressGoaway handles a GOAWAY frame from the peer.
// Only servers send GOAWAY, so only upstream sessions accept one.
func (s *Session) onIngressGoaway(bound uint64) error {
	if s.dir != DirectionUpstream {
		return connErrf(ghqwire.ErrorUnexpectedFrame,
			"GOAWAY from the client side")
	}
	if s.havePeerGoawayBound && bound > s.peerGoawayBound {
		return connErrf(ghqwire.ErrorGeneralProtocolError,
			"GOAWAY bound raised from %d to %d", s.peerGoawayBound, bound)
	}

	first := !s.havePeerGoawayBound
	s.peerGoawayBound = bound
	s.havePeerGoawayBound = true

	if first {
		switch s.drainState {
		case DrainNone, DrainPending:
			s.setDrainState(DrainFirstGoaway)
		}
	} else if s.drainState < DrainDone {
		s.setDrainState(DrainDone)
	}

	// Abort self-initiated streams the peer will not process:
	// strictly greater than the advertised bound.
	// (The downstream side bounds acceptance by its own
	// largest-seen peer id instead; the asymmetry is deliberate.)
	for id, st := range s.requestStreams {
		if !id.InitiatedByClient() || uint64(id) <= bound {
			continue
		}
		if st.txn != nil {
			st.txn.deliverError(&StreamError{
				Code:      ghqwire.ErrorRequestRejected,
				Msg:       "stream unacknowledged by peer GOAWAY",
				Retryable: true,
			})
		}
		s.abortStream(st, ghqwire.ErrorRequestCancelled)
	}

	s.log.Info("Received GOAWAY", "bound", bound, "first", first)
	s.checkForShutdown()
	return nil
}

// onEgressFinSent advances the h1q-v1 drain latch once a message
// carrying Connection: close finishes.
func (s *Session) onEgressFinSent(st *httpStream) {
	if s.dialect != DialectH1Qv1 || !st.connCloseLatched {
		return
	}
	switch s.drainState {
	case DrainPending:
		s.setDrainState(DrainCloseSent)
	case DrainCloseReceived:
		s.setDrainState(DrainDone)
	}
}
