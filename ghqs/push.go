package ghqs

import (
	"bytes"
	"fmt"

	"github.com/gordian-engine/ghq/ghqcodec"
	"github.com/gordian-engine/ghq/ghqwire"
)

// pendingPush is a nascent push stream whose promise has not arrived:
// the stream id, the bytes peeked past the preface, and the FIN latch.
type pendingPush struct {
	id  StreamID
	buf chainBuffer
	fin bool
}

// onPushPromise handles a PUSH_PROMISE parsed off a request stream
// (phase A of ingress push creation).
func (s *Session) onPushPromise(parent *httpStream, pid PushID, msg *ghqcodec.Message) {
	if !s.dialect.SupportsPush() || s.dir != DirectionUpstream {
		s.abortStream(parent, ghqwire.ErrorMalformedFramePushPromise)
		return
	}
	if s.promisedPushIDs.Test(uint(pid)) {
		// A push ID may be promised at most once.
		if parent.txn != nil {
			parent.txn.deliverError(&StreamError{
				Code: ghqwire.ErrorMalformedFramePushPromise,
				Msg:  fmt.Sprintf("push ID %d promised twice", uint64(pid)),
			})
		}
		s.abortStream(parent, ghqwire.ErrorMalformedFramePushPromise)
		return
	}
	s.promisedPushIDs.Set(uint(pid))

	ips := &httpStream{
		sess:      s,
		role:      roleIngressPush,
		pushID:    pid,
		hasPushID: true,
		urgency:   defaultUrgency,
	}
	ips.codec = s.newRequestCodec(ghqcodec.TransmitRequests, ips)
	s.installPartialReliability(ips)
	s.ingressPushByID[pid] = ips

	pushTxn := newTransaction(s, ips)
	s.startTxnTimer(ips)

	if parent.txn != nil && parent.txn.handler != nil {
		parent.txn.handler.OnPushPromise(pushTxn, msg)
	}

	// Phase B may have happened first; bind now if so.
	if pp, ok := s.pendingNascentPush[pid]; ok {
		delete(s.pendingNascentPush, pid)
		s.bindIngressPush(ips, pp.id, pp.buf.Coalesce(), pp.fin)
	}

	s.log.Debug("Created ingress push stream", "push_id", uint64(pid))
}

// bindIngressPush attaches an ingress push stream to the QUIC stream
// carrying it, enabling ingress and resuming reads.
func (s *Session) bindIngressPush(ips *httpStream, id StreamID, buffered []byte, fin bool) {
	ips.id = id
	ips.idValid = true
	ips.ingressEnabled = true
	s.boundIngressPush[id] = ips

	ips.readBuf.Append(buffered)
	if fin {
		ips.finSeen = true
	}

	_ = s.tr.ResumeRead(id)
	s.addPendingRead(ips)
	s.scheduleLoop()

	s.log.Debug("Bound ingress push stream",
		"push_id", uint64(ips.pushID), "stream_id", uint64(id))
}

// newPushPromise creates the egress side of a server push:
// the promise on the parent request stream, and the unidirectional
// stream that will carry the pushed response.
func (s *Session) newPushPromise(parent *Transaction, msg *ghqcodec.Message) (*Transaction, error) {
	if s.dir != DirectionDownstream {
		return nil, fmt.Errorf("only downstream sessions originate pushes")
	}
	if !s.dialect.SupportsPush() {
		return nil, fmt.Errorf("%s does not support push", s.dialect)
	}
	if s.drainState > DrainPending {
		return nil, ErrDraining
	}
	if parent.st.role != roleRequest {
		return nil, fmt.Errorf("push promises may only ride request streams")
	}

	// Claim the stream before emitting the promise, so a refused
	// stream leaves no promise on the wire.
	id, err := s.tr.CreateUniStream()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnhealthy, err)
	}

	pid := s.nextPushID
	s.nextPushID++

	var promise bytes.Buffer
	if err := parent.st.codec.GeneratePushPromise(&promise, uint64(pid), msg); err != nil {
		return nil, fmt.Errorf("failed to generate push promise: %w", err)
	}
	s.queueEgressBytes(parent.st, promise.Bytes())

	eps := &httpStream{
		sess:      s,
		id:        id,
		idValid:   true,
		role:      roleEgressPush,
		pushID:    pid,
		hasPushID: true,
		urgency:   defaultUrgency,
	}
	eps.codec = s.newRequestCodec(ghqcodec.TransmitResponses, eps)
	s.installPartialReliability(eps)
	s.egressPush[id] = eps

	s.queueEgressBytes(eps, ghqwire.AppendPushStreamPreface(nil, uint64(pid)))

	txn := newTransaction(s, eps)
	s.startTxnTimer(eps)

	s.log.Debug("Created egress push stream",
		"push_id", uint64(pid), "stream_id", uint64(id))
	return txn, nil
}

// cleanupPendingPush releases both halves of any unbound push at
// session teardown: held nascent streams get a stop-sending, and
// promise-only transactions get errored out.
func (s *Session) cleanupPendingPush() {
	for pid, pp := range s.pendingNascentPush {
		_ = s.tr.StopSending(pp.id, ghqwire.ErrorRequestCancelled)
		delete(s.pendingNascentPush, pid)
	}
	for pid, ips := range s.ingressPushByID {
		if ips.idValid {
			continue
		}
		ips.stopTimer()
		if ips.txn != nil {
			ips.txn.deliverError(&StreamError{
				Code: ghqwire.ErrorRequestCancelled,
				Msg:  "session closed before the pushed stream arrived",
			})
			if !ips.detached {
				ips.detached = true
				ips.txn.deliverDetach()
			}
		}
		delete(s.ingressPushByID, pid)
	}
}
