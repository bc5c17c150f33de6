package ghqs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/ghq/ghqwire"
)

// scheduleLoop requests another loop pass without blocking.
func (s *Session) scheduleLoop() {
	select {
	case s.loopWake <- struct{}{}:
	default:
	}
}

func (s *Session) mainLoop(ctx context.Context) {
	defer close(s.done)

	if err := s.onTransportReady(); err != nil {
		s.log.Warn("Session setup failed", "err", err)
		_ = s.tr.Close(ghqwire.ErrorNoError, "connect failed")
		s.dropping = true
		s.destroyed = true
		if s.cfg.OnConnectError != nil {
			s.cfg.OnConnectError(err)
		}
		return
	}
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect()
	}
	s.armIdleTimer()

	var idleC <-chan struct{}
	for {
		idleC = nil
		if s.idleFired != nil {
			idleC = s.idleFired
		}

		select {
		case <-ctx.Done():
			s.performDrop(&dropRequest{
				code: ghqwire.ErrorNoError,
				msg:  "context canceled",
				err:  context.Cause(ctx),
			})
			return

		case ev := <-s.msgs:
			s.handleEvent(ev)

		case <-s.loopWake:
			// Woke for a scheduled pass.

		case <-idleC:
			s.handleIdleTimeout()
		}

		s.runLoopPass()

		if s.destroyed {
			return
		}
	}
}

// runLoopPass is one iteration of the event-loop work:
// deferred drop, bounded ingress, QPACK ack flush, egress.
func (s *Session) runLoopPass() {
	// A drop queued during the previous pass runs before anything
	// else touches stream state.
	if s.deferredDrop != nil {
		s.performDrop(s.deferredDrop)
		return
	}
	if s.destroyed {
		return
	}

	// Buffered ingress, at most readsPerLoop streams per pass.
	reads := 0
	for len(s.pendingReads) > 0 && reads < readsPerLoop {
		st := s.pendingReads[0]
		s.pendingReads = s.pendingReads[1:]
		st.inPendingReads = false
		if st.aborted || st.detached || st.ingressPaused {
			continue
		}
		reads++
		s.processStreamIngress(st)
		if s.deferredDrop != nil {
			s.performDrop(s.deferredDrop)
			return
		}
	}
	if len(s.pendingReads) > 0 {
		// Excess reads are deferred to the next pass.
		s.scheduleLoop()
	}

	// Flush QPACK insert-count increments onto the decoder stream.
	if s.qpack != nil {
		if ici := s.qpack.TakeInsertCountIncrement(); len(ici) > 0 {
			if cs, ok := s.controls[ghqwire.StreamTypeQPACKDecoder]; ok && cs.egressValid {
				s.queueControlBytes(cs, ici)
			}
		}
	}

	if s.writeBudget > 0 {
		s.flushEgress()
	}

	if s.anyPendingEgress() && s.writeBudget == 0 && !s.writeNotifyRequested {
		s.writeNotifyRequested = true
		s.tr.NotifyPendingWrite()
	}

	if s.streamCount() > 0 {
		s.armIdleTimer()
	}

	s.checkForShutdown()
}

func (s *Session) anyPendingEgress() bool {
	if !s.queue.Empty() {
		return true
	}
	for _, cs := range s.controlOrder {
		if cs.hasPendingEgress() {
			return true
		}
	}
	return false
}

func (s *Session) handleEvent(ev Event) {
	switch ev := ev.(type) {
	case eventCall:
		ev.fn()

	case EventNewBidiStream:
		s.acceptPeerBidiStream(ev.ID)

	case EventNewUniStream:
		s.acceptPeerUniStream(ev.ID)

	case EventStreamData:
		s.handleStreamData(ev)

	case EventReadError:
		s.handleReadError(ev)

	case EventStopSending:
		s.handleStopSending(ev)

	case EventFlowControlUpdate:
		s.handleFlowControlUpdate(ev.ID)

	case EventWriteReady:
		s.writeNotifyRequested = false
		s.writeBudget = ev.MaxBytes

	case EventWriteError:
		s.onTransportWriteError(ev.Err)

	case EventConnectionEnd:
		s.onConnectionEnd()

	case EventConnectionError:
		s.onTransportConnectionError(ev.Err)

	case EventReplaySafe:
		s.replaySafe = true

	case EventDelivery:
		s.handleDelivery(ev)

	case EventDataExpired:
		if st, ok := s.lookupHTTPStream(ev.ID); ok {
			s.handleDataExpired(st, ev.Offset)
		}

	case EventDataRejected:
		if st, ok := s.lookupHTTPStream(ev.ID); ok {
			s.handleDataRejected(st, ev.Offset)
		}

	case eventTxnTimeout:
		s.handleTxnTimeout(ev.st)

	case eventIdleTimeout:
		s.handleIdleTimeout()

	default:
		panic(fmt.Errorf("BUG: unhandled session event %T", ev))
	}
}

// handleStreamData routes received bytes to whichever entity owns the
// stream: a control half, a nascent stream, or an HTTP stream.
func (s *Session) handleStreamData(ev EventStreamData) {
	if s.destroyed || s.dropping {
		return
	}

	if cs, ok := s.controlByIngressID[ev.ID]; ok {
		if ev.FIN {
			// Control streams must outlive the connection.
			s.onControlStreamImpaired(cs)
			return
		}
		cs.readBuf.Append(ev.Data)
		if err := s.processControlIngress(cs); err != nil {
			s.onConnectionError(err)
		}
		return
	}

	if ns, ok := s.nascent[ev.ID]; ok {
		s.dispatchNascentData(ns, ev.Data, ev.FIN)
		return
	}

	if _, ok := s.rejectedUni[ev.ID]; ok {
		// Refused stream type; discard anything that trickles in.
		return
	}

	if pid, ok := s.streamToPushID[ev.ID]; ok {
		if pp, ok := s.pendingNascentPush[pid]; ok {
			// Held until the promise arrives.
			pp.buf.Append(ev.Data)
			if ev.FIN {
				pp.fin = true
			}
			return
		}
	}

	st, ok := s.lookupHTTPStream(ev.ID)
	if !ok {
		s.log.Debug("Data for unknown stream", "stream_id", uint64(ev.ID))
		return
	}

	if st.eomFired && len(ev.Data) > 0 {
		// Bytes after the end of message are a protocol error.
		s.abortStream(st, ghqwire.ErrorGeneralProtocolError)
		if st.txn != nil {
			st.txn.deliverError(&StreamError{
				Code: ghqwire.ErrorGeneralProtocolError,
				Msg:  "bytes received after end of message",
			})
		}
		return
	}

	st.readBuf.Append(ev.Data)
	if ev.FIN {
		st.finSeen = true
	}
	s.addPendingRead(st)
}

// processStreamIngress feeds buffered ingress to the stream's codec,
// one contiguous chunk at a time, stopping when the codec cannot make
// progress.
func (s *Session) processStreamIngress(st *httpStream) {
	for !st.readBuf.Empty() {
		chunk := st.readBuf.Coalesce()
		n, err := st.codec.OnIngress(chunk)
		if err != nil {
			s.handleIngressCodecError(st, err)
			return
		}
		if n == 0 {
			// Blocked (incomplete unit, or QPACK waiting on the
			// encoder stream). Retry on the next unblock signal.
			return
		}
		st.readBuf.TrimStart(n)
		st.readOffset += uint64(n)

		if st.aborted || st.detached || st.ingressPaused {
			return
		}
	}

	if st.finSeen && !st.codecEOFSent && st.readBuf.Empty() {
		st.codecEOFSent = true
		if err := st.codec.OnIngressEOF(); err != nil {
			s.handleIngressCodecError(st, err)
			return
		}
		st.maybeFireIngressEOM()
	}
}

// handleIngressCodecError aborts a stream whose codec rejected its
// ingress, with the codec's error code when it carries one.
func (s *Session) handleIngressCodecError(st *httpStream, err error) {
	code := ghqwire.ErrorGeneralProtocolError
	var ce interface{ ErrorCode() ghqwire.ErrorCode }
	if errors.As(err, &ce) {
		code = ce.ErrorCode()
	}

	s.log.Debug("Ingress codec error",
		"stream_id", uint64(st.id), "err", err)

	if st.txn != nil {
		st.txn.deliverError(&StreamError{Code: code, Msg: err.Error()})
	}
	s.abortStream(st, code)
}

func (s *Session) handleReadError(ev EventReadError) {
	if cs, ok := s.controlByIngressID[ev.ID]; ok {
		s.onControlStreamImpaired(cs)
		return
	}
	if _, ok := s.nascent[ev.ID]; ok {
		delete(s.nascent, ev.ID)
		return
	}

	st, ok := s.lookupHTTPStream(ev.ID)
	if !ok {
		return
	}
	if ev.Reset {
		s.handlePeerReset(st, ev.Code)
		return
	}

	st.readErr = ev.Err
	if st.txn != nil {
		st.txn.deliverError(ev.Err)
	}
	s.abortStream(st, ghqwire.ErrorInternalError)
}

func (s *Session) handleStopSending(ev EventStopSending) {
	// A stop-sending against a control stream kills the connection.
	for _, cs := range s.controlOrder {
		if cs.egressValid && cs.egressID == ev.ID {
			s.onControlStreamImpaired(cs)
			return
		}
	}

	st, ok := s.lookupHTTPStream(ev.ID)
	if !ok {
		return
	}
	if st.txn != nil {
		st.txn.deliverError(&StreamError{
			Code: ev.Code,
			Msg:  "peer stopped reading",
		})
	}
	s.abortStream(st, ev.Code)
}

func (s *Session) handleFlowControlUpdate(id StreamID) {
	st, ok := s.lookupHTTPStream(id)
	if !ok {
		return
	}
	if st.fcBlocked {
		s.updateEgressEnqueue(st)
	}
	s.maybeResumeTxnEgress(st)
}

func (s *Session) handleDelivery(ev EventDelivery) {
	for _, cs := range s.controlOrder {
		if cs.egressValid && cs.egressID == ev.ID {
			if cs.awaitingGoawayAck && ev.Offset >= cs.goawayAckOffset {
				cs.awaitingGoawayAck = false
				s.onGoawayAcked()
			}
			return
		}
	}

	st, ok := s.lookupHTTPStream(ev.ID)
	if !ok {
		return
	}
	if st.deliveryCount > 0 {
		st.deliveryCount--
	}
	if st.txn != nil && st.txn.handler != nil {
		if obs, ok := st.txn.handler.(ByteEventObserver); ok {
			obs.OnLastByteAcked()
		}
	}
	s.checkStreamReap(st)
}

// flushEgress spends the connection write budget: control streams
// first in insertion order, then request streams by priority.
func (s *Session) flushEgress() {
	for _, cs := range s.controlOrder {
		if s.writeBudget == 0 {
			return
		}
		if !cs.hasPendingEgress() {
			continue
		}
		want := min(s.writeBudget, uint64(cs.writeBuf.Len()))
		chunk := cs.writeBuf.Pull(int(want))
		accepted, err := s.tr.WriteChain(cs.egressID, chunk, false)
		if err != nil {
			s.onTransportWriteError(err)
			return
		}
		if accepted < len(chunk) {
			cs.writeBuf.InsertHead(chunk[accepted:])
		}
		cs.bytesWritten += uint64(accepted)
		s.writeBudget -= uint64(accepted)
		if accepted == 0 {
			return
		}
	}

	for s.writeBudget > 0 {
		st := s.queue.NextEgress()
		if st == nil {
			return
		}
		if !s.egressWriteStream(st) {
			return
		}
		s.queue.Rotate(st)
	}
}

// egressWriteStream writes one stream's turn of the budget.
// It returns false when the flush loop should stop (no progress).
func (s *Session) egressWriteStream(st *httpStream) bool {
	win, err := s.tr.StreamSendWindow(st.id)
	if err != nil {
		s.queue.Dequeue(st)
		return true
	}

	canSend := min(s.writeBudget, win, uint64(st.writeBuf.Len()))
	fin := st.pendingEOM && canSend == uint64(st.writeBuf.Len())

	if canSend == 0 && !fin {
		// Flow-control blocked (or nothing to write yet).
		st.fcBlocked = win == 0 && !st.writeBuf.Empty()
		s.queue.Dequeue(st)
		s.maybePauseTxnEgress(st)
		return true
	}

	prevCommitted := st.bytesWritten + st.bytesSkipped
	chunk := st.writeBuf.Pull(int(canSend))
	accepted, werr := s.tr.WriteChain(st.id, chunk, fin)
	if werr != nil {
		s.onTransportWriteError(werr)
		return false
	}
	if accepted < len(chunk) {
		// Bytes the transport refused go back to the head.
		st.writeBuf.InsertHead(chunk[accepted:])
		fin = false
	}
	st.bytesWritten += uint64(accepted)
	s.writeBudget -= uint64(accepted)

	s.fireEgressByteEvents(st, prevCommitted)

	if fin {
		st.finSent = true
		st.pendingEOM = false
		st.deliveryCount++
		_ = s.tr.RegisterDeliveryCallback(st.id, st.bytesWritten+st.bytesSkipped)
		s.onEgressFinSent(st)
		s.queue.Dequeue(st)
		s.checkStreamReap(st)
		return true
	}

	if accepted == 0 {
		// Transport satiated; keep queued, stop the flush loop.
		return false
	}

	s.updateEgressEnqueue(st)
	s.maybeResumeTxnEgress(st)
	return true
}

func (s *Session) fireEgressByteEvents(st *httpStream, prevCommitted uint64) {
	now := st.bytesWritten + st.bytesSkipped
	if now == prevCommitted || st.txn == nil || st.txn.handler == nil {
		return
	}
	obs, ok := st.txn.handler.(ByteEventObserver)
	if !ok {
		return
	}
	if !st.firstHeaderByteSent && st.headersGenerated && now > 0 {
		st.firstHeaderByteSent = true
		obs.OnFirstHeaderByte()
	}
	if !st.firstBodyByteSent && st.haveBodyStart && now > st.bodyStartOffset {
		st.firstBodyByteSent = true
		obs.OnFirstBodyByte()
	}
}

func (s *Session) onTransportWriteError(err error) {
	s.onConnectionError(fmt.Errorf("write error: %w", err))
}

func (s *Session) onTransportConnectionError(err error) {
	if !s.replaySafe && errorLooksLikeEarlyDataReject(err) {
		s.onConnectionError(&ConnectionError{
			Code: ghqwire.ErrorGiveUpZeroRTT,
			Msg:  "0-RTT data rejected",
		})
		return
	}
	s.onConnectionError(fmt.Errorf("connection reset: %w", err))
}

func (s *Session) onConnectionEnd() {
	if s.destroyed || s.dropping {
		return
	}
	// An orderly peer close; surface shutdown to open transactions.
	s.performDrop(&dropRequest{
		code: ghqwire.ErrorNoError,
		msg:  "connection ended",
		err:  errors.New("shutdown: connection ended by peer"),
	})
}

// errorLooksLikeEarlyDataReject sniffs transport errors for a 0-RTT
// rejection before the replay-safe signal.
func errorLooksLikeEarlyDataReject(err error) bool {
	var zr interface{ ZeroRTTRejected() bool }
	return errors.As(err, &zr) && zr.ZeroRTTRejected()
}

// armIdleTimer (re)starts the session idle timer.
// Sessions with open streams re-arm each loop iteration,
// so the timer only ever fires truly idle.
func (s *Session) armIdleTimer() {
	if s.cfg.IdleTimeout <= 0 || s.destroyed {
		return
	}
	if s.idleTimer == nil {
		s.idleFired = make(chan struct{}, 1)
		s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() {
			select {
			case s.idleFired <- struct{}{}:
			default:
			}
		})
		return
	}
	s.idleTimer.Reset(s.cfg.IdleTimeout)
}

func (s *Session) handleIdleTimeout() {
	if s.destroyed || s.dropping {
		return
	}
	if s.streamCount() > 0 {
		// Not actually idle; keep going.
		s.armIdleTimer()
		return
	}
	s.log.Debug("Idle timeout; closing session")
	s.cleanupPendingPush()
	_ = s.tr.Close(ghqwire.ErrorNoError, "idle timeout")
	s.destroySession()
}
