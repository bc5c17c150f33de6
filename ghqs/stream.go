package ghqs

import (
	"time"

	"github.com/gordian-engine/ghq/ghqcodec"
	"github.com/gordian-engine/ghq/ghqwire"
)

// streamRole distinguishes the kinds of HTTP-bearing streams.
// Control streams are a separate type.
type streamRole int

const (
	roleRequest streamRole = iota
	roleEgressPush
	roleIngressPush
)

// httpStream is one HTTP-bearing QUIC stream: a bidirectional request
// stream, an egress push stream, or an ingress push stream.
// The session owns every httpStream by stream ID (or push ID while an
// ingress push awaits its stream); streams hold only a back-pointer.
type httpStream struct {
	sess *Session

	id      StreamID
	idValid bool // False while an ingress push awaits its nascent stream.

	role      streamRole
	pushID    PushID
	hasPushID bool

	// Ingress half.
	readBuf        chainBuffer
	readOffset     uint64 // Bytes consumed by the codec.
	finSeen        bool   // Transport FIN observed.
	codecEOFSent   bool   // OnIngressEOF delivered to the codec.
	readErr        error
	codecEOM       bool // Codec reached message-complete.
	eomFired       bool
	inPendingReads bool
	ingressPaused  bool
	ingressEnabled bool

	// Egress half.
	writeBuf        chainBuffer
	egressQueued    uint64 // Cumulative bytes ever queued for egress.
	bytesWritten    uint64 // Wire-committed.
	bytesSkipped    uint64 // Skipped via partial reliability.
	pendingEOM      bool
	finSent         bool
	egressErr       error
	deliveryCount   int
	fcBlocked       bool // Enqueue deferred on a zero send window.
	egressPausedTxn bool

	// Scheduler handle. queued is the scheduler's own bit;
	// the transaction-level "logically enqueued" bit is
	// pendingEOM || !writeBuf.Empty().
	queued   bool
	urgency  uint8
	prioNext *httpStream
	prioPrev *httpStream

	// Egress byte events.
	headerEndOffset     uint64
	headersGenerated    bool
	firstHeaderByteSent bool
	bodyStartOffset     uint64
	haveBodyStart       bool
	firstBodyByteSent   bool

	codec ghqcodec.RequestCodec
	txn   *Transaction

	// Partial reliability offset translation.
	egressTracker  *egressOffsetTracker
	ingressTracker *ingressOffsetTracker

	detached bool
	aborted  bool

	// h1q-v1: this message carries the Connection: close latch.
	connCloseLatched bool

	txnTimer *time.Timer
}

// hasPendingEgress reports whether the stream logically wants to write.
func (st *httpStream) hasPendingEgress() bool {
	return !st.writeBuf.Empty() || (st.pendingEOM && !st.finSent)
}

// The codec callback half: httpStream implements
// [ghqcodec.RequestCallbacks], forwarding parsed events to the
// transaction and feeding the EOM gate.

func (st *httpStream) OnHeadersComplete(msg *ghqcodec.Message) {
	if msg.ConnectionClose {
		st.sess.onIngressConnectionClose()
	}
	if st.txn != nil {
		st.txn.deliverHeaders(msg)
	}
}

func (st *httpStream) OnBody(b []byte) {
	if st.ingressTracker != nil {
		st.ingressTracker.recordBody(uint64(len(b)))
	}
	if st.txn != nil {
		st.txn.deliverBody(b)
	}
}

func (st *httpStream) OnTrailers(trailers []ghqcodec.HeaderField) {
	if st.txn != nil {
		st.txn.deliverTrailers(trailers)
	}
}

func (st *httpStream) OnMessageComplete() {
	st.codecEOM = true
	st.maybeFireIngressEOM()
}

func (st *httpStream) OnPushPromise(pushID uint64, msg *ghqcodec.Message) {
	st.sess.onPushPromise(st, PushID(pushID), msg)
}

// maybeFireIngressEOM fires the transaction-level ingress EOM exactly
// once, when the codec has seen message-complete AND the transport has
// delivered EOF with all buffered bytes drained.
func (st *httpStream) maybeFireIngressEOM() {
	if st.eomFired || !st.codecEOM {
		return
	}
	if !st.finSeen || !st.readBuf.Empty() {
		return
	}
	st.eomFired = true
	if st.txn != nil {
		st.txn.deliverEOM()
	}
	st.sess.checkStreamReap(st)
}

// canReap reports whether a detached stream has no remaining work:
// empty buffers, no pending EOM, no scheduler handle,
// and no outstanding delivery callbacks.
func (st *httpStream) canReap() bool {
	if !st.detached {
		return false
	}
	if st.aborted {
		return st.deliveryCount == 0
	}
	return st.writeBuf.Empty() &&
		(!st.pendingEOM || st.finSent) &&
		!st.queued &&
		st.deliveryCount == 0
}

// stopTimer halts the transaction timer, if any.
func (st *httpStream) stopTimer() {
	if st.txnTimer != nil {
		st.txnTimer.Stop()
		st.txnTimer = nil
	}
}

// replyResetCode selects the code for the reset we send back after a
// peer reset, by direction and ingress progress.
func (st *httpStream) replyResetCode() ghqwire.ErrorCode {
	if st.sess.dir == DirectionUpstream {
		return ghqwire.ErrorRequestCancelled
	}
	if st.readOffset == 0 {
		// No ingress was processed; the peer may safely retry.
		return ghqwire.ErrorRequestRejected
	}
	return ghqwire.ErrorNoError
}
