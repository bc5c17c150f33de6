package ghqs

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/gordian-engine/ghq/ghqcodec"
	"github.com/gordian-engine/ghq/ghqwire"
)

// Handler receives the ingress side of one HTTP transaction.
//
// All callbacks run on the session's loop goroutine.
// A handler may call its [Transaction] methods synchronously from any
// callback; from other goroutines it must go through
// [Session.RunOnLoop].
type Handler interface {
	// OnTransaction hands the handler its transaction,
	// before any other callback.
	OnTransaction(txn *Transaction)

	OnHeaders(msg *ghqcodec.Message)
	OnBody(b []byte)
	OnTrailers(trailers []ghqcodec.HeaderField)
	OnEOM()

	// OnPushPromise delivers a server push: a synthesized transaction
	// for the pushed response plus the promised request headers.
	// Upstream H3 sessions only.
	OnPushPromise(pushTxn *Transaction, msg *ghqcodec.Message)

	OnError(err error)
	OnEgressPaused()
	OnEgressResumed()

	// OnDetach is the final callback; the transaction must not be
	// used afterward.
	OnDetach()
}

// ByteEventObserver is an optional extension a [Handler] may implement
// to receive egress byte events.
type ByteEventObserver interface {
	OnFirstHeaderByte()
	OnFirstBodyByte()
	OnLastByteAcked()
}

// BodyEventObserver is an optional extension for the partial
// reliability ingress events, with offsets in body coordinates.
type BodyEventObserver interface {
	OnBodySkipped(nextBodyOffset uint64)
	OnBodyRejected(nextBodyOffset uint64)
}

// BaseHandler is a no-op [Handler] for embedding,
// so concrete handlers implement only what they need.
type BaseHandler struct {
	Txn *Transaction
}

func (h *BaseHandler) OnTransaction(txn *Transaction)             { h.Txn = txn }
func (*BaseHandler) OnHeaders(*ghqcodec.Message)                  {}
func (*BaseHandler) OnBody([]byte)                                {}
func (*BaseHandler) OnTrailers([]ghqcodec.HeaderField)            {}
func (*BaseHandler) OnEOM()                                       {}
func (*BaseHandler) OnPushPromise(*Transaction, *ghqcodec.Message) {}
func (*BaseHandler) OnError(error)                                {}
func (*BaseHandler) OnEgressPaused()                              {}
func (*BaseHandler) OnEgressResumed()                             {}
func (*BaseHandler) OnDetach()                                    {}

// Transaction is the application-facing face of one HTTP exchange:
// a request stream, or either half of a server push.
//
// Methods are loop-affine; see [Handler].
type Transaction struct {
	sess *Session
	st   *httpStream

	handler       Handler
	handlerSet    bool
	egressStarted bool
	eomQueued     bool
	errorSeen     bool
}

func newTransaction(s *Session, st *httpStream) *Transaction {
	txn := &Transaction{sess: s, st: st}
	st.txn = txn
	return txn
}

// ID returns the QUIC stream ID, or false for an ingress push whose
// stream has not yet arrived.
func (t *Transaction) ID() (StreamID, bool) {
	return t.st.id, t.st.idValid
}

// PushID returns the push ID for push transactions.
func (t *Transaction) PushID() (PushID, bool) {
	return t.st.pushID, t.st.hasPushID
}

// SetHandler attaches the handler, delivering any events that were
// gated on its absence. A handler may be set exactly once.
func (t *Transaction) SetHandler(h Handler) {
	if t.handlerSet {
		panic(errors.New("BUG: transaction handler set twice"))
	}
	t.handler = h
	t.handlerSet = true
	h.OnTransaction(t)
}

// SendHeaders queues the message header for egress.
func (t *Transaction) SendHeaders(msg *ghqcodec.Message) error {
	st := t.st
	if t.egressStarted {
		return fmt.Errorf("headers already sent on stream")
	}
	if st.egressErr != nil {
		return st.egressErr
	}

	t.sess.prepareEgressMessage(st, msg)

	var buf bytes.Buffer
	if err := st.codec.GenerateHeader(&buf, msg); err != nil {
		return fmt.Errorf("failed to generate header: %w", err)
	}
	t.egressStarted = true
	t.sess.queueEgressBytes(st, buf.Bytes())
	st.headersGenerated = true
	st.headerEndOffset = st.egressQueued
	return nil
}

// SendBody queues body bytes for egress.
func (t *Transaction) SendBody(body []byte) error {
	st := t.st
	if !t.egressStarted {
		return fmt.Errorf("body sent before headers")
	}
	if t.eomQueued {
		return fmt.Errorf("body sent after EOM")
	}
	if st.egressErr != nil {
		return st.egressErr
	}

	var buf bytes.Buffer
	if err := st.codec.GenerateBody(&buf, body); err != nil {
		return fmt.Errorf("failed to generate body: %w", err)
	}
	if !st.haveBodyStart {
		st.haveBodyStart = true
		st.bodyStartOffset = st.egressQueued
	}
	if st.egressTracker != nil {
		framed := buf.Bytes()
		overhead := uint64(len(framed)) - uint64(len(body))
		st.egressTracker.recordBody(st.egressQueued+overhead, uint64(len(body)))
	}
	t.sess.queueEgressBytes(st, buf.Bytes())
	return nil
}

// SendTrailers queues trailers for egress. SendEOM must still follow.
func (t *Transaction) SendTrailers(trailers []ghqcodec.HeaderField) error {
	st := t.st
	if !t.egressStarted || t.eomQueued {
		return fmt.Errorf("trailers must follow headers and precede EOM")
	}
	if st.egressErr != nil {
		return st.egressErr
	}

	var buf bytes.Buffer
	if err := st.codec.GenerateTrailers(&buf, trailers); err != nil {
		return fmt.Errorf("failed to generate trailers: %w", err)
	}
	t.sess.queueEgressBytes(st, buf.Bytes())
	return nil
}

// SendEOM marks the egress message complete. The stream's FIN goes out
// once the buffered bytes drain.
func (t *Transaction) SendEOM() error {
	st := t.st
	if !t.egressStarted {
		return fmt.Errorf("EOM sent before headers")
	}
	if t.eomQueued {
		return fmt.Errorf("EOM sent twice")
	}
	if st.egressErr != nil {
		return st.egressErr
	}

	var buf bytes.Buffer
	if err := st.codec.GenerateEOM(&buf); err != nil {
		return fmt.Errorf("failed to generate EOM: %w", err)
	}
	t.eomQueued = true
	st.pendingEOM = true
	t.sess.queueEgressBytes(st, buf.Bytes())
	t.sess.onEgressEOMQueued(st)
	return nil
}

// SendAbort errors the stream with the given application code:
// a reset on egress and, for bidirectional streams, a stop-sending
// on ingress.
func (t *Transaction) SendAbort(code ghqwire.ErrorCode) {
	t.sess.abortStream(t.st, code)
}

// NewPushPromise emits a push promise on this (request) transaction
// and returns the transaction for the pushed response.
// Downstream H3 sessions only.
func (t *Transaction) NewPushPromise(msg *ghqcodec.Message) (*Transaction, error) {
	return t.sess.newPushPromise(t, msg)
}

// SkipBodyTo advances the egress body past offset without sending the
// intervening bytes (partial reliability; H3 only). Bytes already
// committed to the wire are never unsent.
func (t *Transaction) SkipBodyTo(bodyOffset uint64) error {
	return t.sess.skipBodyTo(t.st, bodyOffset)
}

// RejectBodyTo tells the peer we will not accept body bytes below
// offset (partial reliability; H3 only).
func (t *Transaction) RejectBodyTo(bodyOffset uint64) error {
	return t.sess.rejectBodyTo(t.st, bodyOffset)
}

// PauseIngress stops delivery of further ingress events.
// Idempotent.
func (t *Transaction) PauseIngress() {
	t.sess.pauseIngress(t.st)
}

// ResumeIngress re-enables ingress delivery. Idempotent.
func (t *Transaction) ResumeIngress() {
	t.sess.resumeIngress(t.st)
}

// Session returns the owning session.
func (t *Transaction) Session() *Session {
	return t.sess
}

// Delivery helpers, invoked by the stream's codec callbacks.

func (t *Transaction) deliverHeaders(msg *ghqcodec.Message) {
	if t.handler != nil {
		t.handler.OnHeaders(msg)
	}
}

func (t *Transaction) deliverBody(b []byte) {
	if t.handler != nil {
		t.handler.OnBody(b)
	}
}

func (t *Transaction) deliverTrailers(trailers []ghqcodec.HeaderField) {
	if t.handler != nil {
		t.handler.OnTrailers(trailers)
	}
}

func (t *Transaction) deliverEOM() {
	if t.handler != nil {
		t.handler.OnEOM()
	}
}

// deliverError reports err once; later errors on the same transaction
// are dropped.
func (t *Transaction) deliverError(err error) {
	if t.errorSeen {
		return
	}
	t.errorSeen = true
	if t.handler != nil {
		t.handler.OnError(err)
	}
}

func (t *Transaction) deliverEgressPaused() {
	if t.handler != nil {
		t.handler.OnEgressPaused()
	}
}

func (t *Transaction) deliverEgressResumed() {
	if t.handler != nil {
		t.handler.OnEgressResumed()
	}
}

func (t *Transaction) deliverDetach() {
	if t.handler != nil {
		t.handler.OnDetach()
	}
}
