package ghqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/ghq/ghqcodec"
	"github.com/gordian-engine/ghq/ghqwire"
)

// Direction tells whether the session is the client or server end.
type Direction int

const (
	// DirectionUpstream: the client end; originates transactions.
	DirectionUpstream Direction = iota
	// DirectionDownstream: the server end; accepts transactions.
	DirectionDownstream
)

// String implements [fmt.Stringer].
func (d Direction) String() string {
	if d == DirectionUpstream {
		return "upstream"
	}
	return "downstream"
}

// DrainState is the session's position in the orderly shutdown
// protocol. It only ever advances.
type DrainState int

const (
	DrainNone DrainState = iota
	DrainPending
	DrainCloseSent     // h1q-v1: Connection: close emitted.
	DrainCloseReceived // h1q-v1: Connection: close received.
	DrainFirstGoaway
	DrainSecondGoaway
	DrainDone
)

// egressBufferLimit is the per-stream queued-egress threshold past
// which the transaction is told to pause producing.
const egressBufferLimit = 64 * 1024

// readsPerLoop caps how many request-stream read events one loop pass
// dispatches, so a read burst cannot starve writes.
const readsPerLoop = 16

// SessionConfig is the configuration value for [NewSession].
type SessionConfig struct {
	Direction Direction

	// The QUIC surface this session drives. The transport (or test
	// fixture) must feed its read-side callbacks to [Session.Deliver].
	Transport Transport

	// Local settings announced on the control stream (H3).
	// Zero value means [ghqwire.DefaultSettings].
	Settings ghqwire.Settings

	// Cap on concurrently open self-initiated transactions.
	// Zero means 100.
	MaxConcurrentOutgoing int

	// Cap on concurrently open peer-initiated transactions.
	// Excess streams are refused as retryable. Zero means 100.
	MaxConcurrentIncoming int

	// Per-transaction idle timeout. Zero disables it.
	TransactionTimeout time.Duration

	// Session idle timeout; fires only with no open streams.
	// Zero disables it.
	IdleTimeout time.Duration

	// OnConnect runs after ALPN selection and control-stream setup.
	OnConnect func()

	// OnConnectError runs instead of OnConnect when setup fails
	// (unsupported ALPN, or no credit for a required stream).
	OnConnectError func(error)

	// OnRequest is invoked for every accepted peer transaction
	// (downstream sessions). Returning nil leaves the transaction
	// unattached; the transaction timeout then answers 408.
	OnRequest func(txn *Transaction) Handler

	// OnEnd runs once the session is destroyed.
	OnEnd func()

	// EnablePartialReliability turns on the body skip/reject
	// extension (H3 only).
	EnablePartialReliability bool
}

// Session is the per-connection engine multiplexing HTTP transactions
// over one QUIC transport.
//
// A single loop goroutine owns all session and stream state.
// Transport events enter through [Session.Deliver]; application calls
// from other goroutines go through [Session.RunOnLoop].
type Session struct {
	log *slog.Logger
	dir Direction
	tr  Transport
	cfg SessionConfig

	dialect Dialect

	msgs     chan Event
	loopWake chan struct{}
	done     chan struct{}

	// Everything below is owned by the loop goroutine.

	requestStreams   map[StreamID]*httpStream
	egressPush       map[StreamID]*httpStream
	ingressPushByID  map[PushID]*httpStream
	boundIngressPush map[StreamID]*httpStream

	controls           map[ghqwire.StreamType]*controlStream
	controlOrder       []*controlStream
	controlByIngressID map[StreamID]*controlStream

	nascent            map[StreamID]*nascentStream
	rejectedUni        map[StreamID]struct{}
	pendingNascentPush map[PushID]*pendingPush

	// PushID <-> stream id bimap, built as nascent push streams are
	// observed, plus bitsets of seen ids for duplicate detection.
	pushIDToStream  map[PushID]StreamID
	streamToPushID  map[StreamID]PushID
	observedPushIDs *bitset.BitSet
	promisedPushIDs *bitset.BitSet
	nextPushID      PushID

	qpack *ghqcodec.QPACK

	localSettings     ghqwire.Settings
	peerSettings      ghqwire.Settings
	peerSettingsValid bool

	drainState            DrainState
	closeWhenIdle         bool
	peerGoawayBound       uint64 // Bound the peer advertised to us.
	localGoawayBound      uint64 // Bound we advertised (downstream).
	haveLocalGoawayBound  bool
	havePeerGoawayBound   bool

	maxSeenPeerBidi StreamID
	seenPeerBidi    bool

	pendingReads []*httpStream

	writeBudget          uint64
	writeNotifyRequested bool

	queue egressQueue

	numOutgoing int

	started   bool
	dropping  bool
	destroyed bool
	replaySafe bool

	deferredDrop *dropRequest

	idleTimer *time.Timer
	idleFired chan struct{}
}

type dropRequest struct {
	code ghqwire.ErrorCode
	msg  string
	err  error
}

// NewSession returns a started session and runs its loop goroutine.
//
// The context bounds the session's lifetime; cancellation tears the
// session down as if the transport failed locally.
func NewSession(
	ctx context.Context,
	log *slog.Logger,
	cfg SessionConfig,
) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("SessionConfig.Transport must not be nil")
	}
	if cfg.Direction == DirectionDownstream && cfg.OnRequest == nil {
		return nil, errors.New("downstream sessions require SessionConfig.OnRequest")
	}

	settings := cfg.Settings
	if settings == (ghqwire.Settings{}) {
		settings = ghqwire.DefaultSettings()
	}
	if cfg.MaxConcurrentOutgoing == 0 {
		cfg.MaxConcurrentOutgoing = 100
	}
	if cfg.MaxConcurrentIncoming == 0 {
		cfg.MaxConcurrentIncoming = 100
	}

	s := &Session{
		log: log,
		dir: cfg.Direction,
		tr:  cfg.Transport,
		cfg: cfg,

		msgs:     make(chan Event, 128),
		loopWake: make(chan struct{}, 1),
		done:     make(chan struct{}),

		requestStreams:   make(map[StreamID]*httpStream),
		egressPush:       make(map[StreamID]*httpStream),
		ingressPushByID:  make(map[PushID]*httpStream),
		boundIngressPush: make(map[StreamID]*httpStream),

		controls:           make(map[ghqwire.StreamType]*controlStream),
		controlByIngressID: make(map[StreamID]*controlStream),

		nascent:            make(map[StreamID]*nascentStream),
		rejectedUni:        make(map[StreamID]struct{}),
		pendingNascentPush: make(map[PushID]*pendingPush),

		pushIDToStream:  make(map[PushID]StreamID),
		streamToPushID:  make(map[StreamID]PushID),
		observedPushIDs: bitset.New(64),
		promisedPushIDs: bitset.New(64),

		localSettings: settings,
	}

	go s.mainLoop(ctx)

	return s, nil
}

// Deliver hands a transport event to the session loop, blocking until
// the loop accepts it or the session is destroyed.
func (s *Session) Deliver(ev Event) {
	select {
	case s.msgs <- ev:
	case <-s.done:
	}
}

// RunOnLoop schedules f on the session's loop goroutine.
// It does not wait for f to run.
func (s *Session) RunOnLoop(f func()) {
	s.Deliver(eventCall{fn: f})
}

// Done is closed once the session is destroyed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is destroyed.
func (s *Session) Wait() {
	<-s.done
}

// Dialect returns the negotiated dialect.
// Valid after the OnConnect callback.
func (s *Session) Dialect() Dialect {
	return s.dialect
}

// NewTransaction opens a self-initiated request stream bound to h.
// Upstream sessions only. Safe to call from any goroutine.
func (s *Session) NewTransaction(h Handler) (*Transaction, error) {
	type result struct {
		txn *Transaction
		err error
	}
	ch := make(chan result, 1)
	s.RunOnLoop(func() {
		txn, err := s.newTransactionOnLoop(h)
		ch <- result{txn: txn, err: err}
	})
	select {
	case r := <-ch:
		return r.txn, r.err
	case <-s.done:
		return nil, ErrTransportUnhealthy
	}
}

func (s *Session) newTransactionOnLoop(h Handler) (*Transaction, error) {
	if s.dir != DirectionUpstream {
		return nil, ErrNotUpstream
	}
	if s.dropping || s.destroyed || !s.started {
		return nil, ErrTransportUnhealthy
	}
	if s.drainState > DrainPending {
		return nil, ErrDraining
	}
	if s.numOutgoing >= s.cfg.MaxConcurrentOutgoing {
		return nil, ErrStreamLimitReached
	}

	id, err := s.tr.CreateBidiStream()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnhealthy, err)
	}

	st := &httpStream{
		sess:           s,
		id:             id,
		idValid:        true,
		role:           roleRequest,
		urgency:        defaultUrgency,
		ingressEnabled: true,
	}
	st.codec = s.newRequestCodec(ghqcodec.TransmitRequests, st)
	s.installPartialReliability(st)
	s.requestStreams[id] = st
	s.numOutgoing++

	txn := newTransaction(s, st)
	if h != nil {
		txn.SetHandler(h)
	}
	s.startTxnTimer(st)

	s.log.Debug("Opened transaction", "stream_id", uint64(id))
	return txn, nil
}

// Drain begins orderly shutdown: the GOAWAY protocol on h1q-v2 and h3,
// or the Connection: close latch on h1q-v1.
// Safe to call from any goroutine.
func (s *Session) Drain() {
	s.RunOnLoop(func() {
		s.drainOnLoop()
		s.checkForShutdown()
	})
}

// CloseWhenIdle drains and additionally closes the transport as soon
// as the stream count reaches zero, without waiting for the GOAWAY
// exchange to finish. Safe to call from any goroutine.
func (s *Session) CloseWhenIdle() {
	s.RunOnLoop(func() {
		s.closeWhenIdle = true
		s.drainOnLoop()
		s.checkForShutdown()
	})
}

// DropConnection forcibly errors every open transaction and destroys
// the session. Idempotent. Safe to call from any goroutine.
func (s *Session) DropConnection(err error) {
	s.RunOnLoop(func() {
		if err == nil {
			err = errors.New("connection dropped")
		}
		s.performDrop(&dropRequest{
			code: ghqwire.ErrorNoError,
			msg:  "dropped",
			err:  err,
		})
	})
}

// newRequestCodec builds the per-dialect codec for one stream,
// with the stream itself as the callback target.
func (s *Session) newRequestCodec(
	dir ghqcodec.Direction,
	st *httpStream,
) ghqcodec.RequestCodec {
	switch s.dialect {
	case DialectH3:
		return ghqcodec.NewH3Codec(dir, s.qpack, st)
	case DialectH1Qv1, DialectH1Qv2:
		return ghqcodec.NewH1QCodec(dir, st)
	default:
		panic(fmt.Errorf("BUG: request codec for unknown dialect %d", s.dialect))
	}
}

func (s *Session) installPartialReliability(st *httpStream) {
	if !s.cfg.EnablePartialReliability || !s.dialect.PartialReliabilityCapable() {
		return
	}
	st.egressTracker = new(egressOffsetTracker)
	st.ingressTracker = new(ingressOffsetTracker)
}

// onTransportReady reads the negotiated ALPN, fixes the dialect,
// and opens the egress control streams it requires.
func (s *Session) onTransportReady() error {
	alpn := s.tr.ALPN()
	d, ok := DialectFromALPN(alpn)
	if !ok {
		return fmt.Errorf("connect failed: ALPN %q not supported", alpn)
	}
	s.dialect = d
	s.log = s.log.With("dialect", d.String(), "dir", s.dir.String())

	if d.UsesQPACK() {
		s.qpack = ghqcodec.NewQPACK(s.localSettings.HeaderTableSize)
	}

	for _, t := range d.EgressUniStreamTypes() {
		id, err := s.tr.CreateUniStream()
		if err != nil {
			return fmt.Errorf("connect failed: cannot open %s stream: %w", t, err)
		}
		cs := &controlStream{role: t, egressID: id, egressValid: true}
		s.controls[t] = cs
		s.controlOrder = append(s.controlOrder, cs)

		s.queueControlBytes(cs, ghqwire.AppendStreamPreface(nil, t))
		if t == ghqwire.StreamTypeControl {
			s.queueControlBytes(cs, s.localSettings.AppendFrame(nil))
		}
	}

	s.started = true
	return nil
}

// acceptPeerBidiStream applies the per-dialect stream acceptance
// policy to a new peer-initiated bidirectional stream.
func (s *Session) acceptPeerBidiStream(id StreamID) {
	if s.dir == DirectionUpstream {
		// Server-initiated bidirectional streams are never legal.
		_ = s.tr.ResetStream(id, ghqwire.ErrorWrongStream)
		_ = s.tr.StopSending(id, ghqwire.ErrorWrongStream)
		return
	}

	// GOAWAY bound: once draining, reject streams past the bound.
	if s.drainState >= DrainFirstGoaway && s.haveLocalGoawayBound &&
		uint64(id) > s.localGoawayBound {
		s.log.Debug("Rejecting stream past GOAWAY bound",
			"stream_id", uint64(id), "bound", s.localGoawayBound)
		_ = s.tr.ResetStream(id, ghqwire.ErrorRequestRejected)
		_ = s.tr.StopSending(id, ghqwire.ErrorRequestRejected)
		return
	}
	if s.dialect == DialectH1Qv1 && s.drainState >= DrainCloseSent {
		_ = s.tr.ResetStream(id, ghqwire.ErrorRequestRejected)
		_ = s.tr.StopSending(id, ghqwire.ErrorRequestRejected)
		return
	}
	if len(s.requestStreams) >= s.cfg.MaxConcurrentIncoming {
		s.log.Debug("Refusing stream over the incoming limit",
			"stream_id", uint64(id))
		_ = s.tr.ResetStream(id, ghqwire.ErrorRequestRejected)
		_ = s.tr.StopSending(id, ghqwire.ErrorRequestRejected)
		return
	}

	if !s.seenPeerBidi || id > s.maxSeenPeerBidi {
		s.maxSeenPeerBidi = id
		s.seenPeerBidi = true
	}

	st := &httpStream{
		sess:           s,
		id:             id,
		idValid:        true,
		role:           roleRequest,
		urgency:        defaultUrgency,
		ingressEnabled: true,
	}
	st.codec = s.newRequestCodec(ghqcodec.TransmitResponses, st)
	s.installPartialReliability(st)
	s.requestStreams[id] = st

	txn := newTransaction(s, st)
	s.startTxnTimer(st)

	if h := s.cfg.OnRequest(txn); h != nil {
		txn.SetHandler(h)
	}
}

// lookupHTTPStream finds the HTTP-bearing stream owning a QUIC id.
func (s *Session) lookupHTTPStream(id StreamID) (*httpStream, bool) {
	if st, ok := s.requestStreams[id]; ok {
		return st, true
	}
	if st, ok := s.egressPush[id]; ok {
		return st, true
	}
	if st, ok := s.boundIngressPush[id]; ok {
		return st, true
	}
	return nil, false
}

// streamCount is the number of live HTTP-bearing streams.
func (s *Session) streamCount() int {
	return len(s.requestStreams) + len(s.egressPush) + len(s.ingressPushByID)
}

// prepareEgressMessage applies session-wide latches to an egress
// message: the h1q-v1 drain latch.
func (s *Session) prepareEgressMessage(st *httpStream, msg *ghqcodec.Message) {
	if s.dialect == DialectH1Qv1 &&
		s.drainState >= DrainPending && s.drainState != DrainDone {
		msg.ConnectionClose = true
		st.connCloseLatched = true
	}
}

// queueEgressBytes appends b to the stream's egress buffer and keeps
// the scheduler consistent with invariant: enqueued iff pending bytes
// (or pending EOM) and positive send window.
func (s *Session) queueEgressBytes(st *httpStream, b []byte) {
	if len(b) > 0 {
		st.writeBuf.Append(b)
		st.egressQueued += uint64(len(b))
	}
	s.updateEgressEnqueue(st)
	s.maybePauseTxnEgress(st)
}

func (s *Session) onEgressEOMQueued(st *httpStream) {
	s.updateEgressEnqueue(st)
}

// updateEgressEnqueue reconciles the stream's scheduler membership
// with its pending bytes and flow-control window.
func (s *Session) updateEgressEnqueue(st *httpStream) {
	if st.aborted || !st.idValid || st.finSent || s.destroyed {
		s.queue.Dequeue(st)
		return
	}
	if !st.hasPendingEgress() {
		st.fcBlocked = false
		s.queue.Dequeue(st)
		return
	}

	win, err := s.tr.StreamSendWindow(st.id)
	if err != nil {
		win = 0
	}
	if win == 0 && !st.writeBuf.Empty() {
		// Defer the enqueue until credit arrives.
		st.fcBlocked = true
		s.queue.Dequeue(st)
		s.maybePauseTxnEgress(st)
		return
	}

	st.fcBlocked = false
	s.queue.Enqueue(st)
	s.signalPendingEgress()
}

// signalPendingEgress ensures the loop will flush, requesting a write
// notification from the transport when the budget is exhausted.
func (s *Session) signalPendingEgress() {
	if s.destroyed || s.dropping {
		return
	}
	if s.writeBudget > 0 {
		s.scheduleLoop()
		return
	}
	if !s.writeNotifyRequested {
		s.writeNotifyRequested = true
		s.tr.NotifyPendingWrite()
	}
}

func (s *Session) maybePauseTxnEgress(st *httpStream) {
	if st.egressPausedTxn || st.txn == nil || st.pendingEOM {
		return
	}
	if st.fcBlocked || st.writeBuf.Len() > egressBufferLimit {
		st.egressPausedTxn = true
		st.txn.deliverEgressPaused()
	}
}

func (s *Session) maybeResumeTxnEgress(st *httpStream) {
	if !st.egressPausedTxn || st.txn == nil {
		return
	}
	if !st.fcBlocked && st.writeBuf.Len() < egressBufferLimit/2 {
		st.egressPausedTxn = false
		st.txn.deliverEgressResumed()
	}
}

// pauseIngress stops feeding the stream's codec. Idempotent.
func (s *Session) pauseIngress(st *httpStream) {
	if st.ingressPaused {
		return
	}
	if st.role == roleEgressPush {
		// Egress push streams have no ingress; pausing one is
		// protocol misuse that forfeits the connection.
		s.onConnectionError(connErrf(ghqwire.ErrorGeneralProtocolError,
			"ingress pause on an egress-only push stream"))
		return
	}
	st.ingressPaused = true
	if st.idValid {
		_ = s.tr.PauseRead(st.id)
	}
}

// resumeIngress re-enables the stream's codec feed. Idempotent.
func (s *Session) resumeIngress(st *httpStream) {
	if !st.ingressPaused {
		return
	}
	st.ingressPaused = false
	if st.idValid {
		_ = s.tr.ResumeRead(st.id)
	}
	s.addPendingRead(st)
	s.scheduleLoop()
}

// addPendingRead marks the stream for ingress processing on the next
// loop pass.
func (s *Session) addPendingRead(st *httpStream) {
	if st.inPendingReads || st.ingressPaused || st.aborted || !st.ingressEnabled {
		return
	}
	st.inPendingReads = true
	s.pendingReads = append(s.pendingReads, st)
}

// rescheduleBlockedReads revisits every stream with buffered ingress,
// after QPACK state changed in a way that may unblock header sections.
func (s *Session) rescheduleBlockedReads() {
	for _, st := range s.requestStreams {
		if !st.readBuf.Empty() || (st.finSeen && !st.codecEOFSent) {
			s.addPendingRead(st)
		}
	}
	for _, st := range s.boundIngressPush {
		if !st.readBuf.Empty() || (st.finSeen && !st.codecEOFSent) {
			s.addPendingRead(st)
		}
	}
	s.scheduleLoop()
}

// applyPeerSettings records the peer's SETTINGS.
// Receipt is at most once per connection; the control stream enforces
// that before calling here.
func (s *Session) applyPeerSettings(settings ghqwire.Settings) {
	s.peerSettings = settings
	s.peerSettingsValid = true
	if s.qpack != nil {
		s.qpack.SetEncoderTableCapacity(settings.HeaderTableSize)
	}
	s.log.Debug("Applied peer settings",
		"header_table_size", settings.HeaderTableSize,
		"max_header_list_size", settings.MaxHeaderListSize,
		"qpack_blocked_streams", settings.QPACKBlockedStreams,
	)
}

// abortStream errors one stream with the given application code,
// keeping the session alive.
func (s *Session) abortStream(st *httpStream, code ghqwire.ErrorCode) {
	if st.aborted {
		return
	}
	st.aborted = true
	st.egressErr = &StreamError{Code: code, Msg: "stream aborted"}

	if st.idValid {
		if !st.finSent {
			_ = s.tr.ResetStream(st.id, code)
		}
		if st.role == roleRequest && !st.eomFired {
			_ = s.tr.StopSending(st.id, code)
		}
	}

	st.writeBuf.Clear()
	st.readBuf.Clear()
	st.pendingEOM = false
	st.deliveryCount = 0
	s.queue.Dequeue(st)
	s.checkStreamReap(st)
}

// handlePeerReset processes a RESET_STREAM from the peer:
// a synthesized error to the transaction, then a reply reset whose
// code depends on direction and ingress progress.
func (s *Session) handlePeerReset(st *httpStream, code ghqwire.ErrorCode) {
	st.readErr = &StreamError{
		Code:      code,
		Msg:       "peer reset stream",
		Retryable: s.dir == DirectionDownstream && st.readOffset == 0,
	}
	if st.txn != nil {
		st.txn.deliverError(st.readErr)
	}

	reply := st.replyResetCode()
	if st.idValid && !st.finSent && st.role != roleIngressPush {
		_ = s.tr.ResetStream(st.id, reply)
	}

	st.aborted = true
	st.readBuf.Clear()
	st.writeBuf.Clear()
	st.pendingEOM = false
	st.deliveryCount = 0
	s.queue.Dequeue(st)
	s.checkStreamReap(st)
}

// checkStreamReap detaches a finished transaction and reaps the
// stream once nothing keeps it alive.
func (s *Session) checkStreamReap(st *httpStream) {
	if !st.detached {
		ingressDone := st.eomFired || st.aborted || st.readErr != nil ||
			st.role == roleEgressPush
		egressDone := st.finSent || st.aborted || st.egressErr != nil ||
			st.role == roleIngressPush
		if !ingressDone || !egressDone {
			return
		}
		st.detached = true
		st.stopTimer()
		if st.txn != nil {
			st.txn.deliverDetach()
		}
	}
	if st.canReap() {
		s.reapStream(st)
	}
}

// reapStream removes the stream from every table and re-checks
// session shutdown.
func (s *Session) reapStream(st *httpStream) {
	switch st.role {
	case roleRequest:
		if _, ok := s.requestStreams[st.id]; ok {
			delete(s.requestStreams, st.id)
			if s.dir == DirectionUpstream {
				s.numOutgoing--
			}
		}
	case roleEgressPush:
		delete(s.egressPush, st.id)
	case roleIngressPush:
		delete(s.ingressPushByID, st.pushID)
		if st.idValid {
			delete(s.boundIngressPush, st.id)
			delete(s.streamToPushID, st.id)
		}
		delete(s.pushIDToStream, st.pushID)
	}

	s.queue.Dequeue(st)
	st.stopTimer()

	s.log.Debug("Reaped stream",
		"stream_id", uint64(st.id), "role", int(st.role))

	s.checkForShutdown()
}

// startTxnTimer arms the per-transaction timeout.
func (s *Session) startTxnTimer(st *httpStream) {
	if s.cfg.TransactionTimeout <= 0 {
		return
	}
	st.txnTimer = time.AfterFunc(s.cfg.TransactionTimeout, func() {
		s.Deliver(eventTxnTimeout{st: st})
	})
}

// handleTxnTimeout answers an expired transaction timer: a 408 via a
// fallback handler when nothing was attached, an error otherwise.
func (s *Session) handleTxnTimeout(st *httpStream) {
	if st.detached || st.aborted || s.destroyed {
		return
	}
	terr := &TimeoutError{Msg: fmt.Sprintf("transaction on stream %d idle", st.id)}

	txn := st.txn
	if txn != nil && !txn.handlerSet && s.dir == DirectionDownstream {
		// No handler ever showed up; answer for it.
		st.readBuf.Clear()
		if st.idValid && !st.eomFired {
			_ = s.tr.StopSending(st.id, ghqwire.ErrorRequestCancelled)
		}
		st.eomFired = true

		txn.SetHandler(&timeoutResponder{})
		return
	}

	if txn != nil {
		txn.deliverError(terr)
	}
	s.abortStream(st, ghqwire.ErrorRequestCancelled)
}

// timeoutResponder is the fallback handler installed when a
// transaction times out with no handler attached. It answers 408.
type timeoutResponder struct {
	BaseHandler
}

func (h *timeoutResponder) OnTransaction(txn *Transaction) {
	h.BaseHandler.OnTransaction(txn)
	_ = txn.SendHeaders(&ghqcodec.Message{Status: 408})
	_ = txn.SendEOM()
}

// onIngressConnectionClose records a peer Connection: close
// (h1q-v1 drain path).
func (s *Session) onIngressConnectionClose() {
	if s.dialect != DialectH1Qv1 {
		return
	}
	switch s.drainState {
	case DrainNone, DrainPending:
		s.setDrainState(DrainCloseReceived)
	case DrainCloseSent:
		s.setDrainState(DrainDone)
	}
	s.checkForShutdown()
}

// onConnectionError records a connection-fatal error for execution at
// the next loop entry, so a mid-callback failure cannot tear the
// session down re-entrantly.
func (s *Session) onConnectionError(err error) {
	if s.dropping || s.destroyed || s.deferredDrop != nil {
		return
	}
	code := ghqwire.ErrorGeneralProtocolError
	var ce *ConnectionError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	s.deferredDrop = &dropRequest{code: code, msg: err.Error(), err: err}
	s.scheduleLoop()
}

// performDrop is the terminal teardown: errors to every open
// transaction, canceled delivery callbacks, transport close.
// Re-entrancy safe via the dropping latch.
func (s *Session) performDrop(req *dropRequest) {
	if s.dropping || s.destroyed {
		return
	}
	s.dropping = true
	s.deferredDrop = nil

	s.log.Info("Dropping connection", "err", req.err)

	fail := func(st *httpStream) {
		st.stopTimer()
		st.deliveryCount = 0
		st.writeBuf.Clear()
		st.readBuf.Clear()
		s.queue.Dequeue(st)
		if st.txn != nil {
			st.txn.deliverError(req.err)
			if !st.detached {
				st.detached = true
				st.txn.deliverDetach()
			}
		}
	}
	for _, st := range s.requestStreams {
		fail(st)
	}
	for _, st := range s.egressPush {
		fail(st)
	}
	for _, st := range s.ingressPushByID {
		fail(st)
	}
	s.requestStreams = map[StreamID]*httpStream{}
	s.egressPush = map[StreamID]*httpStream{}
	s.ingressPushByID = map[PushID]*httpStream{}
	s.boundIngressPush = map[StreamID]*httpStream{}

	s.cleanupPendingPush()

	_ = s.tr.Close(req.code, req.msg)
	s.destroySession()
}

// destroySession finalizes teardown; the loop goroutine exits after.
func (s *Session) destroySession() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if s.cfg.OnEnd != nil {
		s.cfg.OnEnd()
	}
}

// checkForShutdown destroys the session once draining has finished
// and no streams remain.
func (s *Session) checkForShutdown() {
	if s.destroyed || s.dropping {
		return
	}
	if s.streamCount() != 0 {
		return
	}

	drainDone := s.drainState == DrainDone ||
		// Upstream peers originate no GOAWAYs;
		// pending drain is as good as done for them.
		// h1q-v1 drains through the Connection: close latch instead,
		// which a further exchange has to carry.
		(s.dir == DirectionUpstream && s.dialect != DialectH1Qv1 &&
			s.drainState >= DrainPending)

	if !drainDone && !s.closeWhenIdle {
		return
	}

	s.log.Debug("Session idle and drained; closing")
	s.cleanupPendingPush()
	_ = s.tr.Close(ghqwire.ErrorNoError, "shutdown")
	s.destroySession()
}
