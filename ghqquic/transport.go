// Package ghqquic adapts a quic-go connection to the [ghqs.Transport]
// surface: accepter goroutines post new-stream events, per-stream read
// pumps post data, and per-stream writer goroutines drain the bytes
// the session hands off.
package ghqquic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gordian-engine/ghq/ghqs"
	"github.com/gordian-engine/ghq/ghqwire"
	"github.com/quic-go/quic-go"
)

const readChunkSize = 16 * 1024

// Transport implements [ghqs.Transport] over one [quic.Connection].
//
// The session calls the Transport's methods from its loop; the
// Transport's own goroutines feed events back through
// [ghqs.Session.Deliver] once [Transport.Run] has attached a session.
type Transport struct {
	log  *slog.Logger
	conn quic.Connection

	cancel context.CancelCauseFunc

	mu    sync.Mutex
	sess  *ghqs.Session
	sends map[ghqs.StreamID]*sendStream
	recvs map[ghqs.StreamID]*recvStream

	wg sync.WaitGroup
}

// NewTransport wraps an established QUIC connection.
// Call [Transport.Run] with the session to start the accepters.
func NewTransport(log *slog.Logger, conn quic.Connection) *Transport {
	return &Transport{
		log:  log,
		conn: conn,

		sends: make(map[ghqs.StreamID]*sendStream),
		recvs: make(map[ghqs.StreamID]*recvStream),
	}
}

// Run attaches the session and starts the accept goroutines.
func (t *Transport) Run(ctx context.Context, sess *ghqs.Session) {
	runCtx, cancel := context.WithCancelCause(ctx)

	t.mu.Lock()
	t.sess = sess
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(2)
	go t.acceptStreams(runCtx)
	go t.acceptUniStreams(runCtx)
}

// Wait blocks until all transport goroutines have finished.
func (t *Transport) Wait() {
	t.wg.Wait()
}

func (t *Transport) deliver(ev ghqs.Event) {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess != nil {
		sess.Deliver(ev)
	}
}

func (t *Transport) acceptStreams(ctx context.Context) {
	defer t.wg.Done()

	for {
		s, err := t.conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Assume context cancellation was the cause of the
				// failed accept.
				return
			}
			t.onConnBroken(err)
			return
		}

		id := ghqs.StreamID(s.StreamID())
		t.registerSend(id, s)
		rs := t.registerRecv(id, s)

		t.deliver(ghqs.EventNewBidiStream{ID: id})

		t.wg.Add(1)
		go t.readPump(ctx, id, rs)
	}
}

func (t *Transport) acceptUniStreams(ctx context.Context) {
	defer t.wg.Done()

	for {
		s, err := t.conn.AcceptUniStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.onConnBroken(err)
			return
		}

		id := ghqs.StreamID(s.StreamID())
		rs := t.registerRecv(id, s)

		t.deliver(ghqs.EventNewUniStream{ID: id})

		t.wg.Add(1)
		go t.readPump(ctx, id, rs)
	}
}

// onConnBroken classifies a failed accept into connection end or error.
func (t *Transport) onConnBroken(err error) {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == 0 {
		t.deliver(ghqs.EventConnectionEnd{})
		return
	}
	t.deliver(ghqs.EventConnectionError{Err: err})
}

// sendStream serializes writes for one egress half.
// The session's WriteChain enqueues; the writer goroutine drains.
type sendStream struct {
	q quic.SendStream

	mu        sync.Mutex
	cond      *sync.Cond
	queue     [][]byte
	fin       bool
	closed    bool
	written   uint64
	delivered []uint64 // Registered delivery offsets.
}

func (t *Transport) registerSend(id ghqs.StreamID, q quic.SendStream) *sendStream {
	ss := &sendStream{q: q}
	ss.cond = sync.NewCond(&ss.mu)

	t.mu.Lock()
	t.sends[id] = ss
	t.mu.Unlock()

	t.wg.Add(1)
	go t.writePump(id, ss)
	return ss
}

// writePump drains one send stream's queue into quic-go,
// firing delivery events as registered offsets are covered.
//
// quic-go applies stream and connection flow control by blocking the
// Write call, so the pump doubles as back-pressure.
func (t *Transport) writePump(id ghqs.StreamID, ss *sendStream) {
	defer t.wg.Done()

	for {
		ss.mu.Lock()
		for len(ss.queue) == 0 && !ss.fin && !ss.closed {
			ss.cond.Wait()
		}
		if ss.closed {
			ss.mu.Unlock()
			return
		}
		chunks := ss.queue
		ss.queue = nil
		fin := ss.fin && len(chunks) == 0
		ss.mu.Unlock()

		for _, c := range chunks {
			if _, err := ss.q.Write(c); err != nil {
				t.onWriteFailed(id, err)
				return
			}
			ss.mu.Lock()
			ss.written += uint64(len(c))
			regs := coveredOffsets(&ss.delivered, ss.written)
			finNow := ss.fin && len(ss.queue) == 0
			ss.mu.Unlock()

			for _, off := range regs {
				t.deliver(ghqs.EventDelivery{ID: id, Offset: off})
			}
			fin = finNow
		}

		if fin {
			if err := ss.q.Close(); err != nil {
				t.onWriteFailed(id, err)
				return
			}
			ss.mu.Lock()
			regs := coveredOffsets(&ss.delivered, ss.written)
			ss.closed = true
			ss.mu.Unlock()
			for _, off := range regs {
				t.deliver(ghqs.EventDelivery{ID: id, Offset: off})
			}
			return
		}
	}
}

// coveredOffsets pops the registered offsets at or below written.
// Delivery here means accepted by the QUIC send buffer; quic-go does
// not surface per-range peer acknowledgements.
func coveredOffsets(regs *[]uint64, written uint64) []uint64 {
	var fired, remaining []uint64
	for _, off := range *regs {
		if off <= written {
			fired = append(fired, off)
		} else {
			remaining = append(remaining, off)
		}
	}
	*regs = remaining
	return fired
}

func (t *Transport) onWriteFailed(id ghqs.StreamID, err error) {
	var se *quic.StreamError
	if errors.As(err, &se) {
		t.deliver(ghqs.EventStopSending{
			ID:   id,
			Code: ghqwire.ErrorCode(se.ErrorCode),
		})
		return
	}
	t.deliver(ghqs.EventWriteError{Err: err})
}

// recvStream carries the pause toggle for one read pump.
type recvStream struct {
	q quic.ReceiveStream

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	gone   bool
}

func (t *Transport) registerRecv(id ghqs.StreamID, q quic.ReceiveStream) *recvStream {
	rs := &recvStream{q: q}
	rs.cond = sync.NewCond(&rs.mu)

	t.mu.Lock()
	t.recvs[id] = rs
	t.mu.Unlock()
	return rs
}

// readPump forwards stream bytes to the session in arrival order.
func (t *Transport) readPump(ctx context.Context, id ghqs.StreamID, rs *recvStream) {
	defer t.wg.Done()

	buf := make([]byte, readChunkSize)
	for {
		rs.mu.Lock()
		for rs.paused && !rs.gone {
			rs.cond.Wait()
		}
		gone := rs.gone
		rs.mu.Unlock()
		if gone || ctx.Err() != nil {
			return
		}

		n, err := rs.q.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.deliver(ghqs.EventStreamData{
				ID:   id,
				Data: data,
				FIN:  err == io.EOF,
			})
		}
		if err == nil {
			continue
		}
		if err == io.EOF {
			if n == 0 {
				t.deliver(ghqs.EventStreamData{ID: id, FIN: true})
			}
			return
		}

		var se *quic.StreamError
		if errors.As(err, &se) {
			t.deliver(ghqs.EventReadError{
				ID:    id,
				Reset: true,
				Code:  ghqwire.ErrorCode(se.ErrorCode),
				Err:   err,
			})
			return
		}
		if ctx.Err() == nil {
			t.deliver(ghqs.EventReadError{ID: id, Err: err})
		}
		return
	}
}

// ALPN implements [ghqs.Transport].
func (t *Transport) ALPN() string {
	return t.conn.ConnectionState().TLS.NegotiatedProtocol
}

// CreateBidiStream implements [ghqs.Transport].
func (t *Transport) CreateBidiStream() (ghqs.StreamID, error) {
	s, err := t.conn.OpenStream()
	if err != nil {
		return 0, fmt.Errorf("failed to open stream: %w", err)
	}
	id := ghqs.StreamID(s.StreamID())
	t.registerSend(id, s)
	rs := t.registerRecv(id, s)

	t.wg.Add(1)
	go t.readPump(context.Background(), id, rs)
	return id, nil
}

// CreateUniStream implements [ghqs.Transport].
func (t *Transport) CreateUniStream() (ghqs.StreamID, error) {
	s, err := t.conn.OpenUniStream()
	if err != nil {
		return 0, fmt.Errorf("failed to open uni stream: %w", err)
	}
	id := ghqs.StreamID(s.StreamID())
	t.registerSend(id, s)
	return id, nil
}

func (t *Transport) send(id ghqs.StreamID) (*sendStream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, ok := t.sends[id]
	return ss, ok
}

func (t *Transport) recv(id ghqs.StreamID) (*recvStream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.recvs[id]
	return rs, ok
}

// WriteChain implements [ghqs.Transport]. All bytes are accepted into
// the per-stream queue; quic-go's own flow control throttles the
// writer goroutine.
func (t *Transport) WriteChain(id ghqs.StreamID, b []byte, fin bool) (int, error) {
	ss, ok := t.send(id)
	if !ok {
		return 0, fmt.Errorf("write on unknown stream %d", id)
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return 0, fmt.Errorf("write on closed stream %d", id)
	}
	if len(b) > 0 {
		c := make([]byte, len(b))
		copy(c, b)
		ss.queue = append(ss.queue, c)
	}
	if fin {
		ss.fin = true
	}
	ss.cond.Signal()
	return len(b), nil
}

// RegisterDeliveryCallback implements [ghqs.Transport].
func (t *Transport) RegisterDeliveryCallback(id ghqs.StreamID, offset uint64) error {
	ss, ok := t.send(id)
	if !ok {
		return fmt.Errorf("delivery callback on unknown stream %d", id)
	}
	ss.mu.Lock()
	fire := offset <= ss.written
	if !fire {
		ss.delivered = append(ss.delivered, offset)
	}
	ss.mu.Unlock()

	if fire {
		t.deliver(ghqs.EventDelivery{ID: id, Offset: offset})
	}
	return nil
}

// StreamSendWindow implements [ghqs.Transport].
// quic-go does not expose per-stream credit; writes are throttled by
// the blocking writer goroutine instead, so the session sees an
// effectively open window.
func (t *Transport) StreamSendWindow(id ghqs.StreamID) (uint64, error) {
	if _, ok := t.send(id); !ok {
		return 0, fmt.Errorf("unknown stream %d", id)
	}
	return 1 << 30, nil
}

// StreamWriteOffset implements [ghqs.Transport].
func (t *Transport) StreamWriteOffset(id ghqs.StreamID) (uint64, error) {
	ss, ok := t.send(id)
	if !ok {
		return 0, fmt.Errorf("unknown stream %d", id)
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.written, nil
}

// NotifyPendingWrite implements [ghqs.Transport].
// The queue-based writer never exerts connection-level back-pressure
// on the session, so the grant is immediate.
func (t *Transport) NotifyPendingWrite() {
	go t.deliver(ghqs.EventWriteReady{MaxBytes: 1 << 20})
}

// ResetStream implements [ghqs.Transport].
func (t *Transport) ResetStream(id ghqs.StreamID, code ghqwire.ErrorCode) error {
	ss, ok := t.send(id)
	if !ok {
		return fmt.Errorf("unknown stream %d", id)
	}
	ss.mu.Lock()
	ss.closed = true
	ss.queue = nil
	ss.cond.Signal()
	ss.mu.Unlock()

	ss.q.CancelWrite(quic.StreamErrorCode(code))
	return nil
}

// StopSending implements [ghqs.Transport].
func (t *Transport) StopSending(id ghqs.StreamID, code ghqwire.ErrorCode) error {
	rs, ok := t.recv(id)
	if !ok {
		return fmt.Errorf("unknown stream %d", id)
	}
	rs.q.CancelRead(quic.StreamErrorCode(code))

	rs.mu.Lock()
	rs.gone = true
	rs.cond.Signal()
	rs.mu.Unlock()
	return nil
}

// PauseRead implements [ghqs.Transport].
func (t *Transport) PauseRead(id ghqs.StreamID) error {
	rs, ok := t.recv(id)
	if !ok {
		return fmt.Errorf("unknown stream %d", id)
	}
	rs.mu.Lock()
	rs.paused = true
	rs.mu.Unlock()
	return nil
}

// ResumeRead implements [ghqs.Transport].
func (t *Transport) ResumeRead(id ghqs.StreamID) error {
	rs, ok := t.recv(id)
	if !ok {
		return fmt.Errorf("unknown stream %d", id)
	}
	rs.mu.Lock()
	rs.paused = false
	rs.cond.Signal()
	rs.mu.Unlock()
	return nil
}

// SendDataExpired implements [ghqs.Transport].
// quic-go carries no partial reliability extension.
func (t *Transport) SendDataExpired(ghqs.StreamID, uint64) error {
	return errors.New("partial reliability is not supported by this transport")
}

// SendDataRejected implements [ghqs.Transport].
func (t *Transport) SendDataRejected(ghqs.StreamID, uint64) error {
	return errors.New("partial reliability is not supported by this transport")
}

// Close implements [ghqs.Transport].
func (t *Transport) Close(code ghqwire.ErrorCode, msg string) error {
	if t.cancel != nil {
		t.cancel(errors.New("transport closed"))
	}

	t.mu.Lock()
	for _, ss := range t.sends {
		ss.mu.Lock()
		ss.closed = true
		ss.cond.Signal()
		ss.mu.Unlock()
	}
	for _, rs := range t.recvs {
		rs.mu.Lock()
		rs.gone = true
		rs.cond.Signal()
		rs.mu.Unlock()
	}
	t.mu.Unlock()

	return t.conn.CloseWithError(quic.ApplicationErrorCode(code), msg)
}
