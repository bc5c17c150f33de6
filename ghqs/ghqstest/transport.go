// Package ghqstest provides a scripted in-memory [ghqs.Transport] and
// session fixtures for exercising the session core without QUIC.
package ghqstest

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/gordian-engine/ghq/ghqs"
	"github.com/gordian-engine/ghq/ghqwire"
)

// StreamRecord captures everything the session did to one stream.
type StreamRecord struct {
	Written  bytes.Buffer
	FinSent  bool
	ResetSent bool
	ResetCode ghqwire.ErrorCode
	StopSent  bool
	StopCode  ghqwire.ErrorCode
	Paused    bool

	DataExpiredAt  []uint64
	DataRejectedAt []uint64

	window        uint64
	deliveryRegs  []uint64
}

// Transport is a deterministic, scripted implementation of
// [ghqs.Transport]. It never spawns goroutines: automatic responses
// (write grants, delivery acks) queue up until [Transport.TakePending]
// drains them; [Fixture.Settle] delivers them from the test goroutine.
type Transport struct {
	mu sync.Mutex

	alpn     string
	isClient bool

	nextBidi ghqs.StreamID
	nextUni  ghqs.StreamID

	// UniCredit limits CreateUniStream calls when non-negative.
	uniCredit int

	streams map[ghqs.StreamID]*StreamRecord

	// Queued automatic events awaiting Settle.
	pending []ghqs.Event

	// AutoGrant answers NotifyPendingWrite with a write budget.
	AutoGrant bool
	// GrantBytes is the budget per grant.
	GrantBytes uint64
	// AutoAck fires delivery callbacks as soon as the registered
	// offset is written.
	AutoAck bool

	// DefaultWindow is the initial send window per stream.
	DefaultWindow uint64

	Closed    bool
	CloseCode ghqwire.ErrorCode
	CloseMsg  string
}

// TransportConfig is the configuration value for [NewTransport].
type TransportConfig struct {
	ALPN     string
	IsClient bool

	// UniCredit caps CreateUniStream calls; zero or negative means unlimited.
	UniCredit int
}

// NewTransport returns a scripted transport.
func NewTransport(cfg TransportConfig) *Transport {
	tr := &Transport{
		alpn:     cfg.ALPN,
		isClient: cfg.IsClient,

		uniCredit: cfg.UniCredit,

		streams: make(map[ghqs.StreamID]*StreamRecord),

		AutoGrant:     true,
		GrantBytes:    1 << 20,
		AutoAck:       true,
		DefaultWindow: 1 << 30,
	}
	if cfg.UniCredit == 0 {
		tr.uniCredit = -1
	}
	if cfg.IsClient {
		tr.nextBidi = 0
		tr.nextUni = 2
	} else {
		tr.nextBidi = 1
		tr.nextUni = 3
	}
	return tr
}

// WithUniCredit caps the number of unidirectional streams the session
// may open. Zero makes every CreateUniStream call fail.
func (tr *Transport) WithUniCredit(n int) *Transport {
	tr.uniCredit = n
	return tr
}

func (tr *Transport) rec(id ghqs.StreamID) *StreamRecord {
	r, ok := tr.streams[id]
	if !ok {
		r = &StreamRecord{window: tr.DefaultWindow}
		tr.streams[id] = r
	}
	return r
}

// Stream returns the record for one stream, creating it if needed.
func (tr *Transport) Stream(id ghqs.StreamID) *StreamRecord {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.rec(id)
}

// Written returns a copy of everything written to the stream so far.
func (tr *Transport) Written(id ghqs.StreamID) []byte {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]byte(nil), tr.rec(id).Written.Bytes()...)
}

// SetSendWindow replaces the stream's available send credit and
// queues a flow-control update event.
func (tr *Transport) SetSendWindow(id ghqs.StreamID, n uint64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.rec(id).window = n
	tr.pending = append(tr.pending, ghqs.EventFlowControlUpdate{ID: id})
}

// StreamIDs lists every stream the transport has seen, in no
// particular order.
func (tr *Transport) StreamIDs() []ghqs.StreamID {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	ids := make([]ghqs.StreamID, 0, len(tr.streams))
	for id := range tr.streams {
		ids = append(ids, id)
	}
	return ids
}

// TakePending drains the queued automatic events.
func (tr *Transport) TakePending() []ghqs.Event {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	evs := tr.pending
	tr.pending = nil
	return evs
}

// ALPN implements [ghqs.Transport].
func (tr *Transport) ALPN() string {
	return tr.alpn
}

// CreateBidiStream implements [ghqs.Transport].
func (tr *Transport) CreateBidiStream() (ghqs.StreamID, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	id := tr.nextBidi
	tr.nextBidi += 4
	tr.rec(id)
	return id, nil
}

// CreateUniStream implements [ghqs.Transport].
func (tr *Transport) CreateUniStream() (ghqs.StreamID, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.uniCredit == 0 {
		return 0, fmt.Errorf("unidirectional stream credit exhausted")
	}
	if tr.uniCredit > 0 {
		tr.uniCredit--
	}
	id := tr.nextUni
	tr.nextUni += 4
	tr.rec(id)
	return id, nil
}

// WriteChain implements [ghqs.Transport].
// Acceptance is bounded by the stream's send window; FIN only takes
// effect when every byte is accepted.
func (tr *Transport) WriteChain(id ghqs.StreamID, b []byte, fin bool) (int, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	r := tr.rec(id)
	if r.ResetSent {
		return 0, fmt.Errorf("write on reset stream %d", id)
	}

	accepted := uint64(len(b))
	if accepted > r.window {
		accepted = r.window
	}
	r.Written.Write(b[:accepted])
	r.window -= accepted

	if fin && accepted == uint64(len(b)) {
		r.FinSent = true
	}

	tr.fireCoveredDeliveries(id, r)
	return int(accepted), nil
}

func (tr *Transport) fireCoveredDeliveries(id ghqs.StreamID, r *StreamRecord) {
	if !tr.AutoAck {
		return
	}
	written := uint64(r.Written.Len())
	var remaining []uint64
	for _, off := range r.deliveryRegs {
		if off <= written {
			tr.pending = append(tr.pending, ghqs.EventDelivery{ID: id, Offset: off})
		} else {
			remaining = append(remaining, off)
		}
	}
	r.deliveryRegs = remaining
}

// RegisterDeliveryCallback implements [ghqs.Transport].
func (tr *Transport) RegisterDeliveryCallback(id ghqs.StreamID, offset uint64) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	r := tr.rec(id)
	r.deliveryRegs = append(r.deliveryRegs, offset)
	tr.fireCoveredDeliveries(id, r)
	return nil
}

// StreamSendWindow implements [ghqs.Transport].
func (tr *Transport) StreamSendWindow(id ghqs.StreamID) (uint64, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.rec(id).window, nil
}

// StreamWriteOffset implements [ghqs.Transport].
func (tr *Transport) StreamWriteOffset(id ghqs.StreamID) (uint64, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return uint64(tr.rec(id).Written.Len()), nil
}

// NotifyPendingWrite implements [ghqs.Transport].
func (tr *Transport) NotifyPendingWrite() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.AutoGrant {
		return
	}
	tr.pending = append(tr.pending, ghqs.EventWriteReady{MaxBytes: tr.GrantBytes})
}

// ResetStream implements [ghqs.Transport].
func (tr *Transport) ResetStream(id ghqs.StreamID, code ghqwire.ErrorCode) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	r := tr.rec(id)
	r.ResetSent = true
	r.ResetCode = code
	return nil
}

// StopSending implements [ghqs.Transport].
func (tr *Transport) StopSending(id ghqs.StreamID, code ghqwire.ErrorCode) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	r := tr.rec(id)
	r.StopSent = true
	r.StopCode = code
	return nil
}

// PauseRead implements [ghqs.Transport].
func (tr *Transport) PauseRead(id ghqs.StreamID) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.rec(id).Paused = true
	return nil
}

// ResumeRead implements [ghqs.Transport].
func (tr *Transport) ResumeRead(id ghqs.StreamID) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.rec(id).Paused = false
	return nil
}

// SendDataExpired implements [ghqs.Transport].
func (tr *Transport) SendDataExpired(id ghqs.StreamID, streamOffset uint64) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	r := tr.rec(id)
	r.DataExpiredAt = append(r.DataExpiredAt, streamOffset)
	return nil
}

// SendDataRejected implements [ghqs.Transport].
func (tr *Transport) SendDataRejected(id ghqs.StreamID, streamOffset uint64) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	r := tr.rec(id)
	r.DataRejectedAt = append(r.DataRejectedAt, streamOffset)
	return nil
}

// Close implements [ghqs.Transport].
func (tr *Transport) Close(code ghqwire.ErrorCode, msg string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.Closed = true
	tr.CloseCode = code
	tr.CloseMsg = msg
	return nil
}
