package ghqs

import "github.com/gordian-engine/ghq/ghqwire"

// StreamID is a QUIC stream identifier.
type StreamID uint64

// IsBidi reports whether the stream is bidirectional.
func (id StreamID) IsBidi() bool {
	return id&0x2 == 0
}

// InitiatedByClient reports whether the client opened the stream.
func (id StreamID) InitiatedByClient() bool {
	return id&0x1 == 0
}

// PushID identifies one server push, linking the promise on a request
// stream to the unidirectional stream carrying the pushed response.
type PushID uint64

// Transport is the QUIC surface the session core drives.
// Implementations deliver their inputs to the session as [Event]
// values via [Session.Deliver]; these methods are the outputs.
//
// All methods are invoked from the session's loop goroutine.
type Transport interface {
	// ALPN returns the negotiated application protocol token.
	ALPN() string

	CreateBidiStream() (StreamID, error)
	CreateUniStream() (StreamID, error)

	// WriteChain appends b to the stream's transport send queue,
	// optionally terminating it. It returns how many bytes were
	// accepted; the caller requeues the remainder.
	WriteChain(id StreamID, b []byte, fin bool) (int, error)

	// RegisterDeliveryCallback arranges an [EventDelivery] for the
	// stream once the peer has acknowledged bytes up to offset.
	RegisterDeliveryCallback(id StreamID, offset uint64) error

	// StreamSendWindow returns the stream's currently available
	// flow-control credit.
	StreamSendWindow(id StreamID) (uint64, error)

	// StreamWriteOffset returns the number of bytes committed to the
	// stream so far.
	StreamWriteOffset(id StreamID) (uint64, error)

	// NotifyPendingWrite requests a future [EventWriteReady].
	NotifyPendingWrite()

	ResetStream(id StreamID, code ghqwire.ErrorCode) error
	StopSending(id StreamID, code ghqwire.ErrorCode) error

	PauseRead(id StreamID) error
	ResumeRead(id StreamID) error

	// Partial reliability extension.
	SendDataExpired(id StreamID, streamOffset uint64) error
	SendDataRejected(id StreamID, streamOffset uint64) error

	// Close terminates the connection with an application error.
	// Only the session calls Close.
	Close(code ghqwire.ErrorCode, msg string) error
}
