package ghqs

import "github.com/gordian-engine/ghq/ghqwire"

// Event is one transport notification delivered to the session loop.
// The concrete types below mirror the transport's read-side callbacks.
type Event interface {
	isEvent()
}

// EventNewBidiStream reports a peer-initiated bidirectional stream.
type EventNewBidiStream struct {
	ID StreamID
}

// EventNewUniStream reports a peer-initiated unidirectional stream.
type EventNewUniStream struct {
	ID StreamID
}

// EventStreamData delivers received bytes, preserving arrival order
// per stream. FIN marks the final delivery.
type EventStreamData struct {
	ID   StreamID
	Data []byte
	FIN  bool
}

// EventReadError reports a failed read half. If Reset is true the peer
// sent RESET_STREAM with the given application code.
type EventReadError struct {
	ID    StreamID
	Reset bool
	Code  ghqwire.ErrorCode
	Err   error
}

// EventStopSending reports a peer STOP_SENDING for our egress half.
type EventStopSending struct {
	ID   StreamID
	Code ghqwire.ErrorCode
}

// EventFlowControlUpdate reports newly available send credit
// on a stream.
type EventFlowControlUpdate struct {
	ID StreamID
}

// EventWriteReady grants the session a connection-level write budget,
// in response to [Transport.NotifyPendingWrite].
type EventWriteReady struct {
	MaxBytes uint64
}

// EventWriteError reports a failed connection-level write.
type EventWriteError struct {
	Err error
}

// EventConnectionEnd reports an orderly connection close by the peer.
type EventConnectionEnd struct{}

// EventConnectionError reports a connection-fatal transport failure.
type EventConnectionError struct {
	Err error
}

// EventReplaySafe reports that the handshake has confirmed 0-RTT data.
type EventReplaySafe struct{}

// EventDelivery acknowledges that the peer received bytes up to Offset
// on the stream, for a previously registered delivery callback.
type EventDelivery struct {
	ID     StreamID
	Offset uint64
}

// EventDataExpired reports the peer skipped stream bytes below Offset
// (partial reliability, sender side advanced).
type EventDataExpired struct {
	ID     StreamID
	Offset uint64
}

// EventDataRejected reports the peer refused stream bytes below Offset
// (partial reliability, receiver side advanced).
type EventDataRejected struct {
	ID     StreamID
	Offset uint64
}

func (EventNewBidiStream) isEvent()     {}
func (EventNewUniStream) isEvent()      {}
func (EventStreamData) isEvent()        {}
func (EventReadError) isEvent()         {}
func (EventStopSending) isEvent()       {}
func (EventFlowControlUpdate) isEvent() {}
func (EventWriteReady) isEvent()        {}
func (EventWriteError) isEvent()        {}
func (EventConnectionEnd) isEvent()     {}
func (EventConnectionError) isEvent()   {}
func (EventReplaySafe) isEvent()        {}
func (EventDelivery) isEvent()          {}
func (EventDataExpired) isEvent()       {}
func (EventDataRejected) isEvent()      {}

// eventCall wraps a public API entry point for execution on the loop.
type eventCall struct {
	fn func()
}

func (eventCall) isEvent() {}

// Internal timer expirations post as events so they serialize with
// transport notifications.
type eventTxnTimeout struct {
	st *httpStream
}

type eventIdleTimeout struct{}

func (eventTxnTimeout) isEvent()  {}
func (eventIdleTimeout) isEvent() {}
