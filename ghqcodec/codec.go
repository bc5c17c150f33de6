package ghqcodec

import "bytes"

// RequestCallbacks receives parsed ingress events from a [RequestCodec].
//
// Callbacks are invoked synchronously from within OnIngress or
// OnIngressEOF, on the caller's goroutine.
type RequestCallbacks interface {
	OnHeadersComplete(msg *Message)
	OnBody(b []byte)
	OnTrailers(trailers []HeaderField)
	OnMessageComplete()

	// OnPushPromise is only invoked by the H3 codec,
	// on the upstream side of a request stream.
	OnPushPromise(pushID uint64, msg *Message)
}

// RequestCodec translates between stream bytes and HTTP events for
// a single request stream (or push stream).
//
// OnIngress returns the number of bytes consumed from b.
// Zero with a nil error means the codec cannot make progress yet,
// either because b does not hold a complete unit
// or because header decoding is blocked on out-of-band state;
// the caller retries later with at least the same bytes.
type RequestCodec interface {
	OnIngress(b []byte) (int, error)
	OnIngressEOF() error

	GenerateHeader(buf *bytes.Buffer, msg *Message) error
	GenerateBody(buf *bytes.Buffer, body []byte) error
	GenerateTrailers(buf *bytes.Buffer, trailers []HeaderField) error
	GenerateEOM(buf *bytes.Buffer) error

	// GeneratePushPromise is only supported by the H3 codec,
	// on the downstream side.
	GeneratePushPromise(buf *bytes.Buffer, pushID uint64, msg *Message) error
}

// Direction tells a codec whether its egress half writes requests
// or responses.
type Direction int

const (
	// TransmitRequests: the local side sends requests (client).
	TransmitRequests Direction = iota
	// TransmitResponses: the local side sends responses (server).
	TransmitResponses
)
