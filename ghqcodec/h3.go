package ghqcodec

import (
	"bytes"
	"fmt"

	"github.com/gordian-engine/ghq/ghqwire"
	"github.com/quic-go/quic-go/quicvarint"
)

// H3Codec frames one request stream (or push stream) in the H3 profile:
// HEADERS and DATA frames with QPACK field sections,
// plus PUSH_PROMISE on the upstream ingress side.
//
// The QPACK state is shared across every codec on the session,
// so a field section blocked on the peer's encoder stream
// reports zero bytes consumed until the session unblocks it.
type H3Codec struct {
	dir Direction
	cb  RequestCallbacks
	qp  *QPACK

	// Ingress DATA (or unknown-frame skip) payload still expected.
	dataRemaining uint64
	skipRemaining uint64

	headersDone  bool
	trailersDone bool
	msgComplete  bool
}

// NewH3Codec returns a codec for one H3 request or push stream.
// qp is the session's shared QPACK state.
func NewH3Codec(dir Direction, qp *QPACK, cb RequestCallbacks) *H3Codec {
	return &H3Codec{dir: dir, qp: qp, cb: cb}
}

// OnIngress implements [RequestCodec].
func (c *H3Codec) OnIngress(b []byte) (int, error) {
	consumed := 0
	for consumed < len(b) {
		rem := b[consumed:]

		if c.dataRemaining > 0 {
			take := min(uint64(len(rem)), c.dataRemaining)
			c.dataRemaining -= take
			consumed += int(take)
			c.cb.OnBody(rem[:take])
			continue
		}
		if c.skipRemaining > 0 {
			take := min(uint64(len(rem)), c.skipRemaining)
			c.skipRemaining -= take
			consumed += int(take)
			continue
		}

		hdr, n, err := ghqwire.ParseFrameHeader(rem)
		if err != nil {
			return consumed, codecErrf(ghqwire.ErrorGeneralProtocolError,
				"bad frame header: %v", err)
		}
		if n == 0 {
			// Incomplete header; wait for more bytes.
			break
		}

		switch hdr.Type {
		case ghqwire.FrameTypeData:
			if !c.headersDone {
				return consumed, codecErrf(ghqwire.ErrorUnexpectedFrame,
					"DATA frame before HEADERS")
			}
			if c.trailersDone {
				return consumed, codecErrf(ghqwire.ErrorUnexpectedFrame,
					"DATA frame after trailers")
			}
			consumed += n
			c.dataRemaining = hdr.Length

		case ghqwire.FrameTypeHeaders:
			if c.trailersDone {
				return consumed, codecErrf(ghqwire.ErrorUnexpectedFrame,
					"HEADERS frame after trailers")
			}
			if uint64(len(rem)-n) < hdr.Length {
				// Field sections decode whole; wait for the full frame.
				return consumed, nil
			}
			block := rem[n : n+int(hdr.Length)]
			fields, blocked, err := c.qp.DecodeHeaders(block)
			if err != nil {
				return consumed, codecErrf(ghqwire.ErrorGeneralProtocolError,
					"bad field section: %v", err)
			}
			if blocked {
				return consumed, nil
			}
			consumed += n + int(hdr.Length)

			if !c.headersDone {
				c.headersDone = true
				msg, err := fieldsToMessage(fields)
				if err != nil {
					return consumed, codecErrf(ghqwire.ErrorGeneralProtocolError,
						"bad header section: %v", err)
				}
				c.cb.OnHeadersComplete(msg)
			} else {
				c.trailersDone = true
				trailers := make([]HeaderField, 0, len(fields))
				for _, f := range fields {
					if len(f.Name) > 0 && f.Name[0] == ':' {
						return consumed, codecErrf(ghqwire.ErrorGeneralProtocolError,
							"pseudo-header %q in trailers", f.Name)
					}
					trailers = append(trailers, f)
				}
				c.cb.OnTrailers(trailers)
			}

		case ghqwire.FrameTypePushPromise:
			if c.dir != TransmitRequests {
				return consumed, codecErrf(ghqwire.ErrorMalformedFramePushPromise,
					"PUSH_PROMISE received on the server side")
			}
			if uint64(len(rem)-n) < hdr.Length {
				return consumed, nil
			}
			payload := rem[n : n+int(hdr.Length)]
			pushID, m, err := ghqwire.ParseVarint(payload)
			if err != nil || m == 0 {
				return consumed, codecErrf(ghqwire.ErrorMalformedFramePushPromise,
					"PUSH_PROMISE missing push ID")
			}
			fields, blocked, err := c.qp.DecodeHeaders(payload[m:])
			if err != nil {
				return consumed, codecErrf(ghqwire.ErrorMalformedFramePushPromise,
					"bad promised field section: %v", err)
			}
			if blocked {
				return consumed, nil
			}
			consumed += n + int(hdr.Length)

			msg, err := fieldsToMessage(fields)
			if err != nil || !msg.IsRequest() {
				return consumed, codecErrf(ghqwire.ErrorMalformedFramePushPromise,
					"promised headers do not form a request")
			}
			c.cb.OnPushPromise(pushID, msg)

		case ghqwire.FrameTypeSettings, ghqwire.FrameTypeGoAway,
			ghqwire.FrameTypeCancelPush, ghqwire.FrameTypeMaxPushID:
			return consumed, codecErrf(ghqwire.ErrorUnexpectedFrame,
				"%s frame on a request stream", hdr.Type)

		default:
			// Unknown frame types are skipped.
			consumed += n
			c.skipRemaining = hdr.Length
		}
	}
	return consumed, nil
}

// OnIngressEOF implements [RequestCodec]. In H3 the message ends with
// the stream FIN; an EOF inside a frame is a protocol error.
func (c *H3Codec) OnIngressEOF() error {
	if c.dataRemaining > 0 || c.skipRemaining > 0 {
		return codecErrf(ghqwire.ErrorGeneralProtocolError,
			"stream ended inside a frame (%d bytes short)",
			c.dataRemaining+c.skipRemaining)
	}
	if !c.headersDone {
		return codecErrf(ghqwire.ErrorIncompleteRequest,
			"stream ended before a header section")
	}
	if !c.msgComplete {
		c.msgComplete = true
		c.cb.OnMessageComplete()
	}
	return nil
}

// OnIngressSkip realigns the parser after the transport skipped n
// stream bytes (partial reliability). The skipped range must fall
// within the current DATA frame payload.
func (c *H3Codec) OnIngressSkip(n uint64) error {
	if n > c.dataRemaining {
		return codecErrf(ghqwire.ErrorGeneralProtocolError,
			"skip of %d bytes crosses a frame boundary", n)
	}
	c.dataRemaining -= n
	return nil
}

// GenerateHeader implements [RequestCodec].
func (c *H3Codec) GenerateHeader(buf *bytes.Buffer, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	block, err := c.qp.EncodeHeaders(messageToFields(msg))
	if err != nil {
		return err
	}
	buf.Write(ghqwire.AppendFrameHeader(nil, ghqwire.FrameTypeHeaders, uint64(len(block))))
	buf.Write(block)
	return nil
}

// GenerateBody implements [RequestCodec].
func (c *H3Codec) GenerateBody(buf *bytes.Buffer, body []byte) error {
	if len(body) == 0 {
		return nil
	}
	buf.Write(ghqwire.AppendFrameHeader(nil, ghqwire.FrameTypeData, uint64(len(body))))
	buf.Write(body)
	return nil
}

// GenerateTrailers implements [RequestCodec].
func (c *H3Codec) GenerateTrailers(buf *bytes.Buffer, trailers []HeaderField) error {
	block, err := c.qp.EncodeHeaders(trailers)
	if err != nil {
		return err
	}
	buf.Write(ghqwire.AppendFrameHeader(nil, ghqwire.FrameTypeHeaders, uint64(len(block))))
	buf.Write(block)
	return nil
}

// GenerateEOM implements [RequestCodec].
// End of message in H3 is the transport FIN; no frame is emitted.
func (c *H3Codec) GenerateEOM(*bytes.Buffer) error {
	return nil
}

// GeneratePushPromise implements [RequestCodec].
func (c *H3Codec) GeneratePushPromise(buf *bytes.Buffer, pushID uint64, msg *Message) error {
	if c.dir != TransmitResponses {
		return fmt.Errorf("only the server side may send PUSH_PROMISE")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	block, err := c.qp.EncodeHeaders(messageToFields(msg))
	if err != nil {
		return err
	}
	payload := quicvarint.Append(nil, pushID)
	payload = append(payload, block...)
	buf.Write(ghqwire.AppendFrameHeader(nil, ghqwire.FrameTypePushPromise, uint64(len(payload))))
	buf.Write(payload)
	return nil
}
