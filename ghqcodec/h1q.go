package ghqcodec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/gordian-engine/ghq/ghqwire"
)

// h1qIngressState tracks where the H1Q parser is within one message.
type h1qIngressState int

const (
	h1qStateHeaders h1qIngressState = iota
	h1qStateBodyLength
	h1qStateBodyToEOF
	h1qStateChunkSize
	h1qStateChunkData
	h1qStateChunkCRLF
	h1qStateChunkTrailers
	h1qStateComplete
)

// H1QCodec frames one request stream in the legacy h1q profiles:
// plain HTTP/1.1 text over the QUIC stream.
//
// Egress bodies use Content-Length framing when the caller supplies
// that header, and chunked transfer encoding otherwise.
type H1QCodec struct {
	dir Direction
	cb  RequestCallbacks

	state         h1qIngressState
	bodyRemaining uint64
	trailerBuf    []byte

	egressChunked bool
	headerSent    bool
}

// NewH1QCodec returns a codec for one h1q request stream.
func NewH1QCodec(dir Direction, cb RequestCallbacks) *H1QCodec {
	return &H1QCodec{dir: dir, cb: cb}
}

// OnIngress implements [RequestCodec].
func (c *H1QCodec) OnIngress(b []byte) (int, error) {
	consumed := 0
	for consumed < len(b) {
		rem := b[consumed:]

		switch c.state {
		case h1qStateHeaders:
			end := bytes.Index(rem, []byte("\r\n\r\n"))
			if end < 0 {
				return consumed, nil
			}
			if err := c.parseHeaderBlock(rem[:end]); err != nil {
				return consumed, err
			}
			consumed += end + 4

		case h1qStateBodyLength:
			take := min(uint64(len(rem)), c.bodyRemaining)
			c.bodyRemaining -= take
			consumed += int(take)
			c.cb.OnBody(rem[:take])
			if c.bodyRemaining == 0 {
				c.state = h1qStateComplete
				c.cb.OnMessageComplete()
			}

		case h1qStateBodyToEOF:
			consumed += len(rem)
			c.cb.OnBody(rem)

		case h1qStateChunkSize:
			line := bytes.Index(rem, []byte("\r\n"))
			if line < 0 {
				return consumed, nil
			}
			sizeText := string(rem[:line])
			if i := strings.IndexByte(sizeText, ';'); i >= 0 {
				sizeText = sizeText[:i] // Drop chunk extensions.
			}
			size, err := strconv.ParseUint(strings.TrimSpace(sizeText), 16, 62)
			if err != nil {
				return consumed, codecErrf(ghqwire.ErrorGeneralProtocolError,
					"bad chunk size line %q", sizeText)
			}
			consumed += line + 2
			if size == 0 {
				c.state = h1qStateChunkTrailers
			} else {
				c.bodyRemaining = size
				c.state = h1qStateChunkData
			}

		case h1qStateChunkData:
			take := min(uint64(len(rem)), c.bodyRemaining)
			c.bodyRemaining -= take
			consumed += int(take)
			c.cb.OnBody(rem[:take])
			if c.bodyRemaining == 0 {
				c.state = h1qStateChunkCRLF
			}

		case h1qStateChunkCRLF:
			if len(rem) < 2 {
				return consumed, nil
			}
			if rem[0] != '\r' || rem[1] != '\n' {
				return consumed, codecErrf(ghqwire.ErrorGeneralProtocolError,
					"missing CRLF after chunk data")
			}
			consumed += 2
			c.state = h1qStateChunkSize

		case h1qStateChunkTrailers:
			end := bytes.Index(rem, []byte("\r\n"))
			if end < 0 {
				return consumed, nil
			}
			if end == 0 {
				// Blank line: trailers done, message done.
				consumed += 2
				c.state = h1qStateComplete
				if len(c.trailerBuf) > 0 {
					trailers, err := parseFieldLines(c.trailerBuf)
					if err != nil {
						return consumed, err
					}
					c.cb.OnTrailers(trailers)
					c.trailerBuf = nil
				}
				c.cb.OnMessageComplete()
				continue
			}
			c.trailerBuf = append(c.trailerBuf, rem[:end+2]...)
			consumed += end + 2

		case h1qStateComplete:
			// Extra bytes after the message are the session's concern;
			// report them unconsumed.
			return consumed, nil

		default:
			panic(fmt.Errorf("BUG: unhandled h1q ingress state %d", c.state))
		}
	}
	return consumed, nil
}

// parseHeaderBlock parses the start line plus field lines
// (without the terminating blank line) and fires OnHeadersComplete.
func (c *H1QCodec) parseHeaderBlock(block []byte) error {
	lineEnd := bytes.Index(block, []byte("\r\n"))
	startLine := block
	var fieldBlock []byte
	if lineEnd >= 0 {
		startLine = block[:lineEnd]
		fieldBlock = block[lineEnd+2:]
	}

	msg := new(Message)
	parts := strings.SplitN(string(startLine), " ", 3)

	if c.dir == TransmitRequests {
		// We transmit requests, so ingress is a response status line.
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
			return codecErrf(ghqwire.ErrorGeneralProtocolError,
				"bad status line %q", startLine)
		}
		st, err := strconv.Atoi(parts[1])
		if err != nil {
			return codecErrf(ghqwire.ErrorGeneralProtocolError,
				"bad status code %q", parts[1])
		}
		msg.Status = st
	} else {
		if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
			return codecErrf(ghqwire.ErrorGeneralProtocolError,
				"bad request line %q", startLine)
		}
		msg.Method = parts[0]
		msg.Path = parts[1]
	}

	fields, err := parseFieldLines(fieldBlock)
	if err != nil {
		return err
	}

	var contentLength uint64
	var haveLength, chunked bool
	for _, f := range fields {
		switch strings.ToLower(f.Name) {
		case "content-length":
			cl, err := strconv.ParseUint(f.Value, 10, 62)
			if err != nil {
				return codecErrf(ghqwire.ErrorGeneralProtocolError,
					"bad content-length %q", f.Value)
			}
			contentLength = cl
			haveLength = true
		case "transfer-encoding":
			chunked = strings.EqualFold(f.Value, "chunked")
		case "connection":
			if strings.EqualFold(f.Value, "close") {
				msg.ConnectionClose = true
			}
		case "host":
			msg.Authority = f.Value
		}
	}
	msg.Headers = fields

	switch {
	case chunked:
		c.state = h1qStateChunkSize
	case haveLength && contentLength > 0:
		c.bodyRemaining = contentLength
		c.state = h1qStateBodyLength
	case msg.IsRequest() || (haveLength && contentLength == 0):
		// Requests without a declared body, and explicitly empty
		// messages, complete at the header boundary.
		c.state = h1qStateComplete
	default:
		// Response without length framing: body runs to EOF.
		c.state = h1qStateBodyToEOF
	}

	c.cb.OnHeadersComplete(msg)
	if c.state == h1qStateComplete {
		c.cb.OnMessageComplete()
	}
	return nil
}

func parseFieldLines(block []byte) ([]HeaderField, error) {
	var fields []HeaderField
	for len(block) > 0 {
		end := bytes.Index(block, []byte("\r\n"))
		line := block
		if end >= 0 {
			line = block[:end]
			block = block[end+2:]
		} else {
			block = nil
		}
		if len(line) == 0 {
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return nil, codecErrf(ghqwire.ErrorGeneralProtocolError,
				"header line %q missing colon", line)
		}
		fields = append(fields, HeaderField{
			Name:  string(line[:colon]),
			Value: string(bytes.TrimSpace(line[colon+1:])),
		})
	}
	return fields, nil
}

// OnIngressEOF implements [RequestCodec].
func (c *H1QCodec) OnIngressEOF() error {
	switch c.state {
	case h1qStateComplete:
		return nil
	case h1qStateBodyToEOF:
		c.state = h1qStateComplete
		c.cb.OnMessageComplete()
		return nil
	case h1qStateHeaders:
		return codecErrf(ghqwire.ErrorIncompleteRequest,
			"stream ended before a complete header block")
	default:
		return codecErrf(ghqwire.ErrorIncompleteRequest,
			"stream ended inside the message body")
	}
}

// GenerateHeader implements [RequestCodec].
func (c *H1QCodec) GenerateHeader(buf *bytes.Buffer, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	if msg.IsRequest() {
		path := msg.Path
		if path == "" {
			path = "/"
		}
		fmt.Fprintf(buf, "%s %s HTTP/1.1\r\n", msg.Method, path)
		if msg.Authority != "" && msg.GetHeader("Host") == "" {
			fmt.Fprintf(buf, "Host: %s\r\n", msg.Authority)
		}
	} else {
		fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\n", msg.Status, statusText(msg.Status))
	}

	haveLength := false
	for _, f := range msg.Headers {
		if strings.EqualFold(f.Name, "Content-Length") {
			haveLength = true
		}
		fmt.Fprintf(buf, "%s: %s\r\n", f.Name, f.Value)
	}

	if !haveLength {
		buf.WriteString("Transfer-Encoding: chunked\r\n")
		c.egressChunked = true
	}
	if msg.ConnectionClose {
		buf.WriteString("Connection: close\r\n")
	}

	buf.WriteString("\r\n")
	c.headerSent = true
	return nil
}

// GenerateBody implements [RequestCodec].
func (c *H1QCodec) GenerateBody(buf *bytes.Buffer, body []byte) error {
	if !c.headerSent {
		return fmt.Errorf("body generated before headers")
	}
	if len(body) == 0 {
		return nil
	}
	if c.egressChunked {
		fmt.Fprintf(buf, "%x\r\n", len(body))
		buf.Write(body)
		buf.WriteString("\r\n")
		return nil
	}
	buf.Write(body)
	return nil
}

// GenerateTrailers implements [RequestCodec].
// Trailers require chunked framing; they are folded into the
// terminal chunk, so GenerateEOM must still follow.
func (c *H1QCodec) GenerateTrailers(buf *bytes.Buffer, trailers []HeaderField) error {
	if !c.egressChunked {
		return fmt.Errorf("trailers require chunked framing")
	}
	buf.WriteString("0\r\n")
	for _, f := range trailers {
		fmt.Fprintf(buf, "%s: %s\r\n", f.Name, f.Value)
	}
	buf.WriteString("\r\n")
	c.egressChunked = false // Terminal chunk already written.
	return nil
}

// GenerateEOM implements [RequestCodec].
func (c *H1QCodec) GenerateEOM(buf *bytes.Buffer) error {
	if c.egressChunked {
		buf.WriteString("0\r\n\r\n")
		c.egressChunked = false
	}
	return nil
}

// GeneratePushPromise implements [RequestCodec].
// The h1q profiles have no push.
func (c *H1QCodec) GeneratePushPromise(*bytes.Buffer, uint64, *Message) error {
	return fmt.Errorf("push is not supported on the h1q profiles")
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
