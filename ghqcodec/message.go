package ghqcodec

import (
	"fmt"
	"strconv"

	"golang.org/x/net/http/httpguts"
)

// HeaderField is one header name-value pair.
// Names are kept in lowercase for the H3 profile;
// the H1Q profiles write them as provided.
type HeaderField struct {
	Name  string
	Value string
}

// Message is the header section of one HTTP request or response,
// exchanged between the session core and the application handler.
type Message struct {
	// Request pseudo-fields. Empty on responses.
	Method    string
	Scheme    string
	Authority string
	Path      string

	// Response status. Zero on requests.
	Status int

	Headers []HeaderField

	// Set on an egress message to request connection teardown
	// after this exchange (the h1q-fb v1 drain latch).
	// On ingress it records that the peer sent "Connection: close".
	ConnectionClose bool
}

// IsRequest reports whether m carries request semantics.
func (m *Message) IsRequest() bool {
	return m.Status == 0
}

// GetHeader returns the first value of the named header, or "".
func (m *Message) GetHeader(name string) string {
	for _, f := range m.Headers {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Validate checks the header fields for tokens that may not
// appear on the wire.
func (m *Message) Validate() error {
	if m.IsRequest() {
		if m.Method == "" {
			return fmt.Errorf("request message missing method")
		}
		if !httpguts.ValidHeaderFieldValue(m.Path) {
			return fmt.Errorf("invalid request path %q", m.Path)
		}
	} else if m.Status < 100 || m.Status > 599 {
		return fmt.Errorf("response status %d out of range", m.Status)
	}

	for _, f := range m.Headers {
		if !httpguts.ValidHeaderFieldName(f.Name) {
			return fmt.Errorf("invalid header field name %q", f.Name)
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return fmt.Errorf("invalid value for header field %q", f.Name)
		}
	}
	return nil
}

// fieldsToMessage assembles a Message from a decoded field section,
// separating pseudo-headers from plain fields.
func fieldsToMessage(fields []HeaderField) (*Message, error) {
	m := new(Message)
	seenPlain := false
	for _, f := range fields {
		if len(f.Name) > 0 && f.Name[0] == ':' {
			if seenPlain {
				return nil, fmt.Errorf("pseudo-header %q after plain header field", f.Name)
			}
			switch f.Name {
			case ":method":
				m.Method = f.Value
			case ":scheme":
				m.Scheme = f.Value
			case ":authority":
				m.Authority = f.Value
			case ":path":
				m.Path = f.Value
			case ":status":
				st, err := strconv.Atoi(f.Value)
				if err != nil {
					return nil, fmt.Errorf("failed to parse :status %q: %w", f.Value, err)
				}
				m.Status = st
			default:
				return nil, fmt.Errorf("unknown pseudo-header %q", f.Name)
			}
			continue
		}

		seenPlain = true
		m.Headers = append(m.Headers, f)
	}
	return m, nil
}

// messageToFields flattens a Message back into a field section,
// pseudo-headers first.
func messageToFields(m *Message) []HeaderField {
	fields := make([]HeaderField, 0, len(m.Headers)+4)
	if m.IsRequest() {
		fields = append(fields, HeaderField{Name: ":method", Value: m.Method})
		if m.Scheme != "" {
			fields = append(fields, HeaderField{Name: ":scheme", Value: m.Scheme})
		}
		if m.Authority != "" {
			fields = append(fields, HeaderField{Name: ":authority", Value: m.Authority})
		}
		if m.Path != "" {
			fields = append(fields, HeaderField{Name: ":path", Value: m.Path})
		}
	} else {
		fields = append(fields, HeaderField{
			Name: ":status", Value: strconv.Itoa(m.Status),
		})
	}
	return append(fields, m.Headers...)
}
