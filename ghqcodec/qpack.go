package ghqcodec

import (
	"bytes"
	"fmt"

	"github.com/quic-go/qpack"
)

// QPACK holds the connection-wide QPACK state shared by every H3
// request codec on one session: the insert count learned from the
// peer's encoder stream, and the pending acknowledgements to flush
// on our decoder stream.
//
// Field sections are encoded without dynamic-table references,
// so egress blocks always carry a zero required insert count.
// Ingress blocks may reference a required insert count above what the
// peer's encoder stream has delivered so far; those report as blocked
// until the encoder stream catches up.
type QPACK struct {
	// Our decoder's table capacity, from our local settings.
	// Determines the modulus for decoding required insert counts.
	decoderTableCapacity uint64

	// Peer's advertised table capacity, from their SETTINGS.
	// Retained for the encoder configuration.
	encoderTableCapacity uint64

	// Inserts observed on the peer's encoder stream.
	insertCount uint64

	// Increments not yet written to our decoder stream.
	pendingIncrement uint64
}

// NewQPACK returns QPACK state whose decoder table capacity is taken
// from the local header-table-size setting.
func NewQPACK(decoderTableCapacity uint64) *QPACK {
	return &QPACK{decoderTableCapacity: decoderTableCapacity}
}

// SetEncoderTableCapacity applies the peer's header-table-size setting.
func (q *QPACK) SetEncoderTableCapacity(c uint64) {
	q.encoderTableCapacity = c
}

// InsertCount returns the number of dynamic table inserts observed
// on the peer's encoder stream.
func (q *QPACK) InsertCount() uint64 {
	return q.insertCount
}

// EncodeHeaders encodes a field section referencing only the static
// table, with a zero required insert count.
func (q *QPACK) EncodeHeaders(fields []HeaderField) ([]byte, error) {
	var buf bytes.Buffer
	enc := qpack.NewEncoder(&buf)
	for _, f := range fields {
		if err := enc.WriteField(qpack.HeaderField{Name: f.Name, Value: f.Value}); err != nil {
			return nil, fmt.Errorf("failed to encode header field %q: %w", f.Name, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to close field section: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeHeaders decodes one complete encoded field section.
//
// If the section's required insert count exceeds the inserts observed
// so far, it returns blocked=true and the caller must retry after the
// peer encoder stream delivers more instructions.
func (q *QPACK) DecodeHeaders(block []byte) (fields []HeaderField, blocked bool, err error) {
	encRIC, n, err := readPrefixedInt(block, 8)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read required insert count: %w", err)
	}
	if n == 0 {
		return nil, false, fmt.Errorf("field section shorter than its prefix")
	}
	rest := block[n:]

	// Delta base: sign bit plus 7-bit prefix integer.
	_, m, err := readPrefixedInt(rest, 7)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read delta base: %w", err)
	}
	if m == 0 {
		return nil, false, fmt.Errorf("field section missing delta base")
	}
	rest = rest[m:]

	ric, err := q.decodeRequiredInsertCount(encRIC)
	if err != nil {
		return nil, false, err
	}
	if ric > q.insertCount {
		return nil, true, nil
	}

	// The third-party decoder only accepts sections with a zero prefix,
	// so re-frame the remaining field lines under one.
	zeroPrefixed := make([]byte, 0, len(rest)+2)
	zeroPrefixed = append(zeroPrefixed, 0, 0)
	zeroPrefixed = append(zeroPrefixed, rest...)

	dec := qpack.NewDecoder(func(qpack.HeaderField) {})
	hfs, err := dec.DecodeFull(zeroPrefixed)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode field section: %w", err)
	}

	fields = make([]HeaderField, len(hfs))
	for i, f := range hfs {
		fields[i] = HeaderField{Name: f.Name, Value: f.Value}
	}

	return fields, false, nil
}

func (q *QPACK) maxEntries() uint64 {
	return q.decoderTableCapacity / 32
}

// decodeRequiredInsertCount reverses the wrapped encoding of the
// required insert count in a field section prefix.
func (q *QPACK) decodeRequiredInsertCount(encoded uint64) (uint64, error) {
	if encoded == 0 {
		return 0, nil
	}
	fullRange := 2 * q.maxEntries()
	if fullRange == 0 || encoded > fullRange {
		return 0, fmt.Errorf(
			"encoded insert count %d out of range (table capacity %d)",
			encoded, q.decoderTableCapacity,
		)
	}

	maxValue := q.insertCount + q.maxEntries()
	maxWrapped := (maxValue / fullRange) * fullRange
	ric := maxWrapped + encoded - 1

	if ric > maxValue {
		if ric <= fullRange {
			return 0, fmt.Errorf("required insert count %d underflows its wrap range", ric)
		}
		ric -= fullRange
	}
	if ric == 0 {
		return 0, fmt.Errorf("nonzero encoded insert count decoded to zero")
	}
	return ric, nil
}

// encodeRequiredInsertCount is the inverse of decodeRequiredInsertCount.
// Used by tests to craft sections that block on a future insert count.
func (q *QPACK) encodeRequiredInsertCount(ric uint64) uint64 {
	if ric == 0 {
		return 0
	}
	return ric%(2*q.maxEntries()) + 1
}

// PrefixForInsertCount returns a field section prefix (required insert
// count plus a zero delta base) declaring a dependency on ric inserts.
func (q *QPACK) PrefixForInsertCount(ric uint64) []byte {
	b := appendPrefixedInt(nil, 8, 0, q.encodeRequiredInsertCount(ric))
	return appendPrefixedInt(b, 7, 0, 0)
}

// OnEncoderStreamData consumes instructions from the peer's encoder
// stream, advancing the insert count. It returns the number of bytes
// consumed; a trailing partial instruction is left for the next call.
func (q *QPACK) OnEncoderStreamData(b []byte) (int, error) {
	consumed := 0
	for consumed < len(b) {
		n, inserts, err := parseEncoderInstruction(b[consumed:])
		if err != nil {
			return consumed, err
		}
		if n == 0 {
			break
		}
		consumed += n
		q.insertCount += inserts
		q.pendingIncrement += inserts
	}
	return consumed, nil
}

// OnDecoderStreamData consumes instructions from the peer's decoder
// stream (section acks, stream cancellations, insert count increments).
// The static-only encoder has no state to update from them.
func (q *QPACK) OnDecoderStreamData(b []byte) (int, error) {
	consumed := 0
	for consumed < len(b) {
		rem := b[consumed:]
		var prefix uint8
		switch {
		case rem[0]&0x80 != 0: // Section acknowledgement.
			prefix = 7
		case rem[0]&0x40 != 0: // Stream cancellation.
			prefix = 6
		default: // Insert count increment.
			prefix = 6
		}
		_, n, err := readPrefixedInt(rem, prefix)
		if err != nil {
			return consumed, fmt.Errorf("failed to parse decoder stream instruction: %w", err)
		}
		if n == 0 {
			break
		}
		consumed += n
	}
	return consumed, nil
}

// TakeInsertCountIncrement drains the pending acknowledgement as an
// encoded Insert Count Increment instruction for our decoder stream,
// or nil if nothing is pending.
func (q *QPACK) TakeInsertCountIncrement() []byte {
	if q.pendingIncrement == 0 {
		return nil
	}
	inc := q.pendingIncrement
	q.pendingIncrement = 0
	return appendPrefixedInt(nil, 6, 0x00, inc)
}

// AppendInsertWithLiteralName appends an Insert With Literal Name
// encoder instruction to b. Used by tests and by peers exercising the
// dynamic table toward our decoder.
func AppendInsertWithLiteralName(b []byte, name, value string) []byte {
	b = appendPrefixedInt(b, 5, 0x40, uint64(len(name)))
	b = append(b, name...)
	b = appendPrefixedInt(b, 7, 0x00, uint64(len(value)))
	return append(b, value...)
}

// parseEncoderInstruction parses a single peer encoder instruction.
// It returns the bytes consumed and how many table inserts it implies.
// Zero consumed means the instruction is incomplete.
func parseEncoderInstruction(b []byte) (consumed int, inserts uint64, err error) {
	if len(b) == 0 {
		return 0, 0, nil
	}

	switch {
	case b[0]&0x80 != 0:
		// Insert with name reference: 6-bit name index, then value string.
		_, n, err := readPrefixedInt(b, 6)
		if err != nil || n == 0 {
			return 0, 0, err
		}
		m, err := skipString(b[n:], 7)
		if err != nil || m == 0 {
			return 0, 0, err
		}
		return n + m, 1, nil

	case b[0]&0x40 != 0:
		// Insert with literal name: name string (5-bit), then value string.
		n, err := skipString(b, 5)
		if err != nil || n == 0 {
			return 0, 0, err
		}
		m, err := skipString(b[n:], 7)
		if err != nil || m == 0 {
			return 0, 0, err
		}
		return n + m, 1, nil

	case b[0]&0x20 != 0:
		// Set dynamic table capacity: no insert.
		_, n, err := readPrefixedInt(b, 5)
		if err != nil {
			return 0, 0, err
		}
		return n, 0, nil

	default:
		// Duplicate: one insert.
		_, n, err := readPrefixedInt(b, 5)
		if err != nil {
			return 0, 0, err
		}
		return n, 1, nil
	}
}

// skipString advances past a length-prefixed string literal whose
// length integer uses the given prefix (the bit above the prefix is
// the Huffman flag). Returns zero if the string is incomplete.
func skipString(b []byte, prefix uint8) (int, error) {
	l, n, err := readPrefixedInt(b, prefix)
	if err != nil || n == 0 {
		return 0, err
	}
	if uint64(len(b)-n) < l {
		return 0, nil
	}
	return n + int(l), nil
}

// readPrefixedInt decodes an integer with an N-bit prefix.
// Zero consumed means more bytes are needed.
func readPrefixedInt(b []byte, prefix uint8) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, nil
	}

	mask := uint64(1)<<prefix - 1
	v := uint64(b[0]) & mask
	if v < mask {
		return v, 1, nil
	}

	// Continuation bytes.
	var shift uint
	for i := 1; i < len(b); i++ {
		c := b[i]
		v += uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
		if shift > 62 {
			return 0, 0, fmt.Errorf("prefixed integer overflows")
		}
	}
	return 0, 0, nil
}

// appendPrefixedInt encodes v with an N-bit prefix,
// ORing pattern into the first byte's high bits.
func appendPrefixedInt(b []byte, prefix uint8, pattern byte, v uint64) []byte {
	mask := uint64(1)<<prefix - 1
	if v < mask {
		return append(b, pattern|byte(v))
	}
	b = append(b, pattern|byte(mask))
	v -= mask
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}
