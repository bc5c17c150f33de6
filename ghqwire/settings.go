package ghqwire

import (
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// SettingID identifies one entry in a SETTINGS frame.
type SettingID uint64

const (
	SettingHeaderTableSize     SettingID = 0x01
	SettingMaxHeaderListSize   SettingID = 0x06
	SettingQPACKBlockedStreams SettingID = 0x07
	SettingNumPlaceholders     SettingID = 0x09
)

// Settings is the recognized subset of a peer's (or our own) SETTINGS.
//
// NumPlaceholders is parsed and retained but never acted on.
type Settings struct {
	HeaderTableSize     uint64
	MaxHeaderListSize   uint64
	QPACKBlockedStreams uint64
	NumPlaceholders     uint64
}

// DefaultSettings returns the settings announced when the application
// does not override them.
func DefaultSettings() Settings {
	return Settings{
		HeaderTableSize:     4096,
		MaxHeaderListSize:   1 << 17,
		QPACKBlockedStreams: 100,
	}
}

// AppendFrame appends a complete SETTINGS frame for s.
// Zero-valued entries are omitted.
func (s Settings) AppendFrame(b []byte) []byte {
	var payload []byte
	appendPair := func(id SettingID, v uint64) {
		payload = quicvarint.Append(payload, uint64(id))
		payload = quicvarint.Append(payload, v)
	}
	if s.HeaderTableSize > 0 {
		appendPair(SettingHeaderTableSize, s.HeaderTableSize)
	}
	if s.MaxHeaderListSize > 0 {
		appendPair(SettingMaxHeaderListSize, s.MaxHeaderListSize)
	}
	if s.QPACKBlockedStreams > 0 {
		appendPair(SettingQPACKBlockedStreams, s.QPACKBlockedStreams)
	}
	if s.NumPlaceholders > 0 {
		appendPair(SettingNumPlaceholders, s.NumPlaceholders)
	}

	b = AppendFrameHeader(b, FrameTypeSettings, uint64(len(payload)))
	return append(b, payload...)
}

// ParseSettingsPayload parses the payload of a SETTINGS frame.
// Unrecognized identifiers are skipped.
func ParseSettingsPayload(payload []byte) (Settings, error) {
	var s Settings
	for len(payload) > 0 {
		id, n, err := ParseVarint(payload)
		if err != nil {
			return s, err
		}
		if n == 0 {
			return s, fmt.Errorf("truncated setting identifier (%d trailing bytes)", len(payload))
		}
		payload = payload[n:]

		v, n, err := ParseVarint(payload)
		if err != nil {
			return s, err
		}
		if n == 0 {
			return s, fmt.Errorf("truncated setting value for id 0x%x", id)
		}
		payload = payload[n:]

		switch SettingID(id) {
		case SettingHeaderTableSize:
			s.HeaderTableSize = v
		case SettingMaxHeaderListSize:
			s.MaxHeaderListSize = v
		case SettingQPACKBlockedStreams:
			s.QPACKBlockedStreams = v
		case SettingNumPlaceholders:
			s.NumPlaceholders = v
		default:
			// Skip unknown settings.
		}
	}
	return s, nil
}
