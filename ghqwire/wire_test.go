package ghqwire_test

import (
	"testing"

	"github.com/gordian-engine/ghq/ghqwire"
	"github.com/quic-go/quic-go/quicvarint"
	"github.com/stretchr/testify/require"
)

func TestStreamType_grease(t *testing.T) {
	t.Parallel()

	require.True(t, ghqwire.StreamType(0x21).IsGrease())
	require.True(t, ghqwire.StreamType(0x21+0x1f).IsGrease())
	require.True(t, ghqwire.StreamType(0x21+7*0x1f).IsGrease())

	require.False(t, ghqwire.StreamTypeControl.IsGrease())
	require.False(t, ghqwire.StreamTypePush.IsGrease())
	require.False(t, ghqwire.StreamTypeQPACKEncoder.IsGrease())
	require.False(t, ghqwire.StreamTypeH1QControl.IsGrease())
}

func TestParseVarint_incomplete(t *testing.T) {
	t.Parallel()

	// An 8-byte varint delivered one byte short must report zero consumed.
	full := quicvarint.Append(nil, quicvarint.Max)
	require.Len(t, full, 8)

	v, n, err := ghqwire.ParseVarint(full[:7])
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, v)

	v, n, err = ghqwire.ParseVarint(full)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, uint64(quicvarint.Max), v)
}

func TestFrameHeader_roundTrip(t *testing.T) {
	t.Parallel()

	b := ghqwire.AppendFrameHeader(nil, ghqwire.FrameTypeHeaders, 300)
	hdr, n, err := ghqwire.ParseFrameHeader(b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.Equal(t, ghqwire.FrameTypeHeaders, hdr.Type)
	require.Equal(t, uint64(300), hdr.Length)

	// Split delivery: incomplete header parses as zero consumed.
	_, n, err = ghqwire.ParseFrameHeader(b[:1])
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestGoAway_roundTrip(t *testing.T) {
	t.Parallel()

	b := ghqwire.AppendGoAway(nil, ghqwire.MaxStreamID)
	hdr, n, err := ghqwire.ParseFrameHeader(b)
	require.NoError(t, err)
	require.Equal(t, ghqwire.FrameTypeGoAway, hdr.Type)

	id, err := ghqwire.ParseGoAway(b[n:])
	require.NoError(t, err)
	require.Equal(t, ghqwire.MaxStreamID, id)

	_, err = ghqwire.ParseGoAway(append(b[n:], 0))
	require.Error(t, err)
}

func TestSettings_roundTrip(t *testing.T) {
	t.Parallel()

	in := ghqwire.Settings{
		HeaderTableSize:     4096,
		MaxHeaderListSize:   1 << 14,
		QPACKBlockedStreams: 12,
		NumPlaceholders:     8,
	}

	b := in.AppendFrame(nil)
	hdr, n, err := ghqwire.ParseFrameHeader(b)
	require.NoError(t, err)
	require.Equal(t, ghqwire.FrameTypeSettings, hdr.Type)
	require.Equal(t, uint64(len(b)-n), hdr.Length)

	out, err := ghqwire.ParseSettingsPayload(b[n:])
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestSettings_skipsUnknown(t *testing.T) {
	t.Parallel()

	payload := quicvarint.Append(nil, 0x4040) // Unknown identifier.
	payload = quicvarint.Append(payload, 9)
	payload = quicvarint.Append(payload, uint64(ghqwire.SettingHeaderTableSize))
	payload = quicvarint.Append(payload, 2048)

	s, err := ghqwire.ParseSettingsPayload(payload)
	require.NoError(t, err)
	require.Equal(t, uint64(2048), s.HeaderTableSize)
}

func TestMalformedFrame(t *testing.T) {
	t.Parallel()

	require.Equal(t, ghqwire.ErrorCode(0x105), ghqwire.ErrorMalformedFramePushPromise)
	require.Equal(t, "HTTP_MALFORMED_FRAME_PUSH_PROMISE", ghqwire.ErrorMalformedFramePushPromise.String())
}
