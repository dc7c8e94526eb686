package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{Length: 0, Type: NormalMsgType, ID: NoMessageID},
		{Length: 9, Type: NormalMsgType, ID: NoMessageID, DirectAck: true},
		{Length: 2, Type: ChunkedMsgType, ID: 7},
		{Length: 1, Type: EndChunkedMsgType, ID: 7},
		{Length: MaxMsgSize, Type: NormalMsgType, ID: 1234},
	}

	for _, want := range cases {
		buf := make([]byte, HeaderSize)
		n, err := Pack(buf, want)
		require.NoError(t, err)
		require.Equal(t, HeaderSize, n)

		got, err := Unpack(buf)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestPackRejectsOversizedPayload(t *testing.T) {
	buf := make([]byte, HeaderSize)
	_, err := Pack(buf, Header{Length: MaxMsgSize + 1, Type: NormalMsgType})
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestUnpackRejectsBadVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 0x06 // version nibble in the top byte of the length word
	_, err := Unpack(buf)
	require.ErrorIs(t, err, ErrProtocolVersionMismatch)
}

func TestUnpackRejectsUnknownType(t *testing.T) {
	buf := make([]byte, HeaderSize)
	_, err := Pack(buf, Header{Length: 1, Type: NormalMsgType})
	require.NoError(t, err)
	buf[4] = 0x99
	_, err = Unpack(buf)
	require.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestVarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40} {
		buf := AppendVarint(nil, v)
		got, n, err := ConsumeVarint(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}
