package conduit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clustermesh/conduit/wire"
)

func TestPreambleRoundTripsOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	want := preamble{
		identity:       Identity{ID: "member-a", Addr: "10.0.0.1:9000"},
		shared:         true,
		preserveOrder:  false,
		uniqueID:       -42,
		versionOrdinal: 1721234567,
		dominoCount:    3,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- writePreamble(client, want) }()

	got, err := readPreamble(server)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	require.Equal(t, want.identity, got.identity)
	require.Equal(t, want.shared, got.shared)
	require.Equal(t, want.preserveOrder, got.preserveOrder)
	require.Equal(t, want.uniqueID, got.uniqueID)
	require.Equal(t, want.versionOrdinal, got.versionOrdinal)
	require.Equal(t, want.dominoCount, got.dominoCount)
}

func TestReplyRoundTripPlainOK(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- writeReply(client, wire.ReplyCodeOK, nil) }()

	code, async, err := readReply(server)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, wire.ReplyCodeOK, code)
	require.Nil(t, async)
}

func TestReplyRoundTripWithAsyncInfo(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	want := &AsyncInfo{
		DistributionTimeout: 5000 * time.Millisecond,
		QueueTimeout:        9000 * time.Millisecond,
		MaxQueueSize:        1 << 20,
		VersionOrdinal:      1721234567,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- writeReply(client, wire.ReplyCodeOKWithAsyncInfo, want) }()

	code, async, err := readReply(server)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, wire.ReplyCodeOKWithAsyncInfo, code)
	require.Equal(t, want.DistributionTimeout, async.DistributionTimeout)
	require.Equal(t, want.QueueTimeout, async.QueueTimeout)
	require.Equal(t, want.MaxQueueSize, async.MaxQueueSize)
	require.Equal(t, want.VersionOrdinal, async.VersionOrdinal)
}

func TestReadPreambleRejectsBadInitialByte(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write([]byte{0x99, wire.HandshakeVersion})

	_, err := readPreamble(server)
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}
