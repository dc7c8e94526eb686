package conduit

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clustermesh/conduit/collab"
)

// testDistributor records every dispatched message and reply for
// assertions, and never cancels (spec's Distributor.CancelInProgress).
type testDistributor struct {
	mu       sync.Mutex
	messages []interface{}
	replies  []interface{}
	gotMsg   chan struct{}
}

func newTestDistributor() *testDistributor {
	return &testDistributor{gotMsg: make(chan struct{}, 64)}
}

func (d *testDistributor) Dispatch(remote collab.MemberID, msg interface{}) error {
	d.mu.Lock()
	d.messages = append(d.messages, msg)
	d.mu.Unlock()
	d.gotMsg <- struct{}{}
	return nil
}

func (d *testDistributor) ReplyDispatch(remote collab.MemberID, reply interface{}) error {
	d.mu.Lock()
	d.replies = append(d.replies, reply)
	d.mu.Unlock()
	return nil
}

func (d *testDistributor) CancelInProgress() bool { return false }

func (d *testDistributor) waitForMessage(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-d.gotMsg:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for dispatched message")
	}
}

func (d *testDistributor) Messages() []interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]interface{}, len(d.messages))
	copy(out, d.messages)
	return out
}

func testCollaborators(dist *testDistributor, table collab.ConnectionTable) Collaborators {
	return Collaborators{
		Membership:  collab.NewInMemoryMembership("member-a", "member-b"),
		Distributor: dist,
		Serializer:  collab.CBORSerializer{},
		Table:       table,
		Metrics:     nil,
	}
}

type noopTable struct{}

func (noopTable) Remove(remote collab.MemberID, shared, preserveOrder, isReceiver bool) {}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AckWaitThreshold = 2 * time.Second
	return cfg
}

// TestHandshakeAndMessageRoundTrip exercises scenario S1: a sender connects
// to a receiver's listener, the handshake completes, and a pushed message
// is dispatched on the receiving side.
func TestHandshakeAndMessageRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	recvDist := newTestDistributor()
	recvCollab := testCollaborators(recvDist, noopTable{})

	acceptedCh := make(chan *Connection, 1)
	acceptor := NewAcceptor(ln, 0, testConfig(), recvCollab, Identity{ID: "member-b", Addr: ln.Addr().String()}, nil,
		func(c *Connection) { acceptedCh <- c },
		func(err error) { t.Logf("accept error: %v", err) },
	)
	acceptor.Serve(context.Background())
	defer acceptor.Stop()

	sendDist := newTestDistributor()
	sendCollab := testCollaborators(sendDist, noopTable{})

	sender, err := NewSenderConnection(
		context.Background(), testConfig(), sendCollab,
		Identity{ID: "member-a", Addr: "127.0.0.1:0"},
		"member-b", ln.Addr().String(),
		&collab.TCPSocketCreator{}, false, true, false, nil,
	)
	require.NoError(t, err)
	defer sender.Close()

	var receiver *Connection
	select {
	case receiver = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
	defer receiver.Close()

	require.Equal(t, collab.MemberID("member-b"), sender.Remote())
	require.Equal(t, collab.MemberID("member-a"), receiver.Remote())

	require.NoError(t, sender.Send("hello-cluster", false))
	recvDist.waitForMessage(t, 2*time.Second)
	require.Equal(t, []interface{}{"hello-cluster"}, recvDist.Messages())
	require.Equal(t, uint64(1), sender.MessagesSent())
}

// TestDirectAckRoundTrip exercises the direct-ack request/reply path
// (spec §4.10): the sender blocks in ReadingAck until the receiver's
// reader loop both dispatches the message and writes back the minimal
// ack frame.
func TestDirectAckRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	recvDist := newTestDistributor()
	recvCollab := testCollaborators(recvDist, noopTable{})

	acceptedCh := make(chan *Connection, 1)
	acceptor := NewAcceptor(ln, 0, testConfig(), recvCollab, Identity{ID: "member-b"}, nil,
		func(c *Connection) { acceptedCh <- c },
		func(err error) { t.Logf("accept error: %v", err) },
	)
	acceptor.Serve(context.Background())
	defer acceptor.Stop()

	sendDist := newTestDistributor()
	sendCollab := testCollaborators(sendDist, noopTable{})

	// exclusiveOwner=true: this connection is used only for synchronous
	// direct-ack sends, so no background reader competes for ack bytes.
	sender, err := NewSenderConnection(
		context.Background(), testConfig(), sendCollab,
		Identity{ID: "member-a"},
		"member-b", ln.Addr().String(),
		&collab.TCPSocketCreator{}, false, true, true, nil,
	)
	require.NoError(t, err)
	defer sender.Close()

	select {
	case <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}

	require.NoError(t, sender.Send("ping", true))
	recvDist.waitForMessage(t, 2*time.Second)
	require.Equal(t, []interface{}{"ping"}, recvDist.Messages())
	require.Equal(t, StateReceivedAck, sender.State())
}

// TestSlowReceiverOverflowForceDisconnects exercises the async queue's
// overflow path (spec §4.9 step 4): once queuedBytes exceeds
// asyncMaxQueueSize the connection force-disconnects rather than growing
// without bound.
func TestSlowReceiverOverflowForceDisconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	recvDist := newTestDistributor()
	recvCollab := testCollaborators(recvDist, noopTable{})
	acceptedCh := make(chan *Connection, 1)
	acceptor := NewAcceptor(ln, 0, testConfig(), recvCollab, Identity{ID: "member-b"}, nil,
		func(c *Connection) { acceptedCh <- c }, nil,
	)
	acceptor.Serve(context.Background())
	defer acceptor.Stop()

	sendDist := newTestDistributor()
	membership := collab.NewInMemoryMembership("member-a", "member-b")
	sendCollab := testCollaborators(sendDist, noopTable{})
	sendCollab.Membership = membership

	sender, err := NewSenderConnection(
		context.Background(), testConfig(), sendCollab,
		Identity{ID: "member-a"},
		"member-b", ln.Addr().String(),
		&collab.TCPSocketCreator{}, false, true, false, nil,
	)
	require.NoError(t, err)
	defer sender.Close()

	select {
	case <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}

	// Force async mode and a tiny queue ceiling directly, bypassing the
	// negotiated handshake value, to make overflow reachable without
	// needing a genuinely slow peer.
	sender.asyncMode.Store(true)
	sender.asyncQueuing.Store(true)
	sender.asyncMaxQueueSize = 8
	sender.startPusher()

	var lastErr error
	for i := 0; i < 64; i++ {
		if lastErr = sender.Send(fmt.Sprintf("payload-%02d", i), false); lastErr != nil {
			break
		}
	}
	require.Error(t, lastErr)
	var sre *SlowReceiverError
	require.ErrorAs(t, lastErr, &sre)
	require.Eventually(t, func() bool {
		return len(membership.ForceRemoved()) == 1
	}, 4*time.Second, 10*time.Millisecond, "expected membership.ForceRemove to be called for the slow receiver")
	require.Equal(t, []collab.MemberID{"member-b"}, membership.ForceRemoved())
}
