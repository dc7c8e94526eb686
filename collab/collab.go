// Package collab defines the external collaborators the connection
// subsystem depends on but does not implement: membership, the
// distribution manager, the serialization engine, the connection table, and
// the socket/TLS factories. spec.md §1 names these as out of scope for the
// connection subsystem itself; this package gives them a concrete Go shape
// so Connection can be built and tested against them, the way
// client2.Client exposes pluggable hooks (DialContextFn, OnConnFn) rather
// than hard-coding one behavior.
package collab

import (
	"context"
	"crypto/tls"
	"net"
)

// MemberID identifies a cluster member. Connections are keyed by MemberID
// once the handshake has filled it in.
type MemberID string

// Membership answers liveness questions about a remote member and lets the
// connection subsystem escalate suspicion. It is supplied by the caller;
// this module never decides membership on its own.
type Membership interface {
	// Exists reports whether id is still a known member of the view.
	Exists(id MemberID) bool
	// Shunned reports whether the local node has already decided id is
	// gone and will reject its traffic.
	Shunned(id MemberID) bool
	// ShutdownInProgress reports whether the local node is stopping.
	ShutdownInProgress() bool
	// Suspect starts a failure-detection probe against id for the given
	// reason.
	Suspect(id MemberID, reason string)
	// ForceRemove asks membership to evict id immediately (used by the
	// slow-receiver disconnect path, spec §4.12).
	ForceRemove(id MemberID, reason string) error
	// RegisterSurpriseMember registers id as a member the local node
	// didn't already know about, idempotently.
	RegisterSurpriseMember(id MemberID) error
}

// Distributor is the message-object sink a successfully parsed or
// reassembled frame is handed to (spec §4.7, §4.4). It also exposes the
// cancellation criterion the connection observes at every suspension point.
type Distributor interface {
	// Dispatch delivers a fully deserialized message object from remote.
	Dispatch(remote MemberID, msg interface{}) error
	// ReplyDispatch delivers a direct-ack reply to the processor the
	// caller of ReadAck supplied (spec §4.10).
	ReplyDispatch(remote MemberID, reply interface{}) error
	// CancelInProgress reports whether the local system is shutting down;
	// the reader/writer/pusher loops observe this at every suspension
	// point and abort without further reporting (spec §5).
	CancelInProgress() bool
}

// Serializer turns message objects into wire bytes and back. The default
// implementation is collab.CBORSerializer.
type Serializer interface {
	Serialize(msg interface{}) ([]byte, error)
	Deserialize(payload []byte) (interface{}, error)
}

// ConnectionTable pools and indexes live connections by remote member,
// ordering, and sharing mode. Lifecycle (C12) removes a closing connection
// from it using the (shared, preserveOrder, isReceiver) tuple.
type ConnectionTable interface {
	// Remove unindexes a connection under every key it was registered
	// under. It must be idempotent.
	Remove(remote MemberID, shared, preserveOrder, isReceiver bool)
}

// SocketCreator opens outbound TCP sockets and accepts inbound ones. The
// default implementation (collab.TCPSocketCreator) just wraps net.Dialer /
// net.Listener.
type SocketCreator interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
	Listen(addr string) (net.Listener, error)
}

// TLSEngineFactory produces a *tls.Config for a connection role. Splitting
// this out of SocketCreator mirrors spec §1's naming of "the TLS engine
// factory" as its own collaborator, and lets a caller hand out different
// certificates per remote without touching the dialer.
type TLSEngineFactory interface {
	ClientConfig(remote MemberID) (*tls.Config, error)
	ServerConfig() (*tls.Config, error)
}
