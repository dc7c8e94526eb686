package collab

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// CBORSerializer is the default Serializer, encoding message objects with
// github.com/fxamacker/cbor/v2 the same way client/cborplugin's
// incomingConn wraps a net.Conn in a cbor.Encoder/cbor.Decoder.
type CBORSerializer struct{}

// Serialize implements Serializer.
func (CBORSerializer) Serialize(msg interface{}) ([]byte, error) {
	return cbor.Marshal(msg)
}

// Deserialize implements Serializer. It decodes into a generic map/slice
// shape; callers needing a concrete type should type-assert or re-decode
// the returned value with cbor.Unmarshal on the raw payload via a typed
// wrapper Serializer instead.
func (CBORSerializer) Deserialize(payload []byte) (interface{}, error) {
	var v interface{}
	if err := cbor.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// InMemoryMembership is a test/reference Membership backed by a mutex-
// guarded set. It never probes anything on its own; Suspect calls are just
// recorded for assertions.
type InMemoryMembership struct {
	mu           sync.Mutex
	members      map[MemberID]bool
	shunned      map[MemberID]bool
	suspected    []MemberID
	forceRemoved []MemberID
	shutdown     bool
}

// NewInMemoryMembership returns a Membership seeded with the given members.
func NewInMemoryMembership(members ...MemberID) *InMemoryMembership {
	m := &InMemoryMembership{
		members: make(map[MemberID]bool),
		shunned: make(map[MemberID]bool),
	}
	for _, id := range members {
		m.members[id] = true
	}
	return m
}

// Exists implements Membership.
func (m *InMemoryMembership) Exists(id MemberID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[id]
}

// Shunned implements Membership.
func (m *InMemoryMembership) Shunned(id MemberID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shunned[id]
}

// ShutdownInProgress implements Membership.
func (m *InMemoryMembership) ShutdownInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// SetShutdownInProgress marks the local node as stopping, for tests.
func (m *InMemoryMembership) SetShutdownInProgress(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = v
}

// Suspect implements Membership.
func (m *InMemoryMembership) Suspect(id MemberID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspected = append(m.suspected, id)
}

// Suspected returns the members Suspect has been called on, in call order.
func (m *InMemoryMembership) Suspected() []MemberID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemberID, len(m.suspected))
	copy(out, m.suspected)
	return out
}

// ForceRemove implements Membership.
func (m *InMemoryMembership) ForceRemove(id MemberID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, id)
	m.shunned[id] = true
	m.forceRemoved = append(m.forceRemoved, id)
	return nil
}

// ForceRemoved returns the members ForceRemove has been called on, in call
// order.
func (m *InMemoryMembership) ForceRemoved() []MemberID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemberID, len(m.forceRemoved))
	copy(out, m.forceRemoved)
	return out
}

// RegisterSurpriseMember implements Membership.
func (m *InMemoryMembership) RegisterSurpriseMember(id MemberID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shunned[id] {
		return fmt.Errorf("collab: %s is shunned", id)
	}
	m.members[id] = true
	return nil
}

// TCPSocketCreator is the default SocketCreator, a thin wrapper over
// net.Dialer/net.Listen.
type TCPSocketCreator struct {
	Dialer net.Dialer
}

// Dial implements SocketCreator.
func (c *TCPSocketCreator) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return c.Dialer.DialContext(ctx, "tcp", addr)
}

// Listen implements SocketCreator.
func (c *TCPSocketCreator) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// StaticTLSFactory returns the same *tls.Config for every client and server
// request. Suitable for a single-certificate cluster deployment or tests.
type StaticTLSFactory struct {
	Client *tls.Config
	Server *tls.Config
}

// ClientConfig implements TLSEngineFactory.
func (f *StaticTLSFactory) ClientConfig(remote MemberID) (*tls.Config, error) {
	return f.Client, nil
}

// ServerConfig implements TLSEngineFactory.
func (f *StaticTLSFactory) ServerConfig() (*tls.Config, error) {
	return f.Server, nil
}
