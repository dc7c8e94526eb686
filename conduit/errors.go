package conduit

import (
	"errors"
	"fmt"

	"github.com/clustermesh/conduit/collab"
)

// ErrShutdown is returned by any blocking call that was aborted because the
// local system is cancelling, mirroring client2.ErrShutdown.
var ErrShutdown = errors.New("conduit: shutdown requested")

// ErrMemberLeft is returned by the sender retry loop when membership
// reports the remote gone or shunned mid-retry (spec §4.5's "stops with
// MemberLeft"); a local shutdown surfaces as ErrShutdown instead.
var ErrMemberLeft = errors.New("conduit: member left the view")

// ProtocolError wraps a wrong-handshake-version, bad-initial-byte,
// unknown-message-type, or header-overrun failure (spec §7). It is never
// retried.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("conduit: protocol error: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

func newProtocolError(f string, a ...interface{}) error {
	return &ProtocolError{Err: fmt.Errorf(f, a...)}
}

// HandshakeTimeoutError is returned when a sender's handshake reply didn't
// arrive within wire.HandshakeTimeout (spec §4.5). The retry loop decides
// whether to try again.
type HandshakeTimeoutError struct {
	Remote collab.MemberID
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("conduit: handshake timeout waiting for %s", e.Remote)
}

// ConnectionError is the user-visible failure surfaced by the send path
// (spec §7): "Not connected to X" or "Forced disconnect sent to X".
type ConnectionError struct {
	Remote collab.MemberID
	Reason string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("conduit: %s: %s", e.Reason, e.Remote)
}

func errNotConnected(remote collab.MemberID) error {
	return &ConnectionError{Remote: remote, Reason: "Not connected to"}
}

func errForcedDisconnect(remote collab.MemberID) error {
	return &ConnectionError{Remote: remote, Reason: "Forced disconnect sent to"}
}

// SlowReceiverError is returned when the async queue overflows
// asyncMaxQueueSize or the pusher stalls past asyncQueueTimeout (spec §7).
type SlowReceiverError struct {
	Remote collab.MemberID
}

func (e *SlowReceiverError) Error() string {
	return fmt.Sprintf("conduit: slow receiver %s force-disconnected", e.Remote)
}

// AckTimeoutError is raised when ackWaitTimeout elapses while waiting for a
// direct-ack reply (spec §7, §4.10).
type AckTimeoutError struct {
	Remote collab.MemberID
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("conduit: ack timeout waiting for reply from %s", e.Remote)
}

// AuthenticationFailureError wraps a rejected TLS handshake (spec §7),
// fatal and never retried.
type AuthenticationFailureError struct {
	Err error
}

func (e *AuthenticationFailureError) Error() string {
	return fmt.Sprintf("conduit: authentication failure: %v", e.Err)
}
func (e *AuthenticationFailureError) Unwrap() error { return e.Err }
