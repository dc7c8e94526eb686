package conduit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/clustermesh/conduit/collab"
	"github.com/clustermesh/conduit/iofilter"
	"github.com/clustermesh/conduit/wire"
)

// NewSenderConnection dials remoteAddr and performs the sender-side
// handshake (C5, spec §4.5): connect within the configured 6x-member
// timeout (or its override), wrap the socket in TLS if cfg.UseSSL, then
// exchange the handshake preamble/reply.
//
// exclusiveOwner marks this connection as owned synchronously by one
// caller rather than fed by a background reader loop — only such
// connections may use Send's directAck=true path, since a concurrently
// running reader would race it for the ack frame off the same socket
// (see DESIGN.md's direct-ack entry). Connections used for ordinary
// asynchronous push traffic should pass false so they also receive
// inbound replies, control frames, and participate in idle tracking.
func NewSenderConnection(
	ctx context.Context,
	cfg Config,
	collaborators Collaborators,
	local Identity,
	remote collab.MemberID,
	remoteAddr string,
	socketCreator collab.SocketCreator,
	shared, preserveOrder, exclusiveOwner bool,
	ackGroup *AckGroup,
) (*Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()

	raw, err := socketCreator.Dial(dialCtx, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("conduit: dial %s: %w", remoteAddr, err)
	}

	c := newConnection(cfg, collaborators, false)
	c.local = local
	c.remote = remote
	c.shared = shared
	c.preserveOrder = preserveOrder
	c.uniqueID = nextUniqueID()
	c.ackGroup = ackGroup

	if cfg.UseSSL && collaborators.TLSFactory != nil {
		tlsCfg, err := collaborators.TLSFactory.ClientConfig(remote)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("conduit: client TLS config for %s: %w", remote, err)
		}
		filter, err := iofilter.NewTLSClient(ctx, raw, tlsCfg)
		if err != nil {
			raw.Close()
			return nil, &AuthenticationFailureError{Err: err}
		}
		c.filter = filter
	} else {
		c.filter = iofilter.NewPlain(raw)
	}

	if err := c.senderHandshake(localVersionOrdinal); err != nil {
		c.filter.Close()
		return nil, err
	}

	if ackGroup != nil {
		ackGroup.Join(c)
	}

	c.setState(StateIdle)
	c.startScheduler()
	if c.asyncMode.Load() {
		c.startPusher()
	}
	if !exclusiveOwner {
		c.startReader()
	}

	return c, nil
}

// DialSenderWithRetry wraps NewSenderConnection with the sender-side retry
// loop spec §4.5 mandates: a TLS handshake failure or a ProtocolError is
// never retried, but a plain I/O error (dial failure, handshake timeout,
// reset) is retried every wire.ReconnectWaitTime while membership still has
// the remote in view and hasn't shunned it. If retrying continues past
// ackWaitTimeout the remote is reported suspect; past
// ackWaitTimeout+ackSATimeout a severe alert is logged once and retrying
// continues regardless (escalation doesn't stop the loop — only the remote
// leaving the view or being shunned, surfacing as ErrMemberLeft, the local
// node shutting down, surfacing as ErrShutdown, or ctx being done does).
//
// Grounded on client2/connection.go's doConnect: a for-loop around one dial
// attempt, backed off on failure, that gives up only when the remote's
// descriptor genuinely disappears or the connection is halted.
func DialSenderWithRetry(
	ctx context.Context,
	cfg Config,
	collaborators Collaborators,
	local Identity,
	remote collab.MemberID,
	remoteAddr string,
	socketCreator collab.SocketCreator,
	shared, preserveOrder, exclusiveOwner bool,
	ackGroup *AckGroup,
) (*Connection, error) {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "conduit/dial",
	})

	start := time.Now()
	suspected := false
	severeAlerted := false

	for {
		if m := collaborators.Membership; m != nil {
			if m.ShutdownInProgress() {
				return nil, fmt.Errorf("conduit: connect to %s: %w", remote, ErrShutdown)
			}
			if m.Shunned(remote) || !m.Exists(remote) {
				return nil, fmt.Errorf("conduit: connect to %s: %w", remote, ErrMemberLeft)
			}
		}

		c, err := NewSenderConnection(ctx, cfg, collaborators, local, remote, remoteAddr, socketCreator, shared, preserveOrder, exclusiveOwner, ackGroup)
		if err == nil {
			return c, nil
		}

		var authErr *AuthenticationFailureError
		if errors.As(err, &authErr) {
			return nil, err
		}
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			return nil, err
		}

		logger.Warn("connect attempt failed, will retry", "remote", remote, "err", err)

		elapsed := time.Since(start)
		if cfg.AckWaitThreshold > 0 && elapsed >= cfg.AckWaitThreshold && !suspected {
			suspected = true
			if collaborators.Membership != nil {
				collaborators.Membership.Suspect(remote, "connect retry exceeded ack-wait threshold")
			}
		}
		if cfg.AckSevereAlertThreshold > 0 && !severeAlerted && elapsed >= cfg.AckWaitThreshold+cfg.AckSevereAlertThreshold {
			severeAlerted = true
			logger.Error("severe alert: still unable to connect past ack-wait+severe-alert threshold", "remote", remote, "waited", elapsed)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wire.ReconnectWaitTime):
		}
	}
}
