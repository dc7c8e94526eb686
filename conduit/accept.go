package conduit

import (
	"context"
	"fmt"
	"net"

	"github.com/clustermesh/conduit/iofilter"
)

// NewReceiverConnection wraps an accepted socket and performs the
// receiver-side handshake (C6, spec §4.6): optionally upgrade to TLS
// server mode, then read the sender's preamble and reply.
func NewReceiverConnection(
	ctx context.Context,
	cfg Config,
	collaborators Collaborators,
	local Identity,
	raw net.Conn,
	ackGroup *AckGroup,
) (*Connection, error) {
	c := newConnection(cfg, collaborators, true)
	c.local = local
	c.ackGroup = ackGroup

	if cfg.UseSSL && collaborators.TLSFactory != nil {
		tlsCfg, err := collaborators.TLSFactory.ServerConfig()
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("conduit: server TLS config: %w", err)
		}
		filter, err := iofilter.NewTLSServer(ctx, raw, tlsCfg)
		if err != nil {
			raw.Close()
			return nil, &AuthenticationFailureError{Err: err}
		}
		c.filter = filter
	} else {
		c.filter = iofilter.NewPlain(raw)
	}

	if err := c.receiverHandshake(); err != nil {
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
	c.startReader()

	return c, nil
}
