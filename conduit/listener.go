package conduit

import (
	"context"
	"net"

	"golang.org/x/net/netutil"

	"github.com/clustermesh/conduit/worker"
)

// Acceptor runs the accept loop for inbound member connections, handing
// each completed handshake to onAccept. It is a thin wrapper over
// net.Listener with a concurrent-connection ceiling applied via
// golang.org/x/net/netutil.LimitListener, the way a cluster-facing
// listener needs to bound worst-case fan-in independent of the
// per-connection async queue limits.
type Acceptor struct {
	worker.Worker

	ln     net.Listener
	cfg    Config
	collab Collaborators
	local  Identity

	ackGroup *AckGroup

	onAccept func(*Connection)
	onError  func(error)
}

// NewAcceptor wraps ln with a maxConns ceiling (0 disables the ceiling)
// and prepares it to serve.
func NewAcceptor(ln net.Listener, maxConns int, cfg Config, collaborators Collaborators, local Identity, ackGroup *AckGroup, onAccept func(*Connection), onError func(error)) *Acceptor {
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return &Acceptor{
		ln:       ln,
		cfg:      cfg,
		collab:   collaborators,
		local:    local,
		ackGroup: ackGroup,
		onAccept: onAccept,
		onError:  onError,
	}
}

// Serve runs the accept loop until Stop is called or Accept fails; any
// Accept error other than one caused by Stop is passed to onError and ends
// the loop. Each accepted socket's
// handshake runs in its own goroutine so one slow or hostile peer can't
// stall acceptance of the next connection.
func (a *Acceptor) Serve(ctx context.Context) {
	a.Go(func() {
		for {
			raw, err := a.ln.Accept()
			if err != nil {
				select {
				case <-a.HaltCh():
					return
				default:
				}
				if a.onError != nil {
					a.onError(err)
				}
				return
			}

			a.Go(func() {
				conn, err := NewReceiverConnection(ctx, a.cfg, a.collab, a.local, raw, a.ackGroup)
				if err != nil {
					if a.onError != nil {
						a.onError(err)
					}
					return
				}
				if a.onAccept != nil {
					a.onAccept(conn)
				}
			})
		}
	})
}

// Stop closes the listener and waits for in-flight accept/handshake
// goroutines to finish.
func (a *Acceptor) Stop() error {
	a.Halt()
	err := a.ln.Close()
	a.Wait()
	return err
}
