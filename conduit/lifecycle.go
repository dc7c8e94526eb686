package conduit

// Close tears the connection down (C12, spec §4.12) and waits for its
// background goroutines to exit. It is fail-safe and idempotent:
// concurrent or repeated calls all observe the same single teardown.
func (c *Connection) Close() error {
	retErr := c.closeWithReason(CloseReasonGraceful, nil)
	c.Wait()
	c.stopped.Store(true)
	return retErr
}

// closeWithReason is the single teardown path every error return, timer
// firing, and explicit Close funnels through. Only the first call has any
// effect; the recorded reason is whichever call won the race, mirroring
// bufpool.Lease.Release's fail-safe idempotent pattern.
//
// It deliberately does not call (*Worker).Wait: the reader and pusher
// goroutines call this on their own read/write error, and a goroutine
// tracked by Wait can't block on its own completion. Callers outside
// those goroutines — Close, RequestDisconnect — wait explicitly
// afterward instead.
func (c *Connection) closeWithReason(reason CloseReason, err error) error {
	var retErr error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.closeReason.Store(int32(reason))
		c.connected.Store(false)

		if err != nil {
			c.log.Debug("closing connection", "remote", c.remote, "reason", reason, "err", err)
		} else {
			c.log.Debug("closing connection", "remote", c.remote, "reason", reason)
		}

		c.Halt()

		if c.filter != nil {
			if cerr := c.filter.Close(); cerr != nil && retErr == nil {
				retErr = cerr
			}
		}
		if c.outQueue != nil {
			c.outQueue.Close()
		}
		if c.collab.Table != nil {
			c.collab.Table.Remove(c.remote, c.shared, c.preserveOrder, c.isReceiver)
		}
		if c.ackGroup != nil {
			c.ackGroup.Leave(c)
		}
	})

	return retErr
}

// Closed reports whether Close (or an internal teardown) has started.
func (c *Connection) Closed() bool {
	return c.closing.Load()
}

// RequestDisconnect marks a graceful disconnect request, used by the
// caller to ask a connection to wind down without treating it as a
// failure (spec §4.12's distinction between a fail-safe close and an
// operator-requested one).
func (c *Connection) RequestDisconnect() error {
	c.disconnectReq.Store(true)
	retErr := c.closeWithReason(CloseReasonForcedDisconnect, errForcedDisconnect(c.remote))
	c.Wait()
	c.stopped.Store(true)
	return retErr
}
