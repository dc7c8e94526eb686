package conduit

import "time"

// scheduler runs the periodic timeout/suspicion checks (C11, spec §4.11):
// idle-timeout, and the severe-alert escalation for a transmission that's
// been stuck in Sending/ReadingAck far longer than ackWaitTimeout.
type scheduler struct {
	tickInterval time.Duration
}

const defaultSchedulerTick = 1 * time.Second

// startScheduler launches the timeout/suspicion ticker.
func (c *Connection) startScheduler() {
	c.scheduler = &scheduler{tickInterval: defaultSchedulerTick}
	if c.scheduler.tickInterval > c.idleTimeout && c.idleTimeout > 0 {
		c.scheduler.tickInterval = c.idleTimeout / 4
	}

	c.Go(func() {
		ticker := time.NewTicker(c.scheduler.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.HaltCh():
				return
			case <-ticker.C:
				c.checkIdleTimeout()
				c.checkAckEscalation()
			}
		}
	})
}

// checkIdleTimeout closes the connection if it participates in idle
// tracking (spec §3: unordered shared connections never idle-close) and
// hasn't been accessed recently.
func (c *Connection) checkIdleTimeout() {
	if c.idleTimeout <= 0 || !c.participatesInIdleTimeout() {
		return
	}
	if c.accessed.CompareAndSwap(true, false) {
		return
	}
	if c.State() == StateIdle && c.stateAge() >= c.idleTimeout {
		c.closeWithReason(CloseReasonIdleTimeout, nil)
	}
}

func (c *Connection) stateAge() time.Duration {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.transmissionStartTime.IsZero() {
		return 0
	}
	return time.Since(c.transmissionStartTime)
}

// checkAckEscalation fires the ack-wait and severe-alert thresholds for a
// transmission that's been in flight too long (spec §4.11). The ack-wait
// timer fires at ackWaitTimeout after transmissionStartTime, logs a warning
// naming the remote and the connection waiting on it, and — only if
// ackSATimeout > 0 — asks membership to suspect the remote. The
// severe-alert timer fires at ackWaitTimeout+ackSATimeout, logs a fatal
// alert, and bumps every other member of the ack-connection-group so one
// slow peer doesn't trigger a cascade of simultaneous severe alerts. Each
// fires at most once per transmission (the flags reset in setState when the
// connection leaves Sending/ReadingAck).
func (c *Connection) checkAckEscalation() {
	if c.ackWaitTimeout <= 0 {
		return
	}
	st := c.State()
	if st != StateSending && st != StateReadingAck {
		return
	}
	age := c.stateAge()
	if age < c.ackWaitTimeout {
		return
	}

	if c.ackWaitWarned.CompareAndSwap(false, true) {
		c.log.Warn("ack wait threshold exceeded", "remote", c.remote, "state", st, "waited", age)
		if c.collab.Metrics != nil {
			c.collab.Metrics.AckTimeouts.WithLabelValues(string(c.remote)).Inc()
		}
		if c.ackSATimeout > 0 && c.collab.Membership != nil {
			c.collab.Membership.Suspect(c.remote, "ack wait threshold exceeded")
		}
	}

	if c.ackSATimeout <= 0 || age < c.ackWaitTimeout+c.ackSATimeout {
		return
	}

	if c.severeAlerted.CompareAndSwap(false, true) {
		c.log.Error("severe alert: remote unresponsive past ack-wait+severe-alert threshold", "remote", c.remote, "waited", age)
		if c.collab.Metrics != nil {
			c.collab.Metrics.SevereAlerts.WithLabelValues(string(c.remote)).Inc()
		}
		if c.ackGroup != nil {
			c.ackGroup.BumpOthers(c, c.ackSATimeout)
		}
	}
}
