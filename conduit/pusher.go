package conduit

import (
	"time"

	"github.com/clustermesh/conduit/queue"
)

// startPusher launches the async pusher goroutine (C9 continuation, spec
// §4.9): it wakes whenever the outgoing queue signals a new entry or
// close, and drains it in FIFO commit order onto the socket. Draining
// shares outLock with the sync writer so a frame is never interleaved
// mid-write.
func (c *Connection) startPusher() {
	c.outQueue = queue.New(string(c.remote), c.asyncMaxQueueSize, c.collab.Metrics)

	c.Go(func() {
		wake := c.outQueue.Wake()
		for {
			select {
			case <-c.HaltCh():
				c.drainQueueBestEffort()
				return
			case _, ok := <-wake:
				if !ok {
					return
				}
				if !c.drainQueueStep() {
					return
				}
			}
		}
	})
}

// drainQueueStep pops and writes every currently-pending entry. It
// returns false if a write failed and the connection should close.
func (c *Connection) drainQueueStep() bool {
	for {
		buf, ok := c.outQueue.Pop()
		if !ok {
			if c.outQueue.Len() == 0 {
				c.asyncQueuing.Store(false)
			}
			return true
		}

		c.outLock.Lock()
		conn := c.filter.Conn()
		conn.SetWriteDeadline(time.Now().Add(c.asyncQueueTimeout))
		_, err := conn.Write(buf)
		conn.SetWriteDeadline(time.Time{})
		c.outLock.Unlock()

		if err != nil {
			c.closeWithReason(CloseReasonSlowReceiver, &SlowReceiverError{Remote: c.remote})
			return false
		}
		c.messagesSent.Add(1)
		if c.collab.Metrics != nil {
			c.collab.Metrics.MessagesSent.WithLabelValues(string(c.remote)).Inc()
		}
	}
}

// drainQueueBestEffort makes one final attempt to flush pending bytes on
// Halt, ignoring errors, so a graceful shutdown doesn't silently drop a
// reachable peer's last messages when it can cheaply avoid it.
func (c *Connection) drainQueueBestEffort() {
	for {
		buf, ok := c.outQueue.Pop()
		if !ok {
			return
		}
		c.outLock.Lock()
		conn := c.filter.Conn()
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		conn.Write(buf)
		conn.SetWriteDeadline(time.Time{})
		c.outLock.Unlock()
	}
}
