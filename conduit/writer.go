package conduit

import (
	"fmt"
	"io"
	"time"

	"github.com/clustermesh/conduit/wire"
)

// nextMessageID hands out message ids for CHUNK/END-CHUNK sequences. It
// wraps around wire.NoMessageID, skipping it, since that value is reserved
// for NORMAL frames.
func (c *Connection) nextMessageID() uint16 {
	id := uint16(c.messagesSent.Load())
	if id == wire.NoMessageID {
		id++
	}
	return id
}

// Send synchronously writes msg to the wire (C8, spec §4.8). If the
// connection is in async mode and a blocking write would stall, the bytes
// are handed to the outgoing queue instead (C9/§4.9) and the pusher drains
// them in the background; Send returns immediately in that case.
//
// directAck requests a receiver acknowledgement (§4.10); this is only
// supported on a connection with no concurrently running background
// reader stealing bytes off the same socket, i.e. a non-shared,
// exclusively-owned connection — see DESIGN.md's direct-ack entry.
func (c *Connection) Send(msg interface{}, directAck bool) error {
	if c.closing.Load() {
		return errNotConnected(c.remote)
	}

	payload, err := c.collab.Serializer.Serialize(msg)
	if err != nil {
		return fmt.Errorf("conduit: serialize outgoing message: %w", err)
	}

	if len(payload) > wire.MaxMsgSize {
		return c.sendChunked(payload, directAck)
	}

	frame, err := packFrame(wire.NormalMsgType, wire.NoMessageID, directAck, payload)
	if err != nil {
		return err
	}

	if directAck {
		return c.sendDirectAck(frame)
	}
	return c.writeOrQueue(frame, nil)
}

// sendChunked splits an oversized payload into CHUNK frames terminated by
// an END-CHUNK frame, all sharing one message id (spec §4.4).
func (c *Connection) sendChunked(payload []byte, directAck bool) error {
	id := c.nextMessageID()
	const chunkSize = wire.MaxMsgSize - wire.HeaderSize

	for len(payload) > chunkSize {
		frame, err := packFrame(wire.ChunkedMsgType, id, false, payload[:chunkSize])
		if err != nil {
			return err
		}
		if err := c.writeOrQueue(frame, nil); err != nil {
			return err
		}
		payload = payload[chunkSize:]
	}

	frame, err := packFrame(wire.EndChunkedMsgType, id, directAck, payload)
	if err != nil {
		return err
	}
	if directAck {
		return c.sendDirectAck(frame)
	}
	return c.writeOrQueue(frame, nil)
}

func packFrame(typ wire.MsgType, id uint16, directAck bool, payload []byte) ([]byte, error) {
	buf := make([]byte, wire.HeaderSize+len(payload))
	_, err := wire.Pack(buf, wire.Header{Length: uint32(len(payload)), Type: typ, ID: id, DirectAck: directAck})
	if err != nil {
		return nil, err
	}
	copy(buf[wire.HeaderSize:], payload)
	return buf, nil
}

// writeOrQueue attempts a synchronous write of frame; key is the
// conflation key to use if the write must fall back to the async queue
// (nil disables conflation for this frame).
func (c *Connection) writeOrQueue(frame []byte, key interface{}) error {
	if c.asyncMode.Load() && c.outQueue != nil && c.asyncQueuing.Load() {
		_, overflow := c.outQueue.Enqueue(frame, key)
		if overflow {
			c.forceSlowReceiverDisconnect()
			return &SlowReceiverError{Remote: c.remote}
		}
		return nil
	}

	c.outLock.Lock()
	c.setState(StateSending)
	conn := c.filter.Conn()
	if c.asyncMode.Load() {
		conn.SetWriteDeadline(time.Now().Add(wire.MaxAsyncPollWait))
	}
	n, err := conn.Write(frame)
	conn.SetWriteDeadline(time.Time{})
	c.setState(StatePostSending)
	c.outLock.Unlock()

	if err != nil {
		if c.asyncMode.Load() && isTimeout(err) && c.outQueue != nil {
			c.asyncQueuing.Store(true)
			if n > 0 {
				// The written prefix is already on the wire, so the rest
				// must not be conflated with a later frame.
				key = nil
			}
			_, overflow := c.outQueue.Enqueue(frame[n:], key)
			if overflow {
				c.forceSlowReceiverDisconnect()
				return &SlowReceiverError{Remote: c.remote}
			}
			return nil
		}
		return err
	}

	c.messagesSent.Add(1)
	if c.collab.Metrics != nil {
		c.collab.Metrics.MessagesSent.WithLabelValues(string(c.remote)).Inc()
	}
	return nil
}

// sendDirectAck writes frame, then reads the minimal ack reply directly
// off the connection's socket, bypassing the queue entirely (spec §4.10,
// §3 ReadingAck state).
func (c *Connection) sendDirectAck(frame []byte) error {
	c.outLock.Lock()
	defer c.outLock.Unlock()

	c.setState(StateSending)
	conn := c.filter.Conn()
	if _, err := conn.Write(frame); err != nil {
		return err
	}
	c.messagesSent.Add(1)
	if c.collab.Metrics != nil {
		c.collab.Metrics.MessagesSent.WithLabelValues(string(c.remote)).Inc()
	}

	c.setState(StateReadingAck)
	if c.ackWaitTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.ackWaitTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	var hdrBuf [wire.HeaderSize]byte
	if _, err := io.ReadFull(conn, hdrBuf[:]); err != nil {
		if isTimeout(err) {
			if c.collab.Metrics != nil {
				c.collab.Metrics.AckTimeouts.WithLabelValues(string(c.remote)).Inc()
			}
			if c.collab.Membership != nil {
				c.collab.Membership.Suspect(c.remote, "ack timeout")
			}
			return &AckTimeoutError{Remote: c.remote}
		}
		return err
	}
	hdr, err := wire.Unpack(hdrBuf[:])
	if err != nil {
		return newProtocolError("unpack direct-ack reply: %w", err)
	}
	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return err
		}
	}
	c.setState(StateReceivedAck)

	if c.collab.Distributor != nil {
		return c.collab.Distributor.ReplyDispatch(c.remote, payload)
	}
	return nil
}

// forceSlowReceiverDisconnect asks membership to force-remove the remote
// (spec §4.9 step 4, §7 SlowReceiver) and waits for that to propagate or a
// 3s grace period to elapse — whichever comes first — before tearing the
// connection down itself.
func (c *Connection) forceSlowReceiverDisconnect() {
	if c.collab.Metrics != nil {
		c.collab.Metrics.AsyncQueueSizeExceeded.WithLabelValues(string(c.remote)).Inc()
	}

	if c.collab.Membership != nil {
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := c.collab.Membership.ForceRemove(c.remote, "async queue exceeded asyncMaxQueueSize"); err != nil {
				c.log.Warn("force-remove slow receiver failed", "remote", c.remote, "err", err)
			}
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}
	}

	c.closeWithReason(CloseReasonSlowReceiver, &SlowReceiverError{Remote: c.remote})
}
