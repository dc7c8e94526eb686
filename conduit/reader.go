package conduit

import (
	"errors"
	"fmt"
	"io"

	"github.com/clustermesh/conduit/bufpool"
	"github.com/clustermesh/conduit/reassembly"
	"github.com/clustermesh/conduit/wire"
)

// startReader launches the unified reader loop (C7, spec §4.7): read one
// frame header, grow the lease if the payload won't fit, read the payload,
// then dispatch by message type. The loop exits on EOF, a protocol error,
// or Halt.
func (c *Connection) startReader() {
	c.Go(func() {
		c.bufLease = bufpool.New(string(c.remote) + "/read")
		defer c.bufLease.Release()

		for {
			select {
			case <-c.HaltCh():
				return
			default:
			}

			if err := c.readOneFrame(); err != nil {
				c.closeWithReason(reasonForReadError(err), err)
				return
			}
		}
	})
}

func (c *Connection) readOneFrame() error {
	c.setState(StateReading)
	conn := c.filter.Conn()

	var hdrBuf [wire.HeaderSize]byte
	if _, err := io.ReadFull(conn, hdrBuf[:]); err != nil {
		return err
	}
	hdr, err := wire.Unpack(hdrBuf[:])
	if err != nil {
		return newProtocolError("unpack frame header: %w", err)
	}

	c.bufLease.Grow(int(hdr.Length), 0)
	payload := c.bufLease.Bytes()[:hdr.Length]
	if hdr.Length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return err
		}
	}

	c.touch()

	switch hdr.Type {
	case wire.NormalMsgType:
		return c.deliverNormal(hdr, payload)
	case wire.ChunkedMsgType:
		c.reassemblyPool.Chunk(hdr.ID, payload)
		return nil
	case wire.EndChunkedMsgType:
		return c.deliverEndChunk(hdr, payload)
	default:
		return newProtocolError("unreachable: unvalidated message type 0x%02x", byte(hdr.Type))
	}
}

func (c *Connection) deliverNormal(hdr wire.Header, payload []byte) error {
	msg, err := c.collab.Serializer.Deserialize(payload)
	if err != nil {
		return newProtocolError("deserialize message %d: %w", hdr.ID, err)
	}
	c.messagesReceived.Add(1)
	if c.collab.Metrics != nil {
		c.collab.Metrics.MessagesReceived.WithLabelValues(string(c.remote)).Inc()
	}

	if hdr.DirectAck {
		return c.replyDirectAck(hdr, msg)
	}
	return c.collab.Distributor.Dispatch(c.remote, msg)
}

func (c *Connection) deliverEndChunk(hdr wire.Header, payload []byte) error {
	msg, err := c.reassemblyPool.EndChunk(hdr.ID, payload, c.collab.Serializer)
	if err != nil && !errors.Is(err, reassembly.ErrChunkProtocol) {
		return newProtocolError("reassemble message %d: %w", hdr.ID, err)
	}
	if errors.Is(err, reassembly.ErrChunkProtocol) {
		c.log.Warn("END-CHUNK with no preceding CHUNK, delivering as single-shot", "id", hdr.ID, "remote", c.remote)
	}
	c.messagesReceived.Add(1)
	if c.collab.Metrics != nil {
		c.collab.Metrics.MessagesReceived.WithLabelValues(string(c.remote)).Inc()
	}

	if hdr.DirectAck {
		return c.replyDirectAck(hdr, msg)
	}
	return c.collab.Distributor.Dispatch(c.remote, msg)
}

// replyDirectAck both dispatches the inbound message and writes a minimal
// acknowledgement frame back to the sender (spec §4.10's direct-ack
// request/reply path). It is the receiver-side half; the sender-side half
// blocks on the reply in (*Connection).sendDirectAck, see writer.go.
func (c *Connection) replyDirectAck(hdr wire.Header, msg interface{}) error {
	if err := c.collab.Distributor.Dispatch(c.remote, msg); err != nil {
		return fmt.Errorf("conduit: dispatch direct-ack message %d: %w", hdr.ID, err)
	}

	c.outLock.Lock()
	defer c.outLock.Unlock()

	ackHdr := wire.Header{Length: 0, Type: wire.NormalMsgType, ID: hdr.ID}
	var buf [wire.HeaderSize]byte
	if _, err := wire.Pack(buf[:], ackHdr); err != nil {
		return fmt.Errorf("conduit: pack direct-ack reply: %w", err)
	}
	if _, err := c.filter.Conn().Write(buf[:]); err != nil {
		return fmt.Errorf("conduit: write direct-ack reply: %w", err)
	}
	return nil
}

func reasonForReadError(err error) CloseReason {
	if err == io.EOF {
		return CloseReasonEOF
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return CloseReasonProtocolError
	}
	return CloseReasonEOF
}
