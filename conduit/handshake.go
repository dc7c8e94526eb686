package conduit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/clustermesh/conduit/wire"
)

// AsyncInfo is the receiver's published async-distribution parameters,
// carried in a ReplyCodeOKWithAsyncInfo reply (spec §4.6). Wire layout
// (spec §6): asyncDistributionTimeout(i32) | asyncQueueTimeout(i32) |
// asyncMaxQueueSize(i32) | version-ordinal(varint) — the three timing/size
// fields are fixed-width milliseconds, the varint tail is the sender's
// record of the receiver's protocol generation (conduit.Connection's
// protocolVersion).
type AsyncInfo struct {
	DistributionTimeout time.Duration
	QueueTimeout        time.Duration
	MaxQueueSize        int
	VersionOrdinal      uint64
}

// preamble is the decoded form of a sender's handshake opening, wire
// layout (spec §6):
//
//	0x00 | HANDSHAKE_VERSION | member-identity-bytes | sharedResource:bool |
//	preserveOrder:bool | uniqueId:i64 | version-ordinal:varint | dominoCount:i32
//
// member-identity-bytes is CBOR-encoded and self-delimiting, the way
// client/cborplugin's incomingConn reads a ControlCommand straight off a
// cbor.Decoder wrapping the net.Conn; every other field is fixed-width or
// varint so no extra length prefix is needed.
type preamble struct {
	identity      Identity
	shared        bool
	preserveOrder bool
	uniqueID      int64
	versionOrdinal uint64
	dominoCount   int32
}

const handshakeInitialByte = 0x00

func writePreamble(conn net.Conn, p preamble) error {
	if _, err := conn.Write([]byte{handshakeInitialByte, wire.HandshakeVersion}); err != nil {
		return fmt.Errorf("conduit: write handshake header: %w", err)
	}
	if err := cbor.NewEncoder(conn).Encode(p.identity); err != nil {
		return fmt.Errorf("conduit: encode handshake identity: %w", err)
	}

	rest := make([]byte, 0, 2+8+binary.MaxVarintLen64+4)
	rest = append(rest, boolByte(p.shared), boolByte(p.preserveOrder))
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(p.uniqueID))
	rest = append(rest, idBuf[:]...)
	rest = wire.AppendVarint(rest, p.versionOrdinal)
	var dominoBuf [4]byte
	binary.BigEndian.PutUint32(dominoBuf[:], uint32(p.dominoCount))
	rest = append(rest, dominoBuf[:]...)

	if _, err := conn.Write(rest); err != nil {
		return fmt.Errorf("conduit: write handshake body: %w", err)
	}
	return nil
}

func readPreamble(conn net.Conn) (preamble, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return preamble{}, fmt.Errorf("conduit: read handshake header: %w", err)
	}
	if hdr[0] != handshakeInitialByte {
		return preamble{}, newProtocolError("unexpected handshake initial byte 0x%02x", hdr[0])
	}
	if hdr[1] != wire.HandshakeVersion {
		return preamble{}, newProtocolError("%v: got %d, want %d", wire.ErrProtocolVersionMismatch, hdr[1], wire.HandshakeVersion)
	}

	var p preamble
	if err := cbor.NewDecoder(singleByteReader{conn}).Decode(&p.identity); err != nil {
		return preamble{}, fmt.Errorf("conduit: decode handshake identity: %w", err)
	}

	var flags [2]byte
	if _, err := io.ReadFull(conn, flags[:]); err != nil {
		return preamble{}, fmt.Errorf("conduit: read handshake flags: %w", err)
	}
	p.shared = flags[0] != 0
	p.preserveOrder = flags[1] != 0

	var idBuf [8]byte
	if _, err := io.ReadFull(conn, idBuf[:]); err != nil {
		return preamble{}, fmt.Errorf("conduit: read handshake unique id: %w", err)
	}
	p.uniqueID = int64(binary.BigEndian.Uint64(idBuf[:]))

	ordinal, err := readVarintFromConn(conn)
	if err != nil {
		return preamble{}, fmt.Errorf("conduit: read handshake version ordinal: %w", err)
	}
	p.versionOrdinal = ordinal

	var dominoBuf [4]byte
	if _, err := io.ReadFull(conn, dominoBuf[:]); err != nil {
		return preamble{}, fmt.Errorf("conduit: read handshake domino count: %w", err)
	}
	p.dominoCount = int32(binary.BigEndian.Uint32(dominoBuf[:]))

	return p, nil
}

// readVarintFromConn decodes one protobuf-style varint byte-at-a-time,
// since a varint's length isn't known up front and conn offers no
// peek/unread.
func readVarintFromConn(conn net.Conn) (uint64, error) {
	var buf []byte
	var b [1]byte
	for {
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return 0, err
		}
		buf = append(buf, b[0])
		if b[0]&0x80 == 0 {
			break
		}
		if len(buf) > binary.MaxVarintLen64 {
			return 0, newProtocolError("version-ordinal varint too long")
		}
	}
	v, _, err := wire.ConsumeVarint(buf)
	return v, err
}

// singleByteReader hands out at most one byte per Read, so a cbor.Decoder
// wrapped around it stops at the end of the identity value instead of
// buffering the preamble fields that follow it.
type singleByteReader struct {
	r io.Reader
}

func (s singleByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return s.r.Read(p)
}

// asyncInfoFixedSize is the byte width of the three i32 fields preceding
// the varint version-ordinal tail in an OK-with-async-info reply (spec §6).
const asyncInfoFixedSize = 12

func writeReply(conn net.Conn, code wire.ReplyCode, async *AsyncInfo) error {
	if _, err := conn.Write([]byte{byte(code)}); err != nil {
		return fmt.Errorf("conduit: write handshake reply code: %w", err)
	}
	if code != wire.ReplyCodeOKWithAsyncInfo {
		return nil
	}

	var fixed [asyncInfoFixedSize]byte
	binary.BigEndian.PutUint32(fixed[0:4], uint32(async.DistributionTimeout/time.Millisecond))
	binary.BigEndian.PutUint32(fixed[4:8], uint32(async.QueueTimeout/time.Millisecond))
	binary.BigEndian.PutUint32(fixed[8:12], uint32(async.MaxQueueSize))
	if _, err := conn.Write(fixed[:]); err != nil {
		return fmt.Errorf("conduit: write handshake async info: %w", err)
	}

	if _, err := conn.Write(wire.AppendVarint(nil, async.VersionOrdinal)); err != nil {
		return fmt.Errorf("conduit: write handshake async version ordinal: %w", err)
	}
	return nil
}

func readReply(conn net.Conn) (wire.ReplyCode, *AsyncInfo, error) {
	var b [1]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return 0, nil, fmt.Errorf("conduit: read handshake reply code: %w", err)
	}
	code := wire.ReplyCode(b[0])
	if code != wire.ReplyCodeOK && code != wire.ReplyCodeOKWithAsyncInfo {
		return 0, nil, newProtocolError("unknown handshake reply code 0x%02x", b[0])
	}
	if code == wire.ReplyCodeOK {
		return code, nil, nil
	}

	var fixed [asyncInfoFixedSize]byte
	if _, err := io.ReadFull(conn, fixed[:]); err != nil {
		return 0, nil, fmt.Errorf("conduit: read async info: %w", err)
	}
	dist := time.Duration(binary.BigEndian.Uint32(fixed[0:4])) * time.Millisecond
	queueTimeout := time.Duration(binary.BigEndian.Uint32(fixed[4:8])) * time.Millisecond
	maxSize := int(binary.BigEndian.Uint32(fixed[8:12]))

	ordinal, err := readVarintFromConn(conn)
	if err != nil {
		return 0, nil, fmt.Errorf("conduit: read async version ordinal: %w", err)
	}

	return code, &AsyncInfo{
		DistributionTimeout: dist,
		QueueTimeout:        queueTimeout,
		MaxQueueSize:        maxSize,
		VersionOrdinal:      ordinal,
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// senderHandshake performs the sender side of the handshake (C5) over an
// already-connected, already-filtered socket: write the preamble, then
// await the reply within wire.HandshakeTimeout. c.remote must already be
// set by the caller. If the receiver published async info, it adopts the
// advertised nonzero values and flips c.asyncMode for a preserving-order
// connection whose distribution timeout is nonzero.
func (c *Connection) senderHandshake(versionOrdinal uint64) error {
	conn := c.filter.Conn()
	if err := conn.SetDeadline(time.Now().Add(wire.HandshakeTimeout)); err != nil {
		return fmt.Errorf("conduit: set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	err := writePreamble(conn, preamble{
		identity:       c.local,
		shared:         c.shared,
		preserveOrder:  c.preserveOrder,
		uniqueID:       c.uniqueID,
		versionOrdinal: versionOrdinal,
		dominoCount:    c.dominoCount,
	})
	if err != nil {
		if isTimeout(err) {
			return &HandshakeTimeoutError{Remote: c.remote}
		}
		return err
	}

	code, async, err := readReply(conn)
	if err != nil {
		if isTimeout(err) {
			return &HandshakeTimeoutError{Remote: c.remote}
		}
		return err
	}

	if code == wire.ReplyCodeOKWithAsyncInfo {
		c.protocolVersion = async.VersionOrdinal
		if async.DistributionTimeout > 0 {
			c.asyncDistributionTimeout = async.DistributionTimeout
		}
		if async.QueueTimeout > 0 {
			c.asyncQueueTimeout = async.QueueTimeout
		}
		if async.MaxQueueSize > 0 {
			c.asyncMaxQueueSize = async.MaxQueueSize
		}
		// spec §4.6: the sender only flips to async mode for a preserving-order
		// connection with a nonzero distribution timeout; an unordered link
		// (e.g. failure detection) never queues.
		if c.preserveOrder && c.asyncDistributionTimeout != 0 {
			c.asyncMode.Store(true)
		}
	}

	c.handshakeRead.Store(true)
	c.connected.Store(true)
	return nil
}

// receiverHandshake performs the receiver side (C6): read the sender's
// preamble, register it with membership, then send the chosen reply code,
// all sequentially on this one goroutine with no extra lock (spec's Open
// Question on ordering — see DESIGN.md).
func (c *Connection) receiverHandshake() error {
	conn := c.filter.Conn()
	if err := conn.SetDeadline(time.Now().Add(wire.HandshakeTimeout)); err != nil {
		return fmt.Errorf("conduit: set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	p, err := readPreamble(conn)
	if err != nil {
		if isTimeout(err) {
			return &HandshakeTimeoutError{Remote: c.remote}
		}
		return err
	}

	c.remote = p.identity.ID
	c.shared = p.shared
	c.preserveOrder = p.preserveOrder
	c.uniqueID = p.uniqueID
	c.protocolVersion = p.versionOrdinal
	c.dominoCount = p.dominoCount

	if c.collab.Membership != nil {
		if c.collab.Membership.Shunned(c.remote) {
			return newProtocolError("handshake from shunned member %s", c.remote)
		}
		if !c.collab.Membership.Exists(c.remote) {
			if err := c.collab.Membership.RegisterSurpriseMember(c.remote); err != nil {
				return fmt.Errorf("conduit: register surprise member %s: %w", c.remote, err)
			}
		}
	}

	code := wire.ReplyCodeOK
	var async *AsyncInfo
	// Async params are only advertised on a preserving-order link (shared
	// or not); an unordered link never queues.
	if c.asyncMaxQueueSize > 0 && c.preserveOrder {
		code = wire.ReplyCodeOKWithAsyncInfo
		async = &AsyncInfo{
			DistributionTimeout: c.asyncDistributionTimeout,
			QueueTimeout:        c.asyncQueueTimeout,
			MaxQueueSize:        c.asyncMaxQueueSize,
			VersionOrdinal:      localVersionOrdinal,
		}
	}

	if err := writeReply(conn, code, async); err != nil {
		if isTimeout(err) {
			return &HandshakeTimeoutError{Remote: c.remote}
		}
		return err
	}
	if code == wire.ReplyCodeOKWithAsyncInfo {
		c.asyncMode.Store(true)
	}

	c.handshakeRead.Store(true)
	c.connected.Store(true)
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
