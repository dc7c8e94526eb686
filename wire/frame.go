// Package wire implements the 7-byte frame header used by every message
// exchanged over a Connection, and the varint helpers the handshake uses
// for its integer fields.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MsgType identifies the purpose of a framed payload.
type MsgType byte

const (
	// NormalMsgType carries a complete, dispatchable message object.
	NormalMsgType MsgType = 0x4c
	// ChunkedMsgType carries an intermediate slice of a multi-frame message.
	ChunkedMsgType MsgType = 0x4d
	// EndChunkedMsgType carries the final slice of a multi-frame message.
	EndChunkedMsgType MsgType = 0x4e
)

func (t MsgType) String() string {
	switch t {
	case NormalMsgType:
		return "NORMAL"
	case ChunkedMsgType:
		return "CHUNK"
	case EndChunkedMsgType:
		return "END-CHUNK"
	default:
		return fmt.Sprintf("MsgType(0x%02x)", byte(t))
	}
}

// Valid reports whether t is one of the known message types.
func (t MsgType) Valid() bool {
	switch t {
	case NormalMsgType, ChunkedMsgType, EndChunkedMsgType:
		return true
	default:
		return false
	}
}

const (
	// HandshakeVersion is the fixed handshake version nibble, carried in
	// the top 8 bits of the header's length word.
	HandshakeVersion = 7

	// MaxMsgSize is the largest payload a single frame can carry (24-bit).
	MaxMsgSize = 0x00ffffff

	// DirectAckBit marks a frame as expecting a direct-ack reply.
	DirectAckBit byte = 0x20

	// HeaderSize is the fixed size, in bytes, of a frame header.
	HeaderSize = 7

	// NoMessageID is the sentinel message-id for frames that don't belong
	// to a chunked reassembly (i.e. every NORMAL frame).
	NoMessageID uint16 = 0xffff
)

// Errors returned by Pack/Unpack. Each maps directly to a spec §7 protocol
// error: the caller closes the connection without retrying.
var (
	ErrMessageTooLarge        = errors.New("wire: message exceeds MAX_MSG_SIZE")
	ErrProtocolVersionMismatch = errors.New("wire: handshake version mismatch")
	ErrUnknownMessageType     = errors.New("wire: unknown message type")
)

// Header is the decoded form of the 7-byte frame header.
type Header struct {
	Length    uint32
	Type      MsgType
	ID        uint16
	DirectAck bool
}

// Pack encodes hdr into the given 7-byte (or larger) buffer, returning the
// number of bytes written. It fails with ErrMessageTooLarge if hdr.Length
// exceeds MaxMsgSize.
func Pack(buf []byte, hdr Header) (int, error) {
	if hdr.Length > MaxMsgSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, hdr.Length, MaxMsgSize)
	}
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("wire: header buffer too small: %d < %d", len(buf), HeaderSize)
	}

	lengthWord := hdr.Length | (uint32(HandshakeVersion) << 24)
	binary.BigEndian.PutUint32(buf[0:4], lengthWord)

	typeByte := byte(hdr.Type)
	if hdr.DirectAck {
		typeByte |= DirectAckBit
	}
	buf[4] = typeByte

	binary.BigEndian.PutUint16(buf[5:7], hdr.ID)
	return HeaderSize, nil
}

// Unpack decodes a 7-byte header from buf. It fails with
// ErrProtocolVersionMismatch if the version nibble isn't HandshakeVersion,
// or ErrUnknownMessageType if the type byte (masked off the direct-ack bit)
// isn't one of the known message types.
func Unpack(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: header buffer too small: %d < %d", len(buf), HeaderSize)
	}

	lengthWord := binary.BigEndian.Uint32(buf[0:4])
	version := lengthWord >> 24
	if version != HandshakeVersion {
		return Header{}, fmt.Errorf("%w: got %d, want %d", ErrProtocolVersionMismatch, version, HandshakeVersion)
	}
	length := lengthWord & MaxMsgSize

	typeByte := buf[4]
	directAck := typeByte&DirectAckBit != 0
	msgType := MsgType(typeByte &^ DirectAckBit)
	if !msgType.Valid() {
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, typeByte)
	}

	id := binary.BigEndian.Uint16(buf[5:7])

	return Header{Length: length, Type: msgType, ID: id, DirectAck: directAck}, nil
}
