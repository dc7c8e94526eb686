package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// AppendVarint appends v to buf using the same base-128 varint encoding
// protobuf uses on the wire. The handshake's version-ordinal fields (in the
// sender preamble and in the OK-with-async-info reply) are encoded this way
// so their width scales with the value; the other handshake integers,
// including domino-count, are fixed-width big-endian.
func AppendVarint(buf []byte, v uint64) []byte {
	return protowire.AppendVarint(buf, v)
}

// ConsumeVarint decodes a varint from the front of buf, returning the
// decoded value and the number of bytes consumed.
func ConsumeVarint(buf []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, 0, fmt.Errorf("wire: malformed varint: %w", protowire.ParseError(n))
	}
	return v, n, nil
}
