package conduit

import "github.com/clustermesh/conduit/collab"

// Identity is the member-identity payload carried in the handshake
// preamble (spec §6, "member-identity-bytes"). It is CBOR-encoded the same
// way client/cborplugin encodes its ControlCommand/Event values directly
// over a net.Conn.
type Identity struct {
	ID   collab.MemberID
	Addr string
}
