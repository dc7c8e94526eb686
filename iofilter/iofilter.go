// Package iofilter implements the pluggable I/O transform a Connection
// reads and writes through: Plain (pass-through) or TLS.
//
// spec.md §4.2 models this at byte-buffer granularity (wrap(src)/unwrap(src)
// against a caller-owned SSLEngine-style session). Go only exposes TLS at
// the net.Conn layer — there is no ecosystem equivalent to a raw
// bring-your-own-buffer TLS engine for TCP in this corpus (quic-go is
// UDP/QUIC-specific) — so this package's Filter instead hands back the
// net.Conn a reader/writer should use, with the handshake already
// performed for the TLS variant. See DESIGN.md's iofilter entry.
package iofilter

import (
	"context"
	"crypto/tls"
	"net"
)

// Filter is the wrap/unwrap boundary a Connection's reader and writer go
// through. Plain returns the underlying socket unchanged; TLS returns a
// *tls.Conn with its handshake already complete.
type Filter interface {
	// Conn returns the net.Conn callers should Read/Write plaintext
	// through.
	Conn() net.Conn
	// Close closes the underlying channel.
	Close() error
}

// plainFilter is the pass-through variant (spec §4.2 "Plain").
type plainFilter struct {
	conn net.Conn
}

// NewPlain wraps conn with no transformation.
func NewPlain(conn net.Conn) Filter {
	return &plainFilter{conn: conn}
}

func (f *plainFilter) Conn() net.Conn { return f.conn }
func (f *plainFilter) Close() error   { return f.conn.Close() }

// tlsFilter is the TLS variant (spec §4.2 "TLS"). The handshake is
// performed once at construction, mirroring client2/connection.go's
// onTCPConn, which sets a deadline, calls Initialize (the wire session's
// handshake), then clears the deadline before handing the session off.
type tlsFilter struct {
	conn *tls.Conn
}

// NewTLSClient performs a client-side TLS handshake over conn using cfg and
// returns the resulting Filter. ctx bounds the handshake the same way
// spec §4.5's sender handshake timeout bounds the cluster preamble
// exchange.
func NewTLSClient(ctx context.Context, conn net.Conn, cfg *tls.Config) (Filter, error) {
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return &tlsFilter{conn: tc}, nil
}

// NewTLSServer performs a server-side TLS handshake over conn using cfg.
func NewTLSServer(ctx context.Context, conn net.Conn, cfg *tls.Config) (Filter, error) {
	tc := tls.Server(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return &tlsFilter{conn: tc}, nil
}

func (f *tlsFilter) Conn() net.Conn { return f.conn }
func (f *tlsFilter) Close() error   { return f.conn.Close() }
