// Package reassembly implements the chunked reassembler (spec §4.4):
// per-message-id accumulation of CHUNK frames terminated by an END-CHUNK
// frame, with a pool that caches at most one idle reassembler per
// connection and tracks any additional concurrent reassemblies by message
// id.
//
// Grounded in the Frame/FrameType accumulation idea in
// _examples/xendarboh-katzenpost/stream/stream.go (StreamStart/StreamData/
// StreamEnd), adapted from a stream-of-frames model to spec's
// CHUNK/END-CHUNK message-id model, and in the Serializer collaborator
// (collab.CBORSerializer) for the final deserialize-on-complete step.
package reassembly

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/clustermesh/conduit/collab"
)

// ErrChunkProtocol is returned when an END-CHUNK frame arrives for a
// message id with no prior CHUNK — tolerated as a single-shot message
// rather than a fatal protocol error (spec §4.4).
var ErrChunkProtocol = errors.New("reassembly: END-CHUNK with no preceding CHUNK")

// reassembler accumulates the payload bytes of one chunked message.
type reassembler struct {
	id  uint16
	buf bytes.Buffer
}

func (r *reassembler) reset(id uint16) {
	r.id = id
	r.buf.Reset()
}

// Pool tracks every reassembly in progress on one Connection, plus a
// single cached idle reassembler reused for the next message id (spec
// §4.4: "at most one idle reassembler cached per connection").
type Pool struct {
	mu     sync.Mutex
	active map[uint16]*reassembler
	idle   *reassembler
}

// NewPool returns an empty reassembly pool.
func NewPool() *Pool {
	return &Pool{active: make(map[uint16]*reassembler)}
}

func (p *Pool) acquire(id uint16) *reassembler {
	if r, ok := p.active[id]; ok {
		return r
	}
	var r *reassembler
	if p.idle != nil {
		r = p.idle
		p.idle = nil
	} else {
		r = &reassembler{}
	}
	r.reset(id)
	p.active[id] = r
	return r
}

// Chunk appends an intermediate CHUNK payload to the reassembly for id.
func (p *Pool) Chunk(id uint16, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.acquire(id)
	r.buf.Write(payload)
}

// EndChunk appends the final payload for id, deserializes the concatenated
// bytes with ser, and returns the resulting message object. The
// reassembler is then reset and returned to the idle slot, or discarded if
// one is already cached (spec §4.4's single-slot pool).
//
// If no CHUNK preceded this END-CHUNK, the single END-CHUNK payload is
// still deserialized as a one-frame message (ErrChunkProtocol is returned
// alongside the best-effort result so the caller can log it, per spec's
// "tolerated as a single-shot" wording) rather than treated as fatal.
func (p *Pool) EndChunk(id uint16, payload []byte, ser collab.Serializer) (interface{}, error) {
	p.mu.Lock()
	r, hadChunks := p.active[id]
	if !hadChunks {
		r = p.acquire(id)
	}
	r.buf.Write(payload)
	full := append([]byte(nil), r.buf.Bytes()...)
	delete(p.active, id)
	if p.idle == nil {
		p.idle = r
	}
	p.mu.Unlock()

	msg, err := ser.Deserialize(full)
	if err != nil {
		return nil, fmt.Errorf("reassembly: deserialize message %d: %w", id, err)
	}
	if !hadChunks {
		return msg, ErrChunkProtocol
	}
	return msg, nil
}

// Abandon discards any in-progress reassembly for id without delivering
// it. Closing a Connection does not call it; the pool is dropped along
// with the Connection.
func (p *Pool) Abandon(id uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, id)
}

// Pending reports how many reassemblies are currently in progress.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
