package reassembly

import (
	"testing"

	"github.com/clustermesh/conduit/collab"
	"github.com/stretchr/testify/require"
)

// rawSerializer treats the payload as an opaque byte slice, so tests can
// assert on exact concatenation order (spec §8 testable property 5).
type rawSerializer struct{}

func (rawSerializer) Serialize(msg interface{}) ([]byte, error) {
	return msg.([]byte), nil
}

func (rawSerializer) Deserialize(payload []byte) (interface{}, error) {
	return append([]byte(nil), payload...), nil
}

var _ collab.Serializer = rawSerializer{}

func TestChunkedMessageDeliversConcatenatedBytes(t *testing.T) {
	p := NewPool()
	p.Chunk(7, []byte{0xAA, 0xBB})
	p.Chunk(7, []byte{0xCC})
	msg, err := p.EndChunk(7, []byte{0xDD}, rawSerializer{})
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, msg)
	require.Equal(t, 0, p.Pending())
}

func TestInterleavedMessageIDsDoNotMix(t *testing.T) {
	p := NewPool()
	p.Chunk(1, []byte("a"))
	p.Chunk(2, []byte("x"))
	p.Chunk(1, []byte("b"))

	msg2, err := p.EndChunk(2, []byte("y"), rawSerializer{})
	require.NoError(t, err)
	require.Equal(t, []byte("xy"), msg2)

	msg1, err := p.EndChunk(1, []byte("c"), rawSerializer{})
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), msg1)
}

func TestEndChunkWithNoPriorChunkIsToleratedSingleShot(t *testing.T) {
	p := NewPool()
	msg, err := p.EndChunk(9, []byte("solo"), rawSerializer{})
	require.ErrorIs(t, err, ErrChunkProtocol)
	require.Equal(t, []byte("solo"), msg)
}

func TestIdleReassemblerIsReusedAfterComplete(t *testing.T) {
	p := NewPool()
	p.Chunk(1, []byte("a"))
	_, err := p.EndChunk(1, nil, rawSerializer{})
	require.NoError(t, err)

	p.Chunk(2, []byte("z"))
	msg, err := p.EndChunk(2, nil, rawSerializer{})
	require.NoError(t, err)
	require.Equal(t, []byte("z"), msg)
}
