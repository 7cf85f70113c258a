package peerprotocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripRequest(t *testing.T) {
	m := Message{ID: Request, Index: 5, Begin: 16384, Length: 16384}
	b, err := m.MarshalBinary()
	require.NoError(t, err)

	// length prefix + id
	got, err := ParseBody(b[4:])
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestKeepaliveIsFourZeroBytes(t *testing.T) {
	b := Message{Keepalive: true}.MustMarshalBinary()
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}

func TestPieceMessageRoundTrip(t *testing.T) {
	payload := []byte("hello torrent")
	m := Message{ID: Piece, Index: 1, Begin: 0, Piece: payload}
	b, err := m.MarshalBinary()
	require.NoError(t, err)
	got, err := ParseBody(b[4:])
	require.NoError(t, err)
	assert.Equal(t, m.Index, got.Index)
	assert.Equal(t, m.Begin, got.Begin)
	assert.Equal(t, payload, got.Piece)
}

func TestMalformedPayloadRejected(t *testing.T) {
	_, err := ParseBody([]byte{byte(Have), 1, 2, 3}) // too short
	assert.Error(t, err)
}

func TestBitfieldPassthrough(t *testing.T) {
	bits := []byte{0xff, 0x00}
	m := Message{ID: Bitfield, Bits: bits}
	b, err := m.MarshalBinary()
	require.NoError(t, err)
	got, err := ParseBody(b[4:])
	require.NoError(t, err)
	assert.Equal(t, bits, got.Bits)
}
