package torrentkit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrentkit/core/chunkbuf"
	"github.com/torrentkit/core/peerprotocol"
)

type recordingHandler struct {
	chokes, unchokes, interested, notInterested int
	haves                                       []int
	bitfield                                    []byte
	requests                                    [][3]int
	cancels                                     [][3]int
	ports                                       []uint16
	blocks                                      []recordedBlock
	malformed                                   int
}

type recordedBlock struct {
	index, begin, length int
	data                 []byte
}

func (h *recordingHandler) OnChoke(p *PeerConnection)         { h.chokes++ }
func (h *recordingHandler) OnUnchoke(p *PeerConnection)       { h.unchokes++ }
func (h *recordingHandler) OnInterested(p *PeerConnection)    { h.interested++ }
func (h *recordingHandler) OnNotInterested(p *PeerConnection) { h.notInterested++ }
func (h *recordingHandler) OnHave(p *PeerConnection, index int) {
	h.haves = append(h.haves, index)
}
func (h *recordingHandler) OnBitfield(p *PeerConnection, bits []byte) { h.bitfield = bits }
func (h *recordingHandler) OnRequest(p *PeerConnection, index, begin, length int) {
	h.requests = append(h.requests, [3]int{index, begin, length})
}
func (h *recordingHandler) OnCancel(p *PeerConnection, index, begin, length int) {
	h.cancels = append(h.cancels, [3]int{index, begin, length})
}
func (h *recordingHandler) OnPort(p *PeerConnection, port uint16) { h.ports = append(h.ports, port) }
func (h *recordingHandler) OnPieceBlock(p *PeerConnection, index, begin, length int, src *chunkbuf.Buffer, offset uint64) error {
	dst := make([]byte, length)
	if !src.CopyOut(offset, uint64(length), dst) {
		return errShortPieceHeader
	}
	h.blocks = append(h.blocks, recordedBlock{index, begin, length, dst})
	return nil
}
func (h *recordingHandler) OnMalformed(p *PeerConnection, err error) { h.malformed++ }

func TestDrainBufferDispatchesChokeUnchoke(t *testing.T) {
	p := NewPeerConnection(1, "1.2.3.4:1", 10, time.Now())
	p.HandleData(peerprotocol.Message{ID: peerprotocol.Choke}.MustMarshalBinary())
	p.HandleData(peerprotocol.Message{ID: peerprotocol.Unchoke}.MustMarshalBinary())
	h := &recordingHandler{}
	var downloaded uint64
	p.DrainBuffer(time.Now(), h, func(n uint64) { downloaded += n })
	assert.Equal(t, 1, h.chokes)
	assert.Equal(t, 1, h.unchokes)
	assert.True(t, p.PeerChoking == false)
	assert.Greater(t, downloaded, uint64(0))
}

func TestDrainBufferHandlesKeepalive(t *testing.T) {
	p := NewPeerConnection(1, "1.2.3.4:1", 10, time.Now())
	p.HandleData([]byte{0, 0, 0, 0})
	p.HandleData(peerprotocol.Message{ID: peerprotocol.Interested}.MustMarshalBinary())
	h := &recordingHandler{}
	p.DrainBuffer(time.Now(), h, func(uint64) {})
	assert.Equal(t, 1, h.interested)
}

func TestDrainBufferStopsOnPartialMessage(t *testing.T) {
	p := NewPeerConnection(1, "1.2.3.4:1", 10, time.Now())
	full := peerprotocol.Message{ID: peerprotocol.Have, Index: 3}.MustMarshalBinary()
	p.HandleData(full[:len(full)-1]) // withhold last byte
	h := &recordingHandler{}
	p.DrainBuffer(time.Now(), h, func(uint64) {})
	assert.Empty(t, h.haves)
	assert.Equal(t, uint64(len(full)-1), p.RecvBuffer.Length())
}

func TestDrainBufferRoutesPieceBlockZeroCopy(t *testing.T) {
	p := NewPeerConnection(1, "1.2.3.4:1", 10, time.Now())
	msg := peerprotocol.Message{ID: peerprotocol.Piece, Index: 2, Begin: 16384, Piece: []byte("hello-block")}
	p.HandleData(msg.MustMarshalBinary())
	h := &recordingHandler{}
	p.DrainBuffer(time.Now(), h, func(uint64) {})
	require.Len(t, h.blocks, 1)
	assert.Equal(t, 2, h.blocks[0].index)
	assert.Equal(t, 16384, h.blocks[0].begin)
	assert.Equal(t, []byte("hello-block"), h.blocks[0].data)
	assert.Equal(t, uint64(0), p.RecvBuffer.Length())
}

func TestDrainBufferMalformedMessageIsSkipped(t *testing.T) {
	p := NewPeerConnection(1, "1.2.3.4:1", 10, time.Now())
	// Request payload must be exactly 12 bytes; corrupt it to 4.
	bad := []byte{0, 0, 0, 5, byte(peerprotocol.Request), 1, 2, 3, 4}
	p.HandleData(bad)
	good := peerprotocol.Message{ID: peerprotocol.Interested}.MustMarshalBinary()
	p.HandleData(good)
	h := &recordingHandler{}
	p.DrainBuffer(time.Now(), h, func(uint64) {})
	assert.Equal(t, 1, h.malformed)
	assert.Equal(t, 1, h.interested)
}

func TestSetHaveTracksSeedStatus(t *testing.T) {
	p := NewPeerConnection(1, "1.2.3.4:1", 2, time.Now())
	p.SetHave(0)
	assert.False(t, p.IsSeed)
	p.SetHave(1)
	assert.True(t, p.IsSeed)
	assert.Equal(t, 2, p.HaveCount())
}

func TestPipelineDepthGrowAndShrinkClamp(t *testing.T) {
	p := NewPeerConnection(1, "x", 1, time.Now())
	for i := 0; i < 100; i++ {
		p.GrowPipeline()
	}
	assert.Equal(t, maxPipelineDepth, p.PipelineDepth)
	for i := 0; i < 100; i++ {
		p.ShrinkPipelineOnTimeout()
	}
	assert.Equal(t, minPipelineDepth, p.PipelineDepth)
}

func TestRemainingPipelineBudgetRespectsPeerMax(t *testing.T) {
	p := NewPeerConnection(1, "x", 1, time.Now())
	p.PipelineDepth = 64
	p.PeerMaxRequests = 10
	p.RequestsOutstanding = 4
	assert.Equal(t, 6, p.RemainingPipelineBudget())
}

func TestRemoteChokingPieceAllowsFastSet(t *testing.T) {
	p := NewPeerConnection(1, "x", 10, time.Now())
	p.PeerChoking = true
	assert.True(t, p.RemoteChokingPiece(3))
	p.AllowedFast.AddInt(3)
	assert.False(t, p.RemoteChokingPiece(3))
}

func TestQueueHaveFlushesToSendQueue(t *testing.T) {
	p := NewPeerConnection(1, "x", 10, time.Now())
	p.QueueHave(5)
	p.QueueHave(6)
	p.FlushHaves()
	sent := p.TakeSendQueue()
	require.Len(t, sent, 2)
	assert.Empty(t, p.HaveQueue)
}

func TestIsIdleTimedOut(t *testing.T) {
	p := NewPeerConnection(1, "x", 1, time.Now())
	now := time.Now()
	p.LastMessageReceived = now.Add(-3 * time.Minute)
	assert.True(t, p.IsIdleTimedOut(now))
}
