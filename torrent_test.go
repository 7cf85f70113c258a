package torrentkit

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrentkit/core/chunkbuf"
	"github.com/torrentkit/core/peerprotocol"
	"github.com/torrentkit/core/ratelimit"
)

func twoPieceTorrent(t *testing.T, storage ContentStorage) *Torrent {
	t.Helper()
	blockA := make([]byte, BlockSize)
	blockB := make([]byte, BlockSize)
	for i := range blockA {
		blockA[i] = 0xAA
	}
	for i := range blockB {
		blockB[i] = 0xBB
	}
	pieces := []Piece{
		{Index: 0, LengthBytes: BlockSize, ExpectedHash: sha1.Sum(blockA)},
		{Index: 1, LengthBytes: BlockSize, ExpectedHash: sha1.Sum(blockB)},
	}
	tor := NewTorrent([20]byte{1}, "test", pieces, DefaultConfig(), storage, "root", func(int) string { return "file" }, ratelimit.New(0, 0))
	return tor
}

func threePieceTorrent(t *testing.T, storage ContentStorage) *Torrent {
	t.Helper()
	pieces := make([]Piece, 3)
	for i := range pieces {
		pieces[i] = Piece{Index: i, LengthBytes: BlockSize}
	}
	return NewTorrent([20]byte{2}, "test3", pieces, DefaultConfig(), storage, "root", func(int) string { return "file" }, ratelimit.New(0, 0))
}

func TestTorrentOnBitfieldUpdatesAvailabilityAndInterest(t *testing.T) {
	tor := threePieceTorrent(t, &fakeStorage{})
	peer := NewPeerConnection(1, "1.1.1.1:1", 3, time.Now())
	tor.AddConnection(peer)

	tor.OnBitfield(peer, []byte{0x80}) // only piece 0 set; not a seed
	assert.True(t, peer.HasPiece(0))
	assert.False(t, peer.HasPiece(1))
	assert.Equal(t, 1, tor.availability[0])
	assert.True(t, peer.AmInterested)
	require.NotEmpty(t, peer.SendQueue)
}

func TestTorrentSeedTransitionMovesAvailabilityToSeedCount(t *testing.T) {
	tor := twoPieceTorrent(t, &fakeStorage{})
	peer := NewPeerConnection(1, "1.1.1.1:1", 2, time.Now())
	tor.AddConnection(peer)
	tor.OnBitfield(peer, []byte{0xC0})

	assert.True(t, peer.IsSeed)
	assert.Equal(t, 0, tor.availability[0])
	assert.Equal(t, 0, tor.availability[1])
	assert.Equal(t, 1, tor.seedCount)
}

func TestTorrentPieceCompletionVerifiesAndBroadcastsHave(t *testing.T) {
	storage := &fakeStorage{}
	tor := twoPieceTorrent(t, storage)
	peer := NewPeerConnection(1, "1.1.1.1:1", 2, time.Now())
	tor.AddConnection(peer)
	tor.OnBitfield(peer, []byte{0xC0})

	// Deliver piece 0's single block directly via the manager, as drain_buffer would.
	blockA := make([]byte, BlockSize)
	for i := range blockA {
		blockA[i] = 0xAA
	}
	tor.Manager.GetOrCreate(0, time.Now())
	tor.Manager.AddRequest(0, 0, peer.ID, time.Now())
	tor.Manager.AddBlock(0, 0, blockA)

	tor.verifyPendingPieces(time.Now())
	assert.True(t, tor.HaveBits.Get(0))
	require.Len(t, peer.HaveQueue, 1)
	assert.Equal(t, 0, peer.HaveQueue[0])
}

func TestTorrentHashMismatchPenalizesContributorAndWipes(t *testing.T) {
	tor := twoPieceTorrent(t, &fakeStorage{})
	peer := NewPeerConnection(1, "1.1.1.1:1", 2, time.Now())
	tor.AddConnection(peer)
	tor.Swarm.AddCandidate(peer.RemoteAddr, SourceManual)

	wrongData := make([]byte, BlockSize) // all zero, won't match expected hash of 0xAA block
	tor.Manager.GetOrCreate(0, time.Now())
	tor.Manager.AddRequest(0, 0, peer.ID, time.Now())
	tor.Manager.AddBlock(0, 0, wrongData)

	tor.verifyPendingPieces(time.Now())
	assert.False(t, tor.HaveBits.Get(0))
	_, active := tor.Manager.Get(0)
	assert.False(t, active)
	sp, ok := tor.Swarm.Get(peer.RemoteAddr)
	require.True(t, ok)
	assert.Equal(t, 1, sp.FailCount)
}

func TestTorrentDisconnectPeerReversesAvailability(t *testing.T) {
	tor := twoPieceTorrent(t, &fakeStorage{})
	peer := NewPeerConnection(1, "1.1.1.1:1", 2, time.Now())
	tor.AddConnection(peer)
	tor.OnHave(peer, 0)
	require.Equal(t, 1, tor.availability[0])

	tor.DisconnectPeer(peer.ID, time.Now(), "reset")
	assert.Equal(t, 0, tor.availability[0])
	_, ok := tor.Connections[peer.ID]
	assert.False(t, ok)
}

func TestTorrentOnPieceBlockRecordsSmartBanAndFlagsConflict(t *testing.T) {
	tor := twoPieceTorrent(t, &fakeStorage{})
	peerA := NewPeerConnection(1, "a:1", 2, time.Now())
	peerB := NewPeerConnection(2, "b:1", 2, time.Now())
	tor.AddConnection(peerA)
	tor.AddConnection(peerB)
	tor.Swarm.AddCandidate(peerA.RemoteAddr, SourceManual)

	buf1 := chunkbuf.New()
	buf1.Push([]byte("first-delivery-bytes"))
	require.NoError(t, tor.OnPieceBlock(peerA, 0, 0, len("first-delivery-bytes"), buf1, 0))
	assert.Equal(t, 1, tor.SmartBan.Len())

	// A different peer supplies different bytes for the exact same block;
	// the earlier recorded supplier (peerA) is flagged as suspicious.
	buf2 := chunkbuf.New()
	buf2.Push([]byte("second-delivery-bytes"))
	require.NoError(t, tor.OnPieceBlock(peerB, 0, 0, len("second-delivery-bytes"), buf2, 0))

	sp, ok := tor.Swarm.Get(peerA.RemoteAddr)
	require.True(t, ok)
	assert.Equal(t, 1, sp.FailCount)
}

func TestTorrentFlushPendingWritesRunsOnWorkerPoolAndDrains(t *testing.T) {
	storage := &fakeStorage{}
	tor := twoPieceTorrent(t, storage)
	peer := NewPeerConnection(1, "1.1.1.1:1", 2, time.Now())
	tor.AddConnection(peer)
	tor.OnBitfield(peer, []byte{0xC0})

	blockA := make([]byte, BlockSize)
	for i := range blockA {
		blockA[i] = 0xAA
	}
	tor.Manager.GetOrCreate(0, time.Now())
	tor.Manager.AddRequest(0, 0, peer.ID, time.Now())
	tor.Manager.AddBlock(0, 0, blockA)
	tor.verifyPendingPieces(time.Now())
	require.True(t, tor.HaveBits.Get(0))

	tor.FlushPendingWrites()
	require.Eventually(t, func() bool {
		return storage.WriteCalls() == 1
	}, time.Second, time.Millisecond)
	tor.DrainWriteResults()
	assert.Equal(t, UserStateActive, tor.State)
}

func TestTorrentTickEndToEndQueuesRequests(t *testing.T) {
	storage := &fakeStorage{}
	tor := twoPieceTorrent(t, storage)
	peer := NewPeerConnection(1, "1.1.1.1:1", 2, time.Now())
	tor.AddConnection(peer)

	// Peer has both pieces and is not choking us.
	peer.HandleData(peerprotocol.Message{ID: peerprotocol.Bitfield, Bits: []byte{0xC0}}.MustMarshalBinary())
	peer.HandleData(peerprotocol.Message{ID: peerprotocol.Unchoke}.MustMarshalBinary())

	now := time.Now()
	tor.Tick(now)

	assert.False(t, peer.PeerChoking)
	require.NotEmpty(t, peer.SendQueue, "expected REQUEST messages queued after tick")
}
