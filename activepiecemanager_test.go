package torrentkit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fourBlocksPerPiece(int) int { return 4 }

func TestAddRequestPromotesPartialToFull(t *testing.T) {
	m := NewActivePieceManager(fourBlocksPerPiece)
	now := time.Now()
	p := m.GetOrCreate(0, now)
	require.Equal(t, "partial", p.State())

	for b := 0; b < 4; b++ {
		m.AddRequest(0, b, PeerID(1), now)
	}
	p, _ = m.Get(0)
	assert.Equal(t, "full", p.State())
	assert.Equal(t, 1, m.FullCount())
	assert.Equal(t, 0, m.PartialCount())
}

func TestCancelRequestRestoresUnrequestedCountExactly(t *testing.T) {
	m := NewActivePieceManager(fourBlocksPerPiece)
	now := time.Now()
	m.GetOrCreate(0, now)
	for b := 0; b < 4; b++ {
		m.AddRequest(0, b, PeerID(1), now)
	}
	p, _ := m.Get(0)
	require.Equal(t, "full", p.State())

	m.CancelRequest(0, 2, PeerID(1))
	p, _ = m.Get(0)
	assert.Equal(t, "partial", p.State())
	assert.Equal(t, 1, p.unrequestedCount)

	p.invariantCheck() // must not panic
}

func TestAddBlockMovesToPending(t *testing.T) {
	m := NewActivePieceManager(fourBlocksPerPiece)
	now := time.Now()
	m.GetOrCreate(0, now)
	for b := 0; b < 4; b++ {
		m.AddRequest(0, b, PeerID(1), now)
		m.AddBlock(0, b, []byte{byte(b)})
	}
	p, ok := m.Get(0)
	require.True(t, ok)
	assert.Equal(t, "pending", p.State())
	assert.Equal(t, 1, m.PendingCount())
	assert.Equal(t, []byte{0, 1, 2, 3}, p.AssembledBytes())
}

func TestClearRequestsForPeerDemotesFull(t *testing.T) {
	m := NewActivePieceManager(fourBlocksPerPiece)
	now := time.Now()
	m.GetOrCreate(0, now)
	for b := 0; b < 4; b++ {
		m.AddRequest(0, b, PeerID(7), now)
	}
	p, _ := m.Get(0)
	require.Equal(t, "full", p.State())

	m.ClearRequestsForPeer(PeerID(7))
	p, _ = m.Get(0)
	assert.Equal(t, "partial", p.State())
	assert.Equal(t, 4, p.unrequestedCount)
}

func TestCheckTimeoutsYieldsStaleRequests(t *testing.T) {
	m := NewActivePieceManager(fourBlocksPerPiece)
	past := time.Now().Add(-1 * time.Hour)
	m.GetOrCreate(0, past)
	m.AddRequest(0, 0, PeerID(3), past)

	stale := m.CheckTimeouts(time.Now(), 10*time.Second)
	require.Len(t, stale, 1)
	assert.Equal(t, TimedOutRequest{Piece: 0, Block: 0, Peer: PeerID(3)}, stale[0])
}

func TestAbandonStaleRemovesLowCompletionOldPieces(t *testing.T) {
	m := NewActivePieceManager(fourBlocksPerPiece)
	longAgo := time.Now().Add(-time.Hour)
	m.GetOrCreate(0, longAgo)
	m.AddRequest(0, 0, PeerID(1), longAgo)
	m.AddBlock(0, 0, []byte{1}) // 25% complete, below 50% threshold

	abandoned := m.AbandonStale(time.Now(), 30*time.Second, 0.5)
	assert.Equal(t, []int{0}, abandoned)
	_, ok := m.Get(0)
	assert.False(t, ok)
}

func TestMaxPartialsFormula(t *testing.T) {
	// spec.md example 2: 1 peer, 16 blocks/piece => min(1, 128) == 1.
	assert.Equal(t, 1, MaxPartials(1, 16))
	// example: 10 peers, 16 blocks/piece => min(15, 128) == 15.
	assert.Equal(t, 15, MaxPartials(10, 16))
}

func TestShouldPrioritizePartialsGatesOnCap(t *testing.T) {
	m := NewActivePieceManager(func(int) int { return 16 })
	now := time.Now()
	m.GetOrCreate(0, now)
	assert.False(t, m.ShouldPrioritizePartials(1, 16)) // cap is 1, have 1: not over
	m.GetOrCreate(1, now)
	assert.True(t, m.ShouldPrioritizePartials(1, 16)) // cap is 1, have 2: over
}

func TestRarestFirstPartialsOrdersByAvailability(t *testing.T) {
	m := NewActivePieceManager(fourBlocksPerPiece)
	now := time.Now()
	m.GetOrCreate(5, now)
	m.GetOrCreate(2, now)
	m.GetOrCreate(9, now)
	m.UpdateAvailability(5, 3)
	m.UpdateAvailability(2, 1)
	m.UpdateAvailability(9, 2)

	var order []int
	m.RarestFirstPartials(func(p *ActivePiece) bool {
		order = append(order, p.Index)
		return true
	})
	assert.Equal(t, []int{2, 9, 5}, order)
}
