package torrentkit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	numPieces      int
	have           map[int]bool
	priority       map[int]PiecePriority
	availability   map[int]int
	pieceLen       uint32
	blocksPerPiece int
	firstNeeded    int
}

func newFakeSource(numPieces int, pieceLen uint32, blocksPerPiece int) *fakeSource {
	return &fakeSource{
		numPieces:      numPieces,
		have:           map[int]bool{},
		priority:       map[int]PiecePriority{},
		availability:   map[int]int{},
		pieceLen:       pieceLen,
		blocksPerPiece: blocksPerPiece,
	}
}

func (f *fakeSource) NumPieces() int             { return f.numPieces }
func (f *fakeSource) HaveLocally(i int) bool     { return f.have[i] }
func (f *fakeSource) Priority(i int) PiecePriority {
	if p, ok := f.priority[i]; ok {
		return p
	}
	return PiecePriorityNormal
}
func (f *fakeSource) Availability(i int) int { return f.availability[i] }
func (f *fakeSource) PieceLength(i int) uint32 { return f.pieceLen }
func (f *fakeSource) BlocksPerPiece() int      { return f.blocksPerPiece }
func (f *fakeSource) FirstNeededPiece() int    { return f.firstNeeded }

type sentRequest struct {
	peer          PeerID
	index, begin  int
	length        uint32
}

func TestRequestPiecesPhase2StartsNewPieceWithinBudget(t *testing.T) {
	m := NewActivePieceManager(func(int) int { return 4 })
	src := newFakeSource(10, 4*BlockSize, 4)
	conns := map[PeerID]*PeerConnection{}
	picker := NewPiecePicker(m, src, func(id PeerID) (*PeerConnection, bool) { c, ok := conns[id]; return c, ok })

	peer := NewPeerConnection(1, "x", 10, time.Now())
	for i := 0; i < 10; i++ {
		peer.SetHave(i)
	}
	conns[1] = peer

	var sent []sentRequest
	picker.RequestPieces(peer, 1, time.Now(), func(p *PeerConnection, index, begin int, length uint32) {
		sent = append(sent, sentRequest{p.ID, index, begin, length})
	})

	require.NotEmpty(t, sent)
	assert.Equal(t, 0, sent[0].index)
	p, ok := m.Get(0)
	require.True(t, ok)
	assert.Equal(t, "full", p.State())
}

func TestRequestPiecesSkipsPiecesPeerLacks(t *testing.T) {
	m := NewActivePieceManager(func(int) int { return 4 })
	src := newFakeSource(2, 4*BlockSize, 4)
	conns := map[PeerID]*PeerConnection{}
	picker := NewPiecePicker(m, src, func(id PeerID) (*PeerConnection, bool) { c, ok := conns[id]; return c, ok })

	peer := NewPeerConnection(1, "x", 2, time.Now())
	// Peer has neither piece and isn't a seed.
	conns[1] = peer

	var sent []sentRequest
	picker.RequestPieces(peer, 1, time.Now(), func(p *PeerConnection, index, begin int, length uint32) {
		sent = append(sent, sentRequest{p.ID, index, begin, length})
	})
	assert.Empty(t, sent)
}

func TestRequestPiecesFastPeerClaimsExclusiveAndTakesAllBlocks(t *testing.T) {
	m := NewActivePieceManager(func(int) int { return 4 })
	src := newFakeSource(1, 4*BlockSize, 4)
	conns := map[PeerID]*PeerConnection{}
	picker := NewPiecePicker(m, src, func(id PeerID) (*PeerConnection, bool) { c, ok := conns[id]; return c, ok })

	fast := NewPeerConnection(1, "fast", 1, time.Now())
	fast.SetHave(0)
	fast.DownloadRateBps.Update(10_000_000) // far exceeds piece-len/30s threshold
	conns[1] = fast

	var sent []sentRequest
	picker.RequestPieces(fast, 1, time.Now(), func(p *PeerConnection, index, begin int, length uint32) {
		sent = append(sent, sentRequest{p.ID, index, begin, length})
	})
	assert.Len(t, sent, 4)
	p, _ := m.Get(0)
	owner, has := p.ExclusivePeer()
	require.True(t, has)
	assert.Equal(t, PeerID(1), owner)
}

func TestRequestPiecesSlowPeerCannotPoachFastOwner(t *testing.T) {
	m := NewActivePieceManager(func(int) int { return 4 })
	src := newFakeSource(1, 4*BlockSize, 4)
	conns := map[PeerID]*PeerConnection{}
	picker := NewPiecePicker(m, src, func(id PeerID) (*PeerConnection, bool) { c, ok := conns[id]; return c, ok })

	fast := NewPeerConnection(1, "fast", 1, time.Now())
	fast.SetHave(0)
	fast.DownloadRateBps.Update(10_000_000)
	conns[1] = fast
	picker.RequestPieces(fast, 2, time.Now(), func(*PeerConnection, int, int, uint32) {})

	slow := NewPeerConnection(2, "slow", 1, time.Now())
	slow.SetHave(0)
	conns[2] = slow

	var sent []sentRequest
	picker.RequestPieces(slow, 2, time.Now(), func(p *PeerConnection, index, begin int, length uint32) {
		sent = append(sent, sentRequest{p.ID, index, begin, length})
	})
	assert.Empty(t, sent, "slow peer must not request blocks from a fast peer's owned piece")
}

func TestCleanupStuckPiecesCancelsTimedOutRequests(t *testing.T) {
	m := NewActivePieceManager(func(int) int { return 4 })
	src := newFakeSource(1, 4*BlockSize, 4)
	conns := map[PeerID]*PeerConnection{}
	picker := NewPiecePicker(m, src, func(id PeerID) (*PeerConnection, bool) { c, ok := conns[id]; return c, ok })

	past := time.Now().Add(-time.Hour)
	m.GetOrCreate(0, past)
	m.AddRequest(0, 0, PeerID(9), past)
	peer := NewPeerConnection(9, "x", 1, past)
	peer.PipelineDepth = 64
	conns[9] = peer

	var canceled []sentRequest
	abandoned := picker.CleanupStuckPieces(time.Now(), func(peerID PeerID, index, begin int, length uint32) {
		canceled = append(canceled, sentRequest{peerID, index, begin, length})
	})
	require.Len(t, canceled, 1)
	assert.Equal(t, PeerID(9), canceled[0].peer)
	assert.Equal(t, 32, peer.PipelineDepth) // halved from the default 64
	assert.Equal(t, []int{0}, abandoned)    // active an hour with 0% completion, well past the abandon threshold
}
