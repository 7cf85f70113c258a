package torrentkit

import (
	"sort"
	"time"
)

const (
	blockRequestTimeout = 10 * time.Second
	pieceAbandonTimeout = 30 * time.Second
	pieceAbandonRatio   = 0.5
)

// PieceSource is the torrent-level view PiecePicker needs: what pieces
// exist, which ones are already on disk, their priority/availability, and
// where to resume scanning for new work (spec.md §4.G).
type PieceSource interface {
	NumPieces() int
	HaveLocally(index int) bool
	Priority(index int) PiecePriority
	Availability(index int) int // piece_availability + seed_count
	PieceLength(index int) uint32
	BlocksPerPiece() int
	FirstNeededPiece() int
}

// PiecePicker implements the two-phase rarest-first / speed-affinity
// request strategy and its periodic stuck-piece sweep (spec.md §4.G).
type PiecePicker struct {
	manager *ActivePieceManager
	source  PieceSource
	connFor func(PeerID) (*PeerConnection, bool)
}

// NewPiecePicker wires a picker to its manager, torrent-level piece view,
// and a peer lookup used to classify a piece's current owner as fast/slow.
func NewPiecePicker(m *ActivePieceManager, source PieceSource, connFor func(PeerID) (*PeerConnection, bool)) *PiecePicker {
	return &PiecePicker{manager: m, source: source, connFor: connFor}
}

func blockLength(pieceLen uint32, block int) uint32 {
	return Piece{LengthBytes: pieceLen}.BlockLength(block)
}

// RequestPieces emits REQUEST messages for peer up to its remaining
// pipeline budget via sendRequest, running phase 1 (extend active pieces)
// then phase 2 (start new pieces, gated by should_prioritize_partials).
func (pp *PiecePicker) RequestPieces(peer *PeerConnection, connectedPeerCount int, now time.Time, sendRequest func(peer *PeerConnection, index, begin int, length uint32)) {
	budget := peer.RemainingPipelineBudget()
	if budget <= 0 {
		return
	}
	nominalPieceLen := pp.source.PieceLength(0)
	peerIsFast := peer.IsFast(nominalPieceLen)

	pp.manager.RarestFirstActive(func(p *ActivePiece) bool {
		if budget <= 0 {
			return false
		}
		if !peer.IsSeed && !peer.HasPiece(p.Index) {
			return true
		}
		ownerID, hasOwner := p.ExclusivePeer()
		ownerIsFast := false
		if hasOwner {
			if conn, ok := pp.connFor(ownerID); ok {
				ownerIsFast = conn.IsFast(nominalPieceLen)
			}
		}
		if !p.CanRequestFrom(peer.ID, peerIsFast, ownerIsFast) {
			return true
		}
		if !hasOwner && peerIsFast {
			pp.manager.ClaimExclusive(p.Index, peer.ID)
		}
		take := budget
		if peerIsFast {
			take = p.BlocksNeeded
		}
		pieceLen := pp.source.PieceLength(p.Index)
		p.unrequestedBlocks(func(block int) bool {
			if take <= 0 || budget <= 0 {
				return false
			}
			pp.manager.AddRequest(p.Index, block, peer.ID, now)
			sendRequest(peer, p.Index, block*BlockSize, blockLength(pieceLen, block))
			budget--
			take--
			return true
		})
		return budget > 0
	})

	if budget <= 0 {
		return
	}
	if pp.manager.ShouldPrioritizePartials(connectedPeerCount, pp.source.BlocksPerPiece()) {
		return
	}
	pp.startNewPieces(peer, peerIsFast, connectedPeerCount, now, &budget, sendRequest)
}

type pieceCandidate struct {
	index        int
	availability int
}

func (pp *PiecePicker) startNewPieces(peer *PeerConnection, peerIsFast bool, connectedPeerCount int, now time.Time, budget *int, sendRequest func(*PeerConnection, int, int, uint32)) {
	maxNew := MaxPartials(connectedPeerCount, pp.source.BlocksPerPiece()) - pp.manager.PartialCount()
	if maxNew <= 0 {
		return
	}
	n := pp.source.NumPieces()
	var candidates []pieceCandidate
	for i := pp.source.FirstNeededPiece(); i < n && len(candidates) < 2*maxNew; i++ {
		if pp.source.HaveLocally(i) {
			continue
		}
		if !peer.IsSeed && !peer.HasPiece(i) {
			continue
		}
		if pp.source.Priority(i) == PiecePrioritySkip {
			continue
		}
		if _, active := pp.manager.Get(i); active {
			continue
		}
		candidates = append(candidates, pieceCandidate{i, pp.source.Availability(i)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].availability < candidates[j].availability })
	if len(candidates) > maxNew {
		candidates = candidates[:maxNew]
	}
	for _, c := range candidates {
		if *budget <= 0 {
			return
		}
		p := pp.manager.GetOrCreate(c.index, now)
		pp.manager.UpdateAvailability(c.index, c.availability)
		if peerIsFast {
			pp.manager.ClaimExclusive(c.index, peer.ID)
		}
		take := *budget
		if peerIsFast {
			take = p.BlocksNeeded
		}
		pieceLen := pp.source.PieceLength(c.index)
		p.unrequestedBlocks(func(block int) bool {
			if take <= 0 || *budget <= 0 {
				return false
			}
			pp.manager.AddRequest(c.index, block, peer.ID, now)
			sendRequest(peer, c.index, block*BlockSize, blockLength(pieceLen, block))
			*budget--
			take--
			return true
		})
	}
}

// CleanupStuckPieces runs the every-5-ticks stuck-piece sweep: cancel
// timed-out requests (sending CANCEL upstream) and drop pieces abandoned
// for too long at too little progress. Returns the abandoned piece indices
// for metrics/logging.
func (pp *PiecePicker) CleanupStuckPieces(now time.Time, sendCancel func(peer PeerID, index, begin int, length uint32)) []int {
	for _, r := range pp.manager.CheckTimeouts(now, blockRequestTimeout) {
		if conn, ok := pp.connFor(r.Peer); ok {
			pieceLen := pp.source.PieceLength(r.Piece)
			sendCancel(r.Peer, r.Piece, r.Block*BlockSize, blockLength(pieceLen, r.Block))
			conn.ShrinkPipelineOnTimeout()
		}
		pp.manager.CancelRequest(r.Piece, r.Block, r.Peer)
	}
	return pp.manager.AbandonStale(now, pieceAbandonTimeout, pieceAbandonRatio)
}
