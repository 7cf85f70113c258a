package torrentkit

import (
	"time"

	"github.com/torrentkit/core/internal/requeststrategy"
)

// ActivePieceManager owns the three disjoint piece-index maps (partial,
// full, pending) described in spec.md §3/§4.D, plus the rarest-first
// ordering index (internal/requeststrategy.Order) over partial+full pieces
// that the picker scans.
type ActivePieceManager struct {
	partial map[int]*ActivePiece
	full    map[int]*ActivePiece
	pending map[int]*ActivePiece

	order *requeststrategy.Order

	blocksPerPiece func(index int) int
}

// NewActivePieceManager builds an empty manager. blocksPerPiece answers how
// many blocks a not-yet-active piece needs, used by GetOrCreate.
func NewActivePieceManager(blocksPerPiece func(index int) int) *ActivePieceManager {
	return &ActivePieceManager{
		partial:        make(map[int]*ActivePiece),
		full:           make(map[int]*ActivePiece),
		pending:        make(map[int]*ActivePiece),
		order:          requeststrategy.NewOrder(),
		blocksPerPiece: blocksPerPiece,
	}
}

// Get returns the active piece at index, if any, and which map it's in.
func (m *ActivePieceManager) Get(index int) (*ActivePiece, bool) {
	if p, ok := m.partial[index]; ok {
		return p, true
	}
	if p, ok := m.full[index]; ok {
		return p, true
	}
	if p, ok := m.pending[index]; ok {
		return p, true
	}
	return nil, false
}

// GetOrCreate returns the existing active piece at index, or creates one in
// _partial.
func (m *ActivePieceManager) GetOrCreate(index int, now time.Time) *ActivePiece {
	if p, ok := m.Get(index); ok {
		return p
	}
	blocksNeeded := m.blocksPerPiece(index)
	p := newActivePiece(index, blocksNeeded, now)
	m.partial[index] = p
	m.order.Upsert(index, requeststrategy.OrderState{CompletionRatio: p.CompletionRatio()})
	return p
}

// UpdateAvailability repositions a piece in the rarest-first index after its
// piece_availability+seed_count changes. A no-op for pieces not currently in
// _partial or _full (pending pieces are about to leave the manager anyway).
func (m *ActivePieceManager) UpdateAvailability(index, availability int) {
	p, ok := m.Get(index)
	if !ok {
		return
	}
	if p.state == statePending {
		return
	}
	p.lastAvailability = availability
	m.order.Upsert(index, requeststrategy.OrderState{
		Availability:    availability,
		CompletionRatio: p.CompletionRatio(),
	})
}

func (m *ActivePieceManager) refreshOrder(p *ActivePiece) {
	if p.state == statePending {
		m.order.Delete(p.Index)
		return
	}
	m.order.Upsert(p.Index, requeststrategy.OrderState{
		Availability:    p.lastAvailability,
		CompletionRatio: p.CompletionRatio(),
	})
}

// AddRequest records peer's request for (piece,block). Decrements
// unrequested_count; moves the piece from _partial to _full if that was the
// last unrequested block.
func (m *ActivePieceManager) AddRequest(index int, block int, peer PeerID, now time.Time) {
	p, ok := m.partial[index]
	if !ok {
		p, ok = m.full[index]
		if !ok {
			panic("torrentkit: add_request on piece not active")
		}
	}
	wasUnrequested := len(p.blockRequests[uint32(block)]) == 0 && !p.blockReceived.Get(block)
	p.blockRequests[uint32(block)] = append(p.blockRequests[uint32(block)], peer)
	p.blockRequestTimes[uint32(block)] = now
	if wasUnrequested {
		p.unrequestedCount--
	}
	if p.unrequestedCount == 0 && p.state == statePartial {
		p.state = stateFull
		delete(m.partial, index)
		m.full[index] = p
	}
}

// CancelRequest undoes AddRequest for one peer's claim on (piece,block). If
// peer was the sole requester, the block becomes unrequested again and the
// piece may demote from _full back to _partial. If peer was the piece's
// exclusive owner, that claim is cleared too (the caller decides whether to
// re-evaluate ownership afterward).
func (m *ActivePieceManager) CancelRequest(index, block int, peer PeerID) {
	p, ok := m.Get(index)
	if !ok {
		return
	}
	peers := p.blockRequests[uint32(block)]
	newPeers := peers[:0]
	removed := false
	for _, pr := range peers {
		if pr == peer && !removed {
			removed = true
			continue
		}
		newPeers = append(newPeers, pr)
	}
	if !removed {
		return
	}
	if len(newPeers) == 0 {
		delete(p.blockRequests, uint32(block))
		delete(p.blockRequestTimes, uint32(block))
	} else {
		p.blockRequests[uint32(block)] = newPeers
	}
	if len(newPeers) == 0 && !p.blockReceived.Get(block) {
		p.unrequestedCount++
		if p.unrequestedCount == 1 && p.state == stateFull {
			p.state = statePartial
			delete(m.full, index)
			m.partial[index] = p
		}
	}
	if p.hasExclusivePeer && p.exclusivePeer == peer {
		p.hasExclusivePeer = false
	}
}

// AddBlock stashes received block data. When every block has arrived, the
// piece moves to _pending for hash verification.
func (m *ActivePieceManager) AddBlock(index, block int, data []byte) {
	p, ok := m.Get(index)
	if !ok {
		return
	}
	if p.blockReceived.Get(block) {
		return
	}
	p.blocksData[block] = data
	p.blockReceived.Set(block, true)
	if peers, ok := p.blockRequests[uint32(block)]; ok && len(peers) > 0 {
		p.blockSource[block] = peers[len(peers)-1]
		delete(p.blockRequests, uint32(block))
		delete(p.blockRequestTimes, uint32(block))
	}
	if p.blockReceived.Count() == p.BlocksNeeded {
		delete(m.partial, index)
		delete(m.full, index)
		p.state = statePending
		m.pending[index] = p
		m.order.Delete(index)
	} else {
		m.refreshOrder(p)
	}
}

// AssembledBytes concatenates the staged block data for a pending piece, for
// hash verification / disk write.
func (p *ActivePiece) AssembledBytes() []byte {
	total := 0
	for _, b := range p.blocksData {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range p.blocksData {
		out = append(out, b...)
	}
	return out
}

// Remove drops a piece from the manager entirely (used for abandonment and
// hash-mismatch wipes). Its blocks may be re-requested fresh afterward.
func (m *ActivePieceManager) Remove(index int) {
	delete(m.partial, index)
	delete(m.full, index)
	delete(m.pending, index)
	m.order.Delete(index)
}

// ClearRequestsForPeer cancels every outstanding request belonging to peer
// across all active pieces, auto-demoting fulls back to partials as needed.
func (m *ActivePieceManager) ClearRequestsForPeer(peer PeerID) {
	clear := func(pieces map[int]*ActivePiece) {
		for index, p := range pieces {
			for block, peers := range p.blockRequests {
				for _, pr := range peers {
					if pr == peer {
						m.CancelRequest(index, int(block), peer)
						break
					}
				}
			}
		}
	}
	clear(m.partial)
	clear(m.full)
}

// TimedOutRequest is one (piece, block, peer) tuple whose request has been
// outstanding longer than the timeout.
type TimedOutRequest struct {
	Piece int
	Block int
	Peer  PeerID
}

// CheckTimeouts yields every request older than timeout relative to now. The
// caller (the picker's stuck-piece sweep) decides whether to cancel each.
func (m *ActivePieceManager) CheckTimeouts(now time.Time, timeout time.Duration) []TimedOutRequest {
	var out []TimedOutRequest
	scan := func(pieces map[int]*ActivePiece) {
		for index, p := range pieces {
			for block, t := range p.blockRequestTimes {
				if now.Sub(t) < timeout {
					continue
				}
				for _, peer := range p.blockRequests[block] {
					out = append(out, TimedOutRequest{Piece: index, Block: int(block), Peer: peer})
				}
			}
		}
	}
	scan(m.partial)
	scan(m.full)
	return out
}

// AbandonStale removes active pieces that have been active longer than
// abandonTimeout with completion below the given ratio threshold.
func (m *ActivePieceManager) AbandonStale(now time.Time, abandonTimeout time.Duration, minCompletion float64) []int {
	var abandoned []int
	scan := func(pieces map[int]*ActivePiece) {
		for index, p := range pieces {
			if now.Sub(p.activatedAt) > abandonTimeout && p.CompletionRatio() < minCompletion {
				abandoned = append(abandoned, index)
			}
		}
	}
	scan(m.partial)
	scan(m.full)
	for _, index := range abandoned {
		m.Remove(index)
	}
	return abandoned
}

// PartialCount, FullCount, PendingCount expose map sizes for metrics/tests.
func (m *ActivePieceManager) PartialCount() int { return len(m.partial) }
func (m *ActivePieceManager) FullCount() int    { return len(m.full) }
func (m *ActivePieceManager) PendingCount() int { return len(m.pending) }

// PendingPieces returns the indices currently awaiting hash verification.
func (m *ActivePieceManager) PendingPieces() []int {
	out := make([]int, 0, len(m.pending))
	for i := range m.pending {
		out = append(out, i)
	}
	return out
}

// MaxPartials implements max_partials = min(connected_peer_count * 3 / 2,
// 2048 / blocks_per_piece).
func MaxPartials(connectedPeerCount, blocksPerPiece int) int {
	if blocksPerPiece <= 0 {
		blocksPerPiece = 1
	}
	byPeers := connectedPeerCount * 3 / 2
	byBudget := 2048 / blocksPerPiece
	if byPeers < byBudget {
		return byPeers
	}
	return byBudget
}

// ShouldPrioritizePartials is true iff |_partial| > max_partials, gating
// phase 2 of the picker (spec.md §4.D/§4.G).
func (m *ActivePieceManager) ShouldPrioritizePartials(connectedPeerCount, blocksPerPiece int) bool {
	return len(m.partial) > MaxPartials(connectedPeerCount, blocksPerPiece)
}

// RarestFirstPartials scans _partial pieces in rarest-first order.
func (m *ActivePieceManager) RarestFirstPartials(f func(p *ActivePiece) bool) {
	m.order.Scan(func(index int) bool {
		p, ok := m.partial[index]
		if !ok {
			return true
		}
		return f(p)
	})
}

// RarestFirstActive scans both _partial and _full pieces in rarest-first
// order, used when looking for a home for an incoming block's piece.
func (m *ActivePieceManager) RarestFirstActive(f func(p *ActivePiece) bool) {
	m.order.Scan(func(index int) bool {
		if p, ok := m.partial[index]; ok {
			return f(p)
		}
		if p, ok := m.full[index]; ok {
			return f(p)
		}
		return true
	})
}

// ClearExclusiveForPeerAll clears peer's ownership claim across every
// active piece, used on disconnect regardless of whether it still had an
// outstanding request (a piece can be owned with no in-flight block).
func (m *ActivePieceManager) ClearExclusiveForPeerAll(peer PeerID) {
	clear := func(pieces map[int]*ActivePiece) {
		for _, p := range pieces {
			if p.hasExclusivePeer && p.exclusivePeer == peer {
				p.hasExclusivePeer = false
			}
		}
	}
	clear(m.partial)
	clear(m.full)
}

// ClaimExclusive sets the piece's speed-affinity owner.
func (m *ActivePieceManager) ClaimExclusive(index int, peer PeerID) {
	p, ok := m.Get(index)
	if !ok {
		return
	}
	p.exclusivePeer = peer
	p.hasExclusivePeer = true
}

// ClearExclusiveIfOwner clears the exclusive owner of one piece if it
// currently equals peer. Peer disconnect uses ClearExclusiveForPeerAll.
func (m *ActivePieceManager) ClearExclusiveIfOwner(index int, peer PeerID) {
	p, ok := m.Get(index)
	if !ok {
		return
	}
	if p.hasExclusivePeer && p.exclusivePeer == peer {
		p.hasExclusivePeer = false
	}
}
