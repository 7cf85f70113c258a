package torrentkit

import (
	"time"

	"github.com/torrentkit/core/bitfield"
	"github.com/torrentkit/core/peerprotocol"
)

// PeerID stably identifies a peer within a Swarm/Torrent for the lifetime of
// its connection. The Swarm assigns these; the core never interprets the
// value beyond equality.
type PeerID uint64

// PiecePriority controls whether a piece participates in picking at all.
type PiecePriority int

const (
	PiecePrioritySkip   PiecePriority = 0
	PiecePriorityNormal PiecePriority = 1
	PiecePriorityHigh   PiecePriority = 2
)

// BlockSize is the fixed request/transfer granularity.
const BlockSize = peerprotocol.BlockSize

// Piece is the immutable description of one hash-verified unit of content.
type Piece struct {
	Index        int
	LengthBytes  uint32
	ExpectedHash [20]byte
}

// NumBlocks returns ceil(LengthBytes / BlockSize).
func (p Piece) NumBlocks() int {
	return int((p.LengthBytes + BlockSize - 1) / BlockSize)
}

// BlockLength returns the length of block i, accounting for a short final
// block when LengthBytes isn't a multiple of BlockSize.
func (p Piece) BlockLength(i int) uint32 {
	n := p.NumBlocks()
	if i < 0 || i >= n {
		panic("torrentkit: block index out of range")
	}
	if i < n-1 {
		return BlockSize
	}
	return p.LengthBytes - uint32(n-1)*BlockSize
}

// pieceState is the three-way state an ActivePiece can be in, kept as an
// enum rather than a boolean per the spec's "three-state piece model"
// design note: promotion/demotion only happens at add_request,
// cancel_request, and add_block.
type pieceState int

const (
	statePartial pieceState = iota
	stateFull
	statePending
)

// ActivePiece is the mutable, single-owner record for one piece currently
// in flight, as described in spec.md §3.
type ActivePiece struct {
	Index        int
	BlocksNeeded int

	state pieceState

	blockReceived     *bitfield.BitField
	blockRequests     map[uint32][]PeerID
	blockRequestTimes map[uint32]time.Time
	blockSource       map[int]PeerID
	unrequestedCount  int

	exclusivePeer    PeerID
	hasExclusivePeer bool

	activatedAt time.Time

	blocksData [][]byte

	// lastAvailability is the most recent piece_availability+seed_count the
	// picker reported for this piece; cached so the manager can re-derive a
	// full OrderState when only completion changes (AddBlock/AddRequest)
	// without forcing every caller to re-supply availability.
	lastAvailability int
}

func newActivePiece(index, blocksNeeded int, now time.Time) *ActivePiece {
	return &ActivePiece{
		Index:             index,
		BlocksNeeded:      blocksNeeded,
		state:             statePartial,
		blockReceived:     bitfield.New(blocksNeeded),
		blockRequests:     make(map[uint32][]PeerID),
		blockRequestTimes: make(map[uint32]time.Time),
		blockSource:       make(map[int]PeerID),
		unrequestedCount:  blocksNeeded,
		activatedAt:       now,
		blocksData:        make([][]byte, blocksNeeded),
	}
}

// State exposes the three-way state for tests/metrics.
func (a *ActivePiece) State() string {
	switch a.state {
	case statePartial:
		return "partial"
	case stateFull:
		return "full"
	case statePending:
		return "pending"
	default:
		return "unknown"
	}
}

// HasUnrequestedBlocks is an O(1) check of whether a piece still has work
// for a new peer. The picker itself walks unrequestedBlocks instead.
func (a *ActivePiece) HasUnrequestedBlocks() bool {
	return a.unrequestedCount > 0
}

// CompletionRatio is #received / BlocksNeeded, used as the rarest-first
// tie-breaker (nearly-finished pieces are preferred).
func (a *ActivePiece) CompletionRatio() float64 {
	if a.BlocksNeeded == 0 {
		return 1
	}
	return float64(a.blockReceived.Count()) / float64(a.BlocksNeeded)
}

// ReceivedCount reports how many blocks have arrived (hash-unverified).
func (a *ActivePiece) ReceivedCount() int { return a.blockReceived.Count() }

// ExclusivePeer returns the piece's speed-affinity owner, if any.
func (a *ActivePiece) ExclusivePeer() (PeerID, bool) {
	return a.exclusivePeer, a.hasExclusivePeer
}

// Contributors returns the set of peers that supplied at least one block
// of this piece, for penalizing on hash mismatch.
func (a *ActivePiece) Contributors() []PeerID {
	seen := make(map[PeerID]bool, len(a.blockSource))
	out := make([]PeerID, 0, len(a.blockSource))
	for _, peer := range a.blockSource {
		if !seen[peer] {
			seen[peer] = true
			out = append(out, peer)
		}
	}
	return out
}

// CanRequestFrom implements the speed-affinity ownership rule: an unclaimed
// piece or the current owner may always request; a fast peer never poaches
// someone else's piece; a slow peer may share so long as the current owner
// isn't fast.
func (a *ActivePiece) CanRequestFrom(peerID PeerID, peerIsFast, ownerIsFast bool) bool {
	if !a.hasExclusivePeer {
		return true
	}
	if a.exclusivePeer == peerID {
		return true
	}
	if peerIsFast {
		return false
	}
	return !ownerIsFast
}

// unrequestedBlocks yields indices of blocks with no outstanding request and
// no received data yet, in ascending order.
func (a *ActivePiece) unrequestedBlocks(f func(block int) bool) {
	for i := 0; i < a.BlocksNeeded; i++ {
		if a.blockReceived.Get(i) {
			continue
		}
		if len(a.blockRequests[uint32(i)]) > 0 {
			continue
		}
		if !f(i) {
			return
		}
	}
}

func (a *ActivePiece) invariantCheck() {
	requested := 0
	for _, peers := range a.blockRequests {
		if len(peers) > 0 {
			requested++
		}
	}
	received := a.blockReceived.Count()
	if a.unrequestedCount+requested+received != a.BlocksNeeded {
		panic("torrentkit: active piece block accounting invariant violated")
	}
}
