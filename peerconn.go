package torrentkit

import (
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/torrentkit/core/bitfield"
	"github.com/torrentkit/core/chunkbuf"
	"github.com/torrentkit/core/peerprotocol"
)

const (
	initialPipelineDepth = 64
	minPipelineDepth     = 8
	maxPipelineDepth     = 500

	peerIdleTimeout = 2 * time.Minute
)

// MessageHandler receives parsed wire events from PeerConnection.DrainBuffer.
// The Torrent tick loop implements this to route into
// ActivePieceManager/BitField updates (spec.md §4.F, §4.J phase 1).
type MessageHandler interface {
	OnChoke(p *PeerConnection)
	OnUnchoke(p *PeerConnection)
	OnInterested(p *PeerConnection)
	OnNotInterested(p *PeerConnection)
	OnHave(p *PeerConnection, index int)
	OnBitfield(p *PeerConnection, bits []byte)
	OnRequest(p *PeerConnection, index, begin, length int)
	OnCancel(p *PeerConnection, index, begin, length int)
	OnPort(p *PeerConnection, port uint16)
	// OnPieceBlock is handed the chunked buffer and the byte range [offset,
	// offset+length) holding the block payload; the handler must copy it
	// out synchronously (e.g. into an ActivePiece's staging area) before
	// returning — the view does not outlive the call.
	OnPieceBlock(p *PeerConnection, index, begin, length int, src *chunkbuf.Buffer, offset uint64) error
	OnMalformed(p *PeerConnection, err error)
}

// PeerConnection is the per-peer protocol state described in spec.md §3/§4.F.
type PeerConnection struct {
	ID         PeerID
	RemoteAddr string
	BannableAddr string

	Bitfield *bitfield.BitField
	IsSeed   bool
	haveCount int

	AmChoking, PeerChoking         bool
	AmInterested, PeerInterested   bool

	RecvBuffer   *chunkbuf.Buffer
	PendingBytes uint64

	RequestsOutstanding int
	PipelineDepth       int
	PeerMaxRequests     int

	DownloadRateBps ewma
	UploadRateBps   ewma

	HaveQueue  []int
	SendQueue  [][]byte

	AllowedFast *roaring.Bitmap

	LastMessageReceived time.Time
	ConnectedAt         time.Time

	// BytesDownloaded/BytesUploaded accumulate accepted chunk payload sizes
	// for this connection only; Torrent.Snapshot does not read them.
	BytesDownloaded int64
	BytesUploaded   int64
}

// NewPeerConnection constructs a connection state for a peer whose
// handshake (out of core scope) has just completed.
func NewPeerConnection(id PeerID, remoteAddr string, numPieces int, now time.Time) *PeerConnection {
	return &PeerConnection{
		ID:              id,
		RemoteAddr:      remoteAddr,
		BannableAddr:    remoteAddr,
		Bitfield:        bitfield.New(numPieces),
		AmChoking:       true,
		PeerChoking:     true,
		RecvBuffer:      chunkbuf.New(),
		PipelineDepth:   initialPipelineDepth,
		PeerMaxRequests: maxPipelineDepth,
		AllowedFast:     roaring.New(),
		ConnectedAt:     now,
		LastMessageReceived: now,
	}
}

// HandleData appends newly-received transport bytes. No parsing happens
// here — only DrainBuffer (called once per tick by the tick loop) parses.
func (p *PeerConnection) HandleData(b []byte) {
	p.RecvBuffer.Push(b)
	p.PendingBytes += uint64(len(b))
}

// IdleFor reports how long it's been since any message (including
// keepalive) arrived.
func (p *PeerConnection) IdleFor(now time.Time) time.Duration {
	return now.Sub(p.LastMessageReceived)
}

// IsIdleTimedOut is true once IdleFor exceeds the 2-minute keepalive
// window (spec.md §5 cancellation/timeout table).
func (p *PeerConnection) IsIdleTimedOut(now time.Time) bool {
	return p.IdleFor(now) > peerIdleTimeout
}

// DrainBuffer emits a single bytes_downloaded event for whatever arrived
// since the last drain, then parses and dispatches every complete message
// currently buffered, stopping when a length prefix or body isn't fully
// present yet.
func (p *PeerConnection) DrainBuffer(now time.Time, h MessageHandler, onBytesDownloaded func(n uint64)) {
	if p.PendingBytes > 0 {
		onBytesDownloaded(p.PendingBytes)
		p.PendingBytes = 0
	}
	for {
		lengthPrefix, ok := p.RecvBuffer.PeekU32BE(0)
		if !ok {
			return
		}
		total := uint64(4) + uint64(lengthPrefix)
		if p.RecvBuffer.Length() < total {
			return
		}
		if lengthPrefix == 0 {
			// Keepalive.
			p.RecvBuffer.Discard(4)
			p.LastMessageReceived = now
			continue
		}
		idByte, ok := p.RecvBuffer.PeekByte(4)
		if !ok {
			return
		}
		id := peerprotocol.MessageID(idByte)
		p.LastMessageReceived = now
		if id == peerprotocol.Piece {
			if err := p.dispatchPiece(lengthPrefix, h); err != nil {
				h.OnMalformed(p, err)
				p.RecvBuffer.Discard(total)
				continue
			}
			p.RecvBuffer.Discard(total)
			continue
		}
		body, ok := p.RecvBuffer.PeekBytes(4, uint64(lengthPrefix))
		if !ok {
			return
		}
		msg, err := peerprotocol.ParseBody(body)
		p.RecvBuffer.Discard(total)
		if err != nil {
			h.OnMalformed(p, err)
			continue
		}
		p.dispatch(msg, h)
	}
}

func (p *PeerConnection) dispatchPiece(lengthPrefix uint32, h MessageHandler) error {
	// [len][id=7][index u32][begin u32][block ...]
	index32, ok := p.RecvBuffer.PeekU32BE(5)
	if !ok {
		return errShortPieceHeader
	}
	begin32, ok := p.RecvBuffer.PeekU32BE(9)
	if !ok {
		return errShortPieceHeader
	}
	blockLen := int(lengthPrefix) - 1 - 4 - 4
	if blockLen < 0 {
		return errShortPieceHeader
	}
	return h.OnPieceBlock(p, int(index32), int(begin32), blockLen, p.RecvBuffer, 13)
}

func (p *PeerConnection) dispatch(msg peerprotocol.Message, h MessageHandler) {
	switch msg.ID {
	case peerprotocol.Choke:
		p.PeerChoking = true
		h.OnChoke(p)
	case peerprotocol.Unchoke:
		p.PeerChoking = false
		h.OnUnchoke(p)
	case peerprotocol.Interested:
		p.PeerInterested = true
		h.OnInterested(p)
	case peerprotocol.NotInterested:
		p.PeerInterested = false
		h.OnNotInterested(p)
	case peerprotocol.Have:
		h.OnHave(p, int(msg.Index))
	case peerprotocol.Bitfield:
		h.OnBitfield(p, msg.Bits)
	case peerprotocol.Request:
		h.OnRequest(p, int(msg.Index), int(msg.Begin), int(msg.Length))
	case peerprotocol.Cancel:
		h.OnCancel(p, int(msg.Index), int(msg.Begin), int(msg.Length))
	case peerprotocol.Port:
		h.OnPort(p, msg.Port)
	}
}

// QueueSend appends an outgoing message to the send queue; the tick loop's
// output phase flushes it to the socket in one write.
func (p *PeerConnection) QueueSend(m peerprotocol.Message) {
	p.SendQueue = append(p.SendQueue, m.MustMarshalBinary())
}

// QueueHave coalesces a completed-piece HAVE to be flushed at end of tick.
func (p *PeerConnection) QueueHave(index int) {
	p.HaveQueue = append(p.HaveQueue, index)
}

// FlushHaves turns the coalesced have queue into queued send messages and
// clears it.
func (p *PeerConnection) FlushHaves() {
	for _, idx := range p.HaveQueue {
		p.QueueSend(peerprotocol.Message{ID: peerprotocol.Have, Index: uint32(idx)})
	}
	p.HaveQueue = p.HaveQueue[:0]
}

// TakeSendQueue returns and clears the queued outgoing bytes for a single
// socket write.
func (p *PeerConnection) TakeSendQueue() [][]byte {
	out := p.SendQueue
	p.SendQueue = nil
	return out
}

// GrowPipeline additively increases PipelineDepth on sustained throughput.
func (p *PeerConnection) GrowPipeline() {
	p.PipelineDepth += 8
	if p.PipelineDepth > maxPipelineDepth {
		p.PipelineDepth = maxPipelineDepth
	}
}

// ShrinkPipelineOnTimeout halves PipelineDepth after a block timeout.
func (p *PeerConnection) ShrinkPipelineOnTimeout() {
	p.PipelineDepth /= 2
	if p.PipelineDepth < minPipelineDepth {
		p.PipelineDepth = minPipelineDepth
	}
}

// RemainingPipelineBudget is how many more requests this peer can accept
// before hitting its clamped pipeline depth.
func (p *PeerConnection) RemainingPipelineBudget() int {
	limit := p.PipelineDepth
	if p.PeerMaxRequests > 0 && p.PeerMaxRequests < limit {
		limit = p.PeerMaxRequests
	}
	remaining := limit - p.RequestsOutstanding
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SetHave marks piece index as held by the peer, maintaining haveCount and
// IsSeed incrementally.
func (p *PeerConnection) SetHave(index int) {
	if !p.Bitfield.Get(index) {
		p.Bitfield.Set(index, true)
		p.haveCount++
		if p.haveCount == p.Bitfield.Len() && p.Bitfield.Len() > 0 {
			p.IsSeed = true
		}
	}
}

// HaveCount is the peer's advertised piece count.
func (p *PeerConnection) HaveCount() int { return p.haveCount }

// HasPiece reports whether the peer definitely has the given piece, for
// purposes of requesting (spec.md §4.F "Peer definitely has a piece").
func (p *PeerConnection) HasPiece(index int) bool {
	if p.IsSeed {
		return true
	}
	return p.Bitfield.Get(index)
}

// RemoteChokingPiece applies the BEP 6 allowed-fast carve-out.
func (p *PeerConnection) RemoteChokingPiece(index int) bool {
	return p.PeerChoking && !p.AllowedFast.ContainsInt(index)
}

type ewma struct {
	value float64
	init  bool
}

const ewmaAlpha = 0.2

func (e *ewma) Update(sample float64) {
	if !e.init {
		e.value = sample
		e.init = true
		return
	}
	e.value = ewmaAlpha*sample + (1-ewmaAlpha)*e.value
}

func (e *ewma) Value() float64 { return e.value }

// IsFast classifies a peer's EWMA download rate as "fast" iff it would
// complete a whole piece in under 30 seconds (spec.md §4.G).
func (p *PeerConnection) IsFast(pieceLengthBytes uint32) bool {
	rate := p.DownloadRateBps.Value()
	if rate <= 0 {
		return false
	}
	return float64(pieceLengthBytes)/rate < 30
}

var errShortPieceHeader = shortPieceHeaderErr{}

type shortPieceHeaderErr struct{}

func (shortPieceHeaderErr) Error() string { return "torrentkit: piece message header incomplete" }
