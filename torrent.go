package torrentkit

import (
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/anacrolix/log"

	"github.com/torrentkit/core/bitfield"
	"github.com/torrentkit/core/chunkbuf"
	"github.com/torrentkit/core/internal/workerpool"
	"github.com/torrentkit/core/metrics"
	"github.com/torrentkit/core/ratelimit"
	"github.com/torrentkit/core/smartban"
)

// UserState is the user-visible lifecycle state of a Torrent (spec.md §7).
type UserState int

const (
	UserStateActive UserState = iota
	UserStateStopped
	UserStateError
)

// Torrent is the per-torrent tick loop owner (spec.md §4.J): it wires
// together an ActivePieceManager, PiecePicker, Swarm, Uploader and
// UnchokeAlgorithm and drives them through the four tick phases.
type Torrent struct {
	InfoHash [20]byte
	Name     string

	Pieces      []Piece
	priorities  []PiecePriority
	HaveBits    *bitfield.BitField
	availability []int
	seedCount   int

	Manager  *ActivePieceManager
	Picker   *PiecePicker
	Swarm    *Swarm
	Uploader *Uploader
	Unchoke  *UnchokeAlgorithm
	SmartBan *smartban.Cache

	Connections map[PeerID]*PeerConnection

	Storage      ContentStorage
	RootKey      string
	PathForPiece func(index int) string

	Cfg       Config
	tickCount int

	hashPiece func([]byte) [20]byte

	DownloadedBytes int64
	UploadedBytes   int64

	State  UserState
	LastErr error

	malformedPeers []PeerID
	pendingWrites  []pendingWrite
	writeRetries   map[int]int

	downloadBucket *ratelimit.TokenBucket

	WritePool *workerpool.Pool
	logger    log.Logger
}

// SetDownloadBucket wires the Engine-wide download bucket (spec.md §4.C)
// that gates REQUEST issuance in the tick output phase. A nil bucket means
// unlimited, the default for a torrent not registered with an Engine.
func (t *Torrent) SetDownloadBucket(b *ratelimit.TokenBucket) { t.downloadBucket = b }

// NewTorrent wires up a torrent's components. pieces must be in index
// order; every piece starts at PiecePriorityNormal (see SetPriority).
// uploadBucket gates the Uploader's drain; pass a shared bucket across
// torrents to enforce a global upload rate, or a dedicated one per torrent.
func NewTorrent(infoHash [20]byte, name string, pieces []Piece, cfg Config, storage ContentStorage, rootKey string, pathForPiece func(int) string, uploadBucket *ratelimit.TokenBucket) *Torrent {
	priorities := make([]PiecePriority, len(pieces))
	for i := range priorities {
		priorities[i] = PiecePriorityNormal
	}
	t := &Torrent{
		InfoHash:     infoHash,
		Name:         name,
		Pieces:       pieces,
		priorities:   priorities,
		HaveBits:     bitfield.New(len(pieces)),
		availability: make([]int, len(pieces)),
		Swarm:        NewSwarm(cfg.MinReconnectTime),
		Unchoke:      NewUnchokeAlgorithm(cfg.ChokeInterval, cfg.OptimisticInterval),
		Connections:  make(map[PeerID]*PeerConnection),
		Storage:      storage,
		RootKey:      rootKey,
		PathForPiece: pathForPiece,
		Cfg:          cfg,
		hashPiece:    func(b []byte) [20]byte { return sha1.Sum(b) },
		State:        UserStateActive,
		writeRetries: make(map[int]int),
		SmartBan:     smartban.New(4096),
		WritePool:    workerpool.New(2, 64),
		logger:       log.Default,
	}
	t.Uploader = NewUploader(uploadBucket, storage, rootKey, cfg.PerConnectionUploadQueueSize, cfg.AggregateUploadQueueSize)
	blocksPerPiece := func(index int) int {
		if index < 0 || index >= len(pieces) {
			return 0
		}
		return pieces[index].NumBlocks()
	}
	t.Manager = NewActivePieceManager(blocksPerPiece)
	t.Picker = NewPiecePicker(t.Manager, t, func(id PeerID) (*PeerConnection, bool) {
		c, ok := t.Connections[id]
		return c, ok
	})
	return t
}

// PieceSource implementation.

func (t *Torrent) NumPieces() int         { return len(t.Pieces) }
func (t *Torrent) HaveLocally(i int) bool { return t.HaveBits.Get(i) }
func (t *Torrent) Priority(i int) PiecePriority {
	if i < 0 || i >= len(t.priorities) {
		return PiecePrioritySkip
	}
	return t.priorities[i]
}
func (t *Torrent) Availability(i int) int   { return t.availability[i] + t.seedCount }
func (t *Torrent) PieceLength(i int) uint32 { return t.Pieces[i].LengthBytes }
func (t *Torrent) BlocksPerPiece() int {
	if len(t.Pieces) == 0 {
		return 1
	}
	return t.Pieces[0].NumBlocks()
}
func (t *Torrent) FirstNeededPiece() int {
	for i := range t.Pieces {
		if !t.HaveBits.Get(i) {
			return i
		}
	}
	return len(t.Pieces)
}

// SetPriority changes a piece's picking priority (e.g. user deselects a
// file); skipped pieces don't count toward availability scans here because
// Availability only reports raw holder counts, and the picker itself
// already filters on Priority before ever reading Availability for a
// candidate.
func (t *Torrent) SetPriority(index int, pr PiecePriority) {
	if index >= 0 && index < len(t.priorities) {
		t.priorities[index] = pr
	}
}

// AddConnection registers a freshly handshaken peer.
func (t *Torrent) AddConnection(p *PeerConnection) {
	t.Connections[p.ID] = p
}

// applyHave marks piece index as held by p, maintaining availability and
// seed_count per spec.md §3's "seeds are never counted in
// piece_availability" invariant, including the in-flight transition when a
// peer's last HAVE makes it a seed.
func (t *Torrent) applyHave(p *PeerConnection, index int) {
	if p.Bitfield.Get(index) {
		return
	}
	wasSeed := p.IsSeed
	p.SetHave(index)
	if !wasSeed {
		t.availability[index]++
	}
	if p.IsSeed && !wasSeed {
		t.availability[index]--
		p.Bitfield.Iterate(func(i int) bool {
			if i != index {
				t.availability[i]--
			}
			return true
		})
		t.seedCount++
	}
	t.updateInterest(p)
}

func (t *Torrent) anyNeeded(p *PeerConnection) bool {
	for i := range t.Pieces {
		if t.HaveBits.Get(i) {
			continue
		}
		if t.priorities[i] == PiecePrioritySkip {
			continue
		}
		if p.IsSeed || p.Bitfield.Get(i) {
			return true
		}
	}
	return false
}

func (t *Torrent) updateInterest(p *PeerConnection) {
	want := t.anyNeeded(p)
	if want && !p.AmInterested {
		p.AmInterested = true
		p.QueueSend(interestedMessage())
	} else if !want && p.AmInterested {
		p.AmInterested = false
		p.QueueSend(notInterestedMessage())
	}
}

// MessageHandler implementation (dispatched from PeerConnection.DrainBuffer).

func (t *Torrent) OnChoke(p *PeerConnection)   {}
func (t *Torrent) OnUnchoke(p *PeerConnection) {}
func (t *Torrent) OnInterested(p *PeerConnection) {}
func (t *Torrent) OnNotInterested(p *PeerConnection) {}

func (t *Torrent) OnHave(p *PeerConnection, index int) {
	if index < 0 || index >= len(t.Pieces) {
		t.OnMalformed(p, fmt.Errorf("torrentkit: have index %d out of range", index))
		return
	}
	t.applyHave(p, index)
}

func (t *Torrent) OnBitfield(p *PeerConnection, bits []byte) {
	bf, err := bitfield.FromBytes(bits, len(t.Pieces))
	if err != nil {
		t.OnMalformed(p, err)
		return
	}
	bf.Iterate(func(i int) bool {
		t.applyHave(p, i)
		return true
	})
}

func (t *Torrent) OnRequest(p *PeerConnection, index, begin, length int) {
	if p.AmChoking {
		return
	}
	if !t.HaveBits.Get(index) {
		return
	}
	t.Uploader.Enqueue(p, index, begin, length)
}

func (t *Torrent) OnCancel(p *PeerConnection, index, begin, length int) {
	t.Uploader.Cancel(p, index, begin)
}

func (t *Torrent) OnPort(p *PeerConnection, port uint16) {}

func (t *Torrent) OnPieceBlock(p *PeerConnection, index, begin, length int, src *chunkbuf.Buffer, offset uint64) error {
	if index < 0 || index >= len(t.Pieces) || length < 0 {
		return fmt.Errorf("torrentkit: piece block out of range index=%d length=%d", index, length)
	}
	block := begin / BlockSize
	dst := make([]byte, length)
	if !src.CopyOut(offset, uint64(length), dst) {
		return fmt.Errorf("torrentkit: piece block payload short")
	}
	key := smartban.BlockKey{PieceIndex: index, Begin: begin}
	if badAddr, conflict := t.SmartBan.Conflicts(key, dst); conflict {
		if sp, ok := t.Swarm.Get(badAddr); ok {
			t.Swarm.PenalizeHashMismatch(sp)
		}
	}
	t.SmartBan.Record(key, p.BannableAddr, dst)
	t.Manager.AddBlock(index, block, dst)
	if p.RequestsOutstanding > 0 {
		p.RequestsOutstanding--
	}
	p.BytesDownloaded += int64(length)
	p.GrowPipeline()
	return nil
}

func (t *Torrent) OnMalformed(p *PeerConnection, err error) {
	t.malformedPeers = append(t.malformedPeers, p.ID)
}

// MalformedPeers returns and clears the peers that sent a malformed
// message this tick; the caller (Engine) is responsible for disconnecting
// them (spec.md §7: "disconnect peer, score penalty").
func (t *Torrent) MalformedPeers() []PeerID {
	out := t.malformedPeers
	t.malformedPeers = nil
	return out
}

// DisconnectPeer tears down a connection's contribution to torrent state:
// availability/seed_count reversal, request cleanup, exclusive-ownership
// release, upload-queue purge, and swarm bookkeeping (spec.md §3
// "Lifecycle").
func (t *Torrent) DisconnectPeer(id PeerID, now time.Time, reason string) {
	p, ok := t.Connections[id]
	if !ok {
		return
	}
	delete(t.Connections, id)
	t.Manager.ClearRequestsForPeer(id)
	t.Manager.ClearExclusiveForPeerAll(id)
	if p.IsSeed {
		t.seedCount--
	} else {
		p.Bitfield.Iterate(func(i int) bool {
			t.availability[i]--
			return true
		})
	}
	t.Uploader.PurgePeer(p)
	if sp, ok := t.Swarm.Get(p.RemoteAddr); ok {
		t.Swarm.OnDisconnect(sp, now.Sub(p.ConnectedAt), reason)
	}
}

func (t *Torrent) pieceOffset(index, begin int) int64 {
	var off int64
	for i := 0; i < index; i++ {
		off += int64(t.Pieces[i].LengthBytes)
	}
	return off + int64(begin)
}

// verifyPendingPieces hash-checks every piece ActivePieceManager has fully
// received, applying the match/mismatch policy from spec.md §4.J/§7.
func (t *Torrent) verifyPendingPieces(now time.Time) {
	for _, index := range t.Manager.PendingPieces() {
		p, ok := t.Manager.Get(index)
		if !ok {
			continue
		}
		data := p.AssembledBytes()
		t.forgetSmartBanBlocks(index)
		if t.hashPiece(data) == t.Pieces[index].ExpectedHash {
			t.HaveBits.Set(index, true)
			t.Manager.Remove(index)
			for _, conn := range t.Connections {
				conn.QueueHave(index)
			}
			t.writeVerifiedPiece(index, data)
			continue
		}
		t.logger.WithDefaultLevel(log.Warning).Printf("torrent %x: piece %d failed hash check, penalizing %d contributor(s)", t.InfoHash, index, len(p.Contributors()))
		for _, peerID := range p.Contributors() {
			if conn, ok := t.Connections[peerID]; ok {
				if sp, ok := t.Swarm.Get(conn.RemoteAddr); ok {
					t.Swarm.PenalizeHashMismatch(sp)
				}
			}
		}
		t.Manager.Remove(index)
	}
}

// forgetSmartBanBlocks drops this piece's block fingerprints once its fate
// (verified or wiped) is decided, so the bounded cache stays scoped to
// blocks still in flight.
func (t *Torrent) forgetSmartBanBlocks(index int) {
	n := t.Pieces[index].NumBlocks()
	for b := 0; b < n; b++ {
		t.SmartBan.Forget(smartban.BlockKey{PieceIndex: index, Begin: b * BlockSize})
	}
}

// pendingWrite is a queued, not-yet-submitted disk write: the verified
// piece index and its assembled bytes. Kept around (rather than just a
// closure) so a failed write can be re-submitted verbatim on retry.
type pendingWrite struct {
	index int
	data  []byte
}

// writeVerifiedPiece enqueues a disk write to run as part of the engine's
// once-per-tick batched flush (spec.md §5 "disk-write batching"), rather
// than writing immediately from inside verifyPendingPieces.
func (t *Torrent) writeVerifiedPiece(index int, data []byte) {
	if t.Storage == nil {
		return
	}
	t.pendingWrites = append(t.pendingWrites, pendingWrite{index: index, data: data})
}

// performWrite blocks on ContentStorage.WriteVerified's completion
// callback. Only ever called from inside a worker-pool job goroutine, never
// from the tick goroutine.
func (t *Torrent) performWrite(w pendingWrite) StorageWriteResult {
	path := ""
	if t.PathForPiece != nil {
		path = t.PathForPiece(w.index)
	}
	offset := t.pieceOffset(w.index, 0)
	expected := t.Pieces[w.index].ExpectedHash
	done := make(chan StorageWriteResult, 1)
	t.Storage.WriteVerified(t.RootKey, path, offset, w.data, expected, func(r StorageWriteResult) { done <- r })
	return <-done
}

// FlushPendingWrites submits every disk write enqueued this tick to the
// background worker pool and clears the queue, called by the Engine after
// every torrent has ticked. The teacher's receiveChunkImpl releases the
// client lock around the blocking storage write and relocks before
// touching shared state again (peer.go); WritePool/DrainWriteResults is
// the Go-idiomatic equivalent: the write runs off the tick goroutine and
// its outcome rejoins on the next Tick via Drain.
func (t *Torrent) FlushPendingWrites() {
	writes := t.pendingWrites
	t.pendingWrites = nil
	for _, w := range writes {
		w := w
		t.WritePool.Submit(w.index, func() (interface{}, error) {
			res := t.performWrite(w)
			if res.HashMismatch {
				return w, ErrStorageIO
			}
			if res.Err != nil {
				return w, res.Err
			}
			return res, nil
		})
	}
}

// DrainWriteResults collects completed background writes submitted by a
// prior FlushPendingWrites and applies their outcome to Torrent state. It
// must only be called from inside Tick, preserving the single-threaded
// contract (spec.md §5).
//
// ErrStorageIO policy (spec.md §7): the first failure for a given piece
// index re-enqueues the same write for next tick's FlushPendingWrites; only
// a second consecutive failure for that index surfaces to UserStateError.
func (t *Torrent) DrainWriteResults() {
	for _, r := range t.WritePool.Drain() {
		index := r.Token.(int)
		if r.Err == nil {
			delete(t.writeRetries, index)
			continue
		}
		w, ok := r.Value.(pendingWrite)
		if !ok {
			t.State = UserStateError
			t.LastErr = fmt.Errorf("%w: %v", ErrStorageIO, r.Err)
			continue
		}
		if t.writeRetries[index] == 0 {
			t.writeRetries[index] = 1
			t.pendingWrites = append(t.pendingWrites, w)
			t.logger.WithDefaultLevel(log.Warning).Printf("torrent %x: piece %d write failed, retrying next tick: %v", t.InfoHash, index, r.Err)
			continue
		}
		delete(t.writeRetries, index)
		t.State = UserStateError
		t.LastErr = fmt.Errorf("%w: %v", ErrStorageIO, r.Err)
	}
}

// Tick runs one pass of the four-phase loop (spec.md §4.J).
func (t *Torrent) Tick(now time.Time) {
	t.tickCount++

	// Phase 1: Gather.
	for _, p := range t.Connections {
		p.DrainBuffer(now, t, func(n uint64) { t.DownloadedBytes += int64(n) })
	}

	// Phase 2: Process.
	t.DrainWriteResults()
	t.verifyPendingPieces(now)
	t.Unchoke.Run(now, t.connList(), t.Cfg.MaxUploadSlots, t.FirstNeededPiece() == len(t.Pieces),
		func(p *PeerConnection) { t.Uploader.PurgePeer(p) },
		func(p *PeerConnection) { p.QueueSend(unchokeMessage()) },
	)
	if t.tickCount%t.Cfg.StuckPieceSweepEveryTicks == 0 {
		abandoned := t.Picker.CleanupStuckPieces(now, func(peer PeerID, index, begin int, length uint32) {
			if conn, ok := t.Connections[peer]; ok {
				conn.QueueSend(cancelMessageOf(index, begin, length))
			}
		})
		if len(abandoned) > 0 {
			metrics.StuckPiecesAbandoned.WithLabelValues(hexInfoHash(t.InfoHash)).Add(float64(len(abandoned)))
		}
	}

	// Phase 3: Output.
	connectedCount := len(t.Connections)
	for _, p := range t.Connections {
		if p.PeerChoking {
			continue
		}
		if p.RemainingPipelineBudget() <= 0 {
			continue
		}
		t.Picker.RequestPieces(p, connectedCount, now, func(peer *PeerConnection, index, begin int, length uint32) {
			if t.downloadBucket != nil {
				if ok, _ := t.downloadBucket.TryConsume(int(length)); !ok {
					// The manager already recorded this block as requested;
					// leaving the REQUEST message unsent here is safe, since
					// CheckTimeouts reclaims it as a normal stuck request
					// once blockRequestTimeout elapses.
					return
				}
			}
			peer.QueueSend(requestMessageOf(index, begin, length))
			peer.RequestsOutstanding++
		})
	}
	for _, p := range t.Connections {
		p.FlushHaves()
	}
	t.Uploader.Drain(t.PathForPiece, t.pieceOffset)
}

func (t *Torrent) connList() []*PeerConnection {
	out := make([]*PeerConnection, 0, len(t.Connections))
	for _, p := range t.Connections {
		out = append(out, p)
	}
	return out
}

// Snapshot produces the upward-facing state event (spec.md §6), emitted at
// most once per tick by the caller.
func (t *Torrent) Snapshot() TorrentStateEvent {
	var total int64
	for _, p := range t.Pieces {
		total += int64(p.LengthBytes)
	}
	seeds := 0
	for _, p := range t.Connections {
		if p.IsSeed {
			seeds++
		}
	}
	active := make([]int, 0, t.Manager.PartialCount()+t.Manager.FullCount())
	t.Manager.RarestFirstActive(func(p *ActivePiece) bool {
		active = append(active, p.Index)
		return true
	})
	return TorrentStateEvent{
		InfoHash:           t.InfoHash,
		Name:               t.Name,
		TotalBytes:         total,
		DownloadedBytes:    t.DownloadedBytes,
		UploadBytes:        t.UploadedBytes,
		PieceHaveBitfield:  t.HaveBits.Bytes(),
		ActivePieceIndices: active,
		PeerCount:          len(t.Connections),
		SeedCount:          seeds,
	}
}
