package torrentkit

import "github.com/torrentkit/core/ratelimit"

// uploadRequest is one queued, unchoked peer's REQUEST awaiting service.
type uploadRequest struct {
	peer   *PeerConnection
	index  int
	begin  int
	length int
}

// Uploader is the per-torrent FIFO serving queue described in spec.md
// §4.H: REQUESTs from unchoked peers queue here, bounded per-connection and
// in aggregate, and drain against a shared token bucket once per tick.
type Uploader struct {
	queue []uploadRequest

	perConnectionLimit int
	aggregateLimit     int

	bucket       *ratelimit.TokenBucket
	globalBucket *ratelimit.TokenBucket

	storage ContentStorage
	rootKey string
}

// NewUploader wires an uploader to its per-torrent rate limiter and storage
// backend. The global bucket (spec.md §4.C "Used by Uploader per-torrent
// and Engine-global") is set separately via SetGlobalBucket once the
// torrent is registered with an Engine.
func NewUploader(bucket *ratelimit.TokenBucket, storage ContentStorage, rootKey string, perConnectionLimit, aggregateLimit int) *Uploader {
	return &Uploader{
		bucket:             bucket,
		storage:            storage,
		rootKey:            rootKey,
		perConnectionLimit: perConnectionLimit,
		aggregateLimit:     aggregateLimit,
	}
}

// SetGlobalBucket wires the Engine-wide upload bucket that every torrent's
// Drain composes with alongside its own per-torrent bucket.
func (u *Uploader) SetGlobalBucket(b *ratelimit.TokenBucket) { u.globalBucket = b }

// Enqueue admits a REQUEST for an unchoked peer who holds the piece. Over
// either bound, the request is dropped silently (spec.md §4.H).
func (u *Uploader) Enqueue(peer *PeerConnection, index, begin, length int) {
	if len(u.queue) >= u.aggregateLimit {
		return
	}
	perConn := 0
	for _, r := range u.queue {
		if r.peer == peer {
			perConn++
		}
	}
	if perConn >= u.perConnectionLimit {
		return
	}
	u.queue = append(u.queue, uploadRequest{peer, index, begin, length})
}

// PurgePeer drops every queued request for peer and sends it a CHOKE,
// called when the peer transitions to choked (spec.md §4.H).
func (u *Uploader) PurgePeer(peer *PeerConnection) {
	kept := u.queue[:0]
	for _, r := range u.queue {
		if r.peer != peer {
			kept = append(kept, r)
		}
	}
	u.queue = kept
	peer.AmChoking = true
	peer.QueueSend(chokeMessage())
}

// Cancel removes a single matching queued request (the peer's CANCEL
// message), a no-op if it already drained or was never queued.
func (u *Uploader) Cancel(peer *PeerConnection, index, begin int) {
	kept := u.queue[:0]
	for _, r := range u.queue {
		if r.peer == peer && r.index == index && r.begin == begin {
			continue
		}
		kept = append(kept, r)
	}
	u.queue = kept
}

// Drain runs once per tick's output phase: pop requests FIFO, gate each on
// the token bucket, and kick off an async storage read whose completion
// emits a PIECE message on the owning peer's send queue. A request that
// can't consume tokens right now is put back at the front and draining
// stops for this tick (spec.md §4.H "if insufficient tokens, reschedule").
func (u *Uploader) Drain(path func(index int) string, pieceOffset func(index, begin int) int64) {
	for len(u.queue) > 0 {
		r := u.queue[0]
		if ok, _ := u.bucket.TryConsume(r.length); !ok {
			return
		}
		if u.globalBucket != nil {
			if ok, _ := u.globalBucket.TryConsume(r.length); !ok {
				return
			}
		}
		u.queue = u.queue[1:]
		peer := r.peer
		storagePath := path(r.index)
		offset := pieceOffset(r.index, r.begin)
		index, begin, length := r.index, r.begin, r.length
		u.storage.Read(u.rootKey, storagePath, offset, length, func(res StorageReadResult) {
			if res.Err != nil {
				return
			}
			peer.QueueSend(pieceMessageOf(index, begin, res.Data))
			peer.BytesUploaded += int64(len(res.Data))
		})
	}
}

// QueueLen reports the current aggregate queue depth, for metrics.
func (u *Uploader) QueueLen() int { return len(u.queue) }
