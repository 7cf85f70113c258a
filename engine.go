package torrentkit

import (
	"sync"
	"time"

	"github.com/anacrolix/log"

	"github.com/torrentkit/core/metrics"
	"github.com/torrentkit/core/ratelimit"
)

// Engine is the single owner of the tick timer (spec.md §4.K): it steps
// every active, resumed torrent once per tick, applies global backpressure,
// batches disk writes, and emits aggregate metrics.
type Engine struct {
	Cfg      Config
	Sockets  SocketFactory
	Torrents map[[20]byte]*Torrent
	logger   log.Logger

	// GlobalUploadBucket/GlobalDownloadBucket are the Engine-wide rate
	// limiters spec.md §4.C describes as used "by Uploader per-torrent and
	// Engine-global": every torrent added via AddTorrent has its Uploader
	// and tick-phase request issuance wired to compose with these.
	GlobalUploadBucket   *ratelimit.TokenBucket
	GlobalDownloadBucket *ratelimit.TokenBucket

	aggregateRecvBytes uint64
	backpressureActive bool

	resumed map[[20]byte]bool

	// Mu is the lock a host must hold around calls into the Engine made
	// from outside the tick goroutine (mirroring the teacher's cl._mu
	// around Client state); Close/WaitClosed use it with Event the same
	// way the teacher's Client.Close wakes waiters blocked in
	// Client.WaitAll.
	Mu         sync.Mutex
	closed     bool
	closeEvent Event
}

// NewEngine validates cfg (ConfigurationInvalid aborts startup per spec.md
// §7) and returns a ready-to-run Engine.
func NewEngine(cfg Config, sockets SocketFactory) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		Cfg:                  cfg,
		Sockets:              sockets,
		Torrents:             make(map[[20]byte]*Torrent),
		resumed:              make(map[[20]byte]bool),
		logger:               log.Default,
		GlobalUploadBucket:   ratelimit.New(float64(cfg.GlobalUploadRateBps), uploadBurstBytes(cfg.GlobalUploadRateBps)),
		GlobalDownloadBucket: ratelimit.New(float64(cfg.GlobalDownloadRateBps), uploadBurstBytes(cfg.GlobalDownloadRateBps)),
	}, nil
}

// uploadBurstBytes sizes a global bucket's burst capacity at one second's
// worth of its sustained rate, with a floor of one block so a single
// request never starves outright (ratelimit.TokenBucket already handles
// rateBps<=0 as unlimited regardless of burst).
func uploadBurstBytes(rateBps int64) int {
	if rateBps <= 0 {
		return 0
	}
	if rateBps < int64(BlockSize) {
		return BlockSize
	}
	return int(rateBps)
}

// SetLogger overrides the engine's diagnostic logger (default log.Default).
func (e *Engine) SetLogger(l log.Logger) { e.logger = l }

// AddTorrent registers a torrent, marks it resumed (eligible to tick), and
// wires its per-torrent upload/download buckets to compose with this
// Engine's global ones.
func (e *Engine) AddTorrent(t *Torrent) {
	e.Torrents[t.InfoHash] = t
	e.resumed[t.InfoHash] = true
	t.Uploader.SetGlobalBucket(e.GlobalUploadBucket)
	t.SetDownloadBucket(e.GlobalDownloadBucket)
}

// Close marks the engine closed and stops every active torrent, waking any
// goroutine blocked in WaitClosed. Safe to call more than once.
func (e *Engine) Close() {
	e.Mu.Lock()
	defer e.Mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, t := range e.Torrents {
		if t.State == UserStateActive {
			t.State = UserStateStopped
		}
	}
	e.closeEvent.Broadcast()
}

// WaitClosed blocks until Close has been called. A host goroutine that
// needs to know when an engine has fully wound down (e.g. before releasing
// its transport) calls this instead of polling Torrents' states.
func (e *Engine) WaitClosed() {
	e.Mu.Lock()
	defer e.Mu.Unlock()
	for !e.closed {
		e.closeEvent.Wait(&e.Mu)
	}
}

// PauseTorrent stops a torrent from ticking without removing it.
func (e *Engine) PauseTorrent(infoHash [20]byte) { e.resumed[infoHash] = false }

// ResumeTorrent resumes ticking.
func (e *Engine) ResumeTorrent(infoHash [20]byte) { e.resumed[infoHash] = true }

// RecordReceivedBytes is called by the transport layer as data arrives (the
// core never reads sockets itself); it feeds the global backpressure
// hysteresis (spec.md §5 HIGH_WATER/LOW_WATER).
func (e *Engine) RecordReceivedBytes(n uint64) {
	e.aggregateRecvBytes += n
}

// RecordConsumedBytes is called once the tick loop has drained buffers,
// reducing the aggregate outstanding-bytes figure that backpressure is
// computed from.
func (e *Engine) RecordConsumedBytes(n uint64) {
	if n > e.aggregateRecvBytes {
		e.aggregateRecvBytes = 0
		return
	}
	e.aggregateRecvBytes -= n
}

// checkBackpressure applies the HIGH_WATER/LOW_WATER hysteresis: once
// engaged, it stays engaged until usage drops below LOW_WATER, avoiding
// flapping the transport pause signal on every tick near the threshold.
func (e *Engine) checkBackpressure() {
	if !e.backpressureActive && e.aggregateRecvBytes >= e.Cfg.HighWaterBytes {
		e.backpressureActive = true
		metrics.BackpressureEngagedTotal.Inc()
		e.logger.WithDefaultLevel(log.Info).Printf("backpressure engaged at %d bytes outstanding", e.aggregateRecvBytes)
		if e.Sockets != nil {
			e.Sockets.SetBackpressure(true)
		}
	} else if e.backpressureActive && e.aggregateRecvBytes <= e.Cfg.LowWaterBytes {
		e.backpressureActive = false
		e.logger.WithDefaultLevel(log.Info).Printf("backpressure released at %d bytes outstanding", e.aggregateRecvBytes)
		if e.Sockets != nil {
			e.Sockets.SetBackpressure(false)
		}
	}
}

// Tick runs one pass of the engine-level sequence (spec.md §4.K):
// backpressure check, per-torrent tick, batched disk-write flush, metrics.
func (e *Engine) Tick(now time.Time) {
	start := time.Now()
	e.checkBackpressure()

	for infoHash, t := range e.Torrents {
		if t.State != UserStateActive {
			continue
		}
		if !e.resumed[infoHash] {
			continue
		}
		before := t.DownloadedBytes
		t.Tick(now)
		e.RecordConsumedBytes(uint64(t.DownloadedBytes - before))

		for _, peerID := range t.MalformedPeers() {
			t.DisconnectPeer(peerID, now, "malformed message")
			e.logger.WithDefaultLevel(log.Debug).Printf("torrent %x: disconnected peer %d for malformed message", infoHash, peerID)
		}
		for id, p := range t.Connections {
			if p.IsIdleTimedOut(now) {
				t.DisconnectPeer(id, now, "idle timeout")
				e.logger.WithDefaultLevel(log.Debug).Printf("torrent %x: disconnected peer %d for idle timeout", infoHash, id)
			}
		}
		if t.State == UserStateError {
			e.logger.WithDefaultLevel(log.Error).Printf("torrent %x entered error state: %v", infoHash, t.LastErr)
		}
		metrics.UploadQueueDepth.WithLabelValues(hexInfoHash(infoHash)).Set(float64(t.Uploader.QueueLen()))
		metrics.ActivePeersGauge.WithLabelValues(hexInfoHash(infoHash)).Set(float64(len(t.Connections)))
	}

	for _, t := range e.Torrents {
		t.FlushPendingWrites()
	}

	metrics.RecordTickDuration(time.Since(start))
}

// FillPeerSlots is the edge-triggered hook for cold-start events (tracker
// response, DHT result, initial magnet peers): it asks the torrent's Swarm
// for its next connect candidates immediately, outside the normal tick
// cadence (spec.md §4.K "Edge-triggered maintenance").
func (e *Engine) FillPeerSlots(infoHash [20]byte, now time.Time, maxNewConnections int, dial func(endpoint string)) {
	t, ok := e.Torrents[infoHash]
	if !ok {
		return
	}
	for i := 0; i < maxNewConnections; i++ {
		p, ok := t.Swarm.NextConnectPeer(now)
		if !ok {
			return
		}
		dial(p.Endpoint)
	}
}
