// Package metrics exposes the Prometheus collectors the Engine updates
// once per tick: tick duration, per-torrent queue depths, stuck-piece
// sweeps, and backpressure engagement (spec.md §4.L).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(
		TickDurationMilliseconds,
		UploadQueueDepth,
		StuckPiecesAbandoned,
		BackpressureEngagedTotal,
		ActivePeersGauge,
	)
}

var TickDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "torrentkit_tick_duration_milliseconds",
	Help:    "Wall-clock duration of one Engine tick across all active torrents",
	Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
})

var UploadQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "torrentkit_upload_queue_depth",
	Help: "Current aggregate Uploader queue depth for a torrent",
}, []string{"infohash"})

var StuckPiecesAbandoned = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "torrentkit_stuck_pieces_abandoned_total",
	Help: "Pieces removed from the active set by the stuck-piece sweep",
}, []string{"infohash"})

var BackpressureEngagedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "torrentkit_backpressure_engaged_total",
	Help: "Number of times the engine signalled the transport to pause reads",
})

var ActivePeersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "torrentkit_active_peers",
	Help: "Connected peer count per torrent",
}, []string{"infohash"})

// RecordTickDuration observes one tick's wall-clock cost.
func RecordTickDuration(d time.Duration) {
	TickDurationMilliseconds.Observe(float64(d.Nanoseconds()) / float64(time.Millisecond))
}
