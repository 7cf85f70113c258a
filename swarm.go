package torrentkit

import (
	"math"
	"math/rand"
	"time"

	"github.com/elliotchance/orderedmap"
)

// PeerSourceTag is the provenance of a candidate peer, as handed to
// Swarm.AddCandidate by the out-of-core tracker/DHT/PEX collaborators.
type PeerSourceTag string

const (
	SourceTracker PeerSourceTag = "tracker"
	SourceDHT     PeerSourceTag = "dht"
	SourcePEX     PeerSourceTag = "pex"
	SourceLSD     PeerSourceTag = "lsd"
	SourceManual  PeerSourceTag = "manual"
	SourceIncoming PeerSourceTag = "incoming"
)

// PeerConnState is where a SwarmPeer sits in the connect lifecycle.
type PeerConnState int

const (
	PeerIdle PeerConnState = iota
	PeerConnecting
	PeerConnected
	PeerFailed
)

// SwarmPeer is a directory entry: everything the Swarm knows about a
// candidate/prior peer, independent of whether it's actively connected.
type SwarmPeer struct {
	Endpoint string
	Sources  map[PeerSourceTag]bool

	State PeerConnState

	FailCount          int
	LastAttemptAt      time.Time
	LastConnectedAt    time.Time
	LastDisconnectReason string
	QuickDisconnectCount int

	// DownloadedBytes informs the scoring function's "historical downloaded
	// bytes" log-scale component.
	DownloadedBytes int64

	cachedScore   int
	scoreValid    bool
	scoreVersion  uint32
}

// Swarm is the per-torrent peer directory: candidate cache, scoring,
// round-robin selection, and backoff bookkeeping (spec.md §4.E).
type Swarm struct {
	peers *orderedmap.OrderedMap

	roundRobinPos int

	candidateCache    []*SwarmPeer
	candidateCacheValid bool

	globalScoreVersion uint32

	minReconnectTime time.Duration
	rng              *rand.Rand
}

// NewSwarm returns an empty Swarm with the given minimum reconnect backoff
// unit (spec default 60s).
func NewSwarm(minReconnectTime time.Duration) *Swarm {
	if minReconnectTime <= 0 {
		minReconnectTime = 60 * time.Second
	}
	return &Swarm{
		peers:            orderedmap.NewOrderedMap(),
		minReconnectTime: minReconnectTime,
		rng:              rand.New(rand.NewSource(1)),
	}
}

// AddCandidate is create-or-update, idempotent on endpoint: a duplicate
// unions the source set and invalidates the cached score so it's rescored
// with the combined evidence.
func (s *Swarm) AddCandidate(endpoint string, source PeerSourceTag) *SwarmPeer {
	if p, ok := s.Get(endpoint); ok {
		if !p.Sources[source] {
			p.Sources[source] = true
			p.scoreValid = false
		}
		return p
	}
	p := &SwarmPeer{
		Endpoint: endpoint,
		Sources:  map[PeerSourceTag]bool{source: true},
		State:    PeerIdle,
	}
	s.peers.Set(endpoint, p)
	s.invalidateCandidateCache()
	return p
}

// Len reports the number of known peers (connected or not).
func (s *Swarm) Len() int { return s.peers.Len() }

// Get looks up a peer by endpoint.
func (s *Swarm) Get(endpoint string) (*SwarmPeer, bool) {
	v, ok := s.peers.Get(endpoint)
	if !ok {
		return nil, false
	}
	return v.(*SwarmPeer), true
}

// OnConnectSuccess resets backoff state after a successful connection.
func (s *Swarm) OnConnectSuccess(p *SwarmPeer, now time.Time) {
	p.FailCount = 0
	p.LastConnectedAt = now
	p.State = PeerConnected
	s.invalidateScoring()
	s.invalidateCandidateCache()
}

// OnConnectFailure records a failed connection attempt.
func (s *Swarm) OnConnectFailure(p *SwarmPeer, now time.Time, reason string) {
	p.FailCount++
	p.LastAttemptAt = now
	p.State = PeerFailed
	p.LastDisconnectReason = reason
	s.invalidateScoring()
	s.invalidateCandidateCache()
}

// OnDisconnect records a completed session, bumping QuickDisconnectCount if
// the session lasted under 30s.
func (s *Swarm) OnDisconnect(p *SwarmPeer, sessionDuration time.Duration, reason string) {
	p.State = PeerIdle
	p.LastDisconnectReason = reason
	if sessionDuration < 30*time.Second {
		p.QuickDisconnectCount++
	}
	s.invalidateScoring()
	s.invalidateCandidateCache()
}

// PenalizeHashMismatch treats a peer that contributed a block to a piece
// which failed verification the same as a connection failure for scoring
// purposes: it's evidence the peer is unreliable, without touching its
// connection state (disconnecting a bad peer is the caller's decision).
func (s *Swarm) PenalizeHashMismatch(p *SwarmPeer) {
	p.FailCount++
	s.invalidateScoring()
}

func (s *Swarm) invalidateScoring() {
	s.globalScoreVersion++
}

func (s *Swarm) invalidateCandidateCache() {
	s.candidateCacheValid = false
}

// InvalidateCandidateCache is the public hook other state-change sites call.
func (s *Swarm) InvalidateCandidateCache() { s.invalidateCandidateCache() }

// score computes the base score (spec.md §4.E table) from scratch. Caching
// and the per-call random tie-break nudge are applied by scoreFor.
func score(p *SwarmPeer) int {
	base := 100
	if port := portOf(p.Endpoint); isSuspiciousPort(port) {
		base -= 750
	}
	if !p.LastConnectedAt.IsZero() {
		base += 50
	}
	base -= 20 * p.FailCount
	base += downloadedBytesScore(p.DownloadedBytes)
	base += sourceScore(p.Sources)
	if p.QuickDisconnectCount > 0 {
		penalty := 10 * p.QuickDisconnectCount
		if penalty > 30 {
			penalty = 30
		}
		base -= penalty
	}
	return base
}

func downloadedBytesScore(n int64) int {
	if n <= 0 {
		return 0
	}
	v := int(10 * math.Log2(float64(n+1)))
	if v > 50 {
		return 50
	}
	return v
}

func sourceScore(sources map[PeerSourceTag]bool) int {
	best := 0
	add := func(tag PeerSourceTag, v int) {
		if sources[tag] && v > best {
			best = v
		}
	}
	add(SourceTracker, 10)
	add(SourceLSD, 15)
	add(SourceManual, 20)
	add(SourceIncoming, 5)
	add(SourcePEX, 0)
	if sources[SourceDHT] {
		best -= 5
	}
	return best
}

func isSuspiciousPort(port int) bool {
	switch port {
	case 0, 1, 25, 53:
		return true
	}
	return false
}

func portOf(endpoint string) int {
	// Endpoints are "host:port"; extract the trailing decimal port cheaply
	// without net.SplitHostPort's IPv6-bracket handling, which candidate
	// endpoints here are already normalized to not need.
	for i := len(endpoint) - 1; i >= 0; i-- {
		if endpoint[i] == ':' {
			port := 0
			for _, c := range endpoint[i+1:] {
				if c < '0' || c > '9' {
					return -1
				}
				port = port*10 + int(c-'0')
			}
			return port
		}
	}
	return -1
}

func (s *Swarm) scoreFor(p *SwarmPeer) int {
	if !p.scoreValid || p.scoreVersion != s.globalScoreVersion {
		p.cachedScore = score(p)
		p.scoreValid = true
		p.scoreVersion = s.globalScoreVersion
	}
	return p.cachedScore + s.rng.Intn(10)
}

func (s *Swarm) eligible(p *SwarmPeer, now time.Time) bool {
	if p.State != PeerIdle && p.State != PeerFailed {
		return false
	}
	backoff := time.Duration(p.FailCount+1) * s.minReconnectTime
	if !p.LastAttemptAt.IsZero() && now.Sub(p.LastAttemptAt) < backoff {
		return false
	}
	return true
}

const candidateCacheSize = 20
const maxScanPerReplenish = 300

// replenishCandidateCache performs the bounded round-robin scan described in
// spec.md §4.E, insertion-sorting up to candidateCacheSize eligible peers by
// score (higher first).
func (s *Swarm) replenishCandidateCache(now time.Time) {
	n := s.peers.Len()
	if n == 0 {
		s.candidateCache = nil
		s.candidateCacheValid = true
		return
	}
	keys := make([]string, 0, n)
	for el := s.peers.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Key.(string))
	}

	iterations := n
	if iterations > maxScanPerReplenish {
		iterations = maxScanPerReplenish
	}

	var cache []*SwarmPeer
	for i := 0; i < iterations; i++ {
		idx := (s.roundRobinPos + i) % n
		p, ok := s.Get(keys[idx])
		if !ok || !s.eligible(p, now) {
			continue
		}
		cache = insertByScore(cache, p, s.scoreFor(p), candidateCacheSize)
	}
	s.roundRobinPos = (s.roundRobinPos + iterations) % n
	s.candidateCache = cache
	s.candidateCacheValid = true
}

func insertByScore(cache []*SwarmPeer, p *SwarmPeer, sc int, limit int) []*SwarmPeer {
	pos := len(cache)
	for i, existing := range cache {
		if sc > scoreOf(existing) {
			pos = i
			break
		}
	}
	cache = append(cache, nil)
	copy(cache[pos+1:], cache[pos:])
	cache[pos] = p
	if len(cache) > limit {
		cache = cache[:limit]
	}
	return cache
}

// scoreOf recomputes the same value scoreFor would without the random
// nudge's side effects on the rng stream mattering for ordering; the insert
// helper only needs a stable basis for comparison within one replenish pass.
func scoreOf(p *SwarmPeer) int {
	if p.scoreValid {
		return p.cachedScore
	}
	return score(p)
}

// NextConnectPeer returns one candidate peer to dial, replenishing the
// bounded cache first if it's empty or invalid.
func (s *Swarm) NextConnectPeer(now time.Time) (*SwarmPeer, bool) {
	if !s.candidateCacheValid || len(s.candidateCache) == 0 {
		s.replenishCandidateCache(now)
	}
	if len(s.candidateCache) == 0 {
		return nil, false
	}
	p := s.candidateCache[0]
	s.candidateCache = s.candidateCache[1:]
	return p, true
}
