package torrentkit

import (
	"math/rand"
	"sort"
	"time"
)

// UnchokeAlgorithm runs the BEP 3 tit-for-tat ranking plus one rotating
// optimistic-unchoke slot (spec.md §4.I).
type UnchokeAlgorithm struct {
	chokeInterval      time.Duration
	optimisticInterval time.Duration

	lastEval      time.Time
	lastRotate    time.Time
	optimisticID  PeerID
	hasOptimistic bool
	rng           *rand.Rand
}

// NewUnchokeAlgorithm returns an evaluator with no prior state, so its
// first Run always fires (fresh torrents immediately pick unchoke slots).
// chokeInterval/optimisticInterval come from Config.ChokeInterval/
// OptimisticInterval (spec.md §4.C); a non-positive value falls back to the
// spec's 10s/30s defaults rather than evaluating every tick.
func NewUnchokeAlgorithm(chokeInterval, optimisticInterval time.Duration) *UnchokeAlgorithm {
	if chokeInterval <= 0 {
		chokeInterval = defaultChokeInterval
	}
	if optimisticInterval <= 0 {
		optimisticInterval = defaultOptimisticInterval
	}
	return &UnchokeAlgorithm{
		chokeInterval:      chokeInterval,
		optimisticInterval: optimisticInterval,
		rng:                rand.New(rand.NewSource(1)),
	}
}

// Run evaluates the choke interval and, if it has elapsed, re-ranks
// connected interested peers and applies CHOKE/UNCHOKE transitions via the
// supplied callbacks. Returns whether an evaluation actually ran.
func (u *UnchokeAlgorithm) Run(now time.Time, peers []*PeerConnection, maxUploadSlots int, weAreSeed bool, choke, unchoke func(p *PeerConnection)) bool {
	if !u.lastEval.IsZero() && now.Sub(u.lastEval) < u.chokeInterval {
		return false
	}
	u.lastEval = now

	var interested []*PeerConnection
	for _, p := range peers {
		if p.PeerInterested {
			interested = append(interested, p)
		}
	}
	sort.SliceStable(interested, func(i, j int) bool {
		return rateOf(interested[i], weAreSeed) > rateOf(interested[j], weAreSeed)
	})

	regularSlots := maxUploadSlots - 1
	if regularSlots < 0 {
		regularSlots = 0
	}
	if regularSlots > len(interested) {
		regularSlots = len(interested)
	}
	regular := interested[:regularSlots]

	unchokeSet := make(map[PeerID]bool, regularSlots+1)
	for _, p := range regular {
		unchokeSet[p.ID] = true
	}

	if maxUploadSlots > 0 {
		u.maybeRotateOptimistic(now, peers, unchokeSet)
		if u.hasOptimistic {
			unchokeSet[u.optimisticID] = true
		}
	}

	for _, p := range peers {
		if unchokeSet[p.ID] {
			if p.AmChoking {
				p.AmChoking = false
				unchoke(p)
			}
		} else if !p.AmChoking {
			p.AmChoking = true
			choke(p)
		}
	}
	return true
}

const (
	defaultChokeInterval      = 10 * time.Second
	defaultOptimisticInterval = 30 * time.Second
	newPeerWindow             = 60 * time.Second
	newPeerWeight             = 3
)

func rateOf(p *PeerConnection, weAreSeed bool) float64 {
	if weAreSeed {
		return p.UploadRateBps.Value()
	}
	return p.DownloadRateBps.Value()
}

func (u *UnchokeAlgorithm) maybeRotateOptimistic(now time.Time, peers []*PeerConnection, alreadyUnchoked map[PeerID]bool) {
	stillValid := false
	if u.hasOptimistic {
		for _, p := range peers {
			if p.ID == u.optimisticID {
				stillValid = true
				break
			}
		}
	}
	dueToRotate := u.lastRotate.IsZero() || now.Sub(u.lastRotate) >= u.optimisticInterval
	if stillValid && !dueToRotate {
		return
	}
	u.lastRotate = now

	var candidates []*PeerConnection
	var weights []int
	total := 0
	for _, p := range peers {
		if alreadyUnchoked[p.ID] {
			continue
		}
		w := 1
		if now.Sub(p.ConnectedAt) <= newPeerWindow {
			w = newPeerWeight
		}
		candidates = append(candidates, p)
		weights = append(weights, w)
		total += w
	}
	if len(candidates) == 0 {
		u.hasOptimistic = false
		return
	}
	pick := u.rng.Intn(total)
	for i, w := range weights {
		if pick < w {
			u.optimisticID = candidates[i].ID
			u.hasOptimistic = true
			return
		}
		pick -= w
	}
}
