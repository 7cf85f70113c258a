package torrentkit

import "sync"

// Event is a condition-variable replacement safe to use alongside the
// engine's own locking: sync.Cond requires the caller's mutex to support
// its internal locker protocol, which doesn't compose well with a
// lock-with-deferred-actions style Engine mutex. Callers (e.g. a goroutine
// waiting for a torrent to reach a terminal user state after Close) wait
// on an Event instead.
type Event struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// Wait releases clientMu, blocks until Broadcast fires, then re-acquires
// clientMu before returning.
func (e *Event) Wait(clientMu sync.Locker) {
	e.mu.Lock()
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	e.mu.Unlock()

	clientMu.Unlock()
	<-ch
	clientMu.Lock()
}

// Broadcast wakes every current waiter.
func (e *Event) Broadcast() {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}
