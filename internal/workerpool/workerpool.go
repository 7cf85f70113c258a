// Package workerpool is the minimal off-tick-thread worker used for disk
// and hash I/O, grounded on the teacher's lock-dance in
// peer.go: receiveChunkImpl — it releases the client lock, performs the
// blocking write, then reacquires before touching shared state again. The
// core is single-threaded by contract (spec.md §5), so this pool's
// completion callbacks must never be invoked synchronously from inside a
// job; the engine instead calls Drain() on its next tick, the Go
// equivalent of the teacher's relock-then-continue.
package workerpool

import (
	"sync"

	"github.com/pkg/errors"
)

// Job is one unit of blocking work (a storage write, a piece hash).
type Job func() (interface{}, error)

// Result pairs a job's outcome with the token it was submitted with, so the
// caller can correlate completions back to the piece/torrent they belong to.
type Result struct {
	Token interface{}
	Value interface{}
	Err   error
}

// Pool runs every submitted job on its own goroutine and accumulates
// completed results under a mutex for the caller to drain on its own
// schedule. There is deliberately no fixed worker count or bounded channel
// between Submit and a worker: a caller invoking Submit from inside the
// tick loop (Torrent.FlushPendingWrites, called from Engine.Tick) must
// never block waiting for a free worker slot or buffer space, since
// spec.md §5 guarantees no suspension points within a tick.
type Pool struct {
	mu      sync.Mutex
	results []Result
	wg      sync.WaitGroup
}

// New returns a ready Pool. workers and resultBuffer are accepted for
// compatibility with callers that size a fixed pool, but no longer bound
// anything: every Submit gets its own goroutine and results accumulate in
// an unbounded slice until Drain collects them.
func New(workers, resultBuffer int) *Pool {
	return &Pool{}
}

// Submit runs job on a fresh goroutine, tagging its eventual Result with
// token. It never blocks the caller.
func (p *Pool) Submit(token interface{}, job Job) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		v, err := job()
		if err != nil {
			err = errors.Wrap(err, "workerpool job failed")
		}
		p.mu.Lock()
		p.results = append(p.results, Result{Token: token, Value: v, Err: err})
		p.mu.Unlock()
	}()
}

// Drain returns every Result completed so far without blocking, for the
// engine to call once per tick.
func (p *Pool) Drain() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) == 0 {
		return nil
	}
	out := p.results
	p.results = nil
	return out
}

// Close waits for every in-flight job to finish. It does not stop accepting
// Submit calls; callers are expected to stop submitting before calling it.
func (p *Pool) Close() {
	p.wg.Wait()
}
