// Package refcount implements the "read-protected reference count"
// primitive every entity in the relay core is built on: concurrent readers
// observe an object without ever blocking against a concurrent writer, and
// an object's destructor runs only once every reader that could have
// observed it alive has left its read section.
//
// The scheme is a small two-generation epoch reclaimer: entering a read
// section bumps an atomic counter tagged with the domain's current
// generation parity; retiring an object flips the generation twice,
// draining the reader count of each old generation before moving on. A
// reader that is still inside a section when the first flip happens is
// guaranteed to be counted against a generation the drain waits for, so
// the release callback cannot run while it is still active. The drain
// itself only synchronizes against other drains (writer-vs-writer); it
// never takes a lock that a reader could be blocked on.
package refcount

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Domain owns the epoch used to sequence read sections against deferred
// destruction. A process normally needs only one Domain; the relay core
// keeps a single package-level Default for every registry.
type Domain struct {
	gen     atomic.Uint64
	counts  [2]atomic.Int64
	drainMu sync.Mutex
}

// NewDomain returns a fresh, independent epoch domain. Tests use this to
// avoid sharing state across cases; production code uses Default.
func NewDomain() *Domain {
	return &Domain{}
}

// Default is the process-wide domain used by every registry in this
// module unless a test constructs its own.
var Default = NewDomain()

// Guard marks one in-flight read section. Exit must be called exactly
// once, however the section's lookups turn out.
type Guard struct {
	dom    *Domain
	parity uint64
}

// Enter begins a read section. Read sections may nest (each Enter needs
// its own Exit); this never blocks on a concurrent writer.
func (d *Domain) Enter() Guard {
	for {
		g := d.gen.Load()
		parity := g & 1
		d.counts[parity].Add(1)
		if d.gen.Load() == g {
			return Guard{dom: d, parity: parity}
		}
		// The generation flipped between our load and our Add: back out
		// and retry against whatever generation is current now.
		d.counts[parity].Add(-1)
	}
}

// Exit ends the read section started by the matching Enter.
func (g Guard) Exit() {
	g.dom.counts[g.parity].Add(-1)
}

// Defer schedules fn to run once no reader that was active when Defer was
// called can still be active. fn runs on a separate goroutine (the
// "reclaimer"); it must not block on application locks and must not run
// arbitrary user code beyond freeing state and releasing further counted
// references, per the core's deferred-destruction contract.
func (d *Domain) Defer(fn func()) {
	go d.retire(fn)
}

func (d *Domain) retire(fn func()) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()
	// Two flips: the first ensures every reader that entered before this
	// call is counted against a generation we are about to drain; the
	// second closes the narrow window where a reader observed the old
	// generation number but had not yet incremented its counter when the
	// first flip happened.
	for i := 0; i < 2; i++ {
		old := d.gen.Add(1) - 1
		parity := old & 1
		for d.counts[parity].Load() > 0 {
			runtime.Gosched()
		}
	}
	fn()
}

// Counted is the embeddable refcount used by every entity in the relay
// core's object graph (session, ctf_trace, relay_stream, relay_index,
// viewer_stream, trace_chunk, index_file). Zero value is not usable; use
// New.
type Counted struct {
	n atomic.Int64
}

// New returns a Counted initialized to n references (almost always 1, the
// self-reference the creator holds).
func New(n int64) *Counted {
	c := &Counted{}
	c.n.Store(n)
	return c
}

// GetUnlessZero increments the count if and only if it is currently
// greater than zero, returning whether it succeeded. A false result means
// the object has begun teardown; the caller must treat it as not found.
// May be called either from within a read section or while already
// holding a live counted reference.
func (c *Counted) GetUnlessZero() bool {
	for {
		n := c.n.Load()
		if n <= 0 {
			return false
		}
		if c.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Put decrements the count. When it transitions to zero, onRelease runs
// synchronously, in the caller's goroutine: it is expected to unlink the
// entity from its registry/registries (a writer-side operation) and then
// schedule the entity's memory reclamation via Domain.Defer. onRelease
// must not be nil when Put can drive the count to zero; Put panics on
// a double-release (count going negative).
func (c *Counted) Put(onRelease func()) {
	n := c.n.Add(-1)
	switch {
	case n == 0:
		onRelease()
	case n < 0:
		panic("refcount: Put called on an already-released object")
	}
}

// Value reports the current count, for diagnostics and tests only; it
// must never be used to make a correctness decision (use GetUnlessZero).
func (c *Counted) Value() int64 {
	return c.n.Load()
}
