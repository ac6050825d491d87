// Package session implements the process-wide session registry: each
// producer connection registers one Session, which
// owns a trace-chunk handle and a subpath-keyed map of CTF traces.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MaXinjian/lttng-relayd-core/internal/chunk"
	"github.com/MaXinjian/lttng-relayd-core/internal/refcount"
	"github.com/MaXinjian/lttng-relayd-core/internal/registry"
)

// CTFTraceRef is the minimal view of a ctf_trace a Session needs in
// order to own its trace map without internal/session importing
// internal/trace (which itself references Session): the trace package
// implements this interface on its *Trace type.
type CTFTraceRef interface {
	Path() string
	Close()
}

var nextID atomic.Uint64

// NextID allocates the next process-wide session identifier.
func NextID() uint64 { return nextID.Add(1) }

// Session is the top level of the four-level entity hierarchy
// (session -> ctf_trace -> relay_stream -> relay_index).
type Session struct {
	refs *refcount.Counted

	ID        uint64
	Hostname  string
	Name      string
	CreatedAt time.Time

	mu             sync.Mutex
	chunkHandle    *chunk.Handle
	viewerAttached bool

	// CTFTraces is exported as a typed registry rather than a bare map:
	// callers use it directly (session.CTFTraces.Lookup(subpath), etc.)
	// under the read protection.
	CTFTraces *registry.StringTable[CTFTraceRef]
}

// registryDomain is the read-protection domain every Session-family
// lookup happens under.
var registryDomain = refcount.Default

// process-wide session registry, keyed by Session.ID.
var sessions = registry.NewU64Table[*Session]()

// New creates and registers a Session with one reference (the caller's,
// analogous to the self-reference other entities in this core hold).
func New(hostname, name string) *Session {
	s := &Session{
		refs:      refcount.New(1),
		ID:        NextID(),
		Hostname:  hostname,
		Name:      name,
		CreatedAt: time.Now(),
		CTFTraces: registry.NewStringTable[CTFTraceRef](),
	}
	sessions.GetOrInsert(s.ID, func() *Session { return s })
	zap.L().Named("session").Debug("session created",
		zap.Uint64("id", s.ID), zap.String("name", name), zap.String("host", hostname))
	return s
}

// GetByID looks up a session under the read protection and tries to
// acquire a reference to it; a false result means not-found (either it
// never existed or it is tearing down).
func GetByID(id uint64) (*Session, bool) {
	g := registryDomain.Enter()
	defer g.Exit()
	s, ok := sessions.Lookup(id)
	if !ok {
		return nil, false
	}
	if !s.Get() {
		return nil, false
	}
	return s, true
}

// Get increments the session's refcount; false means teardown already
// began.
func (s *Session) Get() bool { return s.refs.GetUnlessZero() }

// Put releases a reference. When the count reaches zero the session is
// unlinked from the process-wide registry and its trace-chunk handle is
// released.
func (s *Session) Put() {
	s.refs.Put(func() {
		sessions.Remove(s.ID)
		s.mu.Lock()
		ch := s.chunkHandle
		s.chunkHandle = nil
		s.mu.Unlock()
		ch.Put()
		zap.L().Named("session").Debug("session released", zap.Uint64("id", s.ID))
	})
}

// Lock/Unlock expose the per-session lock that orders access to the
// session's trace map and trace-chunk handle; in the process-wide lock
// order, session.lock is acquired before trace.lock.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// CurrentChunk returns the session's current trace-chunk handle. Must be
// called with the session lock held (or via a copy obtained through
// CopyCurrentChunk, which takes the lock itself).
func (s *Session) CurrentChunk() *chunk.Handle {
	return s.chunkHandle
}

// SetCurrentChunk installs a new trace-chunk handle, releasing whatever
// was previously installed. Must be called with the session lock held.
func (s *Session) SetCurrentChunk(h *chunk.Handle) {
	old := s.chunkHandle
	s.chunkHandle = h
	old.Put()
}

// CopyCurrentChunk returns an independent handle to the session's
// current trace chunk, or nil if there is none / it is tearing down.
func (s *Session) CopyCurrentChunk() *chunk.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chunk.Copy(s.chunkHandle)
}

// ViewerAttached reports and sets the session's viewer_attached flag.
// Callers must hold the session lock (viewer.Attach/Detach do so).
func (s *Session) ViewerAttached() bool     { return s.viewerAttached }
func (s *Session) SetViewerAttached(v bool) { s.viewerAttached = v }

// Live reports whether a viewer currently has this session attached,
// the same derived signal ctf-trace.cpp's session liveness check
// exposes for diagnostics; it does not replace ViewerAttached as the
// source of truth, only reads it under lock.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewerAttached
}

// Close walks every ctf_trace still registered under this session and
// requests its close, mirroring ctf_trace_close's own stream-list walk
// one level up the hierarchy. It returns immediately;
// each trace's refcount is released by its own streams as their
// teardown completes, not by Close.
func (s *Session) Close(ctx context.Context) {
	var traces []CTFTraceRef
	s.CTFTraces.Range(func(_ string, t CTFTraceRef) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		traces = append(traces, t)
		return true
	})
	for _, t := range traces {
		t.Close()
	}
}
