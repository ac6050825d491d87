// Package trace implements the CTF-trace registry: a per-session
// subpath -> *Trace map, each Trace owning the list of relay
// streams that belong to it.
package trace

import (
	"container/list"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MaXinjian/lttng-relayd-core/internal/refcount"
	"github.com/MaXinjian/lttng-relayd-core/internal/session"
)

// idLock and lastID form the trace-id counter: a leaf lock (never
// nested inside another), mutated only under its own lock, strictly
// increasing, 0 is never assigned.
var (
	idLock sync.Mutex
	lastID uint64
)

func nextTraceID() uint64 {
	idLock.Lock()
	defer idLock.Unlock()
	lastID++
	return lastID
}

// StreamRef is the minimal view a Trace needs of the streams it lists:
// enough to request a close without internal/trace importing
// internal/stream (which itself references *Trace). internal/stream's
// *Stream implements this.
type StreamRef interface {
	RequestClose()
}

// ViewerMetadataRef is the minimal view of the weak "current viewer
// metadata stream" pointer a ctf_trace carries: published with
// release semantics, read with acquire semantics inside the read
// protection, and always dereferenced via GetUnlessZero since it is
// allowed to dangle between a stream's teardown and the next
// publication.
type ViewerMetadataRef interface {
	GetUnlessZero() bool
}

type viewerMetaSlot struct{ ref ViewerMetadataRef }

// Trace is one ctf_trace: a session-scoped, path-keyed collection of
// relay streams.
type Trace struct {
	refs *refcount.Counted

	ID      uint64
	path    string
	session *session.Session

	mu           sync.Mutex // trace.lock
	streamListMu sync.Mutex // trace.stream_list_lock
	streams      *list.List

	viewerMetadata atomic.Pointer[viewerMetaSlot]
}

// Path satisfies session.CTFTraceRef, letting *Trace live in a
// session's subpath-keyed registry without that package importing this
// one.
func (t *Trace) Path() string { return t.path }

func create(sess *session.Session, subpath string) *Trace {
	t := &Trace{
		refs:    refcount.New(1),
		ID:      nextTraceID(),
		path:    subpath,
		session: sess,
		streams: list.New(),
	}
	zap.L().Named("trace").Debug("ctf trace created",
		zap.Uint64("id", t.ID), zap.String("path", subpath))
	return t
}

// GetByPathOrCreate implements ctf_trace_get_by_path_or_create: look
// up by subpath under the read protection; if present and live, return
// it; otherwise construct a new
// Trace (fresh monotonic id, a counted reference to sess, inserted under
// subpath) and return it. No unique-insertion race handling is needed
// here: the caller already serializes control-channel events for a
// given session.
func GetByPathOrCreate(sess *session.Session, subpath string) *Trace {
	g := refcount.Default.Enter()
	if ref, ok := sess.CTFTraces.Lookup(subpath); ok {
		t := ref.(*Trace)
		if t.Get() {
			g.Exit()
			return t
		}
	}
	g.Exit()

	if !sess.Get() {
		// Session is tearing down; the caller holds the session's
		// control-channel ordering and would not be calling
		// this on a dead session, but guard against the race anyway.
		return nil
	}
	t := create(sess, subpath)
	sess.CTFTraces.GetOrInsert(subpath, func() session.CTFTraceRef { return t })
	return t
}

// Get increments the trace's refcount.
func (t *Trace) Get() bool { return t.refs.GetUnlessZero() }

// Put releases a reference. At zero, the trace is atomically removed
// from its session's map before deferred destruction, and its session
// reference is released, preserving the invariant that a trace is
// reachable through its session's map for exactly as long as its
// refcount is positive.
func (t *Trace) Put() {
	t.refs.Put(func() {
		t.session.CTFTraces.Remove(t.path)
		sess := t.session
		refcount.Default.Defer(func() {
			sess.Put()
			zap.L().Named("trace").Debug("ctf trace destroyed", zap.Uint64("id", t.ID))
		})
	})
}

// Session returns the borrowed session reference; valid for the
// lifetime of the Trace.
func (t *Trace) Session() *session.Session { return t.session }

func (t *Trace) Lock()   { t.mu.Lock() }
func (t *Trace) Unlock() { t.mu.Unlock() }

// AddStream links ref into the trace's stream list, returning the list
// element the owning stream must keep in order to remove itself later
// (removal is by node handle, never by key search).
func (t *Trace) AddStream(ref StreamRef) *list.Element {
	t.streamListMu.Lock()
	defer t.streamListMu.Unlock()
	return t.streams.PushBack(ref)
}

// RemoveStream unlinks a stream by its list element.
func (t *Trace) RemoveStream(e *list.Element) {
	t.streamListMu.Lock()
	defer t.streamListMu.Unlock()
	t.streams.Remove(e)
}

// Close implements ctf_trace_close: walk the stream list under the read
// protection (here, under the list's own lock, since container/list
// iteration is not itself concurrent-safe) and request close of each
// stream; returns immediately. The trace's own refcount is released by
// the streams as their teardown completes, not by Close.
func (t *Trace) Close() {
	t.streamListMu.Lock()
	refs := make([]StreamRef, 0, t.streams.Len())
	for e := t.streams.Front(); e != nil; e = e.Next() {
		refs = append(refs, e.Value.(StreamRef))
	}
	t.streamListMu.Unlock()

	for _, r := range refs {
		r.RequestClose()
	}
}

// PublishViewerMetadataStream atomically replaces the weak
// viewer-metadata-stream pointer with release semantics; pass nil to
// clear it.
func (t *Trace) PublishViewerMetadataStream(ref ViewerMetadataRef) {
	if ref == nil {
		t.viewerMetadata.Store(nil)
		return
	}
	t.viewerMetadata.Store(&viewerMetaSlot{ref: ref})
}

// ViewerMetadataStream reads the weak pointer with acquire semantics
// inside the read protection and attempts GetUnlessZero on whatever it
// finds, since the pointer is allowed to dangle between a stream's
// teardown and the next publication.
func (t *Trace) ViewerMetadataStream() (ViewerMetadataRef, bool) {
	g := refcount.Default.Enter()
	defer g.Exit()
	slot := t.viewerMetadata.Load()
	if slot == nil || slot.ref == nil {
		return nil, false
	}
	if !slot.ref.GetUnlessZero() {
		return nil, false
	}
	return slot.ref, true
}
