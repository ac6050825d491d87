package viewer

import (
	"container/list"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/MaXinjian/lttng-relayd-core/internal/chunk"
	"github.com/MaXinjian/lttng-relayd-core/internal/refcount"
	"github.com/MaXinjian/lttng-relayd-core/internal/session"
)

// AttachStatus is the result of attaching a producer session to a
// viewer session.
type AttachStatus int

const (
	AttachOK AttachStatus = iota
	AttachAlready
	AttachUnknown
)

// Session is a relay_viewer_session: the set of producer sessions a
// live viewer has attached to, each contributing its streams to the
// process-wide viewer-stream registry.
type Session struct {
	mu           sync.Mutex // session_list_lock
	attached     *list.List // ordered, list-owned references to *session.Session
	elemByID     map[uint64]*list.Element
	attachedSet  mapset.Set[uint64] // derived O(1) index over elemByID's keys
	currentChunk *chunk.Handle
}

// NewSession creates an empty viewer session.
func NewSession() *Session {
	return &Session{
		attached:    list.New(),
		elemByID:    make(map[uint64]*list.Element),
		attachedSet: mapset.NewSet[uint64](),
	}
}

// Attach implements viewer_session_attach: under the producer's lock,
// mark the producer attached, copy its current trace chunk into the
// viewer session and link the producer into the viewer's attached list,
// which takes its own counted reference to the producer. The existence
// of producer is guaranteed by the caller.
func (v *Session) Attach(producer *session.Session) AttachStatus {
	producer.Lock()
	defer producer.Unlock()

	if producer.ViewerAttached() {
		return AttachAlready
	}
	// viewer_attached is set before the chunk copy is attempted and is
	// not rolled back on failure: a later Attach on the same producer
	// reports ALREADY, never a fresh attempt.
	producer.SetViewerAttached(true)

	cp := chunk.Copy(producer.CurrentChunk())
	if producer.CurrentChunk() != nil && cp == nil {
		// The live protocol has no generic "attach" error beyond
		// unknown/already, so a chunk-copy failure reports unknown —
		// the viewer treats it as if the session no longer existed.
		return AttachUnknown
	}

	if !producer.Get() {
		cp.Put()
		return AttachUnknown
	}

	v.mu.Lock()
	v.currentChunk.Put()
	v.currentChunk = cp
	elem := v.attached.PushBack(producer)
	v.elemByID[producer.ID] = elem
	v.attachedSet.Add(producer.ID)
	v.mu.Unlock()

	return AttachOK
}

// detach reverses Attach: clears viewer_attached, unlinks the list node,
// and releases the list-owned reference. Reports whether producer had
// actually been attached.
func (v *Session) detach(producer *session.Session) bool {
	producer.Lock()
	wasAttached := producer.ViewerAttached()
	producer.SetViewerAttached(false)
	producer.Unlock()

	v.mu.Lock()
	elem, ok := v.elemByID[producer.ID]
	if ok {
		v.attached.Remove(elem)
		delete(v.elemByID, producer.ID)
		v.attachedSet.Remove(producer.ID)
	}
	v.mu.Unlock()

	if ok {
		producer.Put()
	}
	return wasAttached || ok
}

// Detach is the exported form of detach, for direct use outside of
// CloseOneSession.
func (v *Session) Detach(producer *session.Session) bool { return v.detach(producer) }

// CloseOneSession implements viewer_session_close_one_session: release
// ownership of every viewer-stream whose underlying stream belongs to
// producer, drop the viewer's trace-chunk copy, and detach.
func CloseOneSession(v *Session, producer *session.Session) {
	g := refcount.Default.Enter()
	var matched []*Stream
	viewerStreams.Range(func(_ uint64, vs *Stream) bool {
		if !vs.Get() {
			return true
		}
		if vs.underlying.Trace().Session() == producer {
			matched = append(matched, vs)
		} else {
			vs.Put()
		}
		return true
	})
	g.Exit()

	for _, vs := range matched {
		vs.Put() // iteration-local reference
		vs.Put() // lifetime reference: drives teardown
	}

	v.mu.Lock()
	v.currentChunk.Put()
	v.currentChunk = nil
	v.mu.Unlock()

	v.detach(producer)
	zap.L().Named("viewer").Debug("viewer session closed one producer",
		zap.Uint64("producer", producer.ID), zap.Int("streams_released", len(matched)))
}

// Close implements viewer_session_close: CloseOneSession applied to
// every attached producer.
func (v *Session) Close() {
	v.mu.Lock()
	producers := make([]*session.Session, 0, v.attached.Len())
	for e := v.attached.Front(); e != nil; e = e.Next() {
		producers = append(producers, e.Value.(*session.Session))
	}
	v.mu.Unlock()

	for _, p := range producers {
		CloseOneSession(v, p)
	}
}

// IsAttached implements viewer_session_is_attached.
func IsAttached(v *Session, producer *session.Session) bool {
	producer.Lock()
	defer producer.Unlock()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.attachedSet.Contains(producer.ID)
}
