// Package stream implements the relay stream registry: a process-wide
// u64-keyed map of streams (looked up by the data channel, which
// references streams by handle) plus each stream's membership in its
// owning ctf_trace's stream list.
package stream

import (
	"container/list"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MaXinjian/lttng-relayd-core/internal/index"
	"github.com/MaXinjian/lttng-relayd-core/internal/refcount"
	"github.com/MaXinjian/lttng-relayd-core/internal/registry"
	"github.com/MaXinjian/lttng-relayd-core/internal/trace"
)

var nextHandle atomic.Uint64

// NextHandle allocates the next process-wide stream handle.
func NextHandle() uint64 { return nextHandle.Add(1) }

// process-wide stream registry, keyed by handle, looked up by the data
// channel.
var streams = registry.NewU64Table[*Stream]()

// Stream is one relay_stream.
type Stream struct {
	refs *refcount.Counted

	handle uint64
	trace  *trace.Trace
	elem   *list.Element // this stream's node in trace's stream list

	mu              sync.Mutex // stream.lock
	indexFile       *index.FileWriter
	indexesInFlight atomic.Int64
	rotationAnchor  uint64 // pos_after_last_complete_data_index
	closed          bool

	Indexes *index.Table
}

// New creates and registers a Stream belonging to tr, with one
// reference (the "lifetime" self-reference released by TryClose).
func New(tr *trace.Trace) (*Stream, bool) {
	if !tr.Get() {
		return nil, false
	}
	s := &Stream{
		refs:    refcount.New(1),
		handle:  NextHandle(),
		trace:   tr,
		Indexes: index.NewTable(),
	}
	s.elem = tr.AddStream(s)
	streams.GetOrInsert(s.handle, func() *Stream { return s })
	zap.L().Named("stream").Debug("stream created", zap.Uint64("handle", s.handle))
	return s, true
}

// RequestClose satisfies trace.StreamRef: ctf_trace_close walks the
// trace's stream list and calls this on each member.
func (s *Stream) RequestClose() { s.TryClose() }

// GetByHandle looks up a stream under the read protection, as the data
// channel does to resolve the handle a control-channel event
// established.
func GetByHandle(handle uint64) (*Stream, bool) {
	g := refcount.Default.Enter()
	defer g.Exit()
	s, ok := streams.Lookup(handle)
	if !ok {
		return nil, false
	}
	if !s.Get() {
		return nil, false
	}
	return s, true
}

func (s *Stream) Get() bool { return s.refs.GetUnlessZero() }

func (s *Stream) Put() {
	s.refs.Put(func() {
		streams.Remove(s.handle)
		tr, elem, file := s.trace, s.elem, s.indexFile
		refcount.Default.Defer(func() {
			tr.RemoveStream(elem)
			if file != nil {
				file.Put()
			}
			tr.Put()
			zap.L().Named("stream").Debug("stream destroyed", zap.Uint64("handle", s.handle))
		})
	})
}

// TryClose implements try_stream_close: marks the stream closed for new
// writes, closes any index rows still in flight (their halves will never
// complete now), and releases the lifetime self-reference. Ongoing
// operations already in flight complete normally under the refcount
// protocol.
func (s *Stream) TryClose() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return
	}
	index.CloseAll(s.Indexes)
	s.Put()
}

func (s *Stream) Handle() uint64      { return s.handle }
func (s *Stream) Trace() *trace.Trace { return s.trace }
func (s *Stream) Lock()               { s.mu.Lock() }
func (s *Stream) Unlock()             { s.mu.Unlock() }

// IncInFlight/DecInFlight satisfy index.StreamRef: the stream's
// indexes_in_flight counter. Increment always happens under the stream
// lock GetByIDOrCreate's caller already holds, but decrement runs from
// Row.Put's refcount release callback, which can itself fire from inside
// SwitchAllFiles while rotation.go holds this same stream lock — so
// DecInFlight cannot take the lock without risking self-deadlock.
// indexesInFlight is therefore a plain atomic counter rather than a
// lock-protected field, safe to read and write from either side without
// ordering against stream.lock.
func (s *Stream) IncInFlight() { s.indexesInFlight.Add(1) }
func (s *Stream) DecInFlight() { s.indexesInFlight.Add(-1) }

// RotationAnchor returns pos_after_last_complete_data_index, the byte
// offset SwitchAllFiles rebases every pending row's offset against.
func (s *Stream) RotationAnchor() uint64 { return s.rotationAnchor }

// SetRotationAnchor records the anchor ahead of a rotation; stream lock
// must be held.
func (s *Stream) SetRotationAnchor(pos uint64) { s.rotationAnchor = pos }

// CurrentIndexFile returns the stream's currently attached index file
// handle (may be nil before the first one is set). Stream lock must be
// held.
func (s *Stream) CurrentIndexFile() *index.FileWriter { return s.indexFile }

// SetCurrentIndexFile installs a new index-file handle, releasing the
// previous one. Stream lock must be held.
func (s *Stream) SetCurrentIndexFile(f *index.FileWriter) {
	old := s.indexFile
	s.indexFile = f
	if old != nil {
		old.Put()
	}
}

// Stats is a point-in-time, read-only snapshot for the health/
// diagnostics path.
type Stats struct {
	Handle          uint64
	IndexesInFlight int64
	RotationAnchor  uint64
	Closed          bool
}

func (s *Stream) Stat() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Handle:          s.handle,
		IndexesInFlight: s.indexesInFlight.Load(),
		RotationAnchor:  s.rotationAnchor,
		Closed:          s.closed,
	}
}
