// Package viewer implements the viewer-session projection and the
// process-wide viewer-stream registry live reading projects relay
// streams into.
package viewer

import (
	"sync/atomic"

	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"

	"github.com/MaXinjian/lttng-relayd-core/internal/index"
	"github.com/MaXinjian/lttng-relayd-core/internal/refcount"
	"github.com/MaXinjian/lttng-relayd-core/internal/registry"
	"github.com/MaXinjian/lttng-relayd-core/internal/rerr"
	"github.com/MaXinjian/lttng-relayd-core/internal/stream"
)

var nextStreamHandle atomic.Uint64

// viewerStreams is the process-wide viewer-stream registry — the one
// place this module uses an ordered table
// (zhangyunhao116/skipmap, via registry.OrderedU64Table) instead of
// haxmap, so a listing/diagnostics walk sees a stable ascending-handle
// snapshot.
var viewerStreams = registry.NewOrderedU64Table[*Stream]()

// Stream is a relay_viewer_stream: a refcounted projection of a
// relay_stream, registered under its own handle in the process-wide
// table.
type Stream struct {
	refs *refcount.Counted

	handle     uint64
	underlying *stream.Stream
	indexFile  *index.FileWriter
}

// NewStream projects underlying into a new viewer stream with two
// references: the one returned to the caller and the one the process-
// wide registry's "lifetime" slot holds, so its lifecycle ends by
// invoking Put twice — the local reference plus the registry's.
func NewStream(underlying *stream.Stream) (*Stream, bool) {
	if !underlying.Get() {
		return nil, false
	}

	var file *index.FileWriter
	underlying.Lock()
	if f := underlying.CurrentIndexFile(); f != nil && f.Get() {
		file = f
	}
	underlying.Unlock()

	vs := &Stream{
		refs:       refcount.New(2),
		handle:     nextStreamHandle.Add(1),
		underlying: underlying,
		indexFile:  file,
	}
	viewerStreams.GetOrInsert(vs.handle, vs)
	zap.L().Named("viewer").Debug("viewer stream created", zap.Uint64("handle", vs.handle))
	return vs, true
}

func (vs *Stream) Get() bool { return vs.refs.GetUnlessZero() }

func (vs *Stream) Put() {
	vs.refs.Put(func() {
		viewerStreams.Remove(vs.handle)
		underlying, file := vs.underlying, vs.indexFile
		refcount.Default.Defer(func() {
			if file != nil {
				file.Put()
			}
			underlying.Put()
			zap.L().Named("viewer").Debug("viewer stream destroyed", zap.Uint64("handle", vs.handle))
		})
	})
}

func (vs *Stream) Handle() uint64             { return vs.handle }
func (vs *Stream) Underlying() *stream.Stream { return vs.underlying }

// GetStreamByHandle resolves a viewer-protocol stream handle to its
// *Stream, as the external viewer wire layer does to serve a read
// request against an already-advertised handle. Unlike the module's
// internal registry lookups (which report absence with a bare bool,
// since their caller already holds the refcount-protocol invariants
// that make "not found" an expected, cheap-to-check outcome), a handle
// arriving off the wire can legitimately name a stream that was torn
// down after being advertised and before the read request landed; that
// is an error condition the viewer layer needs to report back to its
// client, not a bookkeeping branch, so it is returned as an
// error wrapping rerr.NotFound.
func GetStreamByHandle(handle uint64) (*Stream, error) {
	g := refcount.Default.Enter()
	defer g.Exit()
	vs, ok := viewerStreams.Lookup(handle)
	if !ok || !vs.Get() {
		return nil, rerr.Wrap(rerr.NotFound, sf.Format("viewer: stream handle {0} not found", handle))
	}
	return vs, nil
}
