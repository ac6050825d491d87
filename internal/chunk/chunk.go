// Package chunk models the trace-chunk handle the relay treats as
// opaque: an on-disk directory of packet and
// index files corresponding to one rotation epoch of a session. The core
// never inspects its contents, only Gets, Puts and Copies it.
package chunk

import (
	"go.uber.org/zap"

	"github.com/MaXinjian/lttng-relayd-core/internal/refcount"
)

// Handle is one reference to a trace chunk. It carries just enough
// identity (a path, used only for logging) for this core to reason
// about; the real payload lives entirely outside this module.
type Handle struct {
	refs *refcount.Counted
	Path string
}

// New creates a fresh trace-chunk handle with one reference (the
// caller's).
func New(path string) *Handle {
	return &Handle{refs: refcount.New(1), Path: path}
}

// Get adds a reference. It fails only if the chunk is concurrently being torn down.
func (h *Handle) Get() bool {
	if h == nil {
		return false
	}
	return h.refs.GetUnlessZero()
}

// Put releases a reference; once the last reference is released the
// handle is gone.
func (h *Handle) Put() {
	if h == nil {
		return
	}
	h.refs.Put(func() {
		zap.L().Named("chunk").Debug("trace chunk released", zap.String("path", h.Path))
	})
}

// Copy yields an independent handle referring to the same on-disk
// chunk. Returns nil if the source handle could not be acquired (it is
// tearing down).
func Copy(src *Handle) *Handle {
	if src == nil || !src.Get() {
		return nil
	}
	defer src.Put()
	return New(src.Path)
}
