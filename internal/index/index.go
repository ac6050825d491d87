// Package index implements the relay's central subsystem: the
// per-stream u64-keyed table of in-flight relay_index rows and the
// four-state create/merge/flush/release state machine each row goes
// through.
//
//	            (create)
//	                │
//	                ▼
//	       ┌──  EMPTY  ──┐
//	set_data│             │set_file
//	        ▼             ▼
//	      DATA          FILE
//	        │             │
//	set_file│             │set_data
//	        └──►  BOTH  ◄──┘
//	               │
//	           try_flush
//	               ▼
//	            FLUSHED ──► (self-ref released, row removed)
package index

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/MaXinjian/lttng-relayd-core/internal/refcount"
	"github.com/MaXinjian/lttng-relayd-core/internal/registry"
	"github.com/MaXinjian/lttng-relayd-core/internal/rerr"
)

// StreamRef is the minimal view of a relay_stream a Row needs, letting
// this package avoid importing internal/stream (which itself holds a
// *Table). internal/stream's *Stream implements this.
type StreamRef interface {
	Handle() uint64
	IncInFlight()
	DecInFlight()
	Get() bool
	Put()
}

// ControlData holds the eight fields the control channel supplies, in
// host byte order; FileWriter.WriteRecord converts to the on-disk big
// endian layout.
type ControlData struct {
	PacketSize       uint64
	ContentSize      uint64
	TimestampBegin   uint64
	TimestampEnd     uint64
	EventsDiscarded  uint64
	StreamID         uint64
	StreamInstanceID uint64
	PacketSeqNum     uint64
}

// unsetSentinel is the all-ones value pre-2.8 producers'
// stream_instance_id/packet_seq_num are replaced with on disk.
const unsetSentinel = math.MaxUint64

// Row is one relay_index: exactly one CTF packet's bookkeeping record.
type Row struct {
	refs *refcount.Counted

	seq    uint64
	stream StreamRef
	table  *Table

	mu      sync.Mutex // index.lock
	control ControlData
	hasData bool // has_index_data: control half set
	file    *FileWriter
	offset  uint64
	hasFile bool // data half set: index file attached

	inHashTable bool
	flushed     bool
}

// Table is the per-stream map of in-flight relay_index rows.
type Table struct {
	rows *registry.U64Table[*Row]
}

func NewTable() *Table {
	return &Table{rows: registry.NewU64Table[*Row]()}
}

func (t *Table) Len() int { return t.rows.Len() }

func newRow(table *Table, stream StreamRef, seq uint64) *Row {
	return &Row{
		refs:   refcount.New(1), // the row's self-reference
		seq:    seq,
		stream: stream,
		table:  table,
	}
}

// GetByIDOrCreate implements relay_index_get_by_id_or_create: find the
// row for net_seq_num or create it, resolving a concurrent-create race
// so that exactly one row is ever linked for a given (stream, seq_num).
// The caller must hold the stream's lock across this call (it orders
// writes to the stream's in-flight counter).
//
// haxmap.Map.GetOrCompute already performs the lookup-or-atomically-
// insert step in one call, so no separate allocate/attempt-unique-
// insertion/discard-on-race sequence is needed; the net effect — exactly
// one row linked, the stream's in-flight counter incremented exactly
// once — is identical.
func (t *Table) GetByIDOrCreate(stream StreamRef, seq uint64) (*Row, bool) {
	if !stream.Get() {
		return nil, false
	}
	fresh := newRow(t, stream, seq)
	actual, existed := t.rows.GetOrInsert(seq, func() *Row { return fresh })
	if existed {
		// Someone else's row is already linked; we don't need the
		// reference to the stream we just took for `fresh`, nor `fresh`
		// itself.
		stream.Put()
		if !actual.Get() {
			return nil, false
		}
		return actual, true
	}
	fresh.inHashTable = true
	stream.IncInFlight()
	return fresh, true
}

// Get increments the row's refcount.
func (r *Row) Get() bool { return r.refs.GetUnlessZero() }

// Put releases a reference to the row. At zero, it is unlinked from its
// stream's table (if still linked) and the in-flight counter is
// decremented synchronously — this must happen before any concurrent
// GetByIDOrCreate for the same seq could observe a half-torn-down row —
// while dropping the row's index-file and stream references is
// deferred until every reader that might still hold this row from a
// successful Get is known to have left its read section.
//
// DecInFlight cannot be made to wait on the stream's lock here: Put can
// run from inside SwitchAllFiles (rotation.go holds stream.Lock() across
// that call), so re-acquiring the same lock from this release callback
// would deadlock against the caller's own critical section. IncInFlight/
// DecInFlight are therefore implemented with a dedicated atomic counter
// (see stream.go) rather than the stream lock, so this decrement is safe
// to run unlocked, concurrently with a locked increment or a locked
// Stat() read.
func (r *Row) Put() {
	r.refs.Put(func() {
		if r.inHashTable {
			r.table.rows.Remove(r.seq)
			r.stream.DecInFlight()
			r.inHashTable = false
		}
		file, stream := r.file, r.stream
		refcount.Default.Defer(func() {
			if file != nil {
				file.Put()
			}
			stream.Put()
		})
	})
}

// SetControlData implements relay_index_set_control_data /
// relay_index_set_data: EMPTY -> DATA. minorVersion below 8 forces the
// pre-2.8 sentinel on stream_instance_id/packet_seq_num irrespective of
// the caller-supplied values.
func (r *Row) SetControlData(data ControlData, minorVersion uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasData {
		return rerr.Wrap(rerr.AlreadySet, "index: control data already set")
	}
	r.control = ControlData{
		PacketSize:      data.PacketSize,
		ContentSize:     data.ContentSize,
		TimestampBegin:  data.TimestampBegin,
		TimestampEnd:    data.TimestampEnd,
		EventsDiscarded: data.EventsDiscarded,
		StreamID:        data.StreamID,
	}
	if minorVersion >= 8 {
		r.control.StreamInstanceID = data.StreamInstanceID
		r.control.PacketSeqNum = data.PacketSeqNum
	} else {
		r.control.StreamInstanceID = unsetSentinel
		r.control.PacketSeqNum = unsetSentinel
	}
	r.hasData = true
	return nil
}

// SetFile implements relay_index_set_file: EMPTY -> FILE. Fails if a
// file is already attached.
func (r *Row) SetFile(file *FileWriter, offset uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasFile {
		return rerr.Wrap(rerr.AlreadySet, "index: file already attached")
	}
	if !file.Get() {
		return rerr.Wrap(rerr.IoFailure, "index: index file unavailable")
	}
	r.file = file
	r.offset = offset
	r.hasFile = true
	return nil
}

// TryFlush implements relay_index_try_flush: BOTH -> FLUSHED. Returns
// skipped=true (and no error) when a precondition for flush is not yet
// satisfied — a transient condition the caller retries on the next
// event, never an error. The record is written while the row's own lock
// is held, so a concurrent SwitchAllFiles cannot re-target the row
// mid-write; on an actual write attempt (successful or not), the row's
// self-reference is released exactly once.
func (r *Row) TryFlush() (skipped bool, err error) {
	r.mu.Lock()
	if r.flushed || !r.hasData || !r.hasFile {
		r.mu.Unlock()
		return true, nil
	}

	r.flushed = true
	writeErr := r.file.WriteRecord(r.control, r.offset)
	r.mu.Unlock()

	if writeErr != nil {
		writeErr = rerr.Wrap(rerr.IoFailure, "index: write record: "+writeErr.Error())
	} else {
		zap.L().Named("index").Debug("index flushed",
			zap.Uint64("stream", r.stream.Handle()), zap.Uint64("seq", r.seq))
	}
	r.Put()
	return false, writeErr
}

// switchFile re-targets a single row during rotation, rebasing its
// stored offset. Must be called with the row unlocked by the caller
// (it takes index.lock itself).
func (r *Row) switchFile(newFile *FileWriter, removedDataCount uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasFile {
		return
	}
	old := r.file
	if newFile.Get() {
		r.file = newFile
	}
	old.Put()
	if removedDataCount > r.offset {
		zap.L().Named("index").Warn("rotation anchor exceeds stored offset",
			zap.Uint64("stream", r.stream.Handle()), zap.Uint64("seq", r.seq),
			zap.Uint64("offset", r.offset), zap.Uint64("removed", removedDataCount))
		r.offset = 0
		return
	}
	r.offset -= removedDataCount
}

// SwitchAllFiles implements relay_index_switch_all_files: every pending
// row in the stream re-targets to newFile and rebases its offset by
// removedDataCount (the rotation anchor). Stream lock must be held by
// the caller.
func SwitchAllFiles(table *Table, newFile *FileWriter, removedDataCount uint64) {
	g := refcount.Default.Enter()
	var rows []*Row
	table.rows.Range(func(_ uint64, row *Row) bool {
		if row.Get() {
			rows = append(rows, row)
		}
		return true
	})
	g.Exit()
	for _, row := range rows {
		row.switchFile(newFile, removedDataCount)
		row.Put()
	}
}

// CloseAll implements relay_index_close_all: release every row's
// self-reference without flushing, used when a stream closes without
// flushing the remaining indexes.
func CloseAll(table *Table) {
	g := refcount.Default.Enter()
	var rows []*Row
	table.rows.Range(func(_ uint64, row *Row) bool {
		if row.Get() {
			rows = append(rows, row)
		}
		return true
	})
	g.Exit()
	for _, row := range rows {
		row.Put() // local ref from this walk
		row.Put() // the row's own self-reference
	}
}

// ClosePartialFD implements relay_index_close_partial_fd: same as
// CloseAll but only for rows that already have an attached index file
// (the data half already arrived), letting the daemon relinquish file
// descriptors without losing control-half state for the rest.
func ClosePartialFD(table *Table) {
	g := refcount.Default.Enter()
	var rows []*Row
	table.rows.Range(func(_ uint64, row *Row) bool {
		if !row.Get() {
			return true
		}
		row.mu.Lock()
		has := row.hasFile
		row.mu.Unlock()
		if !has {
			row.Put()
			return true
		}
		rows = append(rows, row)
		return true
	})
	g.Exit()
	for _, row := range rows {
		row.Put() // local ref from this walk
		row.Put() // the row's own self-reference
	}
}

// FindLast returns the highest sequence number currently in_hash_table
// for a stream, or math.MaxUint64 if none; internal/rotation reports it
// in its "stream rotated" log line.
func FindLast(table *Table) uint64 {
	g := refcount.Default.Enter()
	defer g.Exit()
	last := uint64(math.MaxUint64)
	table.rows.Range(func(key uint64, _ *Row) bool {
		if last == math.MaxUint64 || key > last {
			last = key
		}
		return true
	})
	return last
}
