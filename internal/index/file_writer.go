package index

import (
	"context"
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/MaXinjian/lttng-relayd-core/internal/refcount"
)

// recordSize is the nine big-endian u64 fields of one index record:
// the eight control fields plus the data-half offset.
const recordSize = 9 * 8

// FileWriter is the on-disk index_file writer: an append-only file of
// fixed-size records, guarded by an
// github.com/gofrs/flock advisory lock so that two relayd processes (or
// two goroutines holding independent FileWriter handles to the same
// path, e.g. across a rotation boundary) never interleave writes.
type FileWriter struct {
	refs *refcount.Counted

	mu   sync.Mutex
	path string
	f    *os.File
	lock *flock.Flock
}

// NewFileWriter opens (creating if necessary) the index file at path
// for appending and acquires its advisory lock, retrying briefly on
// contention.
func NewFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	fl := flock.New(path + ".lock")
	lockErr := retry.Do(
		func() error {
			ok, err := fl.TryLock()
			if err != nil {
				return err
			}
			if !ok {
				return os.ErrExist
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(10*time.Millisecond),
		retry.Context(context.Background()),
	)
	if lockErr != nil {
		f.Close()
		return nil, lockErr
	}

	return &FileWriter{
		refs: refcount.New(1),
		path: path,
		f:    f,
		lock: fl,
	}, nil
}

func (w *FileWriter) Get() bool { return w.refs.GetUnlessZero() }

func (w *FileWriter) Put() {
	w.refs.Put(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.f.Close()
		w.lock.Unlock()
		zap.L().Named("index").Debug("index file closed", zap.String("path", w.path))
	})
}

// WriteRecord appends one fixed-size big-endian record: the eight
// control fields (host order in, big endian on disk) followed by the
// data-half offset.
func (w *FileWriter) WriteRecord(c ControlData, offset uint64) error {
	var buf [recordSize]byte
	binary.BigEndian.PutUint64(buf[0:8], c.PacketSize)
	binary.BigEndian.PutUint64(buf[8:16], c.ContentSize)
	binary.BigEndian.PutUint64(buf[16:24], c.TimestampBegin)
	binary.BigEndian.PutUint64(buf[24:32], c.TimestampEnd)
	binary.BigEndian.PutUint64(buf[32:40], c.EventsDiscarded)
	binary.BigEndian.PutUint64(buf[40:48], c.StreamID)
	binary.BigEndian.PutUint64(buf[48:56], c.StreamInstanceID)
	binary.BigEndian.PutUint64(buf[56:64], c.PacketSeqNum)
	binary.BigEndian.PutUint64(buf[64:72], offset)

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.f.Write(buf[:])
	return err
}

// Path reports the underlying file path, for diagnostics.
func (w *FileWriter) Path() string { return w.path }
