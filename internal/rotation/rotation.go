// Package rotation watches a trace chunk's directory for new index
// files and rebases each affected stream's pending index rows onto the
// new file.
package rotation

import (
	"context"

	"github.com/fsnotify/fsnotify"
	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"

	"github.com/MaXinjian/lttng-relayd-core/internal/index"
	"github.com/MaXinjian/lttng-relayd-core/internal/rerr"
	"github.com/MaXinjian/lttng-relayd-core/internal/stream"
)

// Resolve maps a raw filesystem event to the stream it rotates and the
// removed_data_count anchor switch_all_files rebases offsets against.
// Callers own the naming convention between index files and streams;
// this package only reacts to the event once resolved.
type Resolve func(event fsnotify.Event) (s *stream.Stream, removedDataCount uint64, ok bool)

// Watcher wraps an *fsnotify.Watcher and drives rotation for a single
// trace-chunk directory.
type Watcher struct {
	fs  *fsnotify.Watcher
	log *zap.Logger
}

// New creates a Watcher over dir. Callers must call Close (or cancel the
// context passed to Run, which closes it) to release the underlying
// inotify/kqueue descriptor.
func New(dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, rerr.Wrap(rerr.IoFailure, sf.Format("rotation: new watcher failed: {0}", err))
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, rerr.Wrap(rerr.IoFailure, sf.Format("rotation: watch {0} failed: {1}", dir, err))
	}
	return &Watcher{fs: fw, log: zap.L().Named("rotation")}, nil
}

// Close releases the underlying watch descriptor.
func (w *Watcher) Close() error { return w.fs.Close() }

// Run drives the watch loop until ctx is cancelled or the watcher's
// event channel closes. Every CREATE event is handed to resolve; a
// resolved event triggers RotateStream.
func (w *Watcher) Run(ctx context.Context, resolve Resolve) error {
	go func() {
		<-ctx.Done()
		w.fs.Close()
	}()

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == 0 {
				continue
			}
			s, removedDataCount, ok := resolve(ev)
			if !ok {
				continue
			}
			if err := w.rotate(s, ev.Name, removedDataCount); err != nil {
				w.log.Warn("rotation failed", zap.String("path", ev.Name), zap.Error(err))
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) rotate(s *stream.Stream, newPath string, removedDataCount uint64) error {
	newFile, err := index.NewFileWriter(newPath)
	if err != nil {
		return err
	}
	RotateStream(s, newFile, removedDataCount)
	return nil
}

// RotateStream rotates a single stream: swap in newFile as the stream's current index file and
// rebase every not-yet-flushed row that already has a file attached onto
// it, anchored at removedDataCount; rows without a file half are left
// as they are. newFile is consumed (one reference transferred in).
func RotateStream(s *stream.Stream, newFile *index.FileWriter, removedDataCount uint64) {
	s.Lock()
	index.SwitchAllFiles(s.Indexes, newFile, removedDataCount)
	s.SetCurrentIndexFile(newFile)
	s.SetRotationAnchor(removedDataCount)
	s.Unlock()

	zap.L().Named("rotation").Info("stream rotated",
		zap.Uint64("handle", s.Handle()),
		zap.Uint64("removed_data_count", removedDataCount),
		zap.Uint64("last_seq", index.FindLast(s.Indexes)))
}
