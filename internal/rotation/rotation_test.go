package rotation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MaXinjian/lttng-relayd-core/internal/index"
	"github.com/MaXinjian/lttng-relayd-core/internal/session"
	"github.com/MaXinjian/lttng-relayd-core/internal/stream"
	"github.com/MaXinjian/lttng-relayd-core/internal/trace"
)

func newTestStream(t *testing.T) *stream.Stream {
	t.Helper()
	sess := session.New("host", "s")
	t.Cleanup(sess.Put)
	tr := trace.GetByPathOrCreate(sess, "chan0")
	s, ok := stream.New(tr)
	if !ok {
		t.Fatal("expected stream creation to succeed")
	}
	return s
}

// RotateStream on a stream with a pending row installs the new file as
// the stream's current index file and records the removed_data_count
// anchor. The per-row offset rebase is checked in internal/index
// (TestSwitchAllFilesRebasesOffset).
func TestRotateStreamSwitchesFileAndAnchor(t *testing.T) {
	s := newTestStream(t)
	defer s.TryClose()

	// The test's reference to oldFile is handed to the stream by
	// SetCurrentIndexFile and released when the rotation replaces it.
	oldFile, err := index.NewFileWriter(filepath.Join(t.TempDir(), "old.idx"))
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	s.Lock()
	s.SetCurrentIndexFile(oldFile)
	s.Unlock()

	s.Lock()
	row, ok := s.Indexes.GetByIDOrCreate(s, 1)
	s.Unlock()
	if !ok {
		t.Fatal("expected row creation to succeed")
	}
	if err := row.SetFile(oldFile, 4096); err != nil {
		t.Fatalf("SetFile: %v", err)
	}

	newFile, err := index.NewFileWriter(filepath.Join(t.TempDir(), "new.idx"))
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	RotateStream(s, newFile, 1000)

	s.Lock()
	cur := s.CurrentIndexFile()
	anchor := s.RotationAnchor()
	s.Unlock()

	if cur != newFile {
		t.Fatal("expected the stream's current index file to be the new file")
	}
	if anchor != 1000 {
		t.Fatalf("expected rotation anchor 1000, got %d", anchor)
	}
}

// TestWatcherRunResolvesCreateEvents exercises the fsnotify wiring
// end-to-end: a CREATE event for a watched directory resolves through
// the caller-supplied Resolve and triggers a rotation.
func TestWatcherRunResolvesCreateEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s := newTestStream(t)
	defer s.TryClose()

	// newPath is the only event this test wants RotateStream to act on;
	// everything else (e.g. the advisory .lock file index.NewFileWriter
	// itself creates) must be skipped by resolve, or rotate() would
	// recursively index.NewFileWriter() the lock file and spiral into
	// creating further ".lock.lock" files.
	newPath := filepath.Join(dir, "chan0_1.idx")
	resolved := make(chan string, 8)
	resolve := func(ev fsnotify.Event) (*stream.Stream, uint64, bool) {
		if ev.Name != newPath {
			return nil, 0, false
		}
		resolved <- ev.Name
		return s, 0, true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, resolve) }()

	f, err := index.NewFileWriter(newPath)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	f.Put()

	select {
	case got := <-resolved:
		if got != newPath {
			t.Fatalf("expected resolve to see %q, got %q", newPath, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the watcher to resolve a create event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
