package session

import (
	"context"
	"testing"

	"github.com/MaXinjian/lttng-relayd-core/internal/chunk"
)

func TestNewRegistersAndGetByIDFinds(t *testing.T) {
	s := New("host", "auto-20260801")

	found, ok := GetByID(s.ID)
	if !ok {
		t.Fatal("expected to find the session by id")
	}
	if found != s {
		t.Fatal("expected GetByID to return the registered session")
	}
	found.Put()

	s.Put()
	if _, ok := GetByID(s.ID); ok {
		t.Fatal("expected the session to be gone from the registry after the last Put")
	}
}

func TestSessionIDsAreUniqueAndNonZero(t *testing.T) {
	a := New("host", "a")
	defer a.Put()
	b := New("host", "b")
	defer b.Put()

	if a.ID == 0 || b.ID == 0 {
		t.Fatal("session ids must never be 0")
	}
	if a.ID == b.ID {
		t.Fatal("expected distinct session ids")
	}
}

func TestCurrentChunkLifecycle(t *testing.T) {
	s := New("host", "s")
	defer s.Put()

	first := chunk.New("/traces/epoch-0")
	s.Lock()
	s.SetCurrentChunk(first)
	s.Unlock()

	cp := s.CopyCurrentChunk()
	if cp == nil || cp.Path != "/traces/epoch-0" {
		t.Fatalf("expected an independent copy of the current chunk, got %v", cp)
	}
	defer cp.Put()

	// Installing a successor must release the previous handle without
	// touching the copy.
	second := chunk.New("/traces/epoch-1")
	s.Lock()
	s.SetCurrentChunk(second)
	s.Unlock()

	if first.Get() {
		t.Fatal("expected the replaced chunk handle to be released")
	}
	if !cp.Get() {
		t.Fatal("expected the copy to outlive the rotation")
	}
	cp.Put()
}

func TestViewerAttachedAndLive(t *testing.T) {
	s := New("host", "s")
	defer s.Put()

	if s.Live() {
		t.Fatal("a fresh session must not report as live")
	}
	s.Lock()
	s.SetViewerAttached(true)
	s.Unlock()
	if !s.Live() {
		t.Fatal("expected Live to follow viewer_attached")
	}
}

type closeTrackingTrace struct {
	path   string
	closed chan struct{}
}

func (c *closeTrackingTrace) Path() string { return c.path }
func (c *closeTrackingTrace) Close()       { close(c.closed) }

func TestCloseRequestsCloseOnEveryTrace(t *testing.T) {
	s := New("host", "s")
	defer s.Put()

	traces := make([]*closeTrackingTrace, 3)
	for i := range traces {
		tr := &closeTrackingTrace{path: string(rune('a' + i)), closed: make(chan struct{})}
		traces[i] = tr
		s.CTFTraces.GetOrInsert(tr.path, func() CTFTraceRef { return tr })
	}

	s.Close(context.Background())

	for _, tr := range traces {
		select {
		case <-tr.closed:
		default:
			t.Fatalf("expected trace %q to have been asked to close", tr.path)
		}
	}
}
