package trace

import (
	"sync"
	"testing"

	"github.com/MaXinjian/lttng-relayd-core/internal/session"
)

func TestGetByPathOrCreateIsMonotonicAndIdempotent(t *testing.T) {
	sess := session.New("host", "sess")
	defer sess.Put()

	t1 := GetByPathOrCreate(sess, "chan0")
	if t1 == nil {
		t.Fatal("expected a trace")
	}
	if t1.ID == 0 {
		t.Fatal("trace IDs must never be 0")
	}

	t2 := GetByPathOrCreate(sess, "chan0")
	if t2 != t1 {
		t.Fatal("expected the same trace for the same subpath")
	}

	t3 := GetByPathOrCreate(sess, "chan1")
	if t3.ID <= t1.ID {
		t.Fatalf("expected strictly increasing trace IDs, got %d then %d", t1.ID, t3.ID)
	}
}

func TestAddRemoveStream(t *testing.T) {
	sess := session.New("host", "sess")
	defer sess.Put()
	tr := GetByPathOrCreate(sess, "chan0")

	closed := make(chan struct{}, 1)
	ref := closeTrackingStream{onClose: func() { closed <- struct{}{} }}
	elem := tr.AddStream(ref)
	tr.RemoveStream(elem)

	tr.Close()
	select {
	case <-closed:
		t.Fatal("removed stream must not be closed by Close")
	default:
	}
}

func TestCloseRequestsCloseOnEveryStream(t *testing.T) {
	sess := session.New("host", "sess")
	defer sess.Put()
	tr := GetByPathOrCreate(sess, "chan0")

	var wg sync.WaitGroup
	const n = 5
	wg.Add(n)
	for i := 0; i < n; i++ {
		tr.AddStream(closeTrackingStream{onClose: wg.Done})
	}
	tr.Close()
	wg.Wait()
}

type closeTrackingStream struct {
	onClose func()
}

func (c closeTrackingStream) RequestClose() { c.onClose() }

type fakeMetadataStream struct {
	live bool
}

func (f *fakeMetadataStream) GetUnlessZero() bool { return f.live }

// TestViewerMetadataStreamIsWeak: the published pointer is a lookup
// hint, not an owning reference — a dereference must go through
// GetUnlessZero, and a torn-down target reads as absent until the next
// publication.
func TestViewerMetadataStreamIsWeak(t *testing.T) {
	sess := session.New("host", "sess")
	defer sess.Put()
	tr := GetByPathOrCreate(sess, "chan0")

	if _, ok := tr.ViewerMetadataStream(); ok {
		t.Fatal("expected no metadata stream before the first publication")
	}

	ms := &fakeMetadataStream{live: true}
	tr.PublishViewerMetadataStream(ms)
	got, ok := tr.ViewerMetadataStream()
	if !ok || got != ms {
		t.Fatalf("expected the published stream back, got %v ok=%v", got, ok)
	}

	// The target tears down; the pointer is allowed to dangle and must
	// read as absent.
	ms.live = false
	if _, ok := tr.ViewerMetadataStream(); ok {
		t.Fatal("expected a torn-down metadata stream to read as absent")
	}

	replacement := &fakeMetadataStream{live: true}
	tr.PublishViewerMetadataStream(replacement)
	if got, ok := tr.ViewerMetadataStream(); !ok || got != replacement {
		t.Fatal("expected the replacement publication to be visible")
	}

	tr.PublishViewerMetadataStream(nil)
	if _, ok := tr.ViewerMetadataStream(); ok {
		t.Fatal("expected a cleared pointer to read as absent")
	}
}
