package chunk

import "testing"

func TestGetPutLifecycle(t *testing.T) {
	h := New("/traces/chan0")
	if !h.Get() {
		t.Fatal("expected Get to succeed on a live handle")
	}
	h.Put()
	h.Put() // release the self-reference down to zero

	if h.Get() {
		t.Fatal("expected Get to fail once the handle is fully released")
	}
}

func TestCopyYieldsIndependentHandle(t *testing.T) {
	src := New("/traces/chan0")

	cp := Copy(src)
	if cp == nil {
		t.Fatal("expected Copy to succeed on a live handle")
	}
	if cp == src {
		t.Fatal("expected Copy to return a distinct handle")
	}
	if cp.Path != src.Path {
		t.Fatalf("expected the copy to share the source path, got %q vs %q", cp.Path, src.Path)
	}

	// Releasing the source must not affect the copy's independent count.
	src.Put()
	if !cp.Get() {
		t.Fatal("expected the copy to remain live after the source released")
	}
	cp.Put()
	cp.Put()
}

func TestCopyOfNilAndTornDownHandle(t *testing.T) {
	if Copy(nil) != nil {
		t.Fatal("expected Copy(nil) to return nil")
	}

	h := New("/traces/chan0")
	h.Put() // drop the only reference
	if Copy(h) != nil {
		t.Fatal("expected Copy of a torn-down handle to return nil")
	}
}

func TestNilHandleGetPutAreSafe(t *testing.T) {
	var h *Handle
	if h.Get() {
		t.Fatal("expected Get on a nil handle to report failure")
	}
	h.Put() // must not panic
}
