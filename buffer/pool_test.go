package buffer

import "testing"

func TestAcquireReleaseRoundTrip(t *testing.T) {
	a := New(4, 100)
	var bufs []*Buffer
	for i := 0; i < 4; i++ {
		b, ok := a.Acquire()
		if !ok {
			t.Fatalf("acquire %d failed unexpectedly", i)
		}
		bufs = append(bufs, b)
	}
	if _, ok := a.Acquire(); ok {
		t.Fatalf("expected exhaustion on 5th acquire")
	}
	if a.ExhaustedCount() != 1 {
		t.Fatalf("expected exhausted count 1, got %d", a.ExhaustedCount())
	}

	for _, b := range bufs {
		a.Release(b)
	}
	b, ok := a.Acquire()
	if !ok {
		t.Fatalf("expected acquire to succeed after release swaps in the release list")
	}
	b.Reset(10)
	if len(b.Bytes()) != 10 {
		t.Fatalf("expected 10 bytes after reset, got %d", len(b.Bytes()))
	}
}

func TestBufferCapacityCoversMTUPlusOverhead(t *testing.T) {
	a := New(1, 1350)
	b, _ := a.Acquire()
	b.Reset(a.BufferSize())
	if len(b.Bytes()) != a.BufferSize() {
		t.Fatalf("expected capacity %d, got %d", a.BufferSize(), len(b.Bytes()))
	}
}
