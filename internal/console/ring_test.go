package console

import (
	"bytes"
	"testing"
)

func TestRing_PreservesOrder(t *testing.T) {
	r := newRing()
	r.append([]byte("hello "))
	r.append([]byte("world"))

	got := r.drain()
	if !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("drain = %q, want %q", got, "hello world")
	}
	if r.bytes() != 0 {
		t.Errorf("size after drain = %d, want 0", r.bytes())
	}
	if r.drain() != nil {
		t.Error("second drain not empty")
	}
}

func TestRing_EvictsOldestPastLimit(t *testing.T) {
	r := newRing()
	r.limit = 10

	r.append([]byte("aaaa"))
	r.append([]byte("bbbb"))
	r.append([]byte("cccc")) // 12 bytes total, "aaaa" evicted

	got := r.drain()
	if !bytes.Equal(got, []byte("bbbbcccc")) {
		t.Errorf("drain = %q, want %q", got, "bbbbcccc")
	}
}

func TestRing_CopiesInput(t *testing.T) {
	r := newRing()
	src := []byte("abc")
	r.append(src)
	src[0] = 'X'

	if got := r.drain(); !bytes.Equal(got, []byte("abc")) {
		t.Errorf("drain = %q, want %q (caller mutation leaked in)", got, "abc")
	}
}

func TestRing_OversizeSingleChunkKept(t *testing.T) {
	r := newRing()
	r.limit = 4
	r.append([]byte("toolong"))
	if got := r.drain(); !bytes.Equal(got, []byte("toolong")) {
		t.Errorf("drain = %q, want full chunk", got)
	}
}
