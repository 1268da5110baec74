package agents

import "testing"

func TestCwdQueue_FIFO(t *testing.T) {
	q := newCwdQueue()

	if !q.acquire("/w", "a") {
		t.Fatal("first acquire should run immediately")
	}
	if q.acquire("/w", "b") {
		t.Error("second agent should queue, not run")
	}
	if q.acquire("/w", "c") {
		t.Error("third agent should queue, not run")
	}

	next, ok := q.release("/w", "a")
	if !ok || next != "b" {
		t.Errorf("release = (%q, %v), want (b, true)", next, ok)
	}
	next, ok = q.release("/w", "b")
	if !ok || next != "c" {
		t.Errorf("release = (%q, %v), want (c, true)", next, ok)
	}
	if _, ok := q.release("/w", "c"); ok {
		t.Error("empty queue should not promote")
	}
	if _, busy := q.runningIn("/w"); busy {
		t.Error("cwd still marked running after last release")
	}
}

func TestCwdQueue_ReentryNoOp(t *testing.T) {
	q := newCwdQueue()
	q.acquire("/w", "a")

	if q.acquire("/w", "a") {
		t.Error("re-acquire by the runner should be a no-op, not a second run")
	}
	q.acquire("/w", "b")
	q.acquire("/w", "b") // queued twice → once

	next, _ := q.release("/w", "a")
	if next != "b" {
		t.Fatalf("next = %q, want b", next)
	}
	if n, ok := q.release("/w", "b"); ok {
		t.Errorf("duplicate queue entry promoted: %q", n)
	}
}

func TestCwdQueue_IndependentCwds(t *testing.T) {
	q := newCwdQueue()
	if !q.acquire("/w1", "a") || !q.acquire("/w2", "b") {
		t.Error("distinct cwds must not serialise each other")
	}
}

func TestCwdQueue_ReleaseByNonRunner(t *testing.T) {
	q := newCwdQueue()
	q.acquire("/w", "a")
	if _, ok := q.release("/w", "intruder"); ok {
		t.Error("non-runner release must not promote")
	}
	if id, _ := q.runningIn("/w"); id != "a" {
		t.Errorf("runner = %q, want a", id)
	}
}
