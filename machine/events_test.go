package machine

import (
	"context"
	"testing"
	"time"
)

func newTestMachine() *Machine[int] {
	return &Machine[int]{
		live:   newLiveQueue[int](),
		doneCh: make(chan struct{}),
	}
}

func TestLiveQueueFIFO(t *testing.T) {
	q := newLiveQueue[int]()
	q.push(1)
	q.push(2)
	q.push(3)

	ctx := context.Background()
	for _, want := range []int{1, 2, 3} {
		got, ok := q.pop(ctx, nil)
		if !ok || got != want {
			t.Fatalf("pop = %d, %v; want %d, true", got, ok, want)
		}
	}
}

func TestMachineRecvPrefersBuffer(t *testing.T) {
	m := newTestMachine()
	m.buf = []int{10, 20}
	m.live.push(30)

	ctx := context.Background()
	for _, want := range []int{10, 20, 30} {
		got, ok := m.Recv(ctx)
		if !ok || got != want {
			t.Fatalf("Recv = %d, %v; want %d, true", got, ok, want)
		}
	}
}

func TestSelectBuffersNonMatching(t *testing.T) {
	m := newTestMachine()
	m.live.push(1)
	m.live.push(2)
	m.live.push(3)

	ctx := context.Background()
	got, ok := Select(m, ctx, func(e int) (int, bool) {
		return e, e == 2
	})
	if !ok || got != 2 {
		t.Fatalf("Select = %d, %v; want 2, true", got, ok)
	}

	// Events seen but not matched (1) should remain buffered in order,
	// ahead of anything still in the live stream (3).
	next, ok := m.Recv(ctx)
	if !ok || next != 1 {
		t.Fatalf("Recv after Select = %d, %v; want 1, true", next, ok)
	}
	next, ok = m.Recv(ctx)
	if !ok || next != 3 {
		t.Fatalf("Recv after Select = %d, %v; want 3, true", next, ok)
	}
}

func TestSelectDrainingDropsPrecedingOnly(t *testing.T) {
	m := newTestMachine()
	m.buf = []int{1, 2, 3, 4}

	ctx := context.Background()
	got, ok := SelectDraining(m, ctx, func(e int) (int, bool) {
		return e, e == 2
	})
	if !ok || got != 2 {
		t.Fatalf("SelectDraining = %d, %v; want 2, true", got, ok)
	}

	// 1 and 2 (the match and everything before it) are dropped; 3 and 4
	// must survive.
	next, ok := m.Recv(ctx)
	if !ok || next != 3 {
		t.Fatalf("Recv after SelectDraining = %d, %v; want 3, true", next, ok)
	}
	next, ok = m.Recv(ctx)
	if !ok || next != 4 {
		t.Fatalf("Recv after SelectDraining = %d, %v; want 4, true", next, ok)
	}
}

func TestDrainTakesEverything(t *testing.T) {
	m := newTestMachine()
	m.buf = []int{1, 2}
	m.live.push(3)

	out := m.Drain()
	if len(out) != 3 {
		t.Fatalf("Drain returned %d events, want 3: %v", len(out), out)
	}
	if out[0] != 1 || out[1] != 2 || out[2] != 3 {
		t.Errorf("Drain order = %v, want [1 2 3]", out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := m.Recv(ctx); ok {
		t.Error("expected nothing left to receive after Drain")
	}
}

func TestMachineRecvRespectsContext(t *testing.T) {
	m := newTestMachine()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := m.Recv(ctx)
	if ok {
		t.Error("Recv should have returned ok=false on context deadline with nothing queued")
	}
}
