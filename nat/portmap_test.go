package nat

import (
	"net/netip"
	"testing"
)

func TestPortMapConeModeReusesMapping(t *testing.T) {
	pm := NewPortMap(false, false, Sequential)
	src := netip.MustParseAddrPort("10.0.0.5:1234")
	dstA := netip.MustParseAddrPort("8.8.8.8:53")
	dstB := netip.MustParseAddrPort("1.1.1.1:53")

	p1 := pm.MapPort(dstA, src)
	p2 := pm.MapPort(dstB, src)
	if p1 != p2 {
		t.Errorf("cone-mode NAT should reuse one external port per source, got %d and %d", p1, p2)
	}

	got, ok := pm.GetInboundAddr(dstA, p1)
	if !ok || got != src {
		t.Errorf("GetInboundAddr(dstA, %d) = %v, %v; want %v, true", p1, got, ok, src)
	}
	// Cone mode: a reply from any remote on the mapped port should resolve.
	got2, ok2 := pm.GetInboundAddr(dstB, p1)
	if !ok2 || got2 != src {
		t.Errorf("GetInboundAddr(dstB, %d) = %v, %v; want %v, true", p1, got2, ok2, src)
	}
}

func TestPortMapSymmetricModeDistinctPerRemote(t *testing.T) {
	pm := NewPortMap(true, false, Sequential)
	src := netip.MustParseAddrPort("10.0.0.5:1234")
	dstA := netip.MustParseAddrPort("8.8.8.8:53")
	dstB := netip.MustParseAddrPort("1.1.1.1:53")

	pA := pm.MapPort(dstA, src)
	pB := pm.MapPort(dstB, src)
	if pA == pB {
		t.Error("symmetric-mode NAT must allocate distinct ports per remote")
	}
	// src was first seen on pA's allocation (global stride-16 counter);
	// pB is the same source's second allocation, so it comes from that
	// source's own stride-1 sequence, one above pA.
	if pB != pA+1 {
		t.Errorf("second allocation for the same source = %d, want %d (pA+1)", pB, pA+1)
	}

	if _, ok := pm.GetInboundAddr(dstB, pA); ok {
		t.Error("symmetric mode must reject a reply from a remote other than the one the port was allocated for")
	}
	if got, ok := pm.GetInboundAddr(dstA, pA); !ok || got != src {
		t.Errorf("GetInboundAddr(dstA, pA) = %v, %v; want %v, true", got, ok, src)
	}
}

func TestPortMapRestrictedEndpointsRejectsUnexpectedRemote(t *testing.T) {
	pm := NewPortMap(false, true, Sequential)
	src := netip.MustParseAddrPort("10.0.0.5:1234")
	dst := netip.MustParseAddrPort("8.8.8.8:53")
	other := netip.MustParseAddrPort("1.1.1.1:53")

	p := pm.MapPort(dst, src)
	if _, ok := pm.GetInboundAddr(other, p); ok {
		t.Error("port-restricted cone NAT must reject packets from a remote never sent to")
	}
	if got, ok := pm.GetInboundAddr(dst, p); !ok || got != src {
		t.Errorf("GetInboundAddr(dst, p) = %v, %v; want %v, true", got, ok, src)
	}
}

func TestPortMapRegisterForward(t *testing.T) {
	pm := NewPortMap(false, false, Sequential)
	local := netip.MustParseAddrPort("10.0.0.9:8080")
	pm.RegisterForward(8080, local)

	remote := netip.MustParseAddrPort("203.0.113.1:4444")
	got, ok := pm.GetInboundAddr(remote, 8080)
	if !ok || got != local {
		t.Errorf("GetInboundAddr on forwarded port = %v, %v; want %v, true", got, ok, local)
	}
}

func TestSequentialAllocatorStride(t *testing.T) {
	a := newSequentialAllocator()
	taken := func(uint16) bool { return false }
	srcA := netip.MustParseAddrPort("10.0.0.5:1234")
	srcB := netip.MustParseAddrPort("10.0.0.6:1234")

	// Each newly-seen source draws from the global stride-16 counter.
	p1, ok := a.allocate(srcA, taken)
	if !ok || p1 != 49152 {
		t.Fatalf("first allocation for srcA = %d, %v; want 49152, true", p1, ok)
	}
	p2, ok := a.allocate(srcB, taken)
	if !ok || p2 != 49168 {
		t.Fatalf("first allocation for srcB = %d, %v; want 49168, true", p2, ok)
	}

	// A further allocation for an already-seen source advances that
	// source's own stride-1 sequence, independent of the global counter.
	p3, ok := a.allocate(srcA, taken)
	if !ok || p3 != 49153 {
		t.Fatalf("second allocation for srcA = %d, %v; want 49153, true", p3, ok)
	}
}

func TestSequentialAllocatorPerSourceOverflowResets(t *testing.T) {
	a := newSequentialAllocator()
	src := netip.MustParseAddrPort("10.0.0.5:1234")
	a.nextForSource[src] = 0xffff

	p, ok := a.allocate(src, func(uint16) bool { return false })
	if !ok || p != 0xffff {
		t.Fatalf("allocate at per-source overflow boundary = %d, %v; want 65535, true", p, ok)
	}
	if a.nextForSource[src] != 49152 {
		t.Errorf("per-source counter after overflow = %d, want 49152", a.nextForSource[src])
	}
}

func TestSequentialAllocatorSkipsTaken(t *testing.T) {
	a := newSequentialAllocator()
	src := netip.MustParseAddrPort("10.0.0.5:1234")
	taken := func(p uint16) bool { return p == 49152 }

	p, ok := a.allocate(src, taken)
	if !ok {
		t.Fatal("allocate should have found a free port")
	}
	if p == 49152 {
		t.Error("allocate returned a port reported as taken")
	}
}

func TestRandomAllocatorAvoidsTaken(t *testing.T) {
	a := &randomAllocator{}
	taken := map[uint16]bool{}
	none := netip.AddrPort{}
	for i := 0; i < 100; i++ {
		p, ok := a.allocate(none, func(p uint16) bool { return taken[p] })
		if !ok {
			t.Fatal("randomAllocator gave up early")
		}
		if taken[p] {
			t.Errorf("randomAllocator returned already-taken port %d", p)
		}
		taken[p] = true
	}
}
