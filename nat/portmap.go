package nat

import (
	"net/netip"
	"sync"
)

// symKey is the symmetric-mode mapping key: a (source, remote) pair.
type symKey struct {
	source netip.AddrPort
	remote netip.AddrPort
}

// PortMap is a per-protocol translation table: outbound
// source→external-port, its inbound inverse, an optional symmetric
// table keyed by (source, remote), optional port-restricted
// allowed-endpoints, and always-open explicit forwards. A NAT calls it
// from both its outbound and its inbound goroutine, so every exported
// method holds mu for its whole duration.
type PortMap struct {
	mu sync.Mutex

	symmetric         bool
	restrictEndpoints bool

	alloc allocator

	outbound map[netip.AddrPort]uint16
	inbound  map[uint16]netip.AddrPort

	symOut map[symKey]uint16
	symIn  map[uint16]symKey

	allowed map[uint16]netip.AddrPort

	forwards map[uint16]netip.AddrPort
}

// NewPortMap constructs an empty PortMap with the given behavior flags
// and allocation strategy.
func NewPortMap(symmetric, restrictEndpoints bool, kind AllocatorKind) *PortMap {
	return &PortMap{
		symmetric:         symmetric,
		restrictEndpoints: restrictEndpoints,
		alloc:             newAllocator(kind),
		outbound:          map[netip.AddrPort]uint16{},
		inbound:           map[uint16]netip.AddrPort{},
		symOut:            map[symKey]uint16{},
		symIn:             map[uint16]symKey{},
		allowed:           map[uint16]netip.AddrPort{},
		forwards:          map[uint16]netip.AddrPort{},
	}
}

// RegisterForward installs an always-open forward: external port →
// local socket, reserved against allocation. Must be called before the
// NAT starts processing traffic.
func (m *PortMap) RegisterForward(externalPort uint16, local netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwards[externalPort] = local
}

func (m *PortMap) portTaken(p uint16) bool {
	if _, ok := m.forwards[p]; ok {
		return true
	}
	if _, ok := m.inbound[p]; ok {
		return true
	}
	if _, ok := m.symIn[p]; ok {
		return true
	}
	return false
}

// MapPort returns the external port to use for a packet from source to
// dest, allocating a fresh one if needed.
func (m *PortMap) MapPort(dest, source netip.AddrPort) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.symmetric {
		if p, ok := m.outbound[source]; ok {
			return p
		}
	} else {
		k := symKey{source: source, remote: dest}
		if p, ok := m.symOut[k]; ok {
			return p
		}
	}

	port, ok := m.alloc.allocate(source, m.portTaken)
	if !ok {
		panic("nat: port allocator exhausted")
	}

	if m.symmetric {
		k := symKey{source: source, remote: dest}
		m.symOut[k] = port
		m.symIn[port] = k
	} else {
		m.outbound[source] = port
		m.inbound[port] = source
	}
	if m.restrictEndpoints {
		m.allowed[port] = dest
	}
	return port
}

// GetInboundAddr resolves an inbound packet from remote on external
// port to the private socket it should be delivered to, or ok=false to
// drop.
func (m *PortMap) GetInboundAddr(remote netip.AddrPort, port uint16) (dst netip.AddrPort, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.restrictEndpoints {
		if allow, have := m.allowed[port]; !have || allow != remote {
			return netip.AddrPort{}, false
		}
	}
	if dst, ok := m.forwards[port]; ok {
		return dst, true
	}
	if src, ok := m.inbound[port]; ok {
		return src, true
	}
	if m.symmetric {
		if k, have := m.symIn[port]; have && k.remote == remote {
			return k.source, true
		}
	}
	return netip.AddrPort{}, false
}
