// Package packet implements a zero-copy typed view over an IPv4 frame
// carrying a UDP or TCP payload, grounded on the header-parsing idiom
// tstest/natlab/vnet/vnet.go uses gvisor's pkg/tcpip/header package for
// (that file constructs packets with gopacket but reads wire headers
// through header.IPv4ProtocolNumber et al.); here the hot path, parsing
// every frame crossing a Machine, NAT or Router, goes straight through
// header.IPv4/header.UDP/header.TCP rather than gopacket's layered
// decoder, since nothing downstream needs gopacket's general-purpose
// layer graph, only source/dest/ttl/checksum.
package packet

import (
	"errors"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Protocol identifies the L4 protocol carried by a View.
type Protocol int

const (
	UDP Protocol = iota
	TCP
)

func (p Protocol) String() string {
	if p == UDP {
		return "UDP"
	}
	return "TCP"
}

// ErrMalformed describes a buffer that is not a well-formed IPv4 packet
// with a parseable UDP or TCP payload. Parse reports such a buffer
// through its boolean result and does not return this error.
var ErrMalformed = errors.New("packet: malformed IPv4/UDP/TCP frame")

// View is a mutable, zero-copy view over an IPv4 datagram. All View
// methods operate directly on the backing buffer; there is no internal
// copy.
type View struct {
	buf  []byte
	ip   header.IPv4
	l4ud header.UDP
	l4tc header.TCP
	proto Protocol
}

// Parse constructs a View over buf. It fails (returns false) if buf is
// not a well-formed IPv4 header whose payload parses as UDP or TCP.
func Parse(buf []byte) (View, bool) {
	if len(buf) < header.IPv4MinimumSize {
		return View{}, false
	}
	ip := header.IPv4(buf)
	if !ip.IsValid(len(buf)) {
		return View{}, false
	}
	if ip.TransportProtocol() != header.UDPProtocolNumber &&
		ip.TransportProtocol() != header.TCPProtocolNumber {
		return View{}, false
	}
	v := View{buf: buf, ip: ip}
	payload := ip.Payload()
	switch ip.TransportProtocol() {
	case header.UDPProtocolNumber:
		if len(payload) < header.UDPMinimumSize {
			return View{}, false
		}
		v.proto = UDP
		v.l4ud = header.UDP(payload)
	case header.TCPProtocolNumber:
		if len(payload) < header.TCPMinimumSize {
			return View{}, false
		}
		v.proto = TCP
		v.l4tc = header.TCP(payload)
	}
	return v, true
}

// Bytes returns the underlying buffer.
func (v View) Bytes() []byte { return v.buf }

// Protocol reports the packet's discovered L4 protocol.
func (v View) Protocol() Protocol { return v.proto }

func addrPort(ip tcpip.Address, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(ip.As4()), port)
}

// GetSource returns the packet's (source IP, source port).
func (v View) GetSource() netip.AddrPort {
	port := v.srcPort()
	return addrPort(v.ip.SourceAddress(), port)
}

// GetDestination returns the packet's (destination IP, destination port).
func (v View) GetDestination() netip.AddrPort {
	port := v.dstPort()
	return addrPort(v.ip.DestinationAddress(), port)
}

func (v View) srcPort() uint16 {
	if v.proto == UDP {
		return v.l4ud.SourcePort()
	}
	return v.l4tc.SourcePort()
}

func (v View) dstPort() uint16 {
	if v.proto == UDP {
		return v.l4ud.DestinationPort()
	}
	return v.l4tc.DestinationPort()
}

// GetTTL returns the IPv4 TTL field.
func (v View) GetTTL() uint8 { return v.ip.TTL() }

// SetTTL sets the IPv4 TTL field. Does not recompute any checksum; call
// SetChecksum afterwards.
func (v View) SetTTL(ttl uint8) { v.ip.SetTTL(ttl) }

// SetSource rewrites the source (ip, port). Does not recompute any
// checksum; call SetChecksum afterwards.
func (v View) SetSource(ap netip.AddrPort) {
	v.ip.SetSourceAddress(tcpip.AddrFrom4(ap.Addr().As4()))
	if v.proto == UDP {
		v.l4ud.SetSourcePort(ap.Port())
	} else {
		v.l4tc.SetSourcePort(ap.Port())
	}
}

// SetDestination rewrites the destination (ip, port). Does not recompute
// any checksum; call SetChecksum afterwards.
func (v View) SetDestination(ap netip.AddrPort) {
	v.ip.SetDestinationAddress(tcpip.AddrFrom4(ap.Addr().As4()))
	if v.proto == UDP {
		v.l4ud.SetDestinationPort(ap.Port())
	} else {
		v.l4tc.SetDestinationPort(ap.Port())
	}
}

// SetChecksum recomputes the IPv4 header checksum and then the L4
// checksum (UDP or TCP), including the IPv4 pseudo-header.
func (v View) SetChecksum() {
	v.ip.SetChecksum(0)
	v.ip.SetChecksum(^v.ip.CalculateChecksum())

	totalLen := uint16(len(v.ip.Payload()))
	pseudo := header.PseudoHeaderChecksum(
		protocolNumber(v.proto),
		v.ip.SourceAddress(),
		v.ip.DestinationAddress(),
		totalLen,
	)
	switch v.proto {
	case UDP:
		v.l4ud.SetChecksum(0)
		full := header.Checksum(v.l4ud, pseudo)
		v.l4ud.SetChecksum(^full)
	case TCP:
		v.l4tc.SetChecksum(0)
		full := header.Checksum(v.l4tc, pseudo)
		v.l4tc.SetChecksum(^full)
	}
}

func protocolNumber(p Protocol) tcpip.TransportProtocolNumber {
	if p == UDP {
		return header.UDPProtocolNumber
	}
	return header.TCPProtocolNumber
}
