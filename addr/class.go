package addr

// Class is the IANA special-purpose classification of an IPv4 address.
type Class int

const (
	Global Class = iota
	Unspecified
	CurrentNetwork
	Private
	CarrierNAT
	Loopback
	LinkLocal
	ProtocolAssignments
	Testnet
	IPv6Relay
	BenchmarkTests
	Multicast
	Reserved
	Broadcast
)

func (c Class) String() string {
	switch c {
	case Global:
		return "Global"
	case Unspecified:
		return "Unspecified"
	case CurrentNetwork:
		return "CurrentNetwork"
	case Private:
		return "Private"
	case CarrierNAT:
		return "CarrierNAT"
	case Loopback:
		return "Loopback"
	case LinkLocal:
		return "LinkLocal"
	case ProtocolAssignments:
		return "ProtocolAssignments"
	case Testnet:
		return "Testnet"
	case IPv6Relay:
		return "IPv6Relay"
	case BenchmarkTests:
		return "BenchmarkTests"
	case Multicast:
		return "Multicast"
	case Reserved:
		return "Reserved"
	case Broadcast:
		return "Broadcast"
	default:
		return "Unknown"
	}
}

// classRange is one entry of the IANA special-purpose address registry
// prefix table used by ClassifyU32.
type classRange struct {
	base uint32
	bits int
	cls  Class
}

// classTable is ordered most-specific first; ClassifyU32 returns the first
// match.
var classTable = []classRange{
	{0x00000000, 32, Unspecified},     // 0.0.0.0/32
	{0xffffffff, 32, Broadcast},       // 255.255.255.255/32
	{0x00000000, 8, CurrentNetwork},   // 0.0.0.0/8
	{0x0a000000, 8, Private},          // 10.0.0.0/8
	{0x64400000, 10, CarrierNAT},      // 100.64.0.0/10
	{0x7f000000, 8, Loopback},         // 127.0.0.0/8
	{0xa9fe0000, 16, LinkLocal},       // 169.254.0.0/16
	{0xac100000, 12, Private},         // 172.16.0.0/12
	{0xc0000000, 24, ProtocolAssignments}, // 192.0.0.0/24
	{0xc0000200, 24, Testnet},         // 192.0.2.0/24 (TEST-NET-1)
	{0xc0586300, 24, IPv6Relay},       // 192.88.99.0/24
	{0xc0a80000, 16, Private},         // 192.168.0.0/16
	{0xc6120000, 15, BenchmarkTests},  // 198.18.0.0/15
	{0xc6336400, 24, Testnet},         // 198.51.100.0/24 (TEST-NET-2)
	{0xcb007100, 24, Testnet},         // 203.0.113.0/24 (TEST-NET-3)
	{0xe0000000, 4, Multicast},        // 224.0.0.0/4
	{0xf0000000, 4, Reserved},         // 240.0.0.0/4
}

// ClassifyU32 returns the address class of a host-order IPv4 address.
func ClassifyU32(ip uint32) Class {
	for _, e := range classTable {
		mask := maskForBits(e.bits)
		if ip&mask == e.base&mask {
			return e.cls
		}
	}
	return Global
}

// IsGlobal reports whether c is routable on the public Internet: false
// for loopback, private, carrier-grade NAT, link-local, multicast,
// broadcast, documentation (testnet), benchmarking, reserved,
// unspecified, current-network, protocol-assignment and IPv6-relay
// addresses, true for Global.
func (c Class) IsGlobal() bool {
	switch c {
	case Loopback, Private, CarrierNAT, LinkLocal, Multicast, Broadcast,
		Testnet, BenchmarkTests, Reserved, Unspecified, CurrentNetwork,
		ProtocolAssignments, IPv6Relay:
		return false
	default:
		return true
	}
}
