package nat

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/vnetsim/vnet/addr"
	"github.com/vnetsim/vnet/link"
	"github.com/vnetsim/vnet/packet"
)

func buildUDP(t *testing.T, src, dst netip.AddrPort, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(src.Addr().AsSlice()),
		DstIP:    net.IP(dst.Addr().AsSlice()),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func TestNATOutboundRewritesSourceToPublicAddr(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	privNAT, privClient := link.Wire()
	pubNAT, pubPeer := link.Wire()

	privRange := addr.NewRange(netip.MustParseAddr("10.0.0.0"), 24)
	publicIP := netip.MustParseAddr("203.0.113.1")

	n := New(privNAT, pubNAT, publicIP, privRange, Config{Allocator: Sequential}, nil)
	go n.Run(ctx)

	clientAddr := netip.MustParseAddrPort("10.0.0.5:1234")
	remoteAddr := netip.MustParseAddrPort("8.8.8.8:53")
	privClient.Send(buildUDP(t, clientAddr, remoteAddr, []byte("hi")))

	raw, ok := pubPeer.Recv(ctx)
	if !ok {
		t.Fatal("expected a packet to arrive on the public side")
	}
	v, ok := packet.Parse(raw)
	if !ok {
		t.Fatal("failed to parse forwarded packet")
	}
	if v.GetSource().Addr() != publicIP {
		t.Errorf("source address = %s, want %s", v.GetSource().Addr(), publicIP)
	}
	if v.GetDestination() != remoteAddr {
		t.Errorf("destination = %s, want %s", v.GetDestination(), remoteAddr)
	}
}

func TestNATInboundReturnsToMappedClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	privNAT, privClient := link.Wire()
	pubNAT, pubPeer := link.Wire()

	privRange := addr.NewRange(netip.MustParseAddr("10.0.0.0"), 24)
	publicIP := netip.MustParseAddr("203.0.113.1")

	n := New(privNAT, pubNAT, publicIP, privRange, Config{Allocator: Sequential}, nil)
	go n.Run(ctx)

	clientAddr := netip.MustParseAddrPort("10.0.0.5:1234")
	remoteAddr := netip.MustParseAddrPort("8.8.8.8:53")
	privClient.Send(buildUDP(t, clientAddr, remoteAddr, []byte("hi")))

	raw, ok := pubPeer.Recv(ctx)
	if !ok {
		t.Fatal("expected outbound packet")
	}
	outV, _ := packet.Parse(raw)
	externalPort := outV.GetSource().Port()

	reply := buildUDP(t, remoteAddr, netip.AddrPortFrom(publicIP, externalPort), []byte("reply"))
	pubPeer.Send(reply)

	back, ok := privClient.Recv(ctx)
	if !ok {
		t.Fatal("expected reply to be delivered back to the client")
	}
	v, ok := packet.Parse(back)
	if !ok {
		t.Fatal("failed to parse returned packet")
	}
	if v.GetDestination() != clientAddr {
		t.Errorf("destination = %s, want %s", v.GetDestination(), clientAddr)
	}
}

func TestNATBlacklistsUnrecognizedInbound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	privNAT, _ := link.Wire()
	pubNAT, pubPeer := link.Wire()

	privRange := addr.NewRange(netip.MustParseAddr("10.0.0.0"), 24)
	publicIP := netip.MustParseAddr("203.0.113.1")

	n := New(privNAT, pubNAT, publicIP, privRange, Config{
		Allocator:                  Sequential,
		BlacklistUnrecognizedAddrs: true,
	}, nil)
	go n.Run(ctx)

	unsolicited := buildUDP(t,
		netip.MustParseAddrPort("8.8.8.8:53"),
		netip.MustParseAddrPort(publicIP.String()+":4000"),
		[]byte("unsolicited"))
	pubPeer.Send(unsolicited)

	time.Sleep(20 * time.Millisecond)
	if !n.blacklist[netip.MustParseAddrPort("8.8.8.8:53")] {
		t.Error("unrecognized sender should have been blacklisted")
	}
}
