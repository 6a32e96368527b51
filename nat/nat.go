// Package nat implements a stateful endpoint translator: a NAT between
// a private link endpoint and a public one, rewriting IPv4/UDP/TCP
// packets between a private Range and a single public address with
// configurable cone/symmetric/port-restricted/hair-pinning/forwarding/
// blacklist behavior.
//
// Grounded on tstest/natlab/vnet/vnet.go's doNATOut/doNATIn split (an
// outbound path keyed by (dest, source) and an inbound path keyed by
// (source, externalPort)), generalized from that file's UDP-only,
// single-mapping-table version to a full per-protocol PortMap.
package nat

import (
	"context"
	"net/netip"

	"golang.org/x/sync/errgroup"

	"github.com/vnetsim/vnet/addr"
	"github.com/vnetsim/vnet/internal/vlog"
	"github.com/vnetsim/vnet/link"
	"github.com/vnetsim/vnet/packet"
)

// ForwardRule is an always-open inbound forward, applied before the NAT
// starts.
type ForwardRule struct {
	Proto        packet.Protocol
	ExternalPort uint16
	Internal     netip.AddrPort
}

// Config is a NAT's configuration surface.
type Config struct {
	HairPinning                bool
	Symmetric                  bool
	RestrictEndpoints          bool
	BlacklistUnrecognizedAddrs bool
	ForwardPorts               []ForwardRule
	Allocator                  AllocatorKind
}

// NAT is a single stateful translator sitting between a private and a
// public link endpoint.
type NAT struct {
	private *link.Endpoint
	public  *link.Endpoint

	publicIP     netip.Addr
	privateRange addr.Range
	cfg          Config

	udp *PortMap
	tcp *PortMap

	blacklist map[netip.AddrPort]bool

	logf vlog.Logf
}

// New constructs a NAT. ForwardPorts in cfg are registered on the
// appropriate per-protocol PortMap immediately, before Run is ever
// called.
func New(private, public *link.Endpoint, publicIP netip.Addr, privateRange addr.Range, cfg Config, logf vlog.Logf) *NAT {
	if logf == nil {
		logf = vlog.Discard
	}
	n := &NAT{
		private:      private,
		public:       public,
		publicIP:     publicIP,
		privateRange: privateRange,
		cfg:          cfg,
		udp:          NewPortMap(cfg.Symmetric, cfg.RestrictEndpoints, cfg.Allocator),
		tcp:          NewPortMap(cfg.Symmetric, cfg.RestrictEndpoints, cfg.Allocator),
		blacklist:    map[netip.AddrPort]bool{},
		logf:         logf,
	}
	for _, f := range cfg.ForwardPorts {
		n.portMapFor(f.Proto).RegisterForward(f.ExternalPort, f.Internal)
	}
	return n
}

func (n *NAT) portMapFor(p packet.Protocol) *PortMap {
	if p == packet.TCP {
		return n.tcp
	}
	return n.udp
}

// Run drives the NAT's two directions, one goroutine each, until either
// link closes or ctx is done. Both directions use the per-protocol
// PortMaps (the outbound one also for hair-pinning lookups), which
// serialize that access with their own mutex.
func (n *NAT) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.Go(func() error { defer cancel(); return n.outboundLoop(ctx) })
	g.Go(func() error { defer cancel(); return n.inboundLoop(ctx) })
	return g.Wait()
}

// outboundLoop implements the private→public path.
func (n *NAT) outboundLoop(ctx context.Context) error {
	for {
		raw, ok := n.private.Recv(ctx)
		if !ok {
			return nil
		}
		n.handleOutbound(raw)
	}
}

func (n *NAT) handleOutbound(raw []byte) {
	v, ok := packet.Parse(raw)
	if !ok {
		return // malformed: silently dropped
	}
	src := v.GetSource()
	if !n.privateRange.Contains(src.Addr()) {
		return
	}
	ttl := v.GetTTL()
	if ttl == 0 {
		return
	}
	v.SetTTL(ttl - 1)

	dst := v.GetDestination()
	pm := n.portMapFor(v.Protocol())
	externalPort := pm.MapPort(dst, src)

	if n.cfg.HairPinning && dst.Addr() == n.publicIP {
		privateDst, ok := pm.GetInboundAddr(netip.AddrPortFrom(n.publicIP, externalPort), dst.Port())
		if !ok {
			return
		}
		v.SetDestination(privateDst)
		v.SetChecksum()
		n.private.Send(v.Bytes())
		return
	}

	v.SetSource(netip.AddrPortFrom(n.publicIP, externalPort))
	v.SetChecksum()
	n.public.Send(v.Bytes())
}

// inboundLoop implements the public→private path.
func (n *NAT) inboundLoop(ctx context.Context) error {
	for {
		raw, ok := n.public.Recv(ctx)
		if !ok {
			return nil
		}
		n.handleInbound(raw)
	}
}

func (n *NAT) handleInbound(raw []byte) {
	v, ok := packet.Parse(raw)
	if !ok {
		return
	}
	dst := v.GetDestination()
	if dst.Addr() != n.publicIP {
		return
	}
	ttl := v.GetTTL()
	if ttl == 0 {
		return
	}
	v.SetTTL(ttl - 1)

	src := v.GetSource()
	if n.blacklist[src] {
		return
	}

	pm := n.portMapFor(v.Protocol())
	privateDst, found := pm.GetInboundAddr(src, dst.Port())
	if !found {
		if n.cfg.BlacklistUnrecognizedAddrs {
			if n.blacklist == nil {
				n.blacklist = map[netip.AddrPort]bool{}
			}
			n.blacklist[src] = true
			n.logf("nat: blacklisting unrecognized sender %s", src)
		}
		return
	}

	v.SetDestination(privateDst)
	v.SetChecksum()
	n.private.Send(v.Bytes())
}
