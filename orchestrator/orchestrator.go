// Package orchestrator wires together Machines, Networks, Routers, and
// NATs into a running topology.
//
// Network, the per-LAN handle returned by SpawnNetwork, plays the role
// tstest/natlab/vnet/conf.go's Network config type plays for the
// teacher's virtual world: a thing callers hold onto and pass back into
// later calls (Plug, AddRoute, AddNATRoute) to wire up a topology
// incrementally, rather than a single upfront declarative Config.
package orchestrator

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vnetsim/vnet/addr"
	"github.com/vnetsim/vnet/internal/vlog"
	"github.com/vnetsim/vnet/link"
	"github.com/vnetsim/vnet/machine"
	"github.com/vnetsim/vnet/nat"
	"github.com/vnetsim/vnet/router"
)

// natRouteIDOffset keeps inter-network route connection IDs disjoint
// from machine-plug connection IDs on a shared router.
const natRouteIDOffset = 65536

// connState is the orchestrator's three-way connector state for a
// machine: unplugged (holding a spare endpoint), plugged into a
// network, or shut down.
type connState int

const (
	stateUnplugged connState = iota
	statePlugged
	stateShutdown
)

type machineSlot[E any] struct {
	m      *machine.Machine[E]
	connID int // router connection id, stable for this machine's lifetime
	state  connState
	spare  *link.Endpoint // valid only in stateUnplugged
	netID  int            // valid only in statePlugged
	addr   netip.Addr
}

// Network is a LAN segment: an address range, a Router, and the next
// free host index for UniqueAddr.
type Network struct {
	id     int
	rng    addr.Range
	router *router.Router

	mu       sync.Mutex
	nextHost uint32
}

// ID returns the network's orchestrator-assigned identifier.
func (n *Network) ID() int { return n.id }

// Range returns the network's address range.
func (n *Network) Range() addr.Range { return n.rng }

// Router returns the network's forwarding engine.
func (n *Network) Router() *router.Router { return n.router }

// UniqueAddr deterministically allocates the next unused host address in
// the network's range.
func (n *Network) UniqueAddr() netip.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	a := n.rng.AddressFor(n.nextHost)
	n.nextHost++
	return a
}

// Orchestrator owns every Machine and Network in a running topology.
// Its Routers and NATs run as background tasks for the Orchestrator's
// own lifetime, independent of any per-call context passed to
// individual operations.
type Orchestrator[E any] struct {
	logf vlog.Logf

	runCtx context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	machines   map[string]*machineSlot[E]
	networks   map[int]*Network
	nextNet    int
	nextConnID int
}

// New constructs an empty Orchestrator. The calling process must have
// already called netns.UnshareUser before the first SpawnMachine, so
// that the unprivileged process can go on to create network namespaces
// for its machines.
func New[E any](logf vlog.Logf) *Orchestrator[E] {
	if logf == nil {
		logf = vlog.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator[E]{
		logf:     logf,
		runCtx:   ctx,
		cancel:   cancel,
		machines: map[string]*machineSlot[E]{},
		networks: map[int]*Network{},
	}
}

// Close tears down the topology: every Router and NAT task is
// cancelled and every Machine is sent an exit signal and joined.
// Mirrors dropping the whole simulated world at once.
func (o *Orchestrator[E]) Close() {
	o.cancel()
	o.mu.Lock()
	machines := make([]*machine.Machine[E], 0, len(o.machines))
	for _, slot := range o.machines {
		machines = append(machines, slot.m)
	}
	o.mu.Unlock()
	for _, m := range machines {
		m.Close()
	}
}

// SpawnMachine creates a wire, optionally splicing a DelayBuffer onto
// one side, instantiates the Machine on the far end, and stores the
// near end as the machine's spare (unplugged) endpoint. If id is
// empty, a fresh one is generated.
func (o *Orchestrator[E]) SpawnMachine(ctx context.Context, id string, cfg machine.Config[E], delay *DelayOpt) (*machine.Machine[E], error) {
	if id == "" {
		id = uuid.NewString()
	}

	o.mu.Lock()
	if _, exists := o.machines[id]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator: machine id %q already in use", id)
	}
	o.mu.Unlock()

	spare, inner := link.Wire()
	if delay != nil {
		spare = link.NewDelayBuffer(ctx, spare, delay.Latency, delay.MaxBytesQueued)
	}

	m, err := machine.Spawn(ctx, id, inner, cfg)
	if err != nil {
		spare.Close()
		return nil, fmt.Errorf("orchestrator: spawn machine %q: %w", id, err)
	}

	o.mu.Lock()
	connID := o.nextConnID
	o.nextConnID++
	o.machines[id] = &machineSlot[E]{m: m, connID: connID, state: stateUnplugged, spare: spare}
	o.mu.Unlock()
	return m, nil
}

// DelayOpt configures the DelayBuffer spliced by SpawnMachine.
type DelayOpt struct {
	Latency        time.Duration
	MaxBytesQueued int
}

// SpawnNetwork allocates a Network with a fresh Router rooted at the
// range's gateway address.
func (o *Orchestrator[E]) SpawnNetwork(rng addr.Range) *Network {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextNet
	o.nextNet++
	n := &Network{
		id:       id,
		rng:      rng,
		router:   router.New(rng.GatewayAddr(), o.logf),
		nextHost: 0,
	}
	o.networks[id] = n
	go n.router.Run(o.runCtx)
	return n
}

// Plug connects machine id to net, assigning addr (or, if invalid, the
// network's next UniqueAddr). If the machine was already plugged
// elsewhere, it is unplugged first.
func (o *Orchestrator[E]) Plug(ctx context.Context, id string, net *Network, wantAddr netip.Addr) error {
	if err := o.Unplug(ctx, id); err != nil {
		return err
	}

	o.mu.Lock()
	slot, ok := o.machines[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: unknown machine %q", id)
	}
	if slot.state == stateShutdown {
		return fmt.Errorf("orchestrator: machine %q is shut down", id)
	}

	chosen := wantAddr
	if !chosen.IsValid() {
		chosen = net.UniqueAddr()
	}

	route := addr.Route{Dest: addr.NewRange(chosen, 32)}
	if err := net.router.AddConnection(ctx, slot.connID, slot.spare, []addr.Route{route}); err != nil {
		return fmt.Errorf("orchestrator: plug %q into network %d: %w", id, net.id, err)
	}

	if err := slot.m.SetAddr(ctx, chosen, net.rng.Bits()); err != nil {
		net.router.RemoveConnection(ctx, slot.connID)
		return fmt.Errorf("orchestrator: set_addr for %q: %w", id, err)
	}

	o.mu.Lock()
	slot.state = statePlugged
	slot.netID = net.id
	slot.addr = chosen
	o.mu.Unlock()
	return nil
}

// Unplug disconnects machine id from whatever network (if any) it is
// plugged into. If the router no longer has the endpoint to hand back
// (already torn down), the machine is marked Shutdown instead of
// Unplugged.
func (o *Orchestrator[E]) Unplug(ctx context.Context, id string) error {
	o.mu.Lock()
	slot, ok := o.machines[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: unknown machine %q", id)
	}
	if slot.state != statePlugged {
		return nil
	}

	o.mu.Lock()
	net := o.networks[slot.netID]
	o.mu.Unlock()

	ep, ok := net.router.RemoveConnection(ctx, slot.connID)

	o.mu.Lock()
	defer o.mu.Unlock()
	if !ok {
		slot.state = stateShutdown
		slot.spare = nil
		return nil
	}
	slot.state = stateUnplugged
	slot.spare = ep
	return nil
}

// AddRoute creates a wire between na and nb's routers, giving each side
// a route covering the other's Range.
func (o *Orchestrator[E]) AddRoute(ctx context.Context, na, nb *Network) error {
	ea, eb := link.Wire()
	idA := natRouteIDOffset + nb.id
	idB := natRouteIDOffset + na.id
	if err := na.router.AddConnection(ctx, idA, ea, []addr.Route{{Dest: nb.rng}}); err != nil {
		ea.Close()
		return fmt.Errorf("orchestrator: add_route %d->%d: %w", na.id, nb.id, err)
	}
	if err := nb.router.AddConnection(ctx, idB, eb, []addr.Route{{Dest: na.rng}}); err != nil {
		na.router.RemoveConnection(ctx, idA)
		eb.Close()
		return fmt.Errorf("orchestrator: add_route %d->%d: %w", nb.id, na.id, err)
	}
	return nil
}

// EnableRoute toggles both sides of a previously-added route on.
func (o *Orchestrator[E]) EnableRoute(ctx context.Context, na, nb *Network) error {
	if err := na.router.EnableRoute(ctx, natRouteIDOffset+nb.id); err != nil {
		return err
	}
	return nb.router.EnableRoute(ctx, natRouteIDOffset+na.id)
}

// DisableRoute toggles both sides of a previously-added route off.
func (o *Orchestrator[E]) DisableRoute(ctx context.Context, na, nb *Network) error {
	if err := na.router.DisableRoute(ctx, natRouteIDOffset+nb.id); err != nil {
		return err
	}
	return nb.router.DisableRoute(ctx, natRouteIDOffset+na.id)
}

// AddNATRoute splices a NAT between publicNet and privateNet: two wires
// (public↔nat, nat↔private), a fresh public address drawn from
// publicNet, a /32 route to it on the public router, and a 0.0.0.0/0
// route on the private router.
func (o *Orchestrator[E]) AddNATRoute(ctx context.Context, cfg nat.Config, publicNet, privateNet *Network) (*nat.NAT, error) {
	publicIP := publicNet.UniqueAddr()

	publicSide, natPublicSide := link.Wire()
	privateSide, natPrivateSide := link.Wire()

	n := nat.New(natPrivateSide, natPublicSide, publicIP, privateNet.rng, cfg, o.logf)

	pubID := natRouteIDOffset + privateNet.id
	if err := publicNet.router.AddConnection(ctx, pubID, publicSide, []addr.Route{{Dest: addr.NewRange(publicIP, 32)}}); err != nil {
		publicSide.Close()
		natPublicSide.Close()
		privateSide.Close()
		natPrivateSide.Close()
		return nil, fmt.Errorf("orchestrator: add_nat_route: public side: %w", err)
	}

	privID := natRouteIDOffset + publicNet.id
	if err := privateNet.router.AddConnection(ctx, privID, privateSide, []addr.Route{{Dest: addr.NewRange(netip.IPv4Unspecified(), 0)}}); err != nil {
		publicNet.router.RemoveConnection(ctx, pubID)
		privateSide.Close()
		natPrivateSide.Close()
		return nil, fmt.Errorf("orchestrator: add_nat_route: private side: %w", err)
	}

	go n.Run(o.runCtx)
	return n, nil
}
