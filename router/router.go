// Package router implements a multi-port IPv4 forwarder: per-link route
// tables, enable/disable of individual connections, and atomic
// counters, communicating with the rest of the orchestrator purely
// through a control channel so the forwarding loop itself stays
// single-threaded.
//
// The dispatch shape, one goroutine per connection pumping its Recv
// loop into a shared, tagged channel that the single owning goroutine
// selects over alongside a control channel, mirrors the same
// "run-until-any-task-terminates" idiom Machine uses, and is the
// natural Go rendering of waiting concurrently on both control and
// packets arriving on any enabled connection.
package router

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/vnetsim/vnet/addr"
	"github.com/vnetsim/vnet/internal/vlog"
	"github.com/vnetsim/vnet/link"
	"github.com/vnetsim/vnet/packet"
)

// Filter, if set, is consulted before any counter update for a packet;
// returning false suppresses all counting for that packet.
type Filter func(pkt []byte) bool

// Counters is a point-in-time snapshot of a Router's forwarding stats.
type Counters struct {
	Forwarded      uint64
	Invalid        uint64
	Disabled       uint64
	Unroutable     uint64
	BytesForwarded uint64
}

type connection struct {
	id      int
	ep      *link.Endpoint
	routes  []addr.Route
	enabled bool
	cancel  context.CancelFunc
}

type arrival struct {
	connID int
	pkt    []byte
}

type opKind int

const (
	opAdd opKind = iota
	opRemove
	opEnable
	opDisable
	opConnEOF
)

type ctrlOp struct {
	kind   opKind
	id     int
	ep     *link.Endpoint
	routes []addr.Route
	result chan opResult
}

type opResult struct {
	ep  *link.Endpoint
	err error
}

// Router forwards IPv4 packets among its connections: a packet is sent
// on every connection whose route list covers its destination (so it
// may fan out to more than one), plus any connection on a broadcast or
// multicast destination.
type Router struct {
	ownerAddr netip.Addr
	logf      vlog.Logf

	ctrl     chan ctrlOp
	arrivals chan arrival

	filterMu sync.RWMutex
	filter   Filter

	forwarded      atomic.Uint64
	invalid        atomic.Uint64
	disabled       atomic.Uint64
	unroutable     atomic.Uint64
	bytesForwarded atomic.Uint64
}

// New constructs a Router for the given owner (gateway) address.
func New(owner netip.Addr, logf vlog.Logf) *Router {
	if logf == nil {
		logf = vlog.Discard
	}
	return &Router{
		ownerAddr: owner,
		logf:      logf,
		ctrl:      make(chan ctrlOp),
		arrivals:  make(chan arrival, 64),
	}
}

// SetFilter installs (or clears, with nil) the pre-count packet filter.
func (r *Router) SetFilter(f Filter) {
	r.filterMu.Lock()
	defer r.filterMu.Unlock()
	r.filter = f
}

func (r *Router) getFilter() Filter {
	r.filterMu.RLock()
	defer r.filterMu.RUnlock()
	return r.filter
}

// AddConnection registers a new connection under id, appending. IDs must
// be unique within this router.
func (r *Router) AddConnection(ctx context.Context, id int, ep *link.Endpoint, routes []addr.Route) error {
	res := make(chan opResult, 1)
	select {
	case r.ctrl <- ctrlOp{kind: opAdd, id: id, ep: ep, routes: routes, result: res}:
	case <-ctx.Done():
		return ctx.Err()
	}
	out := <-res
	return out.err
}

// RemoveConnection removes connection id and returns its endpoint, or
// ok=false if id was unknown.
func (r *Router) RemoveConnection(ctx context.Context, id int) (*link.Endpoint, bool) {
	res := make(chan opResult, 1)
	select {
	case r.ctrl <- ctrlOp{kind: opRemove, id: id, result: res}:
	case <-ctx.Done():
		return nil, false
	}
	out := <-res
	return out.ep, out.ep != nil
}

// EnableRoute sets connection id's enabled flag to true.
func (r *Router) EnableRoute(ctx context.Context, id int) error {
	return r.toggle(ctx, id, opEnable)
}

// DisableRoute sets connection id's enabled flag to false.
func (r *Router) DisableRoute(ctx context.Context, id int) error {
	return r.toggle(ctx, id, opDisable)
}

func (r *Router) toggle(ctx context.Context, id int, kind opKind) error {
	res := make(chan opResult, 1)
	select {
	case r.ctrl <- ctrlOp{kind: kind, id: id, result: res}:
	case <-ctx.Done():
		return ctx.Err()
	}
	out := <-res
	return out.err
}

// Snapshot returns the current counters.
func (r *Router) Snapshot() Counters {
	return Counters{
		Forwarded:      r.forwarded.Load(),
		Invalid:        r.invalid.Load(),
		Disabled:       r.disabled.Load(),
		Unroutable:     r.unroutable.Load(),
		BytesForwarded: r.bytesForwarded.Load(),
	}
}

// Run drives the forwarding loop until ctx is done. It is the single
// owner of all connection state; no locking is required on the hot
// path.
func (r *Router) Run(ctx context.Context) error {
	conns := map[int]*connection{}
	defer func() {
		for _, c := range conns {
			c.cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case op := <-r.ctrl:
			r.applyOp(ctx, conns, op)

		case a := <-r.arrivals:
			c, ok := conns[a.connID]
			if !ok {
				continue
			}
			r.handleArrival(conns, c, a.pkt)
		}
	}
}

func (r *Router) applyOp(ctx context.Context, conns map[int]*connection, op ctrlOp) {
	switch op.kind {
	case opAdd:
		if _, exists := conns[op.id]; exists {
			op.result <- opResult{err: fmt.Errorf("router: connection id %d already in use", op.id)}
			return
		}
		cctx, cancel := context.WithCancel(ctx)
		c := &connection{id: op.id, ep: op.ep, routes: op.routes, enabled: true, cancel: cancel}
		conns[op.id] = c
		go r.pump(cctx, c)
		op.result <- opResult{}

	case opRemove:
		c, ok := conns[op.id]
		if !ok {
			op.result <- opResult{}
			return
		}
		c.cancel()
		delete(conns, op.id)
		op.result <- opResult{ep: c.ep}

	case opEnable:
		if c, ok := conns[op.id]; ok {
			c.enabled = true
			op.result <- opResult{}
		} else {
			op.result <- opResult{err: fmt.Errorf("router: unknown connection id %d", op.id)}
		}

	case opDisable:
		if c, ok := conns[op.id]; ok {
			c.enabled = false
			op.result <- opResult{}
		} else {
			op.result <- opResult{err: fmt.Errorf("router: unknown connection id %d", op.id)}
		}

	case opConnEOF:
		if c, ok := conns[op.id]; ok {
			c.cancel()
			delete(conns, op.id)
		}
	}
}

// pump forwards packets from c.ep into r.arrivals until ctx is
// cancelled or c.ep closes, at which point it self-reports EOF so the
// owning loop removes the connection.
func (r *Router) pump(ctx context.Context, c *connection) {
	for {
		pkt, ok := c.ep.Recv(ctx)
		if !ok {
			select {
			case r.ctrl <- ctrlOp{kind: opConnEOF, id: c.id, result: make(chan opResult, 1)}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case r.arrivals <- arrival{connID: c.id, pkt: pkt}:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) handleArrival(conns map[int]*connection, from *connection, raw []byte) {
	filter := r.getFilter()
	count := filter == nil
	if !count {
		count = filter(raw)
	}

	v, ok := packet.Parse(raw)
	if !ok {
		if count {
			r.invalid.Add(1)
		}
		return
	}
	dst := v.GetDestination().Addr()
	if r.ownerAddr.IsValid() && dst == r.ownerAddr {
		return
	}

	broadcastOrMulticast := dst.IsMulticast() || isLimitedBroadcast(dst)

	any := false
	for id, c := range conns {
		if id == from.id {
			continue
		}
		matches := broadcastOrMulticast
		if !matches {
			for _, rt := range c.routes {
				if rt.Dest.Contains(dst) {
					matches = true
					break
				}
			}
		}
		if !matches {
			continue
		}
		any = true
		if !c.enabled {
			if count {
				r.disabled.Add(1)
			}
			continue
		}
		c.ep.Send(raw)
		if count {
			r.forwarded.Add(1)
			r.bytesForwarded.Add(uint64(len(raw)))
		}
	}
	if !any && count {
		r.unroutable.Add(1)
	}
}

func isLimitedBroadcast(ip netip.Addr) bool {
	return ip == netip.AddrFrom4([4]byte{255, 255, 255, 255})
}
