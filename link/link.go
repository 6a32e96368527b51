// Package link implements the in-process packet wire ("Link") and the
// optional delay/bandwidth filter spliced onto one of its endpoints
// (DelayBuffer). A bare Link never blocks or drops on send; only a
// DelayBuffer drops, and only under queue pressure.
package link

import (
	"context"
	"sync"
)

// closer is shared by both Endpoints of a Wire so that closing either
// side is observed by both: dropping the orchestrator drops all
// machines, which in turn closes every link endpoint, causing routers,
// NATs, and delay-buffer tasks to observe EOF and exit.
type closer struct {
	once sync.Once
	done chan struct{}
}

func newCloser() *closer { return &closer{done: make(chan struct{})} }
func (c *closer) Close()           { c.once.Do(func() { close(c.done) }) }
func (c *closer) Closed() <-chan struct{} { return c.done }

// queue is an unbounded FIFO of packets with a wake-up signal for
// blocking receivers.
type queue struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{} // buffered 1; non-blocking wake
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(pkt []byte) {
	q.mu.Lock()
	q.items = append(q.items, pkt)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a packet is available, ctx is done, or closed fires.
func (q *queue) pop(ctx context.Context, closed <-chan struct{}) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			pkt := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return pkt, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
			continue
		case <-closed:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Endpoint is one side of a Wire: an oriented packet channel. Sending
// never blocks nor drops. Packets are full L3 IPv4 frames.
type Endpoint struct {
	out    *queue
	in     *queue
	closer *closer
}

// Wire returns the two mirrored endpoints of a new bidirectional
// in-process packet channel: sends on a arrive as receives on b, and
// vice versa.
func Wire() (a, b *Endpoint) {
	ab := newQueue()
	ba := newQueue()
	c := newCloser()
	a = &Endpoint{out: ab, in: ba, closer: c}
	b = &Endpoint{out: ba, in: ab, closer: c}
	return a, b
}

// Send enqueues pkt for the peer endpoint. Never blocks, never drops.
func (e *Endpoint) Send(pkt []byte) {
	e.out.push(pkt)
}

// Recv blocks until a packet arrives, the endpoint is closed, or ctx is
// done, returning ok=false in the latter two cases.
func (e *Endpoint) Recv(ctx context.Context) (pkt []byte, ok bool) {
	return e.in.pop(ctx, e.closer.Closed())
}

// Close marks the wire as closed; from then on, a Recv on either
// endpoint that finds no queued packet returns ok=false. Packets already
// queued are still delivered.
func (e *Endpoint) Close() {
	e.closer.Close()
}

// Closed returns a channel that's closed once either endpoint of this
// wire has been closed.
func (e *Endpoint) Closed() <-chan struct{} {
	return e.closer.Closed()
}
