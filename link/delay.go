package link

import (
	"context"
	"time"
)

// pending is one packet awaiting release on a DelayBuffer direction.
type pending struct {
	pkt       []byte
	releaseAt time.Time
}

// direction is one FIFO of pending packets flowing one way through a
// DelayBuffer. Because delay is constant and arrivals are processed in
// order, releaseAt is non-decreasing, so a plain slice used as a queue
// is sufficient, no reordering, no heap required.
type direction struct {
	q          []pending
	queuedBytes int
}

func (d *direction) enqueue(pkt []byte, delay time.Duration, maxBytes int, now time.Time) (dropped bool) {
	if d.queuedBytes+len(pkt) >= maxBytes {
		return true
	}
	d.q = append(d.q, pending{pkt: pkt, releaseAt: now.Add(delay)})
	d.queuedBytes += len(pkt)
	return false
}

// releaseDue pops every head packet whose releaseAt <= now, in order.
func (d *direction) releaseDue(now time.Time) [][]byte {
	var out [][]byte
	for len(d.q) > 0 && !d.q[0].releaseAt.After(now) {
		out = append(out, d.q[0].pkt)
		d.queuedBytes -= len(d.q[0].pkt)
		d.q = d.q[1:]
	}
	return out
}

func (d *direction) nextRelease() (time.Time, bool) {
	if len(d.q) == 0 {
		return time.Time{}, false
	}
	return d.q[0].releaseAt, true
}

// DelayBuffer splices a latency- and byte-bounded queue onto one side of
// a Wire. It owns a background goroutine running a single event loop:
// packets arriving on each direction, and a deadline timer that releases
// every head packet whose scheduled time has passed and re-arms to the
// next pending release (or goes idle).
//
// NewDelayBuffer takes the endpoint that should sit behind the delay
// (inner) and returns a new endpoint (outer) for the caller to use in
// its place; packets crossing between outer and inner are delayed by
// delay and dropped if the outbound queue would reach or exceed
// maxBytesQueued.
func NewDelayBuffer(ctx context.Context, inner *Endpoint, delay time.Duration, maxBytesQueued int) *Endpoint {
	outerSide, callerSide := Wire()

	go func() {
		toInner := &direction{}   // packets from caller, delayed before reaching inner
		toCaller := &direction{}  // packets from inner, delayed before reaching caller

		timer := time.NewTimer(time.Hour)
		if !timer.Stop() {
			<-timer.C
		}
		armed := false

		rearm := func() {
			next, ok1 := toInner.nextRelease()
			other, ok2 := toCaller.nextRelease()
			if ok2 && (!ok1 || other.Before(next)) {
				next, ok1 = other, true
			}
			if armed {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				armed = false
			}
			if ok1 {
				d := time.Until(next)
				if d < 0 {
					d = 0
				}
				timer.Reset(d)
				armed = true
			}
		}

		fromCaller := make(chan []byte)
		fromInner := make(chan []byte)
		go pump(ctx, outerSide, fromCaller)
		go pump(ctx, inner, fromInner)

		for {
			select {
			case <-ctx.Done():
				return
			case <-outerSide.Closed():
				inner.Close()
				return
			case <-inner.Closed():
				outerSide.Close()
				return
			case pkt, ok := <-fromCaller:
				if !ok {
					continue
				}
				was := len(toInner.q) == 0
				if toInner.enqueue(pkt, delay, maxBytesQueued, time.Now()) {
					continue // silently dropped
				}
				if was {
					rearm()
				}
			case pkt, ok := <-fromInner:
				if !ok {
					continue
				}
				was := len(toCaller.q) == 0
				if toCaller.enqueue(pkt, delay, maxBytesQueued, time.Now()) {
					continue
				}
				if was {
					rearm()
				}
			case <-timer.C:
				armed = false
				now := time.Now()
				for _, pkt := range toInner.releaseDue(now) {
					inner.Send(pkt)
				}
				for _, pkt := range toCaller.releaseDue(now) {
					outerSide.Send(pkt)
				}
				rearm()
			}
		}
	}()

	return callerSide
}

// pump forwards every packet received on e into ch until e closes or ctx
// is done.
func pump(ctx context.Context, e *Endpoint, ch chan<- []byte) {
	for {
		pkt, ok := e.Recv(ctx)
		if !ok {
			return
		}
		select {
		case ch <- pkt:
		case <-ctx.Done():
			return
		}
	}
}
