package machine

import "context"

// liveQueue is an unbounded FIFO of events, mirroring link.queue but
// generic over the event type, since Machine's inbound event stream has
// the same "never blocks on push" requirement as a packet wire.
type liveQueue[E any] struct {
	mu     chan struct{} // 1-buffered mutex, zero-alloc init via make below
	items  []E
	notify chan struct{}
}

func newLiveQueue[E any]() *liveQueue[E] {
	q := &liveQueue[E]{mu: make(chan struct{}, 1), notify: make(chan struct{}, 1)}
	q.mu <- struct{}{}
	return q
}

func (q *liveQueue[E]) lock()   { <-q.mu }
func (q *liveQueue[E]) unlock() { q.mu <- struct{}{} }

func (q *liveQueue[E]) push(e E) {
	q.lock()
	q.items = append(q.items, e)
	q.unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an event is available, ctx is done, or closed fires.
func (q *liveQueue[E]) pop(ctx context.Context, closed <-chan struct{}) (e E, ok bool) {
	for {
		q.lock()
		if len(q.items) > 0 {
			e = q.items[0]
			q.items = q.items[1:]
			q.unlock()
			return e, true
		}
		q.unlock()

		select {
		case <-q.notify:
			continue
		case <-closed:
			return e, false
		case <-ctx.Done():
			return e, false
		}
	}
}

// tryPop returns the next event without blocking, or ok=false if none
// is immediately available.
func (q *liveQueue[E]) tryPop() (e E, ok bool) {
	q.lock()
	defer q.unlock()
	if len(q.items) == 0 {
		return e, false
	}
	e = q.items[0]
	q.items = q.items[1:]
	return e, true
}

// Recv returns the next event, considering the selective-receive buffer
// first.
func (m *Machine[E]) Recv(ctx context.Context) (E, bool) {
	m.bufMu.Lock()
	if len(m.buf) > 0 {
		e := m.buf[0]
		m.buf = m.buf[1:]
		m.bufMu.Unlock()
		return e, true
	}
	m.bufMu.Unlock()
	return m.live.pop(ctx, m.doneCh)
}

// Select scans the selective-receive buffer, then the live stream, for
// the first event for which pred yields a result; matching events are
// removed, non-matching ones are appended to the buffer, preserving
// FIFO order among unhandled events.
func Select[E, R any](m *Machine[E], ctx context.Context, pred func(E) (R, bool)) (R, bool) {
	return selectImpl(m, ctx, pred, false)
}

// SelectDraining is like Select but discards non-matching events
// instead of buffering them.
func SelectDraining[E, R any](m *Machine[E], ctx context.Context, pred func(E) (R, bool)) (R, bool) {
	return selectImpl(m, ctx, pred, true)
}

func selectImpl[E, R any](m *Machine[E], ctx context.Context, pred func(E) (R, bool), draining bool) (R, bool) {
	var zero R

	m.bufMu.Lock()
	for i, e := range m.buf {
		if r, ok := pred(e); ok {
			if draining {
				m.buf = append([]E(nil), m.buf[i+1:]...)
			} else {
				m.buf = append(m.buf[:i:i], m.buf[i+1:]...)
			}
			m.bufMu.Unlock()
			return r, true
		}
	}
	m.bufMu.Unlock()

	for {
		e, ok := m.live.pop(ctx, m.doneCh)
		if !ok {
			return zero, false
		}
		if r, ok := pred(e); ok {
			return r, true
		}
		if !draining {
			m.bufMu.Lock()
			m.buf = append(m.buf, e)
			m.bufMu.Unlock()
		}
	}
}

// Drain takes and returns every buffered or immediately-available event.
func (m *Machine[E]) Drain() []E {
	m.bufMu.Lock()
	out := m.buf
	m.buf = nil
	m.bufMu.Unlock()

	for {
		e, ok := m.live.tryPop()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}
