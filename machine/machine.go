// Package machine spawns a host process in its own network namespace
// with a TUN wired to a link endpoint, and bridges its stdin/stdout to
// typed command/event streams.
//
// Machine owns a dedicated OS thread, never a pooled goroutine, because
// network namespace membership is per-thread in the kernel: moving the
// work onto a shared pool would corrupt the namespace of unrelated
// goroutines scheduled onto the same thread afterwards.
package machine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/vnetsim/vnet/addr"
	"github.com/vnetsim/vnet/internal/vlog"
	"github.com/vnetsim/vnet/link"
	"github.com/vnetsim/vnet/netns"
	"github.com/vnetsim/vnet/packet"
	"github.com/vnetsim/vnet/tuntap"
)

// Command is an application-defined textual token sent to the child's
// stdin, one per line.
type Command interface {
	String() string
}

// Raw is the simplest Command: a literal line.
type Raw string

func (r Raw) String() string { return string(r) }

// EventParser turns one stdout line beginning with "<" into a typed
// event. The line-framing and serialization scheme itself is left to
// the caller; this is the one hook through which that choice enters
// Machine.
type EventParser[E any] func(line string) (E, error)

// Config configures a Machine's child process and event decoding.
type Config[E any] struct {
	// Argv is the child's argv, argv[0] included.
	Argv []string
	Env  []string
	// PeerAddr, if valid, is appended to Argv as the child's first
	// extra command-line argument: the peer's IPv4 address, when the
	// topology provides one.
	PeerAddr netip.Addr

	ParseEvent EventParser[E]
	Logf       vlog.Logf
}

type ctrlKind int

const (
	ctrlUp ctrlKind = iota
	ctrlDown
	ctrlSetAddr
	ctrlExit
)

type ctrlMsg struct {
	kind      ctrlKind
	addr      netip.Addr
	prefixLen int
	ack       chan error
}

// Machine is a handle to a spawned child process running in its own
// network namespace, connected to the rest of the topology through a
// link endpoint.
type Machine[E any] struct {
	id  string
	cfg Config[E]

	plug *link.Endpoint

	cmdCh  chan Command
	ctrlCh chan ctrlMsg

	live  *liveQueue[E]
	bufMu sync.Mutex
	buf   []E

	readyErr chan error
	doneCh   chan struct{}

	mu      sync.Mutex
	runErr  error
	nsH     netns.Handle
	tun     *tuntap.Device
	cmd     *exec.Cmd
	stdin   io.WriteCloser
}

// Spawn starts the child and blocks until either it has successfully
// started (spawn failures surface here, synchronously) or construction
// fails for some other reason (namespace or TUN setup).
func Spawn[E any](ctx context.Context, id string, plug *link.Endpoint, cfg Config[E]) (*Machine[E], error) {
	if cfg.Logf == nil {
		cfg.Logf = vlog.Discard
	}
	if cfg.ParseEvent == nil {
		return nil, fmt.Errorf("machine: Config.ParseEvent is required")
	}
	m := &Machine[E]{
		id:       id,
		cfg:      cfg,
		plug:     plug,
		cmdCh:    make(chan Command, 256),
		ctrlCh:   make(chan ctrlMsg),
		live:     newLiveQueue[E](),
		readyErr: make(chan error, 1),
		doneCh:   make(chan struct{}),
	}
	go m.run(ctx)
	if err := <-m.readyErr; err != nil {
		return nil, err
	}
	return m, nil
}

// ID returns the machine's orchestrator-assigned identifier.
func (m *Machine[E]) ID() string { return m.id }

// Namespace returns the network namespace handle this machine's child
// runs in, for out-of-band tools like nsenter.
func (m *Machine[E]) Namespace() netns.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nsH
}

// Send enqueues a command for delivery to the child's stdin. Infallible
// unless the worker has already exited, in which case it's a silent
// no-op; the caller observes the exit through Err()/Close() instead.
func (m *Machine[E]) Send(cmd Command) {
	select {
	case m.cmdCh <- cmd:
	case <-m.doneCh:
	}
}

// Up brings the machine's TUN interface admin-up.
func (m *Machine[E]) Up(ctx context.Context) error {
	return m.control(ctx, ctrlMsg{kind: ctrlUp})
}

// Down brings the machine's TUN interface admin-down.
func (m *Machine[E]) Down(ctx context.Context) error {
	return m.control(ctx, ctrlMsg{kind: ctrlDown})
}

// SetAddr asynchronously reconfigures the TUN's address and netmask
// prefix length, bringing the interface up and adding a default route
// for 0.0.0.0/0. It completes only after the control task has finished
// applying it.
func (m *Machine[E]) SetAddr(ctx context.Context, ip netip.Addr, prefixLen int) error {
	return m.control(ctx, ctrlMsg{kind: ctrlSetAddr, addr: ip, prefixLen: prefixLen})
}

func (m *Machine[E]) control(ctx context.Context, msg ctrlMsg) error {
	msg.ack = make(chan error, 1)
	select {
	case m.ctrlCh <- msg:
	case <-m.doneCh:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.ack:
		return err
	case <-m.doneCh:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the fatal error, if any, that ended the machine's worker.
func (m *Machine[E]) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runErr
}

// Close signals Exit, kills the child, and joins the worker thread. It
// blocks until the worker has fully exited.
func (m *Machine[E]) Close() error {
	select {
	case m.ctrlCh <- ctrlMsg{kind: ctrlExit, ack: make(chan error, 1)}:
	case <-m.doneCh:
	}
	<-m.doneCh
	return m.Err()
}

// run is the body of the machine's dedicated OS thread.
func (m *Machine[E]) run(ctx context.Context) {
	defer close(m.doneCh)

	// The thread is never unlocked: after Unshare it belongs to the
	// machine's namespace, and the runtime discards a locked thread when
	// its goroutine exits instead of returning it to the pool.
	runtime.LockOSThread()

	h, err := netns.Unshare()
	if err != nil {
		m.readyErr <- fmt.Errorf("machine %s: unshare namespace: %w", m.id, err)
		return
	}
	m.mu.Lock()
	m.nsH = h
	m.mu.Unlock()

	tun, err := tuntap.Create()
	if err != nil {
		m.readyErr <- fmt.Errorf("machine %s: create tun: %w", m.id, err)
		return
	}
	m.mu.Lock()
	m.tun = tun
	m.mu.Unlock()
	defer tun.Close()

	argv := append([]string{}, m.cfg.Argv...)
	if m.cfg.PeerAddr.IsValid() {
		argv = append(argv, m.cfg.PeerAddr.String())
	}
	if len(argv) == 0 {
		m.readyErr <- fmt.Errorf("machine %s: empty Argv", m.id)
		return
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = m.cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		m.readyErr <- fmt.Errorf("machine %s: stdin pipe: %w", m.id, err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.readyErr <- fmt.Errorf("machine %s: stdout pipe: %w", m.id, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.readyErr <- fmt.Errorf("machine %s: stderr pipe: %w", m.id, err)
		return
	}

	if err := cmd.Start(); err != nil {
		m.readyErr <- fmt.Errorf("machine %s: spawn child: %w", m.id, err)
		return
	}
	m.mu.Lock()
	m.cmd = cmd
	m.stdin = stdin
	m.mu.Unlock()

	// Only now that the child has been spawned do we resolve success,
	// so spawn failures above surface as errors to the caller rather
	// than a machine that's already "ready".
	m.readyErr <- nil

	runErr := m.runTasks(ctx, stdout, stderr)

	m.mu.Lock()
	m.runErr = runErr
	m.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		cmd.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(3 * time.Second):
	}
}

// runTasks runs the machine's five cooperative tasks until any one
// terminates, then kills the child and tears the rest down.
func (m *Machine[E]) runTasks(ctx context.Context, stdout, stderr io.Reader) error {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := []func(context.Context) error{
		m.controlTask,
		m.readerTask,
		m.writerTask,
		m.commandTask,
		func(c context.Context) error { return m.eventTask(c, stdout, stderr) },
	}

	errc := make(chan error, len(tasks))
	for _, t := range tasks {
		t := t
		go func() { errc <- t(tctx) }()
	}

	firstErr := <-errc
	cancel()

	m.mu.Lock()
	cmd := m.cmd
	tun := m.tun
	m.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	if tun != nil {
		tun.Close()
	}
	m.plug.Close()

	for i := 1; i < len(tasks); i++ {
		<-errc
	}
	return firstErr
}

func (m *Machine[E]) controlTask(ctx context.Context) error {
	// Interface configuration goes through netlink, which acts on the
	// calling thread's namespace, so this task pins its own thread inside
	// the machine's namespace; the thread is discarded when it returns.
	runtime.LockOSThread()
	if err := netns.Enter(m.Namespace()); err != nil {
		return fmt.Errorf("machine %s: enter namespace: %w", m.id, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-m.ctrlCh:
			if msg.kind == ctrlExit {
				msg.ack <- nil
				return nil
			}
			msg.ack <- m.applyCtrl(msg)
		}
	}
}

func (m *Machine[E]) applyCtrl(msg ctrlMsg) error {
	m.mu.Lock()
	tun := m.tun
	m.mu.Unlock()
	switch msg.kind {
	case ctrlUp:
		return tun.Up()
	case ctrlDown:
		return tun.Down()
	case ctrlSetAddr:
		if err := tun.SetAddr(msg.addr, msg.prefixLen); err != nil {
			return err
		}
		if err := tun.Up(); err != nil {
			return err
		}
		return tun.AddRoute(addr.Route{Dest: addr.NewRange(netip.IPv4Unspecified(), 0)})
	default:
		return fmt.Errorf("machine: unknown control message kind %d", msg.kind)
	}
}

func (m *Machine[E]) readerTask(ctx context.Context) error {
	m.mu.Lock()
	tun := m.tun
	m.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := tun.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("machine %s: tun read: %w", m.id, err)
		}
		if len(raw) < 1 || raw[0]>>4 != 4 {
			continue // drop non-IPv4
		}
		if v, ok := packet.Parse(raw); ok {
			v.SetChecksum()
		}
		m.plug.Send(raw)
	}
}

func (m *Machine[E]) writerTask(ctx context.Context) error {
	m.mu.Lock()
	tun := m.tun
	m.mu.Unlock()
	for {
		pkt, ok := m.plug.Recv(ctx)
		if !ok {
			return nil
		}
		n, err := tun.Send(pkt)
		if err != nil {
			m.cfg.Logf("machine %s: tun write: %v", m.id, err)
			continue
		}
		if n == 0 {
			return fmt.Errorf("machine %s: tun write wrote no packet", m.id)
		}
	}
}

func (m *Machine[E]) commandTask(ctx context.Context) error {
	m.mu.Lock()
	stdin := m.stdin
	m.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-m.cmdCh:
			if _, err := io.WriteString(stdin, cmd.String()+"\n"); err != nil {
				return fmt.Errorf("machine %s: write command: %w", m.id, err)
			}
		}
	}
}

func (m *Machine[E]) eventTask(ctx context.Context, stdout, stderr io.Reader) error {
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			m.cfg.Logf("%s!: %s", m.id, sc.Text())
		}
	}()

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "<") {
			ev, err := m.cfg.ParseEvent(line)
			if err != nil {
				return fmt.Errorf("machine %s: parse event %q: %w", m.id, line, err)
			}
			m.live.push(ev)
			continue
		}
		m.cfg.Logf("%s: %s", m.id, line)
	}
	<-stderrDone
	return sc.Err()
}
