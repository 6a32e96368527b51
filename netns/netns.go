// Package netns implements namespace isolation primitives: unsharing a
// user namespace (so the process can create further namespaces
// unprivileged), unsharing a network+UTS namespace for a Machine, and
// scoped entry that restores the previous namespace on every exit path.
//
// Grounded on github.com/vishvananda/netns (Get/Set/NsHandle, entry and
// lookup of an existing namespace) plus golang.org/x/sys/unix directly
// for namespace *creation* (unshare(2) and the uid_map/gid_map/setgroups
// dance), since no higher-level library in this module's dependency
// graph covers creating a user namespace.
package netns

import (
	"fmt"
	"os"

	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/vnetsim/vnet/internal/vlog"
)

// Handle identifies a network namespace created by Unshare. Its display
// form is the kernel path to the namespace inode, for use by external
// tools like nsenter.
type Handle struct {
	ns  netns.NsHandle
	pid int
	tid int
}

func (h Handle) String() string {
	return fmt.Sprintf("/proc/%d/task/%d/ns/net", h.pid, h.tid)
}

// UnshareUser creates a new user namespace and configures the calling
// thread to act as uid 0 inside it, by writing "0 <uid> 1" to uid_map,
// "deny" to setgroups, and "0 <gid> 1" to gid_map. Must be called from a
// thread that has already called runtime.LockOSThread, since namespace
// membership is per-thread.
func UnshareUser() error {
	uid := os.Getuid()
	gid := os.Getgid()

	if err := unix.Unshare(unix.CLONE_NEWUSER); err != nil {
		return fmt.Errorf("netns: unshare user namespace: %w", err)
	}
	if err := os.WriteFile("/proc/self/setgroups", []byte("deny"), 0o644); err != nil {
		return fmt.Errorf("netns: write setgroups: %w", err)
	}
	if err := os.WriteFile("/proc/self/uid_map", []byte(fmt.Sprintf("0 %d 1", uid)), 0o644); err != nil {
		return fmt.Errorf("netns: write uid_map: %w", err)
	}
	if err := os.WriteFile("/proc/self/gid_map", []byte(fmt.Sprintf("0 %d 1", gid)), 0o644); err != nil {
		return fmt.Errorf("netns: write gid_map: %w", err)
	}
	return nil
}

// Unshare creates a new network and UTS namespace for the calling
// thread and returns a Handle identifying it. Must be called from a
// thread that has already called runtime.LockOSThread.
func Unshare() (Handle, error) {
	pid := os.Getpid()
	tid := unix.Gettid()

	if err := unix.Unshare(unix.CLONE_NEWNET | unix.CLONE_NEWUTS); err != nil {
		return Handle{}, fmt.Errorf("netns: unshare net+uts namespace: %w", err)
	}
	ns, err := netns.Get()
	if err != nil {
		return Handle{}, fmt.Errorf("netns: get handle of new namespace: %w", err)
	}
	return Handle{ns: ns, pid: pid, tid: tid}, nil
}

// Enter joins h in the current thread. The caller is responsible for
// thread affinity (runtime.LockOSThread).
func Enter(h Handle) error {
	if err := netns.Set(h.ns); err != nil {
		return fmt.Errorf("netns: enter %s: %w", h, err)
	}
	return nil
}

// Guard is a scoped namespace entry: Close restores whatever namespace
// was active before EnterScoped, on every exit path, best-effort.
type Guard struct {
	prev netns.NsHandle
	logf vlog.Logf
}

// EnterScoped records the thread's current namespace, enters h, and
// returns a Guard whose Close restores the original namespace.
func EnterScoped(h Handle, logf vlog.Logf) (*Guard, error) {
	if logf == nil {
		logf = vlog.Discard
	}
	prev, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("netns: capture current namespace: %w", err)
	}
	if err := netns.Set(h.ns); err != nil {
		prev.Close()
		return nil, fmt.Errorf("netns: enter %s: %w", h, err)
	}
	return &Guard{prev: prev, logf: logf}, nil
}

// Close restores the namespace captured by EnterScoped, best-effort.
// Failure is logged, not returned.
func (g *Guard) Close() {
	defer g.prev.Close()
	if err := netns.Set(g.prev); err != nil {
		g.logf("netns: restoring previous namespace: %v", err)
	}
}
