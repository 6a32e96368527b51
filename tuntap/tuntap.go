// Package tuntap wraps an OS TUN device: L3-only, no packet-information
// header, one packet per Send/Recv system call. Device creation and I/O
// are grounded on github.com/tailscale/wireguard-go's tun.Device, the
// real implementation tailscale's own net/tstun wraps, and
// address/route/admin-state configuration on
// github.com/vishvananda/netlink, the netlink-based equivalent of the
// SIOCSIFADDR/SIOCSIFFLAGS/SIOCADDRT ioctls (and the library tailscale's
// wgengine/router/router_linux.go itself uses).
package tuntap

import (
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/tailscale/wireguard-go/tun"
	"github.com/vishvananda/netlink"

	"github.com/vnetsim/vnet/addr"
)

// frameLen is the per-packet buffer size passed to the kernel: a full
// Ethernet frame's worth, though TUN delivers only the L3 payload.
const frameLen = 1500 + 14

// Device is a single TUN interface.
type Device struct {
	dev  tun.Device
	name string
}

// Create allocates a new TUN device in L3 mode and returns its kernel
// name via Name().
func Create() (*Device, error) {
	dev, err := tun.CreateTUN("vnet%d", frameLen)
	if err != nil {
		return nil, fmt.Errorf("tuntap: create: %w", err)
	}
	name, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("tuntap: name: %w", err)
	}
	return &Device{dev: dev, name: name}, nil
}

// Name returns the device's kernel interface name.
func (d *Device) Name() string { return d.name }

// SetAddr sets the device's IPv4 address and netmask-prefix-length.
func (d *Device) SetAddr(ip netip.Addr, prefixLen int) error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("tuntap: link by name %s: %w", d.name, err)
	}
	a := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(ip.AsSlice()),
		Mask: net.CIDRMask(prefixLen, 32),
	}}
	if err := netlink.AddrReplace(link, a); err != nil {
		return fmt.Errorf("tuntap: set addr %s/%d: %w", ip, prefixLen, err)
	}
	return nil
}

// Up brings the interface's admin state up.
func (d *Device) Up() error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("tuntap: link by name %s: %w", d.name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("tuntap: up: %w", err)
	}
	return nil
}

// Down brings the interface's admin state down.
func (d *Device) Down() error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("tuntap: link by name %s: %w", d.name, err)
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("tuntap: down: %w", err)
	}
	return nil
}

// AddRoute adds rt on this device, with an optional gateway.
func (d *Device) AddRoute(rt addr.Route) error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("tuntap: link by name %s: %w", d.name, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst: &net.IPNet{
			IP:   net.IP(rt.Dest.BaseAddr().AsSlice()),
			Mask: net.CIDRMask(rt.Dest.Bits(), 32),
		},
	}
	if rt.Gateway.IsValid() {
		route.Gw = net.IP(rt.Gateway.AsSlice())
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("tuntap: add route %s: %w", rt, err)
	}
	return nil
}

// Send writes one raw IP packet to the TUN, returning the number of
// packets written (1 on success).
func (d *Device) Send(pkt []byte) (int, error) {
	return d.dev.Write([][]byte{pkt}, 0)
}

// Recv reads one raw IP packet from the TUN.
func (d *Device) Recv() ([]byte, error) {
	buf := make([]byte, frameLen)
	sizes := make([]int, 1)
	n, err := d.dev.Read([][]byte{buf}, sizes, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	return buf[:sizes[0]], nil
}

// Close releases the TUN device.
func (d *Device) Close() error {
	return d.dev.Close()
}
