// Package netutil watches network interface state and maps sockets to the
// interface that carries them.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

var (
	ErrUnsupported      = errors.New("netutil: link monitoring not supported on this platform")
	ErrNoInterface      = errors.New("netutil: no interface owns the local address")
	ErrMalformedMessage = errors.New("netutil: malformed netlink message")
)

// LinkEvent reports that an interface went up or down.
type LinkEvent struct {
	Index int
	Name  string
	Up    bool
}

func (e LinkEvent) String() string {
	state := "down"
	if e.Up {
		state = "up"
	}
	return fmt.Sprintf("%s(%d) %s", e.Name, e.Index, state)
}

// linkTracker remembers the last known state per interface so only
// transitions are reported.
type linkTracker struct {
	up map[int]bool
}

func newLinkTracker() *linkTracker {
	return &linkTracker{up: make(map[int]bool)}
}

// observe returns the event to emit for u, if u changes anything.
func (t *linkTracker) observe(u LinkEvent) (LinkEvent, bool) {
	prev, known := t.up[u.Index]
	if known && prev == u.Up {
		return LinkEvent{}, false
	}
	t.up[u.Index] = u.Up
	return u, true
}

func (t *linkTracker) forget(index int) {
	delete(t.up, index)
}

// InterfaceForConn returns the index and name of the interface whose address
// matches conn's local address.
func InterfaceForConn(conn net.Conn) (int, string, error) {
	local, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return 0, "", fmt.Errorf("netutil: local address %q: %w", conn.LocalAddr(), err)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, "", fmt.Errorf("netutil: list interfaces: %w", err)
	}
	return matchInterface(local.Addr().Unmap(), ifaces, func(ifc net.Interface) ([]net.Addr, error) {
		return ifc.Addrs()
	})
}

func matchInterface(ip netip.Addr, ifaces []net.Interface, addrs func(net.Interface) ([]net.Addr, error)) (int, string, error) {
	for _, ifc := range ifaces {
		list, err := addrs(ifc)
		if err != nil {
			continue
		}
		for _, a := range list {
			prefix, err := netip.ParsePrefix(a.String())
			if err != nil {
				continue
			}
			if prefix.Addr().Unmap() == ip {
				return ifc.Index, ifc.Name, nil
			}
		}
	}
	return 0, "", fmt.Errorf("%w: %s", ErrNoInterface, ip)
}
