// Package netif describes the router's interfaces. The set is fixed at
// startup, so a Directory is safe for concurrent reads without locking.
package netif

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/pkg/errors"

	"go-srouter/internal/wire"
)

// Interface is one router port: a name, a hardware address and an IPv4
// address with its prefix length.
type Interface struct {
	Name      string
	MAC       wire.MAC
	IP        netip.Addr
	PrefixLen int
}

// Prefix returns the connected network of the interface.
func (intf *Interface) Prefix() netip.Prefix {
	return netip.PrefixFrom(intf.IP, intf.PrefixLen).Masked()
}

func (intf *Interface) String() string {
	return fmt.Sprintf("%s %s/%d %s", intf.Name, intf.IP, intf.PrefixLen, intf.MAC)
}

// Directory resolves interfaces by name and by address.
type Directory struct {
	list   []*Interface
	byName map[string]*Interface
	byIP   map[netip.Addr]*Interface
}

// NewDirectory indexes ifaces. Names and addresses must be unique and every
// address must be IPv4 with a prefix length in [0, 32].
func NewDirectory(ifaces []Interface) (*Directory, error) {
	d := &Directory{
		byName: make(map[string]*Interface, len(ifaces)),
		byIP:   make(map[netip.Addr]*Interface, len(ifaces)),
	}
	for i := range ifaces {
		intf := ifaces[i]
		if intf.Name == "" {
			return nil, errors.Errorf("interface %d has no name", i)
		}
		if !intf.IP.Is4() {
			return nil, errors.Errorf("interface %s: %v is not an IPv4 address", intf.Name, intf.IP)
		}
		if intf.PrefixLen < 0 || intf.PrefixLen > 32 {
			return nil, errors.Errorf("interface %s: bad prefix length %d", intf.Name, intf.PrefixLen)
		}
		if _, dup := d.byName[intf.Name]; dup {
			return nil, errors.Errorf("duplicate interface name %s", intf.Name)
		}
		if other, dup := d.byIP[intf.IP]; dup {
			return nil, errors.Errorf("interface %s: address %v already used by %s", intf.Name, intf.IP, other.Name)
		}
		p := &intf
		d.list = append(d.list, p)
		d.byName[p.Name] = p
		d.byIP[p.IP] = p
	}
	return d, nil
}

// ByName returns the interface called name.
func (d *Directory) ByName(name string) (*Interface, bool) {
	intf, ok := d.byName[name]
	return intf, ok
}

// ByIP returns the interface that owns ip.
func (d *Directory) ByIP(ip netip.Addr) (*Interface, bool) {
	intf, ok := d.byIP[ip]
	return intf, ok
}

// IsLocal reports whether ip is one of the router's own addresses.
func (d *Directory) IsLocal(ip netip.Addr) bool {
	_, ok := d.byIP[ip]
	return ok
}

// MatchingSubnet returns the first interface whose connected network
// contains ip.
func (d *Directory) MatchingSubnet(ip netip.Addr) (*Interface, bool) {
	for _, intf := range d.list {
		if intf.Prefix().Contains(ip) {
			return intf, true
		}
	}
	return nil, false
}

// All returns the interfaces in configuration order.
func (d *Directory) All() []*Interface {
	out := make([]*Interface, len(d.list))
	copy(out, d.list)
	return out
}

// Dump writes one line per interface.
func (d *Directory) Dump(w io.Writer) {
	fmt.Fprintf(w, "%-10s %-18s %-20s\n", "Interface", "Address", "MAC")
	for _, intf := range d.list {
		addr := fmt.Sprintf("%s/%d", intf.IP, intf.PrefixLen)
		fmt.Fprintf(w, "%-10s %-18s %-20s\n", intf.Name, addr, intf.MAC)
	}
}
