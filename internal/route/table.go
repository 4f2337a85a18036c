// Package route is the router's forwarding table: a longest-prefix-match
// store shared between the forwarding path, which only reads it, and route
// maintainers such as static configuration, the shell and RIP.
package route

import (
	"fmt"
	"io"
	"net/netip"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"go-srouter/internal/logging"
)

var log = logging.With("route")

// ErrNotFound is returned when deleting a route that is not installed.
var ErrNotFound = errors.New("route not found")

// Source indicates the protocol that installed the route. Its numeric value
// is the default administrative distance of that protocol.
type Source uint8

const (
	Connected Source = 0
	Static    Source = 1
	RIP       Source = 120
)

func (s Source) String() string {
	switch s {
	case Connected:
		return "C"
	case Static:
		return "S"
	case RIP:
		return "R"
	default:
		return "?"
	}
}

// Entry is one route.
type Entry struct {
	Prefix        netip.Prefix
	NextHop       netip.Addr // invalid or unspecified when directly connected
	Interface     string
	Source        Source
	AdminDistance uint8  // lower is better; zero means the source's default
	Metric        uint32 // used when AD is equal
}

// IsDirect reports whether destinations under this route are on-link.
func (e Entry) IsDirect() bool {
	return !e.NextHop.IsValid() || e.NextHop.IsUnspecified()
}

// Gateway returns the address whose hardware address a datagram for dst must
// be sent to: the next hop, or dst itself when the route is direct.
func (e Entry) Gateway(dst netip.Addr) netip.Addr {
	if e.IsDirect() || e.NextHop == dst {
		return dst
	}
	return e.NextHop
}

func (e Entry) String() string {
	via := "directly connected"
	if !e.IsDirect() {
		via = "via " + e.NextHop.String()
	}
	return fmt.Sprintf("[%s] %s %s (%s) AD=%d Metric=%d",
		e.Source, e.Prefix, via, e.Interface, e.AdminDistance, e.Metric)
}

// better reports whether a should be selected over b for a destination both
// match. Equal candidates keep the earlier one, so the first inserted wins.
func better(a, b *Entry) bool {
	if a.Prefix.Bits() != b.Prefix.Bits() {
		return a.Prefix.Bits() > b.Prefix.Bits()
	}
	if a.AdminDistance != b.AdminDistance {
		return a.AdminDistance < b.AdminDistance
	}
	return a.Metric < b.Metric
}

// Table is the routing table. Lookups take a read lock, so the forwarding
// path never blocks on other lookups. Writers either call the single-shot
// methods or group several steps under one write lock with Update.
type Table struct {
	mu     sync.RWMutex
	routes []Entry // insertion order
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// Lookup returns the best route for dst.
func (t *Table) Lookup(dst netip.Addr) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lookup(t.routes, dst)
}

// Add installs e. A route for the same prefix from the same source is
// replaced in place and keeps its position.
func (t *Table) Add(e Entry) error {
	return t.Update(func(tx *Tx) error { return tx.Add(e) })
}

// Delete removes the route for p installed by src.
func (t *Table) Delete(p netip.Prefix, src Source) error {
	return t.Update(func(tx *Tx) error { return tx.Delete(p, src) })
}

// DeleteBySource removes every route installed by src and returns how many
// were removed.
func (t *Table) DeleteBySource(src Source) int {
	var n int
	_ = t.Update(func(tx *Tx) error {
		n = tx.DeleteBySource(src)
		return nil
	})
	return n
}

// Routes returns a copy of the table in insertion order.
func (t *Table) Routes() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.routes)
}

// Update runs fn with the write lock held. Everything fn needs from the table,
// including nested scopes, must go through tx; calling Table methods from
// inside fn deadlocks. tx is only valid until fn returns.
func (t *Table) Update(fn func(tx *Tx) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx := &Tx{t: t}
	defer func() { tx.t = nil }()
	return fn(tx)
}

// Dump prints the routing table in Cisco-like format
func (t *Table) Dump(w io.Writer) {
	routes := t.Routes()

	fmt.Fprintf(w, "Legend: C=Connected, S=Static, R=RIP\n")
	fmt.Fprintf(w, "%-3s %-20s %-20s %-10s %-4s %-8s\n",
		"Src", "Destination", "Gateway", "Interface", "AD", "Metric")
	if len(routes) == 0 {
		fmt.Fprintf(w, "(empty)\n")
		return
	}
	for _, r := range routes {
		gateway := "0.0.0.0"
		if !r.IsDirect() {
			gateway = r.NextHop.String()
		}
		fmt.Fprintf(w, "%-3s %-20s %-20s %-10s %-4d %-8d\n",
			r.Source, r.Prefix, gateway, r.Interface, r.AdminDistance, r.Metric)
	}
}

// Tx is the handle for a scope opened by Table.Update. It operates on the
// table directly under the lock that scope already holds.
type Tx struct {
	t *Table
}

func (tx *Tx) table() *Table {
	if tx.t == nil {
		panic("route: Tx used outside its Update scope")
	}
	return tx.t
}

// Lookup is Table.Lookup within the scope.
func (tx *Tx) Lookup(dst netip.Addr) (Entry, bool) {
	return lookup(tx.table().routes, dst)
}

// Routes returns a copy of the table within the scope.
func (tx *Tx) Routes() []Entry {
	return slices.Clone(tx.table().routes)
}

// Add is Table.Add within the scope.
func (tx *Tx) Add(e Entry) error {
	t := tx.table()
	if !e.Prefix.IsValid() || !e.Prefix.Addr().Is4() {
		return errors.Errorf("invalid IPv4 prefix %v", e.Prefix)
	}
	if e.Interface == "" {
		return errors.Errorf("route %v has no interface", e.Prefix)
	}
	e.Prefix = e.Prefix.Masked()
	if e.AdminDistance == 0 {
		e.AdminDistance = uint8(e.Source)
	}

	for i := range t.routes {
		r := &t.routes[i]
		if r.Prefix == e.Prefix && r.Source == e.Source {
			*r = e
			log.Debugf("Updated route %s", e)
			return nil
		}
	}
	t.routes = append(t.routes, e)
	log.Debugf("Added route %s", e)
	return nil
}

// Delete is Table.Delete within the scope.
func (tx *Tx) Delete(p netip.Prefix, src Source) error {
	t := tx.table()
	p = p.Masked()
	for i, r := range t.routes {
		if r.Prefix == p && r.Source == src {
			t.routes = slices.Delete(t.routes, i, i+1)
			log.Debugf("Deleted route [%s] %s", src, p)
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "[%s] %s", src, p)
}

// DeleteBySource is Table.DeleteBySource within the scope.
func (tx *Tx) DeleteBySource(src Source) int {
	t := tx.table()
	before := len(t.routes)
	t.routes = slices.DeleteFunc(t.routes, func(r Entry) bool { return r.Source == src })
	return before - len(t.routes)
}

// Update opens a nested scope. The lock is already held, so fn simply runs
// with the same handle.
func (tx *Tx) Update(fn func(tx *Tx) error) error {
	tx.table()
	return fn(tx)
}

func lookup(routes []Entry, dst netip.Addr) (Entry, bool) {
	var best *Entry
	for i := range routes {
		r := &routes[i]
		if !r.Prefix.Contains(dst) {
			continue
		}
		if best == nil || better(r, best) {
			best = r
		}
	}
	if best == nil {
		return Entry{}, false
	}
	return *best, true
}
