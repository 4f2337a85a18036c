package link

import (
	"context"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"go-srouter/internal/logging"
)

var log = logging.With("link")

// maxFrame bounds a single datagram read. Emulated links carry one Ethernet
// frame per UDP datagram.
const maxFrame = 65535

// pollTimeoutMs is how often a receiver wakes up to notice cancellation.
const pollTimeoutMs = 100

// Endpoint is one emulated wire: a local UDP address to receive on and the
// peer address frames are sent to.
type Endpoint struct {
	Listen netip.AddrPort
	Peer   netip.AddrPort
}

type port struct {
	name string
	fd   int

	mu   sync.RWMutex
	peer unix.SockaddrInet4
}

// UDPWire emulates point-to-point Ethernet links over UDP on IPv4. Each
// interface owns a socket bound to its Listen address.
type UDPWire struct {
	ports map[string]*port
}

func sockaddr(ap netip.AddrPort) (unix.SockaddrInet4, error) {
	if !ap.Addr().Is4() {
		return unix.SockaddrInet4{}, errors.Errorf("%v is not an IPv4 address", ap)
	}
	return unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}, nil
}

func openPort(name string, ep Endpoint) (*port, error) {
	local, err := sockaddr(ep.Listen)
	if err != nil {
		return nil, errors.Wrapf(err, "interface %s listen", name)
	}
	peer, err := sockaddr(ep.Peer)
	if err != nil {
		return nil, errors.Wrapf(err, "interface %s peer", name)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create UDP socket")
	}
	if err := unix.Bind(fd, &local); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "failed to bind socket to %v", ep.Listen)
	}
	log.Infof("Interface %s: UDP socket on %v -> %v (fd: %d)", name, ep.Listen, ep.Peer, fd)
	return &port{name: name, fd: fd, peer: peer}, nil
}

// OpenUDP binds one socket per endpoint. On error nothing is left open.
func OpenUDP(endpoints map[string]Endpoint) (*UDPWire, error) {
	w := &UDPWire{ports: make(map[string]*port, len(endpoints))}
	for name, ep := range endpoints {
		p, err := openPort(name, ep)
		if err != nil {
			w.Close()
			return nil, err
		}
		w.ports[name] = p
	}
	return w, nil
}

// LocalAddr returns the address the interface's socket is bound to.
func (w *UDPWire) LocalAddr(iface string) (netip.AddrPort, error) {
	p, ok := w.ports[iface]
	if !ok {
		return netip.AddrPort{}, errors.Errorf("unknown interface %s", iface)
	}
	sa, err := unix.Getsockname(p.fd)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(err, "getsockname %s", iface)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, errors.Errorf("interface %s: unexpected socket address type", iface)
	}
	return netip.AddrPortFrom(netip.AddrFrom4(in4.Addr), uint16(in4.Port)), nil
}

// SetPeer changes where frames sent on iface go.
func (w *UDPWire) SetPeer(iface string, peer netip.AddrPort) error {
	p, ok := w.ports[iface]
	if !ok {
		return errors.Errorf("unknown interface %s", iface)
	}
	sa, err := sockaddr(peer)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.peer = sa
	p.mu.Unlock()
	return nil
}

// Transmit sends frame to the interface's peer.
func (w *UDPWire) Transmit(frame []byte, iface string) error {
	p, ok := w.ports[iface]
	if !ok {
		return errors.Errorf("unknown interface %s", iface)
	}
	p.mu.RLock()
	peer := p.peer
	p.mu.RUnlock()

	if err := unix.Sendto(p.fd, frame, 0, &peer); err != nil {
		return errors.Wrapf(err, "failed to send %d bytes on %s", len(frame), iface)
	}
	return nil
}

// Serve receives on every interface and hands each frame to h until ctx is
// done. Receivers run concurrently, one per interface.
func (w *UDPWire) Serve(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range w.ports {
		g.Go(func() error { return p.receive(ctx, h) })
	}
	return g.Wait()
}

func (p *port) receive(ctx context.Context, h Handler) error {
	log.Infof("Started receiving on %s", p.name)
	buf := make([]byte, maxFrame)
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}

	for {
		if ctx.Err() != nil {
			log.Infof("Stopping receive on %s", p.name)
			return nil
		}

		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrapf(err, "poll on %s", p.name)
		}
		if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, _, err = unix.Recvfrom(p.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			log.Errorf("Error receiving on %s: %v", p.name, err)
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		h.HandleFrame(frame, p.name)
	}
}

// Close releases every socket.
func (w *UDPWire) Close() error {
	var first error
	for name, p := range w.ports {
		if err := unix.Close(p.fd); err != nil && first == nil {
			first = errors.Wrapf(err, "close %s", name)
		}
	}
	return first
}
