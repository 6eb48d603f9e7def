package network

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/iena-monitor/internal/monitoring"
)

// MaxDatagramSize is the receive buffer length used per datagram.
const MaxDatagramSize = 65535

// MulticastConfig configures a MulticastTransport.
type MulticastConfig struct {
	// Groups lists the IPv4 multicast groups to join. An empty list binds
	// the port without joining, receiving unicast and broadcast only.
	Groups []netip.Addr
	Port   int
	// Interface is the local address of the interface to join on. The zero
	// Addr joins on every multicast-capable interface.
	Interface netip.Addr
	// ReadBuffer sets SO_RCVBUF when positive.
	ReadBuffer int

	SocketFactory SocketFactory
	Interfaces    InterfaceProvider
}

type membership struct {
	ifi   *net.Interface
	group netip.Addr
}

// MulticastTransport is a UDP socket bound to 0.0.0.0:port and joined to one
// or more multicast groups.
type MulticastTransport struct {
	sock        PacketSocket
	port        int
	memberships []membership
	buf         []byte

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// Open binds the port and joins every configured group.
func Open(cfg MulticastConfig) (*MulticastTransport, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, &TransportError{Op: "listen", Err: fmt.Errorf("port %d out of range", cfg.Port)}
	}
	for _, g := range cfg.Groups {
		if !g.Is4() || !g.IsMulticast() {
			return nil, &TransportError{Op: "join", Addr: g.String(), Err: errors.New("not an IPv4 multicast address")}
		}
	}
	factory := cfg.SocketFactory
	if factory == nil {
		factory = NewRealSocketFactory()
	}
	provider := cfg.Interfaces
	if provider == nil {
		provider = SystemInterfaces{}
	}

	sock, err := factory.ListenPacket(cfg.Port)
	if err != nil {
		return nil, &TransportError{Op: "listen", Addr: fmt.Sprintf(":%d", cfg.Port), Err: err}
	}
	t := &MulticastTransport{
		sock: sock,
		port: cfg.Port,
		buf:  make([]byte, MaxDatagramSize),
	}

	if cfg.ReadBuffer > 0 {
		if err := sock.SetReadBuffer(cfg.ReadBuffer); err != nil {
			monitoring.Logf("warning: failed to set read buffer to %d: %v", cfg.ReadBuffer, err)
		}
	}

	if len(cfg.Groups) > 0 {
		if err := t.join(cfg, provider); err != nil {
			t.Close()
			return nil, err
		}
	}

	monitoring.Logf("listening on :%d, joined %d group membership(s)", cfg.Port, len(t.memberships))
	return t, nil
}

func (t *MulticastTransport) join(cfg MulticastConfig, provider InterfaceProvider) error {
	if cfg.Interface.IsValid() {
		ifi, err := InterfaceForAddr(provider, cfg.Interface)
		if err != nil {
			return &TransportError{Op: "join", Addr: cfg.Interface.String(), Err: err}
		}
		for _, g := range cfg.Groups {
			if err := t.sock.JoinGroup(ifi, net.IP(g.AsSlice())); err != nil {
				return &TransportError{Op: "join", Addr: fmt.Sprintf("%s on %s", g, ifi.Name), Err: err}
			}
			t.memberships = append(t.memberships, membership{ifi: ifi, group: g})
		}
		return nil
	}

	ifaces, err := MulticastInterfaces(provider)
	if err != nil {
		monitoring.Logf("warning: cannot enumerate interfaces, using OS default: %v", err)
		ifaces = nil
	}
	if len(ifaces) == 0 {
		for _, g := range cfg.Groups {
			if err := t.sock.JoinGroup(nil, net.IP(g.AsSlice())); err != nil {
				return &TransportError{Op: "join", Addr: g.String(), Err: err}
			}
			t.memberships = append(t.memberships, membership{group: g})
		}
		return nil
	}

	for _, g := range cfg.Groups {
		var errs []error
		joined := 0
		for i := range ifaces {
			ifi := &ifaces[i]
			if err := t.sock.JoinGroup(ifi, net.IP(g.AsSlice())); err != nil {
				monitoring.Logf("warning: join %s on %s failed: %v", g, ifi.Name, err)
				errs = append(errs, fmt.Errorf("%s: %w", ifi.Name, err))
				continue
			}
			monitoring.Debugf("joined %s on %s", g, ifi.Name)
			t.memberships = append(t.memberships, membership{ifi: ifi, group: g})
			joined++
		}
		if joined == 0 {
			return &TransportError{Op: "join", Addr: g.String(), Err: errors.Join(errs...)}
		}
	}
	return nil
}

// Receive waits up to timeout for one datagram. The returned Data aliases an
// internal buffer that the next Receive overwrites.
func (t *MulticastTransport) Receive(timeout time.Duration) (Datagram, error) {
	if t.closed.Load() {
		return Datagram{}, ErrClosed
	}
	if err := t.sock.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		if t.closed.Load() {
			return Datagram{}, ErrClosed
		}
		return Datagram{}, &TransportError{Op: "read", Err: err}
	}

	n, src, dst, err := t.sock.ReadFrom(t.buf)
	if err != nil {
		if t.closed.Load() || errors.Is(err, net.ErrClosed) {
			return Datagram{}, ErrClosed
		}
		if isTimeout(err) {
			return Datagram{}, ErrTimeout
		}
		return Datagram{}, &TransportError{Op: "read", Addr: fmt.Sprintf(":%d", t.port), Err: err}
	}

	d := Datagram{Data: t.buf[:n]}
	if src != nil {
		d.Source = addrPortFrom(src)
	}
	if ip4 := dst.To4(); ip4 != nil {
		d.Destination = netip.AddrFrom4([4]byte(ip4))
	}
	return d, nil
}

// LocalAddr returns the bound address.
func (t *MulticastTransport) LocalAddr() net.Addr {
	return t.sock.LocalAddr()
}

// Close leaves all groups and releases the socket. Later calls are no-ops.
func (t *MulticastTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		for _, m := range t.memberships {
			if err := t.sock.LeaveGroup(m.ifi, net.IP(m.group.AsSlice())); err != nil {
				monitoring.Debugf("leave %s: %v", m.group, err)
			}
		}
		t.closeErr = t.sock.Close()
	})
	return t.closeErr
}
