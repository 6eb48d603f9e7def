package network

import (
	"net"
	"net/netip"
	"time"
)

// Datagram is one received UDP payload with its addressing.
type Datagram struct {
	Data []byte
	// Source is the sender's IPv4 address and port.
	Source netip.AddrPort
	// Destination is the group or unicast address the datagram was sent to.
	// It is the zero Addr when the platform does not report it.
	Destination netip.Addr
	// CapturedAt is the capture timestamp for replayed traffic, zero for live.
	CapturedAt time.Time
}

// Transport delivers datagrams to discovery and the receiver.
//
// Receive waits at most timeout for one datagram and returns ErrTimeout when
// none arrived. Data may be reused by the next Receive call, so callers that
// keep it must copy. Close is idempotent; Receive after Close returns
// ErrClosed.
type Transport interface {
	Receive(timeout time.Duration) (Datagram, error)
	Close() error
}

func addrPortFrom(a net.Addr) netip.AddrPort {
	if u, ok := a.(*net.UDPAddr); ok {
		ap := u.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	if ap, err := netip.ParseAddrPort(a.String()); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}
