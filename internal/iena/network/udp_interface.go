package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/banshee-data/iena-monitor/internal/monitoring"
)

// PacketSocket defines the UDP socket operations the transports rely on.
// This abstraction enables unit testing without real network connections.
type PacketSocket interface {
	// ReadFrom reads one datagram. dst is the destination address the
	// datagram was sent to when the platform reports it, nil otherwise.
	ReadFrom(b []byte) (n int, src net.Addr, dst net.IP, err error)

	// WriteTo sends one datagram to dst.
	WriteTo(b []byte, dst net.Addr) (int, error)

	SetReadDeadline(t time.Time) error
	SetReadBuffer(bytes int) error

	// JoinGroup joins group on ifi; a nil ifi lets the OS pick.
	JoinGroup(ifi *net.Interface, group net.IP) error
	LeaveGroup(ifi *net.Interface, group net.IP) error

	SetMulticastTTL(ttl int) error
	SetMulticastInterface(ifi *net.Interface) error

	LocalAddr() net.Addr
	Close() error
}

// SocketFactory creates bound UDP sockets.
type SocketFactory interface {
	// ListenPacket binds an IPv4 UDP socket on the wildcard address. Port 0
	// selects an ephemeral port.
	ListenPacket(port int) (PacketSocket, error)
}

// RealSocket wraps *net.UDPConn plus its ipv4.PacketConn view.
type RealSocket struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
}

// NewRealSocket wraps an existing *net.UDPConn.
func NewRealSocket(conn *net.UDPConn) *RealSocket {
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		monitoring.Debugf("destination control messages unavailable: %v", err)
	}
	return &RealSocket{conn: conn, pc: pc}
}

// ReadFrom reads from the UDP connection.
func (r *RealSocket) ReadFrom(b []byte) (int, net.Addr, net.IP, error) {
	n, cm, src, err := r.pc.ReadFrom(b)
	var dst net.IP
	if cm != nil {
		dst = cm.Dst
	}
	return n, src, dst, err
}

// WriteTo writes to dst.
func (r *RealSocket) WriteTo(b []byte, dst net.Addr) (int, error) {
	return r.pc.WriteTo(b, nil, dst)
}

// SetReadDeadline sets the read deadline.
func (r *RealSocket) SetReadDeadline(t time.Time) error {
	return r.pc.SetReadDeadline(t)
}

// SetReadBuffer sets the receive buffer size.
func (r *RealSocket) SetReadBuffer(bytes int) error {
	return r.conn.SetReadBuffer(bytes)
}

// JoinGroup joins a multicast group.
func (r *RealSocket) JoinGroup(ifi *net.Interface, group net.IP) error {
	return r.pc.JoinGroup(ifi, &net.UDPAddr{IP: group})
}

// LeaveGroup leaves a multicast group.
func (r *RealSocket) LeaveGroup(ifi *net.Interface, group net.IP) error {
	return r.pc.LeaveGroup(ifi, &net.UDPAddr{IP: group})
}

// SetMulticastTTL sets the hop limit of outgoing multicast datagrams.
func (r *RealSocket) SetMulticastTTL(ttl int) error {
	return r.pc.SetMulticastTTL(ttl)
}

// SetMulticastInterface selects the outbound interface for multicast.
func (r *RealSocket) SetMulticastInterface(ifi *net.Interface) error {
	return r.pc.SetMulticastInterface(ifi)
}

// LocalAddr returns the local network address.
func (r *RealSocket) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Close closes the UDP connection.
func (r *RealSocket) Close() error {
	return r.conn.Close()
}

// RealSocketFactory binds sockets with SO_REUSEADDR so several receivers can
// share a port, as multicast listeners on one host usually do.
type RealSocketFactory struct{}

// NewRealSocketFactory creates a new RealSocketFactory.
func NewRealSocketFactory() *RealSocketFactory {
	return &RealSocketFactory{}
}

// ListenPacket binds 0.0.0.0:port.
func (f *RealSocketFactory) ListenPacket(port int) (PacketSocket, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}
	return NewRealSocket(conn), nil
}

// MockSocket implements PacketSocket for testing. Queued packets are
// delivered in order; an empty queue blocks until the read deadline.
type MockSocket struct {
	mu sync.Mutex

	queue     chan MockPacket
	closed    chan struct{}
	closeOnce sync.Once
	deadline  time.Time

	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
	// ReadError is returned on the next ReadFrom call if set.
	ReadError error
	// WriteError is returned by every WriteTo call while set.
	WriteError error
	// JoinErrors maps "group" or "group@iface" to the error JoinGroup returns.
	JoinErrors map[string]error

	Joins          []MockMembership
	Leaves         []MockMembership
	Writes         []MockWrite
	TTL            int
	OutboundIface  *net.Interface
	ReadBufferSize int
	CloseCalls     int
}

// MockPacket represents a packet for mock testing.
type MockPacket struct {
	Data []byte
	Src  *net.UDPAddr
	Dst  net.IP
}

// MockMembership records a JoinGroup or LeaveGroup call.
type MockMembership struct {
	Iface string // empty when the OS default was requested
	Group string
}

// MockWrite records a WriteTo call.
type MockWrite struct {
	Data []byte
	Dst  string
}

// NewMockSocket creates a MockSocket preloaded with packets.
func NewMockSocket(packets ...MockPacket) *MockSocket {
	m := &MockSocket{
		queue:  make(chan MockPacket, 1024),
		closed: make(chan struct{}),
		LocalAddress: &net.UDPAddr{
			IP:   net.IPv4zero,
			Port: 5001,
		},
	}
	for _, p := range packets {
		m.queue <- p
	}
	return m
}

// Push queues a packet for delivery.
func (m *MockSocket) Push(p MockPacket) {
	m.queue <- p
}

// ReadFrom returns the next queued packet or a timeout at the read deadline.
func (m *MockSocket) ReadFrom(b []byte) (int, net.Addr, net.IP, error) {
	m.mu.Lock()
	if m.ReadError != nil {
		err := m.ReadError
		m.ReadError = nil
		m.mu.Unlock()
		return 0, nil, nil, err
	}
	deadline := m.deadline
	m.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-m.closed:
		return 0, nil, nil, net.ErrClosed
	case p := <-m.queue:
		n := copy(b, p.Data)
		return n, p.Src, p.Dst, nil
	case <-expired:
		return 0, nil, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
}

// WriteTo records the datagram.
func (m *MockSocket) WriteTo(b []byte, dst net.Addr) (int, error) {
	select {
	case <-m.closed:
		return 0, net.ErrClosed
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteError != nil {
		return 0, m.WriteError
	}
	m.Writes = append(m.Writes, MockWrite{Data: append([]byte(nil), b...), Dst: dst.String()})
	return len(b), nil
}

// SetReadDeadline records the deadline.
func (m *MockSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.deadline = t
	m.mu.Unlock()
	return nil
}

// SetReadBuffer records the buffer size.
func (m *MockSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	m.ReadBufferSize = bytes
	m.mu.Unlock()
	return nil
}

// JoinGroup records the membership or returns a configured error.
func (m *MockSocket) JoinGroup(ifi *net.Interface, group net.IP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	membership := MockMembership{Group: group.String()}
	if ifi != nil {
		membership.Iface = ifi.Name
	}
	if err := m.JoinErrors[membership.Group+"@"+membership.Iface]; err != nil {
		return err
	}
	if err := m.JoinErrors[membership.Group]; err != nil {
		return err
	}
	m.Joins = append(m.Joins, membership)
	return nil
}

// LeaveGroup records the call.
func (m *MockSocket) LeaveGroup(ifi *net.Interface, group net.IP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	membership := MockMembership{Group: group.String()}
	if ifi != nil {
		membership.Iface = ifi.Name
	}
	m.Leaves = append(m.Leaves, membership)
	return nil
}

// SetMulticastTTL records the TTL.
func (m *MockSocket) SetMulticastTTL(ttl int) error {
	m.mu.Lock()
	m.TTL = ttl
	m.mu.Unlock()
	return nil
}

// SetMulticastInterface records the outbound interface.
func (m *MockSocket) SetMulticastInterface(ifi *net.Interface) error {
	m.mu.Lock()
	m.OutboundIface = ifi
	m.mu.Unlock()
	return nil
}

// LocalAddr returns the mock local address.
func (m *MockSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// Close marks the socket as closed and unblocks pending reads.
func (m *MockSocket) Close() error {
	m.mu.Lock()
	m.CloseCalls++
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Snapshot returns copies of the recorded memberships and writes.
func (m *MockSocket) Snapshot() (joins, leaves []MockMembership, writes []MockWrite) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMembership(nil), m.Joins...),
		append([]MockMembership(nil), m.Leaves...),
		append([]MockWrite(nil), m.Writes...)
}

// MockSocketFactory implements SocketFactory for testing.
type MockSocketFactory struct {
	// Socket is the socket to return from ListenPacket.
	Socket *MockSocket
	// Error is returned by ListenPacket if set.
	Error error
	// Ports records all requested ports.
	Ports []int
}

// NewMockSocketFactory creates a new MockSocketFactory.
func NewMockSocketFactory(socket *MockSocket) *MockSocketFactory {
	return &MockSocketFactory{Socket: socket}
}

// ListenPacket returns the configured mock socket.
func (f *MockSocketFactory) ListenPacket(port int) (PacketSocket, error) {
	f.Ports = append(f.Ports, port)
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
