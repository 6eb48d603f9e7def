package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/iena-monitor/internal/metrics"
	"github.com/banshee-data/iena-monitor/internal/monitoring"
	"github.com/banshee-data/iena-monitor/internal/timeutil"
)

// SenderConfig configures a MulticastSender.
type SenderConfig struct {
	Group netip.Addr
	Port  int
	// TTL is the multicast hop limit. Zero uses 1.
	TTL int
	// Interface selects the outbound interface by local address. The zero
	// Addr leaves the choice to the OS.
	Interface netip.Addr
	// QueueSize bounds SendAsync's buffer. Zero uses 1000.
	QueueSize int
	// LogInterval controls how often write failures are summarised.
	LogInterval time.Duration
	// Clock drives the failure summary. Nil uses the real clock.
	Clock timeutil.Clock

	SocketFactory SocketFactory
	Interfaces    InterfaceProvider
}

// MulticastSender publishes datagrams to a group.
// It supports both direct sends and non-blocking queued sends.
type MulticastSender struct {
	sock        PacketSocket
	dst         *net.UDPAddr
	channel     chan []byte
	logInterval time.Duration
	clock       timeutil.Clock

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	started bool
}

// OpenSender binds an ephemeral port configured for multicast output.
func OpenSender(cfg SenderConfig) (*MulticastSender, error) {
	if !cfg.Group.Is4() {
		return nil, &TransportError{Op: "configure", Addr: cfg.Group.String(), Err: errors.New("not an IPv4 address")}
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, &TransportError{Op: "configure", Err: fmt.Errorf("port %d out of range", cfg.Port)}
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 1
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 1000
	}
	logInterval := cfg.LogInterval
	if logInterval <= 0 {
		logInterval = 10 * time.Second
	}
	factory := cfg.SocketFactory
	if factory == nil {
		factory = NewRealSocketFactory()
	}
	provider := cfg.Interfaces
	if provider == nil {
		provider = SystemInterfaces{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	sock, err := factory.ListenPacket(0)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}
	if cfg.Group.IsMulticast() {
		if err := sock.SetMulticastTTL(ttl); err != nil {
			sock.Close()
			return nil, &TransportError{Op: "configure", Addr: cfg.Group.String(), Err: err}
		}
	}
	if cfg.Interface.IsValid() {
		ifi, err := InterfaceForAddr(provider, cfg.Interface)
		if err != nil {
			sock.Close()
			return nil, &TransportError{Op: "configure", Addr: cfg.Interface.String(), Err: err}
		}
		if err := sock.SetMulticastInterface(ifi); err != nil {
			sock.Close()
			return nil, &TransportError{Op: "configure", Addr: ifi.Name, Err: err}
		}
	}

	return &MulticastSender{
		sock:        sock,
		dst:         net.UDPAddrFromAddrPort(netip.AddrPortFrom(cfg.Group, uint16(cfg.Port))),
		channel:     make(chan []byte, queue),
		logInterval: logInterval,
		clock:       clock,
		done:        make(chan struct{}),
	}, nil
}

// Destination returns the configured group and port.
func (s *MulticastSender) Destination() string {
	return s.dst.String()
}

// Send writes one datagram synchronously.
func (s *MulticastSender) Send(b []byte) error {
	return s.SendTo(b, s.dst)
}

// SendTo writes one datagram to an explicit address.
func (s *MulticastSender) SendTo(b []byte, dst *net.UDPAddr) error {
	if _, err := s.sock.WriteTo(b, dst); err != nil {
		s.failed.Add(1)
		metrics.SenderDatagramsTotal.WithLabelValues("failed").Inc()
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return &TransportError{Op: "write", Addr: dst.String(), Err: err}
	}
	s.sent.Add(1)
	metrics.SenderDatagramsTotal.WithLabelValues("sent").Inc()
	return nil
}

// Start runs the queue writer until ctx is cancelled or Close is called.
// Write failures are logged at most once per LogInterval.
func (s *MulticastSender) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		failures := 0
		var lastError error
		ticker := s.clock.NewTicker(s.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-s.channel:
				if !ok {
					return
				}
				if err := s.Send(packet); err != nil {
					failures++
					lastError = err
				}
			case <-ticker.C():
				if failures > 0 && lastError != nil {
					monitoring.Logf("failed to send %d datagrams to %s (latest: %v)", failures, s.dst, lastError)
					failures = 0
					lastError = nil
				}
			}
		}
	}()

	monitoring.Logf("sending to %s", s.dst)
}

// SendAsync queues a copy of b without blocking. A full queue drops the
// datagram and counts it.
func (s *MulticastSender) SendAsync(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.drop()
		return
	}
	packet := make([]byte, len(b))
	copy(packet, b)
	select {
	case s.channel <- packet:
	default:
		s.drop()
	}
}

func (s *MulticastSender) drop() {
	s.dropped.Add(1)
	metrics.SenderDatagramsTotal.WithLabelValues("dropped").Inc()
}

// Stats returns sent, dropped and failed datagram counts.
func (s *MulticastSender) Stats() (sent, dropped, failed uint64) {
	return s.sent.Load(), s.dropped.Load(), s.failed.Load()
}

// Close stops the queue writer and releases the socket.
func (s *MulticastSender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	close(s.channel)
	s.mu.Unlock()

	if started {
		<-s.done
	}
	return s.sock.Close()
}
