package network

import (
	"sync"
	"time"
)

// MockTransport implements Transport for testing. Pushed datagrams are
// delivered in order; an empty queue waits up to the receive timeout.
type MockTransport struct {
	queue     chan Datagram
	closed    chan struct{}
	closeOnce sync.Once

	mu sync.Mutex
	// BeforeReceive runs at the start of every Receive call. Tests use it
	// to advance a mock clock.
	BeforeReceive func()
	err           error
	receives      int
	closeCalls    int
}

// NewMockTransport creates a MockTransport with room for buffer queued datagrams.
func NewMockTransport(buffer int) *MockTransport {
	return &MockTransport{
		queue:  make(chan Datagram, buffer),
		closed: make(chan struct{}),
	}
}

// Push queues a datagram. It blocks when the buffer is full.
func (m *MockTransport) Push(d Datagram) {
	m.queue <- d
}

// Fail makes every later Receive return err.
func (m *MockTransport) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Receive returns the next queued datagram, ErrTimeout, or the Fail error.
func (m *MockTransport) Receive(timeout time.Duration) (Datagram, error) {
	m.mu.Lock()
	m.receives++
	hook := m.BeforeReceive
	err := m.err
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	select {
	case <-m.closed:
		return Datagram{}, ErrClosed
	default:
	}
	if err != nil {
		return Datagram{}, err
	}

	select {
	case d := <-m.queue:
		return d, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.closed:
		return Datagram{}, ErrClosed
	case d := <-m.queue:
		return d, nil
	case <-timer.C:
		return Datagram{}, ErrTimeout
	}
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closeCalls++
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Receives returns how many times Receive was called.
func (m *MockTransport) Receives() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receives
}

// CloseCalls returns how many times Close was called.
func (m *MockTransport) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}
