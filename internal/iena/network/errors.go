package network

import (
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrTimeout is returned by Receive when no datagram arrived within the
	// requested wait. It is a normal outcome, not a failure.
	ErrTimeout = errors.New("receive timeout")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// TransportError reports a bind, join or socket failure.
type TransportError struct {
	Op   string // "listen", "join", "read", "write", "configure"
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("iena transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("iena transport: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
