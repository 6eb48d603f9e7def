package network

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/iena-monitor/internal/monitoring"
)

// PCAPConfig configures a replay transport.
type PCAPConfig struct {
	Path string
	// Port keeps only UDP datagrams addressed to this port. Zero keeps all.
	Port int
	// Realtime paces delivery by the capture timestamps.
	Realtime bool
	// Speed multiplies the replay rate when Realtime is set. Zero uses 1.
	Speed float64
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

var pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

// PCAPTransport replays UDP payloads from a capture file. It reads classic
// pcap and pcapng without cgo. At the end of the file Receive returns io.EOF.
type PCAPTransport struct {
	cfg    PCAPConfig
	file   *os.File
	reader packetReader

	pending    *Datagram
	firstTS    time.Time
	replayFrom time.Time

	count atomic.Int64

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
}

// OpenPCAP opens a capture file for replay.
func OpenPCAP(cfg PCAPConfig) (*PCAPTransport, error) {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", cfg.Path, err)
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read PCAP header %s: %w", cfg.Path, err)
	}

	var reader packetReader
	if bytes.Equal(magic, pcapngMagic) {
		reader, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		reader, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to parse PCAP file %s: %w", cfg.Path, err)
	}

	if cfg.Port > 0 {
		monitoring.Logf("PCAP replay of %s filtered to udp port %d", cfg.Path, cfg.Port)
	}
	return &PCAPTransport{
		cfg:    cfg,
		file:   f,
		reader: reader,
		stop:   make(chan struct{}),
	}, nil
}

// Receive returns the next matching UDP payload. With realtime pacing, a
// datagram not yet due within timeout yields ErrTimeout and stays pending.
func (p *PCAPTransport) Receive(timeout time.Duration) (Datagram, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return Datagram{}, ErrClosed
	}

	if p.pending == nil {
		d, err := p.next()
		if err != nil {
			return Datagram{}, err
		}
		p.pending = &d
	}

	if p.cfg.Realtime {
		if wait := p.dueIn(p.pending.CapturedAt); wait > 0 {
			if wait > timeout {
				p.sleep(timeout)
				return Datagram{}, ErrTimeout
			}
			if !p.sleep(wait) {
				return Datagram{}, ErrClosed
			}
		}
	}

	d := *p.pending
	p.pending = nil
	return d, nil
}

func (p *PCAPTransport) next() (Datagram, error) {
	for {
		data, ci, err := p.reader.ReadPacketData()
		if err != nil {
			if p.isClosed() {
				return Datagram{}, ErrClosed
			}
			if errors.Is(err, io.EOF) {
				monitoring.Logf("PCAP file reading complete: %d datagrams replayed", p.count.Load())
				return Datagram{}, io.EOF
			}
			return Datagram{}, &TransportError{Op: "read", Addr: p.cfg.Path, Err: err}
		}

		packet := gopacket.NewPacket(data, p.reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		if p.cfg.Port > 0 && int(udp.DstPort) != p.cfg.Port {
			continue
		}
		ip, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			continue
		}

		d := Datagram{
			Data:       udp.Payload,
			CapturedAt: ci.Timestamp,
		}
		if src, ok := netip.AddrFromSlice(ip.SrcIP.To4()); ok {
			d.Source = netip.AddrPortFrom(src, uint16(udp.SrcPort))
		}
		if dst, ok := netip.AddrFromSlice(ip.DstIP.To4()); ok {
			d.Destination = dst
		}
		if n := p.count.Add(1); n%10000 == 0 {
			monitoring.Debugf("PCAP progress: %d datagrams", n)
		}
		return d, nil
	}
}

func (p *PCAPTransport) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *PCAPTransport) dueIn(ts time.Time) time.Duration {
	now := time.Now()
	if p.firstTS.IsZero() {
		p.firstTS = ts
		p.replayFrom = now
		return 0
	}
	offset := time.Duration(float64(ts.Sub(p.firstTS)) / p.cfg.Speed)
	return p.replayFrom.Add(offset).Sub(now)
}

// sleep waits for d and reports false when Close interrupted it.
func (p *PCAPTransport) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.stop:
		return false
	}
}

// Count returns the number of datagrams read so far.
func (p *PCAPTransport) Count() int64 {
	return p.count.Load()
}

// Close releases the capture file. Later calls are no-ops.
func (p *PCAPTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stop)
	return p.file.Close()
}
