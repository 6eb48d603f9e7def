package iena

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/iena-monitor/internal/timeutil"
)

/*
IENA Packet Layout (all integers big-endian)

├── Header (16 bytes)
│   ├── 0  Key        uint16  stream identifier
│   ├── 2  Size       uint16  total packet size in 16-bit words
│   ├── 4  TimeHigh   uint32  microseconds since local midnight (mod 2^32)
│   ├── 8  TimeLow    uint16  sub-microsecond fraction
│   ├── 10 Status     uint16
│   ├── 12 Sequence   uint16  wraps at 65536
│   └── 14 N2         uint16  declared parameter count
├── Payload (N × 4 bytes) IEEE-754 float32 values
└── Trailer (2 bytes) 0xDEAD

The decoder frames the payload with the parameter count it was configured
with, not with N2. N2 is reported back to the caller and only checked when
the codec runs in strict mode.
*/

const (
	HEADER_SIZE  = 16     // Fixed header size in bytes
	TRAILER_SIZE = 2      // Trailer size in bytes
	VALUE_SIZE   = 4      // One float32 per parameter
	TRAILER      = 0xDEAD // End-of-packet marker

	// MAX_PARAMS keeps Size (in 16-bit words) representable as a uint16.
	MAX_PARAMS = (math.MaxUint16*2 - HEADER_SIZE - TRAILER_SIZE) / VALUE_SIZE
)

var (
	// ErrMalformed is the root of every decode rejection. Callers treat it as
	// a silent drop.
	ErrMalformed = errors.New("malformed IENA packet")

	ErrShortPacket        = fmt.Errorf("%w: packet too short", ErrMalformed)
	ErrBadTrailer         = fmt.Errorf("%w: trailer mismatch", ErrMalformed)
	ErrParamCountMismatch = fmt.Errorf("%w: declared parameter count mismatch", ErrMalformed)
)

// Packet is one decoded IENA packet. Values has exactly the configured
// parameter count; ParamCount is whatever the sender declared.
type Packet struct {
	Key        uint16
	SizeWords  uint16
	TimeMicros uint32
	TimeLow    uint16
	Status     uint16
	Sequence   uint16
	ParamCount uint16
	Values     []float32
}

// Codec encodes and decodes packets for one fixed parameter count.
type Codec struct {
	paramCount int
	packetSize int

	// Strict rejects packets whose declared N2 differs from the configured
	// parameter count.
	Strict bool

	clock timeutil.Clock
}

// NewCodec returns a codec for packets carrying paramCount values.
func NewCodec(paramCount int) (*Codec, error) {
	if paramCount < 0 || paramCount > MAX_PARAMS {
		return nil, fmt.Errorf("parameter count %d out of range [0, %d]", paramCount, MAX_PARAMS)
	}
	return &Codec{
		paramCount: paramCount,
		packetSize: PacketSize(paramCount),
		clock:      timeutil.RealClock{},
	}, nil
}

// SetClock replaces the clock used to stamp encoded packets.
func (c *Codec) SetClock(clock timeutil.Clock) {
	c.clock = clock
}

// ParamCount returns the configured parameter count.
func (c *Codec) ParamCount() int { return c.paramCount }

// PacketSize returns the minimum valid packet length in bytes.
func (c *Codec) PacketSize() int { return c.packetSize }

// PacketSize computes header + payload + trailer for n parameters.
func PacketSize(n int) int {
	return HEADER_SIZE + n*VALUE_SIZE + TRAILER_SIZE
}

// Decode parses data into a new Packet. The input is never modified.
func (c *Codec) Decode(data []byte) (Packet, error) {
	var p Packet
	if err := c.DecodeInto(data, &p); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// DecodeInto parses data into p, reusing p.Values when it has enough
// capacity. On error p is left in an unspecified state.
func (c *Codec) DecodeInto(data []byte, p *Packet) error {
	if len(data) < c.packetSize {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortPacket, c.packetSize, len(data))
	}

	trailerOffset := HEADER_SIZE + c.paramCount*VALUE_SIZE
	if trailer := binary.BigEndian.Uint16(data[trailerOffset:]); trailer != TRAILER {
		return fmt.Errorf("%w: got 0x%04X at offset %d", ErrBadTrailer, trailer, trailerOffset)
	}

	p.Key = binary.BigEndian.Uint16(data[0:])
	p.SizeWords = binary.BigEndian.Uint16(data[2:])
	p.TimeMicros = binary.BigEndian.Uint32(data[4:])
	p.TimeLow = binary.BigEndian.Uint16(data[8:])
	p.Status = binary.BigEndian.Uint16(data[10:])
	p.Sequence = binary.BigEndian.Uint16(data[12:])
	p.ParamCount = binary.BigEndian.Uint16(data[14:])

	if c.Strict && int(p.ParamCount) != c.paramCount {
		return fmt.Errorf("%w: packet declares %d, configured %d", ErrParamCountMismatch, p.ParamCount, c.paramCount)
	}

	if cap(p.Values) >= c.paramCount {
		p.Values = p.Values[:c.paramCount]
	} else {
		p.Values = make([]float32, c.paramCount)
	}
	for i := range p.Values {
		off := HEADER_SIZE + i*VALUE_SIZE
		p.Values[i] = math.Float32frombits(binary.BigEndian.Uint32(data[off:]))
	}
	return nil
}

// Encode builds a packet stamped with the codec clock's time since midnight.
func (c *Codec) Encode(key, sequence uint16, values []float32, status uint16) ([]byte, error) {
	return c.EncodeAt(c.clock.Now(), key, sequence, values, status)
}

// EncodeAt builds a packet stamped with t's time since local midnight.
func (c *Codec) EncodeAt(t time.Time, key, sequence uint16, values []float32, status uint16) ([]byte, error) {
	if len(values) != c.paramCount {
		return nil, fmt.Errorf("encode: got %d values, codec configured for %d", len(values), c.paramCount)
	}

	buf := make([]byte, c.packetSize)
	binary.BigEndian.PutUint16(buf[0:], key)
	binary.BigEndian.PutUint16(buf[2:], uint16(c.packetSize/2))
	binary.BigEndian.PutUint32(buf[4:], MicrosSinceMidnight(t))
	binary.BigEndian.PutUint16(buf[8:], 0)
	binary.BigEndian.PutUint16(buf[10:], status)
	binary.BigEndian.PutUint16(buf[12:], sequence)
	binary.BigEndian.PutUint16(buf[14:], uint16(c.paramCount))
	for i, v := range values {
		binary.BigEndian.PutUint32(buf[HEADER_SIZE+i*VALUE_SIZE:], math.Float32bits(v))
	}
	binary.BigEndian.PutUint16(buf[c.packetSize-TRAILER_SIZE:], TRAILER)
	return buf, nil
}

// MicrosSinceMidnight returns the microseconds elapsed since midnight in t's
// location, truncated to 32 bits as carried in TimeHigh.
func MicrosSinceMidnight(t time.Time) uint32 {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return uint32(t.Sub(midnight).Microseconds())
}

// FormatKey renders a stream key the way operators quote it, e.g. 0x0A01.
func FormatKey(key uint16) string {
	return fmt.Sprintf("0x%04X", key)
}
