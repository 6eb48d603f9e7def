package receiver

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/iena-monitor/internal/monitoring"
	"github.com/banshee-data/iena-monitor/internal/timeutil"
)

// Stats tracks ingestion counters with thread-safe operations. Totals are
// cumulative; interval counters reset on each LogStats.
type Stats struct {
	mu    sync.Mutex
	clock timeutil.Clock

	total    StatsTotals
	lastSeq  map[uint16]uint16
	interval struct {
		packets   int64
		bytes     int64
		malformed int64
		filtered  int64
		gaps      int64
	}
	lastReset time.Time
}

// StatsTotals is a copy of the cumulative counters.
type StatsTotals struct {
	Packets      int64  `json:"packets"`
	Bytes        int64  `json:"bytes"`
	Malformed    int64  `json:"malformed"`
	Filtered     int64  `json:"filtered"`
	SequenceGaps int64  `json:"sequence_gaps"`
	LastSequence uint16 `json:"last_sequence"`
}

// NewStats creates a new Stats instance.
func NewStats(clock timeutil.Clock) *Stats {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Stats{clock: clock, lastSeq: make(map[uint16]uint16), lastReset: clock.Now()}
}

// AddPacket records an ingested packet and reports whether its sequence
// number did not follow the previous packet with the same key.
func (s *Stats) AddPacket(key uint16, bytes int, sequence uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total.Packets++
	s.total.Bytes += int64(bytes)
	s.interval.packets++
	s.interval.bytes += int64(bytes)

	prev, seen := s.lastSeq[key]
	gap := seen && sequence != prev+1
	if gap {
		s.total.SequenceGaps++
		s.interval.gaps++
	}
	s.lastSeq[key] = sequence
	s.total.LastSequence = sequence
	return gap
}

// AddMalformed counts a datagram that failed to decode.
func (s *Stats) AddMalformed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total.Malformed++
	s.interval.malformed++
}

// AddFiltered counts a packet dropped for its key.
func (s *Stats) AddFiltered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total.Filtered++
	s.interval.filtered++
}

// Totals returns the cumulative counters.
func (s *Stats) Totals() StatsTotals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// LogStats logs the interval rates and resets the interval counters. Quiet
// intervals log nothing.
func (s *Stats) LogStats() {
	s.mu.Lock()
	now := s.clock.Now()
	duration := now.Sub(s.lastReset)
	iv := s.interval
	s.interval.packets, s.interval.bytes, s.interval.malformed, s.interval.filtered, s.interval.gaps = 0, 0, 0, 0, 0
	s.lastReset = now
	s.mu.Unlock()

	if iv.packets == 0 && iv.malformed == 0 && iv.filtered == 0 {
		return
	}
	secs := duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	msg := fmt.Sprintf("IENA stats (/sec): %.1f packets, %.1f KB", float64(iv.packets)/secs, float64(iv.bytes)/secs/1024)
	if iv.gaps > 0 {
		msg += fmt.Sprintf(", %d sequence gaps", iv.gaps)
	}
	if iv.malformed > 0 || iv.filtered > 0 {
		msg += fmt.Sprintf(", dropped %d malformed / %d other keys", iv.malformed, iv.filtered)
	}
	monitoring.Logf("%s", msg)
}
