package receiver

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/iena-monitor/internal/monitoring"
	"github.com/banshee-data/iena-monitor/internal/timeutil"
)

func TestStatsSequenceGaps(t *testing.T) {
	s := NewStats(nil)

	assert.False(t, s.AddPacket(0x0A01, 30, 1))
	assert.False(t, s.AddPacket(0x0A01, 30, 2))
	assert.True(t, s.AddPacket(0x0A01, 30, 4))
	assert.True(t, s.AddPacket(0x0A01, 30, 65535))
	assert.False(t, s.AddPacket(0x0A01, 30, 0))

	totals := s.Totals()
	assert.Equal(t, int64(5), totals.Packets)
	assert.Equal(t, int64(150), totals.Bytes)
	assert.Equal(t, int64(2), totals.SequenceGaps)
	assert.Equal(t, uint16(0), totals.LastSequence)
}

func TestStatsSequencePerKey(t *testing.T) {
	s := NewStats(nil)

	for i := 0; i < 10; i++ {
		assert.False(t, s.AddPacket(0x0A01, 30, uint16(i)))
		assert.False(t, s.AddPacket(0x0B02, 30, uint16(1000+i)))
	}
	assert.Equal(t, int64(0), s.Totals().SequenceGaps)
	assert.Equal(t, uint16(1009), s.Totals().LastSequence)

	assert.True(t, s.AddPacket(0x0A01, 30, 11))
	assert.False(t, s.AddPacket(0x0B02, 30, 1010))
	assert.Equal(t, int64(1), s.Totals().SequenceGaps)
}

func TestStatsLogStats(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(nil)

	clock := timeutil.NewMockClock(epoch)
	s := NewStats(clock)

	s.LogStats()
	assert.Empty(t, lines, "quiet interval logs nothing")

	for i := 0; i < 20; i++ {
		s.AddPacket(0x0A01, 1024, uint16(i))
	}
	s.AddPacket(0x0A01, 1024, 40)
	s.AddMalformed()
	s.AddFiltered()
	s.AddFiltered()
	clock.Advance(2 * time.Second)
	s.LogStats()

	if assert.Len(t, lines, 1) {
		assert.Equal(t, "IENA stats (/sec): 10.5 packets, 10.5 KB, 1 sequence gaps, dropped 1 malformed / 2 other keys", lines[0])
	}

	clock.Advance(time.Second)
	s.LogStats()
	assert.Len(t, lines, 1, "counters reset after logging")
	assert.Equal(t, int64(21), s.Totals().Packets)
}
