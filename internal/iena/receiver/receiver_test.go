package receiver

import (
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/iena-monitor/internal/iena"
	"github.com/banshee-data/iena-monitor/internal/iena/network"
	"github.com/banshee-data/iena-monitor/internal/metrics"
	"github.com/banshee-data/iena-monitor/internal/monitoring"
	"github.com/banshee-data/iena-monitor/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var names = []string{"alt", "speed", "temp"}

func packet(t testing.TB, key, seq uint16, values ...float32) network.Datagram {
	t.Helper()
	codec, err := iena.NewCodec(len(values))
	require.NoError(t, err)
	data, err := codec.EncodeAt(epoch, key, seq, values, 0)
	require.NoError(t, err)
	return network.Datagram{Data: data, Source: netip.MustParseAddrPort("10.0.0.1:5001")}
}

func startReceiver(t *testing.T, cfg Config, tr network.Transport) *Receiver {
	t.Helper()
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}
	r, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Start(tr))
	t.Cleanup(func() { r.Stop() })
	return r
}

func waitForPackets(t *testing.T, r *Receiver, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return r.PacketCount() >= n }, 2*time.Second, 5*time.Millisecond)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoParameters)

	_, err = New(Config{ParamNames: []string{"a", "b", "a"}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = New(Config{ParamNames: []string{"a", ""}})
	assert.Error(t, err)

	r, err := New(Config{ParamNames: names})
	require.NoError(t, err)
	assert.Equal(t, DefaultCapacity, r.Capacity())
	assert.Equal(t, names, r.ParamNames())
	assert.NotEmpty(t, r.SessionID())
	assert.False(t, r.Running())
}

func TestReceiverWindowedSnapshot(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	tr := network.NewMockTransport(16)
	tr.BeforeReceive = func() { clock.Advance(time.Second) }
	for i := 0; i < 10; i++ {
		tr.Push(packet(t, 0x0A01, uint16(i), float32(i), float32(i*2), float32(i*3)))
	}

	r := startReceiver(t, Config{FilterKey: 0x0A01, ParamNames: names, Clock: clock}, tr)
	waitForPackets(t, r, 10)

	snap, err := r.Snapshot([]string{"alt", "temp"}, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []float64{-2, -1, 0}, snap.Times)
	assert.Equal(t, []float64{7, 8, 9}, snap.Values["alt"])
	assert.Equal(t, []float64{21, 24, 27}, snap.Values["temp"])
	assert.NotContains(t, snap.Values, "speed")
	assert.True(t, snap.Latest.Equal(epoch.Add(10*time.Second)))

	latest, ts, ok := r.Latest()
	require.True(t, ok)
	assert.True(t, ts.Equal(snap.Latest))
	assert.Equal(t, map[string]float64{"alt": 9, "speed": 18, "temp": 27}, latest)
	assert.Equal(t, int64(0), r.Stats().Totals().SequenceGaps)
}

func TestReceiverCapacityEviction(t *testing.T) {
	tr := network.NewMockTransport(32)
	for i := 0; i < 15; i++ {
		tr.Push(packet(t, 0x0A01, uint16(i), float32(i), float32(100+i), float32(200+i)))
	}

	r := startReceiver(t, Config{FilterKey: 0x0A01, ParamNames: names, Capacity: 10}, tr)
	waitForPackets(t, r, 15)

	snap, err := r.Snapshot(names, 0)
	require.NoError(t, err)
	require.Len(t, snap.Times, 10)
	for offset, name := range map[float64]string{0: "alt", 100: "speed", 200: "temp"} {
		series := snap.Values[name]
		require.Len(t, series, 10, name)
		assert.Equal(t, offset+5, series[0], name)
		assert.Equal(t, offset+14, series[9], name)
	}
	assert.Equal(t, 10, r.Buffered())
	assert.Equal(t, uint64(15), r.PacketCount())
}

func TestReceiverKeyFilter(t *testing.T) {
	tr := network.NewMockTransport(32)
	for i := 0; i < 20; i++ {
		tr.Push(packet(t, 0x0B02, uint16(i), 1, 2, 3))
	}

	r := startReceiver(t, Config{FilterKey: 0x0A01, ParamNames: names}, tr)
	require.Eventually(t, func() bool { return r.Stats().Totals().Filtered == 20 }, 2*time.Second, 5*time.Millisecond)

	assert.Zero(t, r.PacketCount())
	snap, err := r.Snapshot(names, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, snap.Times)
	for _, name := range names {
		assert.NotNil(t, snap.Values[name])
		assert.Empty(t, snap.Values[name])
	}
	_, _, ok := r.Latest()
	assert.False(t, ok)
}

func TestReceiverAnyKey(t *testing.T) {
	tr := network.NewMockTransport(8)
	tr.Push(packet(t, 0x0A01, 0, 1, 2, 3))
	tr.Push(packet(t, 0x0B02, 1, 4, 5, 6))

	r := startReceiver(t, Config{AnyKey: true, ParamNames: names}, tr)
	waitForPackets(t, r, 2)

	_, filtering := r.FilterKey()
	assert.False(t, filtering)
}

func TestReceiverAnyKeyInterleavedSequences(t *testing.T) {
	tr := network.NewMockTransport(32)
	for i := 0; i < 10; i++ {
		tr.Push(packet(t, 0x0A01, uint16(i), 1, 2, 3))
		tr.Push(packet(t, 0x0B02, uint16(1000+i), 4, 5, 6))
	}

	r := startReceiver(t, Config{AnyKey: true, ParamNames: names}, tr)
	waitForPackets(t, r, 20)

	assert.Equal(t, int64(0), r.Stats().Totals().SequenceGaps)
}

func TestReceiverBufferedGaugeWhileRunning(t *testing.T) {
	metrics.BufferedSamples.Set(0)
	tr := network.NewMockTransport(8)
	for i := 0; i < 5; i++ {
		tr.Push(packet(t, 0x0A01, uint16(i), 1, 2, 3))
	}

	r := startReceiver(t, Config{FilterKey: 0x0A01, ParamNames: names}, tr)
	waitForPackets(t, r, 5)

	require.True(t, r.Running())
	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.BufferedSamples))
	assert.Equal(t, 5, r.Buffered())
}

func TestReceiverDropsMalformed(t *testing.T) {
	tr := network.NewMockTransport(8)
	tr.Push(network.Datagram{Data: []byte{0x0A, 0x01}})
	tr.Push(packet(t, 0x0A01, 0, 1, 2))
	good := packet(t, 0x0A01, 1, 1, 2, 3)
	tr.Push(good)

	r := startReceiver(t, Config{FilterKey: 0x0A01, ParamNames: names}, tr)
	waitForPackets(t, r, 1)

	assert.Eventually(t, func() bool { return r.Stats().Totals().Malformed == 2 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, r.Err())
	assert.True(t, r.Running())
}

func TestReceiverConcurrentSnapshots(t *testing.T) {
	tr := network.NewMockTransport(256)
	r := startReceiver(t, Config{FilterKey: 0x0A01, ParamNames: names, Capacity: 50}, tr)

	stop := make(chan struct{})
	var producer sync.WaitGroup
	producer.Add(1)
	go func() {
		defer producer.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			tr.Push(packet(t, 0x0A01, uint16(i), float32(i), float32(i), float32(i)))
		}
	}()

	var readers sync.WaitGroup
	errs := make(chan string, 8)
	for g := 0; g < 4; g++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 200; i++ {
				snap, err := r.Snapshot(names, time.Hour)
				if err != nil {
					errs <- err.Error()
					return
				}
				for _, name := range names {
					if len(snap.Values[name]) != len(snap.Times) {
						errs <- name
						return
					}
				}
				for j := 1; j < len(snap.Times); j++ {
					if snap.Values["alt"][j] != snap.Values["temp"][j] {
						errs <- "torn row"
						return
					}
				}
			}
		}()
	}
	readers.Wait()
	close(stop)
	producer.Wait()
	close(errs)

	for e := range errs {
		t.Errorf("inconsistent snapshot: %s", e)
	}
	assert.Greater(t, r.PacketCount(), uint64(0))
}

func TestReceiverStopLatency(t *testing.T) {
	tr := network.NewMockTransport(1)
	r := startReceiver(t, Config{FilterKey: 0x0A01, ParamNames: names, PollTimeout: 50 * time.Millisecond}, tr)
	assert.True(t, r.Running())

	start := time.Now()
	require.NoError(t, r.Stop())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	select {
	case <-r.Done():
	default:
		t.Fatal("done channel not closed after Stop")
	}
	assert.False(t, r.Running())
	assert.Zero(t, tr.CloseCalls(), "transport belongs to the caller")

	assert.ErrorIs(t, r.Start(tr), ErrStopped)
	assert.NoError(t, r.Stop(), "second stop is a no-op")
}

func TestReceiverStopWhileOwnerClosesTransport(t *testing.T) {
	tr := network.NewMockTransport(1)
	r := startReceiver(t, Config{ParamNames: names, PollTimeout: time.Minute}, tr)

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.stopping.Store(true)
		tr.Close()
	}()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not exit after transport close")
	}
	assert.NoError(t, r.Err())
}

func TestReceiverTransportFailure(t *testing.T) {
	tr := network.NewMockTransport(4)
	tr.Push(packet(t, 0x0A01, 0, 1, 2, 3))
	r := startReceiver(t, Config{FilterKey: 0x0A01, ParamNames: names}, tr)
	waitForPackets(t, r, 1)

	boom := &network.TransportError{Op: "read", Err: errors.New("network is down")}
	tr.Fail(boom)

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not exit on transport failure")
	}
	assert.ErrorIs(t, r.Err(), boom)
	assert.False(t, r.Running())
	assert.ErrorIs(t, r.Stop(), boom)

	// Samples already ingested remain queryable.
	snap, err := r.Snapshot([]string{"speed"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, snap.Values["speed"])
}

func TestReceiverReplayExhausted(t *testing.T) {
	tr := network.NewMockTransport(1)
	tr.Fail(io.EOF)
	r := startReceiver(t, Config{ParamNames: names}, tr)

	<-r.Done()
	assert.ErrorIs(t, r.Err(), io.EOF)
}

func TestReceiverStartTwice(t *testing.T) {
	tr := network.NewMockTransport(1)
	r := startReceiver(t, Config{ParamNames: names}, tr)
	assert.ErrorIs(t, r.Start(tr), ErrAlreadyStarted)
}

func TestReceiverStopBeforeStart(t *testing.T) {
	r, err := New(Config{ParamNames: names})
	require.NoError(t, err)
	require.NoError(t, r.Stop())
	assert.ErrorIs(t, r.Start(network.NewMockTransport(1)), ErrStopped)
}

func TestSnapshotUnknownParameter(t *testing.T) {
	r, err := New(Config{ParamNames: names})
	require.NoError(t, err)

	_, err = r.Snapshot([]string{"alt", "pressure"}, time.Second)
	assert.ErrorIs(t, err, ErrUnknownParameter)
	assert.ErrorContains(t, err, "pressure")
}
