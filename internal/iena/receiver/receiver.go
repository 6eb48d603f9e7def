// Package receiver ingests one IENA stream from a transport into a bounded
// in-memory history that consumers query by time window.
package receiver

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/iena-monitor/internal/iena"
	"github.com/banshee-data/iena-monitor/internal/iena/network"
	"github.com/banshee-data/iena-monitor/internal/metrics"
	"github.com/banshee-data/iena-monitor/internal/monitoring"
	"github.com/banshee-data/iena-monitor/internal/timeutil"
)

// DefaultPollTimeout bounds each receive and therefore the stop latency.
const DefaultPollTimeout = time.Second

var (
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrAlreadyStarted   = errors.New("receiver already started")
	ErrStopped          = errors.New("receiver stopped")
	ErrNoParameters     = errors.New("at least one parameter name is required")
)

// Config describes the stream a Receiver ingests.
type Config struct {
	// FilterKey selects the stream. Packets with another key are dropped.
	FilterKey uint16
	// AnyKey accepts every key and ignores FilterKey.
	AnyKey bool
	// ParamNames names the packet values in index order. Its length is the
	// parameter count used to frame packets.
	ParamNames []string
	// Capacity is the number of samples kept per parameter.
	Capacity int
	// PollTimeout bounds each receive. Zero uses DefaultPollTimeout.
	PollTimeout time.Duration
	// Strict rejects packets whose declared parameter count differs.
	Strict bool
	Clock  timeutil.Clock
}

// Snapshot is a consistent view of the recent samples.
type Snapshot struct {
	// Times are seconds relative to Latest, ascending and ending at 0.
	Times []float64
	// Values has one series per requested name, each len(Times) long.
	Values map[string][]float64
	// Latest is the wall-clock time of the newest sample.
	Latest time.Time
}

// Receiver runs one ingestion goroutine per instance. It moves from stopped
// to running on Start and back to stopped, permanently, on Stop or on a
// transport failure.
type Receiver struct {
	cfg     Config
	codec   *iena.Codec
	ring    *SampleRing
	columns map[string]int
	clock   timeutil.Clock
	poll    time.Duration
	session string

	started  atomic.Bool
	stopping atomic.Bool
	packets  atomic.Uint64

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error

	stats *Stats
}

// New validates cfg and allocates the sample history.
func New(cfg Config) (*Receiver, error) {
	if len(cfg.ParamNames) == 0 {
		return nil, ErrNoParameters
	}
	columns := make(map[string]int, len(cfg.ParamNames))
	for i, name := range cfg.ParamNames {
		if name == "" {
			return nil, fmt.Errorf("parameter %d has an empty name", i)
		}
		if _, dup := columns[name]; dup {
			return nil, fmt.Errorf("duplicate parameter name %q", name)
		}
		columns[name] = i
	}
	codec, err := iena.NewCodec(len(cfg.ParamNames))
	if err != nil {
		return nil, err
	}
	codec.Strict = cfg.Strict

	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = DefaultPollTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	cfg.ParamNames = append([]string(nil), cfg.ParamNames...)

	return &Receiver{
		cfg:     cfg,
		codec:   codec,
		ring:    NewSampleRing(len(cfg.ParamNames), cfg.Capacity),
		columns: columns,
		clock:   clock,
		poll:    poll,
		session: uuid.NewString(),
		done:    make(chan struct{}),
		stats:   NewStats(clock),
	}, nil
}

// Start launches the ingestion loop on t. The caller keeps ownership of t
// and closes it after the receiver is done.
func (r *Receiver) Start(t network.Transport) error {
	if r.stopping.Load() {
		return ErrStopped
	}
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if r.cfg.AnyKey {
		monitoring.Logf("receiver %s started: any key, %d parameters", r.session, len(r.cfg.ParamNames))
	} else {
		monitoring.Logf("receiver %s started: key %s, %d parameters", r.session, iena.FormatKey(r.cfg.FilterKey), len(r.cfg.ParamNames))
	}
	go r.run(t)
	return nil
}

func (r *Receiver) run(t network.Transport) {
	defer r.finish()

	var pkt iena.Packet
	for !r.stopping.Load() {
		d, err := t.Receive(r.poll)
		if err != nil {
			if errors.Is(err, network.ErrTimeout) {
				continue
			}
			if r.stopping.Load() && errors.Is(err, network.ErrClosed) {
				return
			}
			if errors.Is(err, io.EOF) {
				monitoring.Logf("receiver %s: input exhausted after %d packets", r.session, r.packets.Load())
			} else {
				monitoring.Logf("receiver %s: transport failed: %v", r.session, err)
			}
			r.setErr(err)
			return
		}

		if err := r.codec.DecodeInto(d.Data, &pkt); err != nil {
			r.stats.AddMalformed()
			metrics.DatagramsTotal.WithLabelValues("receiver", metrics.OutcomeMalformed).Inc()
			continue
		}
		if !r.cfg.AnyKey && pkt.Key != r.cfg.FilterKey {
			r.stats.AddFiltered()
			metrics.DatagramsTotal.WithLabelValues("receiver", metrics.OutcomeFiltered).Inc()
			continue
		}

		r.ring.Append(r.clock.Now(), pkt.Values)
		metrics.BufferedSamples.Set(float64(r.ring.Len()))
		r.packets.Add(1)
		if r.stats.AddPacket(pkt.Key, len(d.Data), pkt.Sequence) {
			metrics.SequenceGapsTotal.Inc()
		}
		metrics.DatagramsTotal.WithLabelValues("receiver", metrics.OutcomeAccepted).Inc()
		metrics.SamplesTotal.Add(float64(len(pkt.Values)))
	}
}

func (r *Receiver) finish() {
	metrics.BufferedSamples.Set(float64(r.ring.Len()))
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *Receiver) setErr(err error) {
	r.errMu.Lock()
	r.err = err
	r.errMu.Unlock()
}

// Stop asks the loop to exit and waits until it has, which takes at most
// one poll timeout. It returns the loop's terminal error, if any.
func (r *Receiver) Stop() error {
	r.stopping.Store(true)
	if !r.started.Load() {
		r.doneOnce.Do(func() { close(r.done) })
	}
	<-r.done
	return r.Err()
}

// Done is closed when the ingestion loop has exited.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that ended the loop: a transport failure or io.EOF
// from a replay. It is nil while running and after a requested stop.
func (r *Receiver) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Running reports whether the ingestion loop is active.
func (r *Receiver) Running() bool {
	if !r.started.Load() {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// PacketCount returns the number of packets ingested.
func (r *Receiver) PacketCount() uint64 {
	return r.packets.Load()
}

// ParamNames returns the configured parameter names in index order.
func (r *Receiver) ParamNames() []string {
	return append([]string(nil), r.cfg.ParamNames...)
}

// FilterKey returns the configured key and whether filtering is active.
func (r *Receiver) FilterKey() (uint16, bool) {
	return r.cfg.FilterKey, !r.cfg.AnyKey
}

// SessionID identifies this receiver instance in logs and exports.
func (r *Receiver) SessionID() string {
	return r.session
}

// Capacity returns the per-parameter sample capacity.
func (r *Receiver) Capacity() int {
	return r.ring.Capacity()
}

// Buffered returns the number of samples currently held.
func (r *Receiver) Buffered() int {
	return r.ring.Len()
}

// Snapshot returns the samples within window of the newest one for the
// named parameters. Before any packet arrives every series is empty.
func (r *Receiver) Snapshot(names []string, window time.Duration) (Snapshot, error) {
	cols, err := r.resolve(names)
	if err != nil {
		return Snapshot{}, err
	}
	times, values, latest := r.ring.Window(window, cols)
	snap := Snapshot{
		Times:  times,
		Values: make(map[string][]float64, len(names)),
		Latest: latest,
	}
	for i, name := range names {
		snap.Values[name] = values[i]
	}
	return snap, nil
}

// Latest returns the newest value of every parameter.
func (r *Receiver) Latest() (map[string]float64, time.Time, bool) {
	ts, values, ok := r.ring.Latest()
	if !ok {
		return nil, time.Time{}, false
	}
	out := make(map[string]float64, len(values))
	for i, name := range r.cfg.ParamNames {
		out[name] = float64(values[i])
	}
	return out, ts, true
}

// Stats returns the receiver's counters.
func (r *Receiver) Stats() *Stats {
	return r.stats
}

func (r *Receiver) resolve(names []string) ([]int, error) {
	cols := make([]int, len(names))
	for i, name := range names {
		c, ok := r.columns[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
		}
		cols[i] = c
	}
	return cols, nil
}
