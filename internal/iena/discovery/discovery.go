// Package discovery runs a bounded scan that inventories the IENA streams
// present on a transport.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"time"

	"github.com/banshee-data/iena-monitor/internal/iena"
	"github.com/banshee-data/iena-monitor/internal/iena/network"
	"github.com/banshee-data/iena-monitor/internal/metrics"
	"github.com/banshee-data/iena-monitor/internal/monitoring"
	"github.com/banshee-data/iena-monitor/internal/timeutil"
)

// DefaultPollTimeout bounds each receive call during a scan.
const DefaultPollTimeout = 500 * time.Millisecond

// minRateSpan keeps Rate finite for streams seen once.
const minRateSpan = time.Millisecond

// Identity distinguishes streams by IENA key and sender address.
type Identity struct {
	Key    uint16
	Source netip.Addr
}

func (id Identity) String() string {
	return fmt.Sprintf("%s from %s", iena.FormatKey(id.Key), id.Source)
}

// Record aggregates the datagrams of one stream seen during a scan.
type Record struct {
	Identity
	// Group is the destination of the first datagram, when known.
	Group netip.Addr
	// DeclaredParams is n2 from the most recent packet.
	DeclaredParams uint16
	Count          int
	FirstSeen      time.Time
	LastSeen       time.Time
}

// Rate returns packets per second over the observed span.
func (r Record) Rate() float64 {
	span := r.LastSeen.Sub(r.FirstSeen)
	if span < minRateSpan {
		span = minRateSpan
	}
	return float64(r.Count) / span.Seconds()
}

// Options controls a discovery pass.
type Options struct {
	Duration   time.Duration
	ParamCount int
	// PollTimeout bounds each receive. Zero uses DefaultPollTimeout.
	PollTimeout time.Duration
	// Strict rejects packets whose declared parameter count differs.
	Strict bool
	Clock  timeutil.Clock
}

// Result maps each stream to its record.
type Result map[Identity]Record

// Sorted returns the records ordered by key, then source address.
func (r Result) Sorted() []Record {
	out := make([]Record, 0, len(r))
	for _, rec := range r {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Source.Less(out[j].Source)
	})
	return out
}

// Discover receives from t until Duration has elapsed and returns every
// stream that produced a decodable packet. Malformed datagrams are skipped.
//
// The pass ends early without error when a replay transport reaches the end
// of its input. A socket failure or context cancellation ends it with the
// records gathered so far and the error.
func Discover(ctx context.Context, t network.Transport, opts Options) (Result, error) {
	codec, err := iena.NewCodec(opts.ParamCount)
	if err != nil {
		return nil, err
	}
	codec.Strict = opts.Strict
	if opts.Duration <= 0 {
		return nil, fmt.Errorf("discovery duration must be positive, got %v", opts.Duration)
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = DefaultPollTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	result := make(Result)
	var pkt iena.Packet
	malformed := 0
	deadline := clock.Now().Add(opts.Duration)

	defer func() {
		metrics.DiscoveredStreams.Set(float64(len(result)))
		monitoring.Logf("discovery finished: %d stream(s), %d malformed datagram(s) skipped", len(result), malformed)
	}()

	for {
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		d, err := t.Receive(min(poll, remaining))
		switch {
		case errors.Is(err, network.ErrTimeout):
			continue
		case errors.Is(err, io.EOF):
			return result, nil
		case err != nil:
			return result, err
		}

		now := clock.Now()
		if !now.Before(deadline) {
			metrics.DatagramsTotal.WithLabelValues("discovery", metrics.OutcomeLate).Inc()
			return result, nil
		}

		if err := codec.DecodeInto(d.Data, &pkt); err != nil {
			malformed++
			metrics.DatagramsTotal.WithLabelValues("discovery", metrics.OutcomeMalformed).Inc()
			continue
		}
		metrics.DatagramsTotal.WithLabelValues("discovery", metrics.OutcomeAccepted).Inc()

		id := Identity{Key: pkt.Key, Source: d.Source.Addr()}
		rec, ok := result[id]
		if !ok {
			rec = Record{Identity: id, Group: d.Destination, FirstSeen: now}
			monitoring.Debugf("new stream %s", id)
		}
		rec.Count++
		rec.LastSeen = now
		rec.DeclaredParams = pkt.ParamCount
		result[id] = rec
	}
}
