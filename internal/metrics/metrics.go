// Package metrics holds the Prometheus collectors shared by discovery, the
// receiver and the sender.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Datagram outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeMalformed = "malformed"
	OutcomeFiltered  = "filtered"
	OutcomeLate      = "late"
)

var (
	// DatagramsTotal counts received datagrams by component and outcome.
	DatagramsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iena_datagrams_total",
		Help: "Datagrams received, by component and outcome",
	}, []string{"component", "outcome"})

	// SamplesTotal counts samples appended to receiver buffers.
	SamplesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iena_receiver_samples_total",
		Help: "Samples appended to receiver buffers",
	})

	// SequenceGapsTotal counts discontinuities in the sequence counter.
	SequenceGapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iena_receiver_sequence_gaps_total",
		Help: "Sequence discontinuities observed by receivers",
	})

	// BufferedSamples is the number of samples currently held per parameter.
	BufferedSamples = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iena_receiver_buffered_samples",
		Help: "Samples currently retained in the receiver ring",
	})

	// DiscoveredStreams is the stream count of the most recent discovery pass.
	DiscoveredStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iena_discovery_streams",
		Help: "Streams found by the most recent discovery pass",
	})

	// SenderDatagramsTotal counts sender results.
	SenderDatagramsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iena_sender_datagrams_total",
		Help: "Datagrams handled by the sender, by result",
	}, []string{"result"})

	registerOnce sync.Once
)

// Register adds all collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			DatagramsTotal,
			SamplesTotal,
			SequenceGapsTotal,
			BufferedSamples,
			DiscoveredStreams,
			SenderDatagramsTotal,
		)
	})
}
