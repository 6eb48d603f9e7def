package receiver

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of samples retained per parameter.
const DefaultCapacity = 10000

// SampleRing is a fixed-capacity columnar ring buffer: one timestamp column
// shared by every parameter plus one value column per parameter. A single
// mutex covers all columns so readers never see columns of different length.
type SampleRing struct {
	mu       sync.Mutex
	times    []int64 // Unix nanoseconds
	values   [][]float32
	capacity int
	head     int // Points to next write position
	size     int // Current number of samples stored
}

// NewSampleRing creates a ring for params columns holding capacity samples.
func NewSampleRing(params, capacity int) *SampleRing {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	values := make([][]float32, params)
	for i := range values {
		values[i] = make([]float32, capacity)
	}
	return &SampleRing{
		times:    make([]int64, capacity),
		values:   values,
		capacity: capacity,
	}
}

// Append stores one sample per column, overwriting the oldest when full.
// values must have one entry per column. Timestamps never move backwards:
// a timestamp earlier than the newest stored one is clamped to it.
func (r *SampleRing) Append(ts time.Time, values []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ns := ts.UnixNano()
	if r.size > 0 {
		if last := r.times[r.index(r.size-1)]; ns < last {
			ns = last
		}
	}
	r.times[r.head] = ns
	for i, col := range r.values {
		col[r.head] = values[i]
	}
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// index maps a logical position (0 = oldest) to a slot.
func (r *SampleRing) index(i int) int {
	return (r.head - r.size + i + r.capacity) % r.capacity
}

// Len returns the number of samples stored.
func (r *SampleRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the maximum number of samples.
func (r *SampleRing) Capacity() int {
	return r.capacity
}

// Window copies the samples newer than window before the newest one. The
// interval is half-open: a sample exactly window older than the newest is
// excluded. A non-positive window returns every stored sample.
// Times are seconds relative to the newest sample, so the last is 0. The
// returned value slices follow the order of columns. latest is the newest
// timestamp, zero when the ring is empty.
func (r *SampleRing) Window(window time.Duration, columns []int) (times []float64, values [][]float64, latest time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	values = make([][]float64, len(columns))
	if r.size == 0 {
		times = []float64{}
		for i := range values {
			values[i] = []float64{}
		}
		return times, values, time.Time{}
	}

	newest := r.times[r.index(r.size-1)]
	cutoff := newest - int64(window)

	// Timestamps are non-decreasing, so walk back from the newest until the
	// cutoff is crossed.
	first := r.size
	if window <= 0 {
		first = 0
	}
	for first > 0 && r.times[r.index(first-1)] > cutoff {
		first--
	}
	n := r.size - first

	times = make([]float64, n)
	for i := 0; i < n; i++ {
		times[i] = float64(r.times[r.index(first+i)]-newest) / float64(time.Second)
	}
	for c, col := range columns {
		out := make([]float64, n)
		src := r.values[col]
		for i := 0; i < n; i++ {
			out[i] = float64(src[r.index(first+i)])
		}
		values[c] = out
	}
	return times, values, time.Unix(0, newest)
}

// Latest returns the newest sample.
func (r *SampleRing) Latest() (time.Time, []float32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return time.Time{}, nil, false
	}
	idx := r.index(r.size - 1)
	out := make([]float32, len(r.values))
	for i, col := range r.values {
		out[i] = col[idx]
	}
	return time.Unix(0, r.times[idx]), out, true
}

