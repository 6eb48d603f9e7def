package receiver

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestSampleRingWindow(t *testing.T) {
	r := NewSampleRing(2, 100)
	for i := 0; i < 10; i++ {
		r.Append(epoch.Add(time.Duration(i)*time.Second), []float32{float32(i), float32(-i)})
	}

	times, values, latest := r.Window(3*time.Second, []int{0, 1})
	assert.Equal(t, []float64{-2, -1, 0}, times)
	assert.Equal(t, []float64{7, 8, 9}, values[0])
	assert.Equal(t, []float64{-7, -8, -9}, values[1])
	assert.True(t, latest.Equal(epoch.Add(9*time.Second)))
}

func TestSampleRingWindowColumnsSubsetAndOrder(t *testing.T) {
	r := NewSampleRing(3, 10)
	r.Append(epoch, []float32{1, 2, 3})
	r.Append(epoch.Add(500*time.Millisecond), []float32{4, 5, 6})

	times, values, _ := r.Window(time.Minute, []int{2, 0})
	assert.Equal(t, []float64{-0.5, 0}, times)
	if diff := cmp.Diff([][]float64{{3, 6}, {1, 4}}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestSampleRingWindowAll(t *testing.T) {
	r := NewSampleRing(1, 10)
	for i := 0; i < 4; i++ {
		r.Append(epoch.Add(time.Duration(i)*time.Hour), []float32{float32(i)})
	}
	times, values, _ := r.Window(0, []int{0})
	assert.Len(t, times, 4)
	assert.Equal(t, []float64{0, 1, 2, 3}, values[0])
}

func TestSampleRingEviction(t *testing.T) {
	r := NewSampleRing(3, 10)
	for i := 0; i < 15; i++ {
		r.Append(epoch.Add(time.Duration(i)*time.Second), []float32{float32(i), float32(i * 10), float32(i * 100)})
	}
	require.Equal(t, 10, r.Len())
	assert.Equal(t, 10, r.Capacity())

	times, values, _ := r.Window(time.Hour, []int{0, 1, 2})
	require.Len(t, times, 10)
	assert.Equal(t, -9.0, times[0])
	for c, scale := range []float64{1, 10, 100} {
		require.Len(t, values[c], 10)
		for i, v := range values[c] {
			assert.Equal(t, float64(i+5)*scale, v, "column %d index %d", c, i)
		}
	}
}

func TestSampleRingEmpty(t *testing.T) {
	r := NewSampleRing(2, 0)
	assert.Equal(t, DefaultCapacity, r.Capacity())

	times, values, latest := r.Window(time.Second, []int{0, 1})
	assert.NotNil(t, times)
	assert.Empty(t, times)
	require.Len(t, values, 2)
	assert.NotNil(t, values[0])
	assert.Empty(t, values[0])
	assert.True(t, latest.IsZero())

	_, _, ok := r.Latest()
	assert.False(t, ok)
}

func TestSampleRingClampsBackwardTime(t *testing.T) {
	r := NewSampleRing(1, 10)
	r.Append(epoch.Add(5*time.Second), []float32{1})
	r.Append(epoch, []float32{2})

	times, values, latest := r.Window(time.Second, []int{0})
	assert.Equal(t, []float64{0, 0}, times)
	assert.Equal(t, []float64{1, 2}, values[0])
	assert.True(t, latest.Equal(epoch.Add(5*time.Second)))
}

func TestSampleRingLatest(t *testing.T) {
	r := NewSampleRing(2, 4)
	r.Append(epoch, []float32{1, 2})
	r.Append(epoch.Add(time.Second), []float32{3, 4})

	ts, values, ok := r.Latest()
	require.True(t, ok)
	assert.True(t, ts.Equal(epoch.Add(time.Second)))
	assert.Equal(t, []float32{3, 4}, values)
}
