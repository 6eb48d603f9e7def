package monitor

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/iena-monitor/internal/iena/receiver"
)

// minAxisMargin keeps a flat series from collapsing the y axis.
const minAxisMargin = 0.5

// SeriesSummary describes one parameter over a snapshot window. Min, Max,
// Mean and StdDev cover the finite samples only and are NaN when there are
// none.
type SeriesSummary struct {
	Name    string  `json:"name"`
	Samples int     `json:"samples"`
	Finite  int     `json:"finite"`
	Last    float64 `json:"last"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stddev"`
}

func summarize(names []string, snap receiver.Snapshot) []SeriesSummary {
	out := make([]SeriesSummary, 0, len(names))
	for _, name := range names {
		ys := snap.Values[name]
		s := SeriesSummary{Name: name, Samples: len(ys)}
		if len(ys) == 0 {
			out = append(out, s)
			continue
		}
		s.Last = ys[len(ys)-1]
		fs := finiteValues(ys)
		s.Finite = len(fs)
		if len(fs) == 0 {
			s.Min, s.Max, s.Mean, s.StdDev = math.NaN(), math.NaN(), math.NaN(), math.NaN()
			out = append(out, s)
			continue
		}
		s.Min = floats.Min(fs)
		s.Max = floats.Max(fs)
		s.Mean, s.StdDev = stat.MeanStdDev(fs, nil)
		if math.IsNaN(s.StdDev) {
			s.StdDev = 0
		}
		out = append(out, s)
	}
	return out
}

// finiteValues returns ys without NaN and infinities. ys is returned as is
// when every value is finite.
func finiteValues(ys []float64) []float64 {
	for i, y := range ys {
		if isFinite(y) {
			continue
		}
		out := append([]float64(nil), ys[:i]...)
		for _, rest := range ys[i+1:] {
			if isFinite(rest) {
				out = append(out, rest)
			}
		}
		return out
	}
	return ys
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// axisRange returns y bounds covering every finite sample with a tenth of
// the span added on each side, never less than minAxisMargin. ok is false
// when no series has a finite sample.
func axisRange(series map[string][]float64) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, ys := range series {
		fs := finiteValues(ys)
		if len(fs) == 0 {
			continue
		}
		lo = math.Min(lo, floats.Min(fs))
		hi = math.Max(hi, floats.Max(fs))
		ok = true
	}
	if !ok {
		return 0, 0, false
	}
	margin := math.Max((hi-lo)*0.1, minAxisMargin)
	return lo - margin, hi + margin, true
}
