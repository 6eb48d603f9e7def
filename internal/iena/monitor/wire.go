package monitor

import (
	"encoding/json"
	"time"
)

// Samples may legitimately be NaN or infinite. JSON has no encoding for
// either, so the response types write them as null.

func finite(v float64) *float64 {
	if !isFinite(v) {
		return nil
	}
	return &v
}

func finiteSlice(vs []float64) []*float64 {
	if vs == nil {
		return nil
	}
	out := make([]*float64, len(vs))
	for i, v := range vs {
		out[i] = finite(v)
	}
	return out
}

func (s snapshotResponse) MarshalJSON() ([]byte, error) {
	values := make(map[string][]*float64, len(s.Values))
	for name, ys := range s.Values {
		values[name] = finiteSlice(ys)
	}
	return json.Marshal(struct {
		Key         string                `json:"key"`
		PacketCount uint64                `json:"packet_count"`
		Window      float64               `json:"window_seconds"`
		Latest      *time.Time            `json:"latest,omitempty"`
		Times       []float64             `json:"times"`
		Values      map[string][]*float64 `json:"values"`
	}{s.Key, s.PacketCount, s.Window, s.Latest, s.Times, values})
}

func (v latestValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name     string   `json:"name"`
		Value    *float64 `json:"value"`
		Unit     string   `json:"unit,omitempty"`
		RangeMin float64  `json:"range_min"`
		RangeMax float64  `json:"range_max"`
	}{v.Name, finite(v.Value), v.Unit, v.RangeMin, v.RangeMax})
}

func (s SeriesSummary) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name    string   `json:"name"`
		Samples int      `json:"samples"`
		Finite  int      `json:"finite"`
		Last    *float64 `json:"last"`
		Min     *float64 `json:"min"`
		Max     *float64 `json:"max"`
		Mean    *float64 `json:"mean"`
		StdDev  *float64 `json:"stddev"`
	}{s.Name, s.Samples, s.Finite, finite(s.Last), finite(s.Min), finite(s.Max), finite(s.Mean), finite(s.StdDev)})
}
