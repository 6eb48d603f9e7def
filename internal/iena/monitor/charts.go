package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// handleLineChart renders the snapshot window as an HTML line chart with one
// series per parameter against seconds relative to the newest sample.
// Query params:
//   - vars (optional; defaults to the selected parameters)
//   - window (optional; defaults to the configured window)
func (ws *WebServer) handleLineChart(w http.ResponseWriter, r *http.Request) {
	names, window, err := ws.query(r)
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := ws.source.Snapshot(names, window)
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	xMin := -window.Seconds()
	if window <= 0 && len(snap.Times) > 0 {
		xMin = snap.Times[0]
	}
	yAxis := opts.YAxis{Name: "value", NameLocation: "middle", NameGap: 40, Scale: opts.Bool(true)}
	if lo, hi, ok := axisRange(snap.Values); ok {
		yAxis.Min = round3(lo)
		yAxis.Max = round3(hi)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "IENA Stream", Theme: "dark", Width: "1100px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("IENA stream %s", ws.keyLabel()), Subtitle: fmt.Sprintf("packets=%d samples=%d window=%s", ws.source.PacketCount(), len(snap.Times), window)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Min: xMin, Max: 0, Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(yAxis),
	)

	for _, name := range names {
		ys := snap.Values[name]
		data := make([]opts.LineData, len(ys))
		for i, y := range ys {
			if !isFinite(y) {
				// echarts draws "-" as a gap.
				data[i] = opts.LineData{Value: []interface{}{snap.Times[i], "-"}}
				continue
			}
			data[i] = opts.LineData{Value: []interface{}{snap.Times[i], y}}
		}
		line.AddSeries(name, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// handleLatestChart renders the newest value of every parameter as a
// percentage of its declared range.
func (ws *WebServer) handleLatestChart(w http.ResponseWriter, r *http.Request) {
	values, ts, ok := ws.latest()
	if !ok {
		ws.writeJSONError(w, http.StatusNotFound, "no samples received yet")
		return
	}

	names := make([]string, len(values))
	data := make([]opts.BarData, len(values))
	for i, v := range values {
		names[i] = v.Name
		data[i] = opts.BarData{Name: fmt.Sprintf("%s=%g%s", v.Name, v.Value, v.Unit), Value: round3(rangePercent(v))}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "IENA Latest Values", Theme: "dark", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Latest values", Subtitle: fmt.Sprintf("%s at %s", ws.keyLabel(), ts.Format("15:04:05.000"))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "% of range", Min: 0, Max: 100}),
	)
	bar.SetXAxis(names).
		AddSeries("latest", data,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// rangePercent places v within its range, clamped to [0, 100].
func rangePercent(v latestValue) float64 {
	span := v.RangeMax - v.RangeMin
	if span <= 0 || math.IsNaN(v.Value) {
		return 0
	}
	pct := (v.Value - v.RangeMin) / span * 100
	return math.Max(0, math.Min(100, pct))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
