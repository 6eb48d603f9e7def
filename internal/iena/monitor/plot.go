package monitor

import (
	"fmt"
	"image/color"
	"net/http"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/iena-monitor/internal/iena/receiver"
	"github.com/banshee-data/iena-monitor/internal/monitoring"
)

const (
	defaultPlotWidth  = 10 * vg.Inch
	defaultPlotHeight = 5 * vg.Inch
	maxPlotInches     = 40
)

var seriesColors = []color.RGBA{
	{R: 31, G: 119, B: 180, A: 255},
	{R: 255, G: 127, B: 14, A: 255},
	{R: 44, G: 160, B: 44, A: 255},
	{R: 214, G: 39, B: 40, A: 255},
	{R: 148, G: 103, B: 189, A: 255},
	{R: 140, G: 86, B: 75, A: 255},
}

// renderPlot draws one line per name from snap. The y range comes from
// axisRange so a flat signal stays visible.
func renderPlot(title string, names []string, snap receiver.Snapshot) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "t (s)"
	p.Y.Label.Text = "value"
	p.Add(plotter.NewGrid())

	for i, name := range names {
		ys := snap.Values[name]
		if len(ys) == 0 {
			continue
		}
		// plotter rejects NaN and infinities.
		pts := make(plotter.XYs, 0, len(ys))
		for j, y := range ys {
			if isFinite(y) {
				pts = append(pts, plotter.XY{X: snap.Times[j], Y: y})
			}
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("line for %s: %w", name, err)
		}
		line.Color = seriesColors[i%len(seriesColors)]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	if lo, hi, ok := axisRange(snap.Values); ok {
		p.Y.Min = lo
		p.Y.Max = hi
	}
	return p, nil
}

// handlePlotPNG renders the snapshot window as a PNG image.
// Query params:
//   - vars, window (as for /api/snapshot)
//   - w, h (optional; image size in inches)
func (ws *WebServer) handlePlotPNG(w http.ResponseWriter, r *http.Request) {
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

	p, err := renderPlot(fmt.Sprintf("IENA stream %s", ws.keyLabel()), names, snap)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	width := sizeParam(r, "w", defaultPlotWidth)
	height := sizeParam(r, "h", defaultPlotHeight)

	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		monitoring.Logf("monitor: write plot: %v", err)
	}
}

func sizeParam(r *http.Request, key string, def vg.Length) vg.Length {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	inches, err := strconv.ParseFloat(v, 64)
	if err != nil || inches <= 0 || inches > maxPlotInches {
		return def
	}
	return vg.Length(inches) * vg.Inch
}
