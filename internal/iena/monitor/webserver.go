package monitor

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/iena-monitor/internal/iena"
	"github.com/banshee-data/iena-monitor/internal/iena/receiver"
	"github.com/banshee-data/iena-monitor/internal/iena/store"
	"github.com/banshee-data/iena-monitor/internal/iena/xidml"
	"github.com/banshee-data/iena-monitor/internal/monitoring"
	"github.com/banshee-data/iena-monitor/internal/version"
)

//go:embed status.html
var StatusHTML embed.FS

const (
	DefaultWindow       = 30 * time.Second
	DefaultPushInterval = 250 * time.Millisecond
	maxScanLimit        = 100
)

// Source is the live stream the web server presents. *receiver.Receiver
// satisfies it.
type Source interface {
	Snapshot(names []string, window time.Duration) (receiver.Snapshot, error)
	Latest() (map[string]float64, time.Time, bool)
	ParamNames() []string
	PacketCount() uint64
	Buffered() int
	Capacity() int
	Running() bool
	SessionID() string
	FilterKey() (uint16, bool)
	Stats() *receiver.Stats
}

// WebServer serves the monitoring UI and JSON API for one receiver.
type WebServer struct {
	address      string
	source       Source
	selected     []string
	window       time.Duration
	pushInterval time.Duration
	metadata     *xidml.Document
	store        *store.Store
	server       *http.Server
	live         *liveHub
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address string
	Source  Source
	// Selected lists the parameters plotted when a request names none.
	// Empty selects every parameter.
	Selected []string
	Window   time.Duration
	// PushInterval is the websocket snapshot period.
	PushInterval time.Duration
	// Metadata supplies units and ranges. Optional.
	Metadata *xidml.Document
	// Store enables the scan history endpoints. Optional.
	Store *store.Store
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:      config.Address,
		source:       config.Source,
		selected:     append([]string(nil), config.Selected...),
		window:       config.Window,
		pushInterval: config.PushInterval,
		metadata:     config.Metadata,
		store:        config.Store,
	}
	if ws.window <= 0 {
		ws.window = DefaultWindow
	}
	if ws.pushInterval <= 0 {
		ws.pushInterval = DefaultPushInterval
	}
	if len(ws.selected) == 0 && ws.source != nil {
		ws.selected = ws.source.ParamNames()
	}
	ws.live = newLiveHub()

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}
	return ws
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeJSON encodes v before writing anything so an encoding failure still
// produces a well-formed error response.
func (ws *WebServer) writeJSON(w http.ResponseWriter, v interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		monitoring.Logf("monitor: encode response: %v", err)
		ws.writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(buf.Bytes())
}

// Start serves until ctx is cancelled, then shuts the server down. It
// returns the listen error when the server could not start.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server on %s: %w", ws.address, err)
		}
		return nil
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down HTTP server...")
	ws.live.closeAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}

	monitoring.Logf("HTTP server routine stopped")
	return nil
}

// Close shuts the server down immediately.
func (ws *WebServer) Close() error {
	ws.live.closeAll()
	return ws.server.Close()
}

// Handler returns the routed handler, for embedding or tests.
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)
	mux.HandleFunc("/api/snapshot", ws.handleSnapshot)
	mux.HandleFunc("/api/latest", ws.handleLatest)
	mux.HandleFunc("/api/status", ws.handleStatusJSON)
	mux.HandleFunc("/api/scans", ws.handleScans)
	mux.HandleFunc("/api/scans/{id}", ws.handleScanStreams)
	mux.HandleFunc("/chart", ws.handleLineChart)
	mux.HandleFunc("/chart/latest", ws.handleLatestChart)
	mux.HandleFunc("/plot.png", ws.handlePlotPNG)
	mux.HandleFunc("/ws", ws.handleLive)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ws.writeJSON(w, map[string]interface{}{
		"status":    "ok",
		"service":   "iena-monitor",
		"version":   version.Version,
		"running":   ws.source.Running(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus renders the landing page with links to every view.
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	tmpl, err := template.ParseFS(StatusHTML, "status.html")
	if err != nil {
		http.Error(w, "Error loading template: "+err.Error(), http.StatusInternalServerError)
		return
	}

	data := struct {
		Key        string
		Session    string
		Running    bool
		Packets    uint64
		Buffered   int
		Capacity   int
		Window     string
		Parameters []string
		Selected   string
		Totals     receiver.StatsTotals
		HasStore   bool
	}{
		Key:        ws.keyLabel(),
		Session:    ws.source.SessionID(),
		Running:    ws.source.Running(),
		Packets:    ws.source.PacketCount(),
		Buffered:   ws.source.Buffered(),
		Capacity:   ws.source.Capacity(),
		Window:     ws.window.String(),
		Parameters: ws.source.ParamNames(),
		Selected:   strings.Join(ws.selected, ","),
		Totals:     ws.source.Stats().Totals(),
		HasStore:   ws.store != nil,
	}

	w.Header().Set("Content-Type", "text/html")
	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Error rendering template: "+err.Error(), http.StatusInternalServerError)
	}
}

func (ws *WebServer) keyLabel() string {
	key, filtering := ws.source.FilterKey()
	if !filtering {
		return "any"
	}
	return iena.FormatKey(key)
}

// snapshotResponse is the wire form of a receiver snapshot.
type snapshotResponse struct {
	Key         string               `json:"key"`
	PacketCount uint64               `json:"packet_count"`
	Window      float64              `json:"window_seconds"`
	Latest      *time.Time           `json:"latest,omitempty"`
	Times       []float64            `json:"times"`
	Values      map[string][]float64 `json:"values"`
}

// query parses the vars and window parameters shared by the data views.
// Query params:
//
//	vars   (optional, comma separated; defaults to the selected parameters)
//	window (optional Go duration or seconds; defaults to the configured window)
func (ws *WebServer) query(r *http.Request) ([]string, time.Duration, error) {
	names := ws.selected
	if v := r.URL.Query().Get("vars"); v != "" {
		names = nil
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	window := ws.window
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := parseWindow(v)
		if err != nil {
			return nil, 0, err
		}
		window = d
	}
	return names, window, nil
}

func parseWindow(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (ws *WebServer) snapshot(r *http.Request) (snapshotResponse, error) {
	names, window, err := ws.query(r)
	if err != nil {
		return snapshotResponse{}, err
	}
	snap, err := ws.source.Snapshot(names, window)
	if err != nil {
		return snapshotResponse{}, err
	}
	resp := snapshotResponse{
		Key:         ws.keyLabel(),
		PacketCount: ws.source.PacketCount(),
		Window:      window.Seconds(),
		Times:       snap.Times,
		Values:      snap.Values,
	}
	if !snap.Latest.IsZero() {
		latest := snap.Latest
		resp.Latest = &latest
	}
	return resp, nil
}

func (ws *WebServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	resp, err := ws.snapshot(r)
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	ws.writeJSON(w, resp)
}

type latestValue struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit,omitempty"`
	RangeMin float64 `json:"range_min"`
	RangeMax float64 `json:"range_max"`
}

// latest returns the newest value per parameter in index order, with the
// XidML range when known.
func (ws *WebServer) latest() ([]latestValue, time.Time, bool) {
	values, ts, ok := ws.source.Latest()
	if !ok {
		return nil, time.Time{}, false
	}
	names := ws.source.ParamNames()
	out := make([]latestValue, 0, len(names))
	for _, name := range names {
		lv := latestValue{
			Name:     name,
			Value:    values[name],
			RangeMin: xidml.DefaultRangeMinimum,
			RangeMax: xidml.DefaultRangeMaximum,
		}
		if p, ok := ws.metadata.Lookup(name); ok {
			lv.Unit = p.Unit
			lv.RangeMin = p.RangeMin
			lv.RangeMax = p.RangeMax
		}
		out = append(out, lv)
	}
	return out, ts, true
}

func (ws *WebServer) handleLatest(w http.ResponseWriter, r *http.Request) {
	values, ts, ok := ws.latest()
	if !ok {
		ws.writeJSONError(w, http.StatusNotFound, "no samples received yet")
		return
	}
	ws.writeJSON(w, map[string]interface{}{
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
		"values":    values,
	})
}

func (ws *WebServer) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
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
	ws.writeJSON(w, map[string]interface{}{
		"key":          ws.keyLabel(),
		"session_id":   ws.source.SessionID(),
		"running":      ws.source.Running(),
		"packet_count": ws.source.PacketCount(),
		"buffered":     ws.source.Buffered(),
		"capacity":     ws.source.Capacity(),
		"totals":       ws.source.Stats().Totals(),
		"window":       window.Seconds(),
		"parameters":   summarize(names, snap),
	})
}

// handleScans lists recent discovery scans.
// Query params:
//
//	limit (optional, default 10)
func (ws *WebServer) handleScans(w http.ResponseWriter, r *http.Request) {
	if ws.store == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no database configured for scan history")
		return
	}
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= maxScanLimit {
			limit = v
		}
	}
	scans, err := ws.store.RecentScans(r.Context(), limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list scans: %v", err))
		return
	}
	type scanSummary struct {
		ID          string   `json:"id"`
		StartedAt   string   `json:"started_at"`
		Duration    float64  `json:"duration_seconds"`
		Groups      []string `json:"groups"`
		Port        int      `json:"port"`
		ParamCount  int      `json:"param_count"`
		StreamCount int      `json:"stream_count"`
	}
	out := make([]scanSummary, 0, len(scans))
	for _, s := range scans {
		out = append(out, scanSummary{
			ID:          s.ID,
			StartedAt:   s.StartedAt.UTC().Format(time.RFC3339),
			Duration:    s.Duration.Seconds(),
			Groups:      s.Groups,
			Port:        s.Port,
			ParamCount:  s.ParamCount,
			StreamCount: s.StreamCount,
		})
	}
	ws.writeJSON(w, out)
}

func (ws *WebServer) handleScanStreams(w http.ResponseWriter, r *http.Request) {
	if ws.store == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no database configured for scan history")
		return
	}
	streams, err := ws.store.ScanStreams(r.Context(), r.PathValue("id"))
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list streams: %v", err))
		return
	}
	type streamSummary struct {
		Key            string  `json:"key"`
		Source         string  `json:"source"`
		Group          string  `json:"group,omitempty"`
		Count          int     `json:"count"`
		Rate           float64 `json:"rate"`
		DeclaredParams uint16  `json:"declared_params"`
	}
	out := make([]streamSummary, 0, len(streams))
	for _, s := range streams {
		out = append(out, streamSummary{
			Key:            iena.FormatKey(s.Key),
			Source:         s.Source,
			Group:          s.Group,
			Count:          s.Count,
			Rate:           s.Rate,
			DeclaredParams: s.DeclaredParams,
		})
	}
	ws.writeJSON(w, out)
}
