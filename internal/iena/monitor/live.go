package monitor

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/iena-monitor/internal/monitoring"
)

const liveWriteTimeout = 5 * time.Second

// liveHub tracks open websocket clients so shutdown can drop them.
type liveHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

func newLiveHub() *liveHub {
	return &liveHub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *liveHub) add(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[conn] = struct{}{}
	return true
}

func (h *liveHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *liveHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *liveHub) closeAll() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts requests without an Origin header and browsers on the
// host serving the page.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// handleLive pushes a snapshot to the client every push interval until the
// client goes away. The query parameters are those of /api/snapshot.
func (ws *WebServer) handleLive(w http.ResponseWriter, r *http.Request) {
	if _, _, err := ws.query(r); err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("monitor: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()
	if !ws.live.add(conn) {
		return
	}
	defer ws.live.remove(conn)

	// Clients never send data; reads only detect disconnects.
	conn.SetReadLimit(4096)
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(ws.pushInterval)
	defer ticker.Stop()
	for {
		resp, err := ws.snapshot(r)
		if err != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, err.Error()),
				time.Now().Add(liveWriteTimeout))
			return
		}
		conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := conn.WriteJSON(resp); err != nil {
			monitoring.Debugf("monitor: websocket write: %v", err)
			return
		}
		select {
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}
