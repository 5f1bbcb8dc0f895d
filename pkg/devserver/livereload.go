package devserver

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const heartbeatInterval = 30 * time.Second

// ReloadScript is served at /livereload.js and referenced from every HTML
// page the server hands out. It reloads the page whenever the advertised
// build id changes.
const ReloadScript = `(() => {
  if (window.__WASMCTL_LR__) return;
  window.__WASMCTL_LR__ = true;
  function connect() {
    const es = new EventSource('/livereload');
    let first = true;
    let current = null;
    es.onmessage = (e) => {
      try {
        const p = JSON.parse(e.data);
        if (first) { current = p.build; first = false; return; }
        if (p.build && p.build !== current) { location.reload(); }
      } catch (_) {}
    };
    es.onerror = () => { es.close(); setTimeout(connect, 2000); };
  }
  connect();
})();
`

// Hub fans successful-build notifications out to connected browsers over SSE.
type Hub struct {
	mu        sync.Mutex
	nextID    int
	clients   map[int]*hubClient
	closed    bool
	lastBuild string

	clientsGauge prometheus.Gauge
}

type hubClient struct {
	id   int
	ch   chan string
	done chan struct{}
}

// NewHub creates a hub. The gauge tracks connected clients and may be nil.
func NewHub(clientsGauge prometheus.Gauge) *Hub {
	return &Hub{clients: map[int]*hubClient{}, clientsGauge: clientsGauge}
}

// ServeHTTP implements the SSE endpoint: one "data:" frame per completed
// build plus periodic keepalive comments.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "live reload shutting down", http.StatusServiceUnavailable)
		return
	}
	client := &hubClient{id: h.nextID, ch: make(chan string, 8), done: make(chan struct{})}
	h.nextID++
	h.clients[client.id] = client
	last := h.lastBuild
	h.setGaugeLocked()
	h.mu.Unlock()
	defer h.removeClient(client.id)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeFrame := func(frame string) bool {
		if _, err := io.WriteString(w, frame); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeFrame(": connected\n\n") {
		return
	}
	if last != "" && !writeFrame(buildFrame(last)) {
		return
	}

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.done:
			return
		case <-hb.C:
			if !writeFrame(": ping\n\n") {
				return
			}
		case id := <-client.ch:
			if !writeFrame(buildFrame(id)) {
				return
			}
		}
	}
}

// buildFrame formats one SSE event. Build ids are UUIDs, no escaping needed.
func buildFrame(id string) string {
	return `data: {"build":"` + id + `"}` + "\n\n"
}

// Broadcast notifies all clients about a completed build. Clients too slow to
// drain their queue are dropped; the browser reconnects on its own.
func (h *Hub) Broadcast(buildID string) {
	h.mu.Lock()
	if h.closed || buildID == "" || buildID == h.lastBuild {
		h.mu.Unlock()
		return
	}
	h.lastBuild = buildID
	snapshot := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	for _, c := range snapshot {
		select {
		case c.ch <- buildID:
		default:
			h.removeClient(c.id)
		}
	}
	log.Debug().Str("build_id", buildID).Int("clients", len(snapshot)).Msg("reload broadcast")
}

// Shutdown disconnects all clients and rejects new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = map[int]*hubClient{}
	h.setGaugeLocked()
	h.mu.Unlock()
	for _, c := range clients {
		close(c.done)
	}
}

func (h *Hub) removeClient(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.done)
		h.setGaugeLocked()
	}
}

func (h *Hub) setGaugeLocked() {
	if h.clientsGauge != nil {
		h.clientsGauge.Set(float64(len(h.clients)))
	}
}
