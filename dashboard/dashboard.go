// Package dashboard is a small live-state viewer over a Service, adapted
// from the teacher repo's web.go: the same upgrader/clients-map/broadcast
// channel websocket fan-out, generalized from the teacher's package-level
// globals into a struct so a host can run more than one Dashboard (e.g.
// one per Service instance) without them colliding.
package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Payload mirrors the teacher's Payload{Kind, Body} wire message.
type Payload struct {
	Kind string `json:"kind"`
	Body any    `json:"body"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Dashboard broadcasts periodic snapshots to connected websocket clients.
type Dashboard struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte

	pollInterval time.Duration
	snapshot     func() Payload
}

// New constructs a Dashboard. snapshot is called once per pollInterval to
// produce the payload broadcast to every connected client.
func New(pollInterval time.Duration, snapshot func() Payload) *Dashboard {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Dashboard{
		clients:      make(map[*websocket.Conn]bool),
		broadcast:    make(chan []byte),
		pollInterval: pollInterval,
		snapshot:     snapshot,
	}
}

// Run starts the poll-and-broadcast loop and the message-fanout goroutine;
// it blocks until stop is closed, the teacher's handleMessages loop
// generalized to accept cancellation instead of running forever.
func (d *Dashboard) Run(stop <-chan struct{}) {
	go d.fanOut(stop)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			payload := d.snapshot()
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			select {
			case d.broadcast <- data:
			case <-stop:
				return
			}
		}
	}
}

func (d *Dashboard) fanOut(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg := <-d.broadcast:
			d.mu.Lock()
			for c := range d.clients {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					c.Close()
					delete(d.clients, c)
				}
			}
			d.mu.Unlock()
		}
	}
}

// Handler upgrades a connection and registers it for broadcasts — the
// teacher's wsHandler, adapted off the package-level clients map.
func (d *Dashboard) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.clients[conn] = true
	d.mu.Unlock()
}

// Mux returns an http.ServeMux serving the websocket endpoint at /ws —
// the host mounts it wherever it runs its HTTP listener.
func (d *Dashboard) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", d.Handler)
	return mux
}
