package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/doublewordai/silt/proxy/observability"
	"github.com/doublewordai/silt/proxy/store"
)

const maxOpsConnections = 50

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Operator-facing stream; origins are not restricted.
		return true
	},
}

// StatsSnapshot is the once-a-second operator view of the proxy.
type StatsSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	PendingDepth    int64     `json:"pending_depth"`
	ActiveBatches   int       `json:"active_batches"`
	WaitingHandlers int64     `json:"waiting_handlers"`
	ClientCount     int       `json:"connected_ops_clients"`
}

// OpsHub manages operator WebSocket connections and broadcasts stats.
// Single broadcaster pattern prevents N duplicate tickers.
type OpsHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex

	store store.Store
	api   *API
}

// NewOpsHub creates a new operator stats hub.
func NewOpsHub(s store.Store, api *API) *OpsHub {
	return &OpsHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		store:      s,
		api:        api,
	}
}

// Run starts the hub's main loop.
func (h *OpsHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= maxOpsConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("Ops stream connection rejected: max connections (%d) reached", maxOpsConnections)
				continue
			}
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			observability.OpsStreamClients.Set(float64(total))
			log.Printf("Ops stream client registered. Total: %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.OpsStreamClients.Set(float64(total))
			log.Printf("Ops stream client unregistered. Total: %d", total)

		case <-ticker.C:
			h.broadcastAll(ctx)
		}
	}
}

// broadcastAll collects one snapshot and sends it to every client.
func (h *OpsHub) broadcastAll(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}

	snapshot, err := h.collect(ctx)
	if err != nil {
		log.Printf("Ops stream: failed to collect stats: %v", err)
		return
	}

	for conn := range h.clients {
		// Set write deadline to prevent blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snapshot); err != nil {
			log.Printf("Ops stream write error: %v", err)
			// Unregister will be handled by read pump or next ping
			go h.Unregister(conn)
		}
	}
}

func (h *OpsHub) collect(ctx context.Context) (*StatsSnapshot, error) {
	depth, err := h.store.PendingDepth(ctx)
	if err != nil {
		return nil, err
	}
	batchIDs, err := h.store.ActiveBatches(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsSnapshot{
		Timestamp:       time.Now().UTC(),
		PendingDepth:    depth,
		ActiveBatches:   len(batchIDs),
		WaitingHandlers: h.api.waiters.Load(),
		ClientCount:     h.ClientCount(),
	}, nil
}

// shutdown gracefully closes all client connections.
func (h *OpsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down ops stream hub with %d clients", len(h.clients))

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	observability.OpsStreamClients.Set(0)
}

// Register adds a new client connection.
func (h *OpsHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *OpsHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *OpsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleOpsStream upgrades to WebSocket and registers with the hub.
func (h *OpsHub) handleOpsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Ops stream upgrade failed: %v", err)
		return
	}

	h.Register(conn)
	defer h.Unregister(conn)

	// Configure ping/pong for dead client detection
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to detect disconnections
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Ops stream error: %v", err)
			}
			break
		}
	}
}
