// Package live pushes scene changes to browser viewers over websockets.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"geosync/internal/clipping"
	"geosync/internal/placement"
)

// Message types sent to viewers.
const (
	TypeAssetAdd    = "asset.add"
	TypeAssetRemove = "asset.remove"
	TypeClipping    = "clipping.set"
	TypeState       = "sync.state"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// Message is one event on the wire.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ClippingPayload carries the full clipping set as flat lon/lat polygons.
// An empty list clears clipping.
type ClippingPayload struct {
	Polygons [][]float64 `json:"polygons"`
}

// RemovePayload names the asset to drop.
type RemovePayload struct {
	ID uuid.UUID `json:"id"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is a placement.Renderer that mirrors the scene to every connected
// viewer. Viewers that connect late get the current asset and clipping set
// first.
type Hub struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*client]struct{}
	asset    *placement.PlacedAsset
	polygons [][]float64
}

// NewHub creates a hub. Any origin may connect; the hub is meant to listen
// on loopback only.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:  make(map[*client]struct{}),
		polygons: [][]float64{},
	}
}

// Clients returns the number of connected viewers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// AddAsset broadcasts a new asset.
func (h *Hub) AddAsset(_ context.Context, asset placement.PlacedAsset) error {
	data, err := encode(TypeAssetAdd, asset)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.asset = &asset
	h.broadcastLocked(data)
	return nil
}

// RemoveAsset broadcasts the removal of an asset.
func (h *Hub) RemoveAsset(_ context.Context, id uuid.UUID) error {
	data, err := encode(TypeAssetRemove, RemovePayload{ID: id})
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.asset != nil && h.asset.ID == id {
		h.asset = nil
	}
	h.broadcastLocked(data)
	return nil
}

// SetClipping broadcasts the full clipping set.
func (h *Hub) SetClipping(_ context.Context, loops []clipping.Loop) error {
	polygons := clipping.FlattenLoops(loops)
	data, err := encode(TypeClipping, ClippingPayload{Polygons: polygons})
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.polygons = polygons
	h.broadcastLocked(data)
	return nil
}

// Publish broadcasts an arbitrary event, such as a sync state change. It is
// not replayed to viewers that connect later.
func (h *Hub) Publish(typ string, payload any) {
	data, err := encode(typ, payload)
	if err != nil {
		log.Printf("[Live] Failed to encode %s: %v", typ, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(data)
}

// ServeHTTP upgrades the request and registers the viewer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Live] Upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	if err := h.register(c); err != nil {
		log.Printf("[Live] Failed to send snapshot: %v", err)
		conn.Close()
		return
	}
	log.Printf("[Live] Viewer connected from %s", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// Close disconnects every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// register queues the snapshot before the client becomes visible to
// broadcasts, so it always arrives first.
func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.asset != nil {
		data, err := encode(TypeAssetAdd, *h.asset)
		if err != nil {
			return err
		}
		c.send <- data
	}
	data, err := encode(TypeClipping, ClippingPayload{Polygons: h.polygons})
	if err != nil {
		return err
	}
	c.send <- data

	h.clients[c] = struct{}{}
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcastLocked(data []byte) {
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Printf("[Live] Dropping slow viewer %s", c.conn.RemoteAddr())
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// readPump only watches for the close; viewers never send commands.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Live] Viewer read error: %v", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encode(typ string, payload any) ([]byte, error) {
	data, err := json.Marshal(Message{Type: typ, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", typ, err)
	}
	return data, nil
}
