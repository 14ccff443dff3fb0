package realtime

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans saga transition events out to connected WebSocket clients so
// dashboards can follow workflows live. Delivery is best effort; a slow
// or dead client is dropped, never waited on.
type Hub struct {
	mu          sync.Mutex
	connections map[*websocket.Conn]struct{}
	register    chan *websocket.Conn
	unregister  chan *websocket.Conn
	messages    chan []byte
	done        chan struct{}
	closeOnce   sync.Once
}

// NewHub constructs a Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		register:    make(chan *websocket.Conn),
		unregister:  make(chan *websocket.Conn),
		messages:    make(chan []byte, 64),
		done:        make(chan struct{}),
	}
}

// Run processes register/unregister/broadcast events until Close.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.messages:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		case <-h.done:
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues a message for every connected client. It never blocks
// the caller; messages are dropped once the buffer is full or the hub is
// closed.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.messages <- msg:
	case <-h.done:
	default:
	}
}

// Close disconnects all clients and stops the run loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades requests to WebSocket and subscribes them to the
// event stream. Clients are read-only; anything they send is discarded.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case h.register <- conn:
		case <-h.done:
			conn.Close()
			return
		}

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					select {
					case h.unregister <- conn:
					case <-h.done:
						conn.Close()
					}
					return
				}
			}
		}()
	})
}
