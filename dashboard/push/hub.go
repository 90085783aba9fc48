/*Package push fans live state changes out to dashboard clients.

The hub holds the registered websocket connections together with their
authorization scope and delivers every event only to connections
authorized for the event's tenant.
*/
package push

import (
	"sync"
	"time"

	"github.com/fov-tech/fovdash/core/access"
	"github.com/fov-tech/fovdash/core/logger"
)

// defaultWriteTimeout bounds how long one stuck connection may delay
// delivery to the others.
const defaultWriteTimeout = 5 * time.Second

// Conn is the subset of a websocket connection the hub needs.
// *websocket.Conn satisfies it; tests inject fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Frame is one push-channel message. Topic is a device name or a
// "relay:{id}" key; Message is the denormalized current-state view.
type Frame struct {
	Topic   string      `json:"topic"`
	Message interface{} `json:"message"`
}

// Hub is the connection registry and broadcast fan-out.
type Hub struct {
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[Conn]access.Scope
}

// NewHub returns an empty hub. A write timeout of zero selects the
// default.
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Hub{
		writeTimeout: writeTimeout,
		clients:      map[Conn]access.Scope{},
	}
}

// Register adds a connection with its scope and immediately sends it
// the given snapshot frames. The caller assembles the snapshot from
// the state the scope is authorized to see.
func (h *Hub) Register(conn Conn, scope access.Scope, snapshot []Frame) {
	h.mu.Lock()
	h.clients[conn] = scope
	count := len(h.clients)
	h.mu.Unlock()
	logger.Default().Debugf("push client registered, %d connected", count)

	for _, frame := range snapshot {
		if !h.send(conn, frame) {
			return
		}
	}
}

// Unregister removes a connection.
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Broadcast delivers one frame to every connection authorized for the
// event's tenant: admins always, tenant scopes only on a match. An
// event with an empty tenant is admin-only. Connections that fail to
// accept the write are dropped; delivery to the rest continues.
func (h *Hub) Broadcast(topicKey string, message interface{}, tenant string) {
	frame := Frame{Topic: topicKey, Message: message}

	h.mu.Lock()
	targets := make([]Conn, 0, len(h.clients))
	for conn, scope := range h.clients {
		if scope.Admin || (len(tenant) > 0 && scope.CanAccess(tenant)) {
			targets = append(targets, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range targets {
		h.send(conn, frame)
	}
}

// send writes one frame with a bounded deadline. On failure the
// connection is unregistered, so membership is self-healing.
func (h *Hub) send(conn Conn, frame Frame) bool {
	conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		logger.Default().WithError(err).Debugln("push send failed, dropping client")
		h.Unregister(conn)
		return false
	}
	return true
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
