package livereload

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"nhooyr.io/websocket"
)

// Endpoint is the path browsers connect to for reload notifications.
const Endpoint = "/__devserver/livereload"

const writeTimeout = 5 * time.Second

// Message is sent to every connected page.
type Message struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
}

type client struct {
	send chan []byte
}

// Hub keeps the set of connected browsers and fans reload messages out to
// them.
type Hub struct {
	mutex   sync.Mutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// ServeHTTP upgrades the request and holds the socket open until the
// browser goes away. Anything the browser sends is ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("live reload upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	c := &client{send: make(chan []byte, 8)}
	h.register(c)
	defer h.unregister(c)

	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Broadcast queues msg for every connected client. Slow clients whose
// queue is full miss the message; the next change reloads them anyway.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode live reload message", slog.String("error", err.Error()))
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Clients returns the number of connected pages.
func (h *Hub) Clients() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mutex.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mutex.Unlock()

	h.logger.Debug("live reload client connected", slog.Int("clients", n))
}

func (h *Hub) unregister(c *client) {
	h.mutex.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mutex.Unlock()

	h.logger.Debug("live reload client disconnected", slog.Int("clients", n))
}
