package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"steam-tracker/internal/models"
)

const (
	// feedClientBuffer is how many events a slow client may lag before
	// events are skipped for it.
	feedClientBuffer = 16
	feedWriteTimeout = 10 * time.Second
)

type feedClient struct {
	events chan models.Event
}

// eventHub fans detected events out to websocket clients. A client that
// cannot keep up misses events instead of slowing the rest down.
type eventHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	done    chan struct{}
	closed  bool
}

func newEventHub(logger *zap.Logger) *eventHub {
	return &eventHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: map[*feedClient]struct{}{},
		done:    make(chan struct{}),
	}
}

// Broadcast delivers the event to every connected client without blocking.
func (h *eventHub) Broadcast(ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.events <- ev:
		default:
		}
	}
}

// Close disconnects all clients and rejects new ones.
func (h *eventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

func (h *eventHub) handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	client := &feedClient{events: make(chan models.Event, feedClientBuffer)}
	if !h.register(client) {
		return
	}
	defer h.unregister(client)

	// The read loop only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-client.events:
			conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-gone:
			return
		case <-h.done:
			return
		}
	}
}

func (h *eventHub) register(client *feedClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	return true
}

func (h *eventHub) unregister(client *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}
