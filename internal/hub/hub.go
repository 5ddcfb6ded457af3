// Package hub fans out live update events to long-lived WebSocket
// subscribers.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/theredsix/abp/internal/logging"
	"github.com/theredsix/abp/internal/protocol"
)

const (
	sendBufferSize = 256
	maxSlowCount   = 3 // disconnect after this many consecutive failed sends
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// BroadcastListener observes every broadcast event (for testing).
type BroadcastListener func(event *protocol.HubEvent)

type subscriber struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	slowCount int
}

// Hub manages the subscriber set. Membership changes on connect/disconnect;
// there is no ordering guarantee among members.
type Hub struct {
	clients    map[*subscriber]bool
	broadcast  chan []byte
	register   chan *subscriber
	unregister chan *subscriber
	mu         sync.RWMutex
	logger     *logging.Logger

	listener BroadcastListener
}

func New(logger *logging.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*subscriber]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		logger:     logger,
	}
	go h.run()
	return h
}

// SetListener installs a broadcast observer. Test-only hook.
func (h *Hub) SetListener(l BroadcastListener) {
	h.listener = l
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			var toRemove []*subscriber
			for client := range h.clients {
				select {
				case client.send <- message:
					client.slowCount = 0
				default:
					client.slowCount++
					if client.slowCount >= maxSlowCount {
						h.logger.Infof("subscriber %s too slow (%d missed), disconnecting", client.id, client.slowCount)
						toRemove = append(toRemove, client)
					} else {
						h.logger.Debugf("subscriber %s slow (%d/%d missed)", client.id, client.slowCount, maxSlowCount)
					}
				}
			}
			for _, client := range toRemove {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for every connected subscriber.
func (h *Hub) Broadcast(event *protocol.HubEvent) {
	if h.listener != nil {
		h.listener(event)
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Errorf("broadcast marshal error: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Errorf("broadcast channel full, dropping %s event", event.Event)
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler returns the HTTP handler for the subscription endpoint. snapshot is
// called per connection to build the initial_state event.
func (h *Hub) Handler(snapshot func() *protocol.HubEvent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"}, // local debug surface
		})
		if err != nil {
			h.logger.Infof("websocket accept error: %v", err)
			return
		}

		client := &subscriber{
			id:   uuid.NewString()[:8],
			conn: conn,
			send: make(chan []byte, sendBufferSize),
		}

		h.register <- client
		h.logger.Infof("subscriber %s connected (%d total)", client.id, h.SubscriberCount())

		if snapshot != nil {
			if data, err := json.Marshal(snapshot()); err == nil {
				select {
				case client.send <- data:
				default:
				}
			}
		}

		done := make(chan struct{})
		go h.pingLoop(client, done)
		go h.writePump(client)
		h.readPump(client)
		close(done)
	}
}

func (h *Hub) writePump(client *subscriber) {
	defer client.conn.Close(websocket.StatusNormalClosure, "")

	for message := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			return
		}
	}
}

// pingLoop detects dead connections; a failed ping closes the connection,
// which unblocks the read pump.
func (h *Hub) pingLoop(client *subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := client.conn.Ping(ctx)
			cancel()
			if err != nil {
				h.logger.Infof("subscriber %s ping failed: %v", client.id, err)
				client.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (h *Hub) readPump(client *subscriber) {
	defer func() {
		h.unregister <- client
		client.conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Infof("subscriber %s disconnected (%d remaining)", client.id, h.SubscriberCount())
	}()

	for {
		// Subscribers never send data; the read only returns on close.
		if _, _, err := client.conn.Read(context.Background()); err != nil {
			return
		}
	}
}
