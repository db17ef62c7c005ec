package devauthority

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/alancoin-agent/pkg/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one feed subscriber.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub events.Subscription
}

// hub fans simulator events out to WebSocket subscribers. Follows the
// platform feed semantics: the client sends Subscription frames, the
// server pushes matching Event frames and drops slow consumers.
type hub struct {
	mu        sync.RWMutex
	clients   map[*wsClient]bool
	broadcast chan events.Event
	logger    *slog.Logger
	done      chan struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		clients:   make(map[*wsClient]bool),
		broadcast: make(chan events.Event, 256),
		logger:    logger,
		done:      make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case ev := <-h.broadcast:
			data, _ := json.Marshal(ev)
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(ev) {
					continue
				}
				select {
				case c.send <- data:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// publish queues an event for broadcast. Never blocks the caller.
func (h *hub) publish(typ events.Type, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	ev := events.Event{Type: typ, Timestamp: time.Now(), Data: raw}
	select {
	case h.broadcast <- ev:
	case <-h.done:
	default:
		h.logger.Warn("feed broadcast channel full, dropping event", "type", typ)
	}
}

func (c *wsClient) wants(ev events.Event) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 {
		matched := false
		for _, t := range sub.EventTypes {
			if t == ev.Type {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(sub.AgentAddrs) > 0 {
		var payload map[string]any
		if json.Unmarshal(ev.Data, &payload) == nil {
			from, _ := payload["from"].(string)
			to, _ := payload["to"].(string)
			matched := false
			for _, addr := range sub.AgentAddrs {
				if strings.EqualFold(addr, from) || strings.EqualFold(addr, to) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}
	return true
}

// handleFeed upgrades the connection and serves the event feed.
func (h *hub) handleFeed(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
		sub:  events.Subscription{AllEvents: true},
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump(h)
}

// readPump consumes subscription updates from the client.
func (c *wsClient) readPump(h *hub) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var sub events.Subscription
		if json.Unmarshal(message, &sub) != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

func (c *wsClient) writePump() {
	defer func() { _ = c.conn.Close() }()
	for {
		message, ok := <-c.send
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if !ok {
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
