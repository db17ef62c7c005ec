// Package events subscribes to the platform's live event feed over
// WebSocket. Agents watch for transactions against their keys, escrow
// transitions, and delegation activity without polling.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/alancoin-agent/internal/logging"
)

// Type classifies a feed event.
type Type string

const (
	TypeTransaction Type = "transaction"
	TypeEscrow      Type = "escrow"
	TypeDelegation  Type = "delegation"
	TypeStream      Type = "stream"
)

// Event is one feed message. Data is left raw; its shape depends on Type.
type Event struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Subscription filters the feed server-side. Zero value = everything.
type Subscription struct {
	AllEvents  bool     `json:"allEvents"`
	EventTypes []Type   `json:"eventTypes,omitempty"`
	AgentAddrs []string `json:"agentAddrs,omitempty"` // watch specific agents
	MinAmount  float64  `json:"minAmount,omitempty"`  // only payments above this
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Client is a live subscription to the event feed.
type Client struct {
	conn   *websocket.Conn
	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the feed URL (ws:// or wss://), sends the initial
// subscription, and starts delivering events. The caller drains
// Events() until it closes, then calls Close (or cancels ctx).
func Dial(ctx context.Context, feedURL string, sub Subscription) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, feedURL, nil)
	if err != nil {
		return nil, err
	}

	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop(ctx)
	go c.pingLoop()
	return c, nil
}

// Events returns the delivery channel. Closed when the connection ends.
func (c *Client) Events() <-chan Event { return c.events }

// Update replaces the server-side subscription filter.
func (c *Client) Update(sub Subscription) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(sub)
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.events)
	defer func() { _ = c.Close() }()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	log := logging.L(ctx)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				log.Warn("event feed read error", "error", err)
			}
			return
		}
		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Warn("malformed feed event", "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
			// Slow consumer: drop rather than stall the read loop.
			log.Warn("event dropped, consumer too slow", "type", ev.Type)
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
