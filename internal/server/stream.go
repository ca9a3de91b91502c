package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"PredictLedger/internal/core"
	"PredictLedger/internal/event"
	"PredictLedger/internal/ingestion"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamChannels returns the channels an outcome record is delivered on:
// "market:<id>" (or "global") and "type:<EventType>".
func StreamChannels(env *event.EventEnvelope) []string {
	target := "global"
	if env.MarketID != 0 {
		target = "market:" + env.MarketID.String()
	}
	return []string{target, "type:" + env.EventType.String()}
}

// StreamHub pushes outcome records to WebSocket clients. Clients start
// subscribed to everything ("*") and narrow with subscribe/unsubscribe
// messages. Slow clients miss records rather than stall the hub.
type StreamHub struct {
	mu      sync.RWMutex
	clients map[*streamClient]bool
	logger  zerolog.Logger
}

type streamClient struct {
	hub  *StreamHub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// subscribeMsg is what a client sends to change its subscriptions.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

func NewStreamHub(logger zerolog.Logger) *StreamHub {
	return &StreamHub{clients: make(map[*streamClient]bool), logger: logger}
}

// Run broadcasts every record from in until ctx is done or in is closed,
// then disconnects all clients.
func (h *StreamHub) Run(ctx context.Context, in <-chan core.CoreOutput) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case out, ok := <-in:
			if !ok {
				return nil
			}
			h.Broadcast(out.Envelope)
		}
	}
}

// Broadcast delivers one record to every subscribed client.
func (h *StreamHub) Broadcast(env *event.EventEnvelope) {
	data, err := json.Marshal(ingestion.ToPublished(env))
	if err != nil {
		h.logger.Error().Err(err).Int64("sequence", env.Sequence).Msg("stream: marshal failed")
		return
	}
	channels := StreamChannels(env)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribedAny(channels) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Int64("sequence", env.Sequence).Msg("stream: dropping record for slow client")
		}
	}
}

// Clients returns the number of connected clients.
func (h *StreamHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the connection.
// GET /v1/stream
func (h *StreamHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("stream: upgrade failed")
		return
	}

	c := &streamClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{"*": true},
	}

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Int("total_clients", total).Msg("stream: client connected")

	go c.writePump()
	go c.readPump()
}

func (h *StreamHub) unregister(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Int("total_clients", total).Msg("stream: client disconnected")
}

func (h *StreamHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (c *streamClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn().Err(err).Msg("stream: unexpected close")
			}
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err == nil {
			c.apply(msg)
		}
	}
}

func (c *streamClient) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

// subscribedAny reports whether any of channels matches a subscription.
// A trailing "*" matches by prefix, so "type:*" or "market:*" work.
func (c *streamClient) subscribedAny(channels []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range channels {
		if c.subs[ch] {
			return true
		}
		for sub := range c.subs {
			if strings.HasSuffix(sub, "*") && strings.HasPrefix(ch, strings.TrimSuffix(sub, "*")) {
				return true
			}
		}
	}
	return false
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
