package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	match "github.com/0x5487/exchange-matcher"
	"github.com/0x5487/exchange-matcher/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	sendBuffer   = 256
	hubBacklog   = 1024
	maxWSMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced by the HTTP handler
		return true
	},
}

// BookChannel carries every event of a symbol.
func BookChannel(symbol string) string {
	return "book:" + symbol
}

// TradeChannel carries only the match events of a symbol.
func TradeChannel(symbol string) string {
	return "trades:" + symbol
}

type broadcast struct {
	channel string
	payload []byte
}

type subscription struct {
	client   *Client
	op       string
	channels []string
}

// Hub fans book events out to websocket clients.
// It implements match.Notifier; the pipeline feeds it after persistence.
// The client set and every client's subscriptions are owned by the Run goroutine.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan broadcast
	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	count      atomic.Int64
	serializer protocol.Serializer
	logger     *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan broadcast, hubBacklog),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		serializer: protocol.DefaultJSONSerializer{},
		logger:     logger.With("module", "ws"),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns after Close.
func (h *Hub) Run() {
	defer close(h.stopped)

	for {
		select {
		case <-h.stop:
			for client := range h.clients {
				h.remove(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.count.Add(1)
			h.logger.Debug("client connected", "client", client.id, "total", len(h.clients))

		case client := <-h.unregister:
			h.remove(client)

		case sub := <-h.subscribe:
			if _, ok := h.clients[sub.client]; !ok {
				continue
			}
			for _, channel := range sub.channels {
				if sub.op == "subscribe" {
					sub.client.subscriptions[channel] = struct{}{}
				} else {
					delete(sub.client.subscriptions, channel)
				}
			}
			ack, err := h.serializer.Marshal(wsMessage{Op: sub.op + "d", Channels: sub.channels})
			if err == nil {
				h.deliver(sub.client, ack)
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if _, ok := client.subscriptions[msg.channel]; ok {
					h.deliver(client, msg.payload)
				}
			}
		}
	}
}

// deliver drops clients whose send buffer is full.
func (h *Hub) deliver(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		h.logger.Warn("client too slow, disconnecting", "client", client.id)
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.count.Add(-1)
	h.logger.Debug("client disconnected", "client", client.id, "total", len(h.clients))
}

// Close disconnects every client and stops Run.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Name implements match.Notifier.
func (h *Hub) Name() string {
	return "websocket"
}

// Notify implements match.Notifier.
func (h *Hub) Notify(ctx context.Context, log *match.BookLog) error {
	channels := []string{BookChannel(log.Symbol)}
	if log.Type == match.LogTypeMatch {
		channels = append(channels, TradeChannel(log.Symbol))
	}

	for _, channel := range channels {
		payload, err := h.serializer.Marshal(wsMessage{Channel: channel, Event: log})
		if err != nil {
			return fmt.Errorf("%w: %w", match.ErrUndeliverable, err)
		}
		select {
		case h.broadcast <- broadcast{channel: channel, payload: payload}:
		case <-h.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.stop:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// Client is one websocket connection.
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	id            string
	subscriptions map[string]struct{} // hub goroutine only
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxWSMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("read error", "client", c.id, "error", err)
			}
			return
		}

		var req wsRequest
		if err := c.hub.serializer.Unmarshal(message, &req); err != nil {
			c.hub.logger.Debug("invalid message", "client", c.id, "error", err)
			continue
		}
		if req.Op != "subscribe" && req.Op != "unsubscribe" {
			c.hub.logger.Debug("unknown op", "client", c.id, "op", req.Op)
			continue
		}

		select {
		case c.hub.subscribe <- subscription{client: c, op: req.Op, channels: req.Channels}:
		case <-c.hub.stopped:
			return
		}
	}
}

func (c *Client) writePump() {
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

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            xid.New().String(),
		subscriptions: make(map[string]struct{}),
	}
	if !h.join(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
