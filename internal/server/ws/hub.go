// Package ws streams oracle notifications to WebSocket observers.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// allTopics subscribes a client to every notification.
const allTopics = "*"

// upgrader configures the WebSocket upgrade parameters. Origin checks are
// left to the CORS and auth middleware in front of the hub.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to change its topics.
// Topics are "kind:<NotificationKind>", "instrument:<address>" or "*"; a
// trailing "*" matches by prefix.
type subscribeMsg struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Topics []string `json:"topics"`
}

// envelope is what clients receive.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// broadcastMsg carries an encoded frame with the topics it belongs to.
type broadcastMsg struct {
	topics []string
	data   []byte
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
	// Channel is the signal bus channel carrying notifications. When empty
	// the hub only receives what is delivered to it as a sink.
	Channel string
}

// Hub manages connected WebSocket clients and fans notifications out to
// them, either from the signal bus or as a dispatcher sink.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	channel    string
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// NewHub creates a hub. bus may be nil.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		channel:    cfg.Channel,
		logger:     logger.With(slog.String("component", "ws-hub")),
		mode:       mode,
		startedAt:  startedAt,
	}
}

// Name identifies the hub when used as a notification sink.
func (h *Hub) Name() string { return "ws" }

// Deliver queues n for broadcast. It never blocks; when the hub is backed
// up the notification is dropped for WebSocket observers only.
func (h *Hub) Deliver(_ context.Context, n domain.Notification) error {
	msg, err := frame(n)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws: broadcast queue full, dropping notification",
			slog.Uint64("sequence", n.Sequence),
		)
	}
	return nil
}

func frame(n domain.Notification) (broadcastMsg, error) {
	data, err := json.Marshal(envelope{Type: "notification", Payload: n})
	if err != nil {
		return broadcastMsg{}, err
	}
	return broadcastMsg{topics: Topics(n), data: data}, nil
}

// Topics lists the topics a notification is published under.
func Topics(n domain.Notification) []string {
	topics := []string{"kind:" + string(n.Kind)}
	if n.InstrumentID != "" {
		topics = append(topics, "instrument:"+strings.ToLower(n.InstrumentID))
	}
	return topics
}

// Run starts the hub's main event loop. It handles client registration,
// unregistration, and message broadcasting until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil && h.channel != "" {
		go h.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", total))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", total))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.topics) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribe forwards notifications published on the signal bus.
func (h *Hub) subscribe(ctx context.Context) {
	msgCh, err := h.bus.Subscribe(ctx, h.channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", h.channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", h.channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", h.channel))
				return
			}
			var n domain.Notification
			if err := json.Unmarshal(data, &n); err != nil {
				h.logger.Warn("ws: undecodable notification", slog.String("error", err.Error()))
				continue
			}
			msg, err := frame(n)
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. Clients start subscribed to every topic.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{allTopics: true},
	}

	h.register <- c
	c.sendStatus()

	go c.writePump()
	go c.readPump()
}

// readPump reads subscription changes from the client.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.apply(sub)
		}
	}
}

// apply processes a subscribe/unsubscribe request.
func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, t := range msg.Topics {
			c.subs[normalizeTopic(t)] = true
		}
	case "unsubscribe":
		for _, t := range msg.Topics {
			delete(c.subs, normalizeTopic(t))
		}
	}
}

// normalizeTopic lower-cases instrument addresses so they match however the
// client spells them.
func normalizeTopic(t string) string {
	if rest, ok := strings.CutPrefix(t, "instrument:"); ok {
		return "instrument:" + strings.ToLower(rest)
	}
	return t
}

// sendStatus pushes a status envelope so clients can mark the connection as
// healthy before any notification flows.
func (c *client) sendStatus() {
	msg, err := json.Marshal(envelope{
		Type: "status",
		Payload: map[string]any{
			"mode":           c.hub.mode,
			"uptime_seconds": max(int64(0), int64(time.Since(c.hub.startedAt).Seconds())),
		},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// wants reports whether the client is subscribed to any of topics.
func (c *client) wants(topics []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return matches(c.subs, topics)
}

func matches(subs map[string]bool, topics []string) bool {
	if subs[allTopics] {
		return true
	}
	for _, t := range topics {
		if subs[t] {
			return true
		}
		for sub := range subs {
			if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(t, prefix) {
				return true
			}
		}
	}
	return false
}

// writePump pumps messages from the hub to the WebSocket connection as text
// frames and sends periodic pings for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
