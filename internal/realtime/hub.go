// Package realtime streams score events to WebSocket clients.
//
// Clients connect to /ws and may send a Subscription message at any time to
// narrow what they receive: particular event types, particular wallets, or
// only scores at or worse than a tier. A client that names wallets is sent
// the last score event the hub saw for each of them straight away.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/occr/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType names a kind of event.
type EventType string

const (
	EventScoreUpdated   EventType = "score.updated"
	EventScorePublished EventType = "score.published"
	EventRefreshFailed  EventType = "score.refresh_failed"
)

// ScorePayload is the data carried by score events.
type ScorePayload struct {
	Address     string  `json:"address"`
	Score       int     `json:"score"`
	Tier        string  `json:"tier"`
	Probability float64 `json:"probability"`
	TxHash      string  `json:"txHash,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Event is one message on the stream.
type Event struct {
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Data      ScorePayload `json:"data"`
}

// Subscription filters what a client receives. The zero value receives
// everything.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes"`
	Addresses  []string    `json:"addresses"`
	// MinTier drops events for tiers better than it ("C" keeps C and D).
	MinTier string `json:"minTier"`
}

func (s *Subscription) normalize() {
	for i, a := range s.Addresses {
		s.Addresses[i] = strings.ToLower(strings.TrimSpace(a))
	}
	s.MinTier = strings.ToUpper(strings.TrimSpace(s.MinTier))
}

// Matches reports whether ev passes every filter in s.
func (s Subscription) Matches(ev *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.Addresses) > 0 && !slices.Contains(s.Addresses, strings.ToLower(ev.Data.Address)) {
		return false
	}
	// Tier letters sort from best (A) to worst (D).
	if s.MinTier != "" && ev.Data.Tier != "" && ev.Data.Tier < s.MinTier {
		return false
	}
	return true
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000
	// maxTrackedWallets bounds the replay cache. Wallets beyond it are
	// streamed but not replayed.
	maxTrackedWallets = 50000
)

// lastScore is the most recent score event for one wallet, kept encoded.
type lastScore struct {
	event *Event
	msg   []byte
}

// Hub fans events out to connected clients.
type Hub struct {
	clients     map[*Client]bool
	latest      map[string]lastScore
	broadcast   chan *Event
	register    chan *Client
	unregister  chan *Client
	resubscribe chan *Client
	mu          sync.RWMutex
	logger      *slog.Logger
	done        chan struct{} // closed when Run exits
	maxClients  int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		latest:      make(map[string]lastScore),
		broadcast:   make(chan *Event, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		resubscribe: make(chan *Client),
		logger:      logger,
		done:        make(chan struct{}),
		maxClients:  MaxClients,
	}
}

// Run is the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.replay(client)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.resubscribe:
			h.mu.Lock()
			if h.clients[client] {
				h.replay(client)
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			msg, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("encode event", "type", event.Type, "error", err)
				continue
			}
			h.mu.Lock()
			h.remember(event, msg)
			var slow []*Client
			for client := range h.clients {
				if !client.subscription().Matches(event) {
					continue
				}
				select {
				case client.send <- msg:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
		}
	}
}

// remember caches score events for replay. Failures are not cached, so a
// subscriber always sees the last good score. Caller holds h.mu.
func (h *Hub) remember(event *Event, msg []byte) {
	if event.Type == EventRefreshFailed || event.Data.Address == "" {
		return
	}
	addr := strings.ToLower(event.Data.Address)
	if _, ok := h.latest[addr]; !ok && len(h.latest) >= maxTrackedWallets {
		return
	}
	h.latest[addr] = lastScore{event: event, msg: msg}
}

// replay queues the cached score of every wallet client names. Clients
// without an address filter get nothing. Caller holds h.mu.
func (h *Hub) replay(client *Client) {
	sub := client.subscription()
	for _, addr := range sub.Addresses {
		last, ok := h.latest[addr]
		if !ok || !sub.Matches(last.event) {
			continue
		}
		select {
		case client.send <- last.msg:
		default:
			return
		}
	}
}

// Broadcast queues event for delivery. Events are dropped when the queue is full.
func (h *Hub) Broadcast(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TrackedWallets   int   `json:"trackedWallets"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Stats returns hub statistics.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return Stats{
		ConnectedClients: len(h.clients),
		TrackedWallets:   len(h.latest),
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	if addr := r.URL.Query().Get("address"); addr != "" {
		client.sub.Addresses = []string{strings.ToLower(addr)}
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		sub.normalize()
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()

		select {
		case c.hub.resubscribe <- c:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// writePump writes queued messages and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
