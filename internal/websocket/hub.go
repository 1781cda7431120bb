package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 16
	notifyBuffer = 256
)

// BalanceSource reads the current balance, normally the balance cache.
type BalanceSource interface {
	Get(ctx context.Context, licenseKey string) (ledger.Balance, error)
}

// Message is the envelope for every frame sent to a client.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Client is one open balance stream.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	licenseKey string
	id         string
}

// Hub fans balance updates out to the streams subscribed to each license.
type Hub struct {
	source   BalanceSource
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	notify chan string
}

// NewHub creates a hub. allowedOrigins lists browser origins permitted to
// open a stream; "*" allows any, and an empty list requires same-origin.
func NewHub(source BalanceSource, allowedOrigins []string) *Hub {
	h := &Hub{
		source:  source,
		clients: make(map[string]map[*Client]struct{}),
		notify:  make(chan string, notifyBuffer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(allowedOrigins) > 0 {
		h.upgrader.CheckOrigin = originChecker(allowedOrigins)
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// Run publishes queued balance changes until ctx is done. Changes are
// published in the order they were reported.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case key := <-h.notify:
			h.publish(ctx, key)
		}
	}
}

// BalanceChanged implements ledger.Observer. It never blocks the writer.
func (h *Hub) BalanceChanged(_ context.Context, licenseKey string) {
	if h.ClientCount(licenseKey) == 0 {
		return
	}
	select {
	case h.notify <- licenseKey:
	default:
		log.Warn().Str("license_key", licenseKey).Msg("Balance stream queue full, dropping update")
	}
}

func (h *Hub) publish(ctx context.Context, licenseKey string) {
	if h.ClientCount(licenseKey) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := h.balanceFrame(ctx, licenseKey)
	if err != nil {
		log.Warn().Err(err).Str("license_key", licenseKey).Msg("Failed to load balance for stream")
		return
	}

	h.fanOut(licenseKey, data)
}

// fanOut queues data on every stream for licenseKey. Sends happen under the
// read lock because remove closes send channels under the write lock.
func (h *Hub) fanOut(licenseKey string, data []byte) {
	var slow []*Client
	h.mu.RLock()
	for c := range h.clients[licenseKey] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// Slow consumers are dropped rather than queued without bound.
	for _, c := range slow {
		h.remove(c)
	}
}

func (h *Hub) balanceFrame(ctx context.Context, licenseKey string) ([]byte, error) {
	bal, err := h.source.Get(ctx, licenseKey)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: "balance", Data: bal})
}

// ClientCount returns the number of streams open for licenseKey.
func (h *Hub) ClientCount(licenseKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[licenseKey])
}

// HandleWebSocket upgrades r into a balance stream for licenseKey, which the
// caller has already authorized. The current balance is sent immediately.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, licenseKey string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("license_key", licenseKey).Msg("Failed to upgrade balance stream")
		return
	}

	c := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		licenseKey: licenseKey,
		id:         r.RemoteAddr,
	}
	if frame, err := h.balanceFrame(r.Context(), licenseKey); err == nil {
		c.send <- frame
	} else {
		log.Warn().Err(err).Str("license_key", licenseKey).Msg("Failed to load initial balance for stream")
	}
	h.add(c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.licenseKey]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.licenseKey] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	metrics.PushSubscribers.Inc()
	log.Debug().Str("license_key", c.licenseKey).Str("client", c.id).Msg("Balance stream opened")
}

// remove unregisters c and closes its send channel. Safe to call repeatedly.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	set := h.clients[c.licenseKey]
	if _, ok := set[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.licenseKey)
	}
	close(c.send)
	h.mu.Unlock()
	metrics.PushSubscribers.Dec()
	log.Debug().Str("license_key", c.licenseKey).Str("client", c.id).Msg("Balance stream closed")
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*Client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.remove(c)
	}
}

// readPump consumes client frames. Clients may send {"type":"refresh"} to
// request the current balance; anything else is ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("Balance stream read error")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "refresh" {
			select {
			case c.hub.notify <- c.licenseKey:
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
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
