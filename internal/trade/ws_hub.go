package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeflow/portfolio-engine/internal/auth"
	"github.com/tradeflow/portfolio-engine/internal/metrics"
	"github.com/tradeflow/portfolio-engine/internal/model"
	"github.com/tradeflow/portfolio-engine/internal/outbox"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type       string                `json:"type"`
	Settlement model.SettlementEvent `json:"settlement"`
}

type wsMessage struct {
	accountID string
	data      []byte
}

// wsClient is one connection. All writes go through send so that only
// writePump ever writes to conn.
type wsClient struct {
	conn      *websocket.Conn
	accountID string
	send      chan []byte
}

// WSHub manages WebSocket connections and streams every published
// settlement to the clients authenticated as its account.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan wsMessage
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan wsMessage, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop and returns when ctx is done,
// closing every connection.
func (h *WSHub) Run(ctx context.Context) error {
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
			metrics.WebSocketClients.Set(0)
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "account", c.accountID, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.accountID != msg.accountID {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Client is not keeping up; drop it.
					delete(h.clients, c)
					close(c.send)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// EventPublished streams an acknowledged settlement event. It never blocks
// the outbox relay.
func (h *WSHub) EventPublished(e model.OutboxEvent) {
	se, err := outbox.DecodeSettlement(e)
	if err != nil {
		h.logger.Warn("ws skip event", "event_id", e.ID, "err", err)
		return
	}
	h.Broadcast(WSMessage{Type: "trade_settled", Settlement: se})
}

// Broadcast queues msg for the clients subscribed to its account.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsMessage{accountID: msg.Settlement.AccountID, data: data}:
	default:
		// Drop if buffer full to avoid blocking publication.
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Origin is enforced by the gateway.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. It must run
// behind auth.Verifier.Middleware; the stream carries only the settlements
// of the authenticated account.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		writeError(w, "missing account identity", "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{
		conn:      conn,
		accountID: accountID,
		send:      make(chan []byte, wsSendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump delivers queued messages and pings through proxies.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
