package stats

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/usage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

// Update is pushed to every subscriber after a usage event is recorded.
type Update struct {
	PersonaID string       `json:"personaId"`
	Stats     usage.Record `json:"stats"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans ledger updates out to websocket subscribers.
type Hub struct {
	logger     *zap.Logger
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
}

// NewHub creates a hub; it does nothing until Run is called.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger.Named("stats-hub"),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
	}
}

// Run serves subscribers until ctx is cancelled, then disconnects them all.
func (h *Hub) Run(ctx context.Context) error {
	clients := make(map[*client]struct{})
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				close(c.send)
			}
			h.logger.Info("stats hub stopped", zap.Int("clients", len(clients)))
			return nil
		case c := <-h.register:
			clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					// 慢客户端直接断开
					delete(clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Publish matches ledger.Observer.
func (h *Hub) Publish(personaID string, rec usage.Record) {
	msg, err := json.Marshal(Update{PersonaID: personaID, Stats: rec})
	if err != nil {
		h.logger.Error("encode stats update", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.Warn("stats update dropped, hub is saturated", zap.String("persona", personaID))
	}
}

func (h *Hub) attach(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) detach(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// serve owns conn until the peer goes away or the hub stops.
func (h *Hub) serve(conn *websocket.Conn, initial []byte) {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	c.send <- initial
	if !h.attach(c) {
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
	h.detach(c)
}

func (c *client) readPump() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
