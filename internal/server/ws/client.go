package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
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
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard and the browser extension connect from their own
	// origins; the API key middleware guards the route.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribeMsg is the JSON message a client sends to change its scope.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe"
	Auctions []string `json:"auctions"`
}

// client pumps one subscription over one WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	sub  *Subscription
}

// HandleWS upgrades the request and streams the subscription.
// GET /ws?auctions=a,b
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	var scope []string
	if q := r.URL.Query().Get("auctions"); q != "" {
		scope = strings.Split(q, ",")
	}

	c := &client{hub: h, conn: conn, sub: h.Subscribe(scope)}
	go c.writePump()
	go c.readPump()
}

// readPump handles scope changes from the client and detects disconnects.
func (c *client) readPump() {
	defer func() {
		c.sub.Close()
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
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Action == "subscribe" {
			c.sub.Rescope(msg.Auctions)
		}
	}
}

// writePump drains the subscription into text frames and keeps the
// connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case _, ok := <-c.sub.C():
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			for _, msg := range c.sub.Drain() {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteJSON(msg); err != nil {
					c.sub.Close()
					return
				}
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.sub.Close()
				return
			}
		}
	}
}
