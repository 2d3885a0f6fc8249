package auctionsite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

const (
	wsWriteWait         = 10 * time.Second
	wsPongWait          = 30 * time.Second
	wsPingPeriod        = (wsPongWait * 9) / 10
	wsReconnectDelay    = 2 * time.Second
	wsMaxReconnectDelay = 60 * time.Second
)

// ChangeHandler is called with the id of an auction the site reports as
// changed.
type ChangeHandler func(auctionID string)

// WSClient is the optional live-update socket of the auction site. It only
// tells us which auction changed; state is always re-read over REST.
type WSClient struct {
	wsURL  string
	creds  func() domain.SessionCredentials
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	subscribed map[string]struct{}
	cmdID      int64

	handlerMu sync.RWMutex
	handlers  []ChangeHandler

	done chan struct{}
}

// NewWSClient creates a push feed client. creds is consulted on every
// (re)connect so a rotated session is picked up.
func NewWSClient(wsURL string, creds func() domain.SessionCredentials, logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL:      wsURL,
		creds:      creds,
		logger:     logger.With(slog.String("component", "auctionsite_ws")),
		subscribed: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// Connect dials the socket and restores subscriptions.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("auctionsite/ws: client is closed")
	}

	header := http.Header{}
	if w.creds != nil {
		if c := w.creds(); c.Token != "" {
			header.Set("Authorization", "Bearer "+c.Token)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, header)
	if err != nil {
		return fmt.Errorf("auctionsite/ws: connect: %w", err)
	}
	w.conn = conn

	_ = w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	w.conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go w.readLoop(conn)
	go w.pingLoop(conn)

	if len(w.subscribed) > 0 {
		if err := w.sendCmd("subscribe", w.subscribedIDs()); err != nil {
			return fmt.Errorf("auctionsite/ws: restore subscriptions: %w", err)
		}
	}
	return nil
}

// Subscribe asks for change notifications on the given auctions. Ids are
// remembered and re-sent after a reconnect, even when not yet connected.
func (w *WSClient) Subscribe(ids ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var fresh []string
	for _, id := range ids {
		if _, ok := w.subscribed[id]; !ok {
			w.subscribed[id] = struct{}{}
			fresh = append(fresh, id)
		}
	}
	if w.conn == nil || len(fresh) == 0 {
		return nil
	}
	if err := w.sendCmd("subscribe", fresh); err != nil {
		return fmt.Errorf("auctionsite/ws: subscribe: %w", err)
	}
	return nil
}

// Unsubscribe stops notifications for the given auctions.
func (w *WSClient) Unsubscribe(ids ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, id := range ids {
		delete(w.subscribed, id)
	}
	if w.conn == nil {
		return nil
	}
	if err := w.sendCmd("unsubscribe", ids); err != nil {
		return fmt.Errorf("auctionsite/ws: unsubscribe: %w", err)
	}
	return nil
}

// OnChange registers a handler for change notifications.
func (w *WSClient) OnChange(h ChangeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Close shuts down the socket and stops reconnecting.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// sendCmd writes a command. Caller must hold w.mu.
func (w *WSClient) sendCmd(cmd string, ids []string) error {
	w.cmdID++
	data, err := json.Marshal(WSSubscribeCmd{ID: w.cmdID, Cmd: cmd, Auctions: ids})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd, err)
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WSClient) subscribedIDs() []string {
	ids := make([]string, 0, len(w.subscribed))
	for id := range w.subscribed {
		ids = append(ids, id)
	}
	return ids
}

func (w *WSClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Warn("push feed disconnected", slog.String("error", err.Error()))
			w.reconnect()
			return
		}
		w.handleMessage(message)
	}
}

func (w *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (w *WSClient) handleMessage(raw []byte) {
	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		w.logger.Debug("ignoring malformed push message", slog.String("error", err.Error()))
		return
	}
	switch msg.Type {
	case "auction_update", "auction_closed":
	default:
		return
	}
	if msg.AuctionID == "" {
		return
	}

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()
	for _, h := range handlers {
		h(msg.AuctionID)
	}
}

// reconnect re-dials with exponential backoff until it succeeds or the
// client is closed.
func (w *WSClient) reconnect() {
	delay := wsReconnectDelay
	for {
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			w.logger.Info("push feed reconnected")
			return
		}

		delay *= 2
		if delay > wsMaxReconnectDelay {
			delay = wsMaxReconnectDelay
		}
	}
}
