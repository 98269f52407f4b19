package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/engine"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Out-of-scope: origin/auth policy belongs to the real gateway this
	// relay stands in for (spec.md Non-goals).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one connected subscriber. userID is empty for a connection that
// only wants the public book channel.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
}

// Hub relays one engine's BookDelta stream and a coordinator's order
// lifecycle events to WebSocket subscribers, following the register/
// unregister/broadcast shape of VictorVVedtion-perp-dex's api/websocket
// package, pared down to the subscribe + two notification types spec.md
// §6 actually names.
type Hub struct {
	channel string

	mu      sync.Mutex
	clients map[*client]bool

	register   chan *client
	unregister chan *client
}

func NewHub(channel string) *Hub {
	return &Hub{
		channel:    channel,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run drives the hub's registration bookkeeping until ctx-equivalent
// shutdown; callers stop it by closing both deltas and lifecycle.
func (h *Hub) Run(deltas <-chan engine.Event, lifecycle <-chan OrderLifecycleEvent) {
	for {
		select {
		case c, ok := <-h.register:
			if !ok {
				return
			}
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case ev, ok := <-deltas:
			if !ok {
				return
			}
			delta, ok := ev.(engine.BookDelta)
			if !ok {
				continue
			}
			h.broadcastBook(delta)
		case ev, ok := <-lifecycle:
			if !ok {
				return
			}
			h.broadcastLifecycle(ev)
		}
	}
}

// ServeWS upgrades an HTTP request to a WebSocket, subscribing the
// connection to this hub's single configured channel (spec.md §6 does not
// specify per-connection multi-channel multiplexing, so one Hub instance
// serves one channel).
func (h *Hub) ServeWS(userID uuid.UUID, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufferSize), userID: userID}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) readPump(c *client) {
	defer func() { h.unregister <- c }()
	for {
		var req SubscribeRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Action != "subscribe" {
			continue
		}
		// The only supported channel is the one this Hub was built for;
		// anything else is silently ignored (contract-only relay).
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) broadcastBook(delta engine.BookDelta) {
	env := Envelope{
		ChannelName: h.channel,
		Notification: BookNotification{
			Trades:         toTradeWires(delta.Trades),
			BidChanges:     toPriceChangeWires(delta.BidChanges),
			AskChanges:     toPriceChangeWires(delta.AskChanges),
			TotalBidAmount: delta.TotalBidAmount,
			TotalAskAmount: delta.TotalAskAmount,
			TimeUnixMicro:  delta.Timestamp.UnixMicro(),
			Stats24h: Stats24hWire{
				High:   delta.Stats.High,
				Low:    delta.Stats.Low,
				Open:   delta.Stats.Open,
				Volume: delta.Stats.Volume,
			},
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("component", "gateway").Msg("marshal book notification failed")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warn().Str("component", "gateway").Msg("subscriber too slow, dropping notification")
		}
	}
}

func (h *Hub) broadcastLifecycle(ev OrderLifecycleEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("component", "gateway").Msg("marshal lifecycle event failed")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.userID == uuid.Nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			log.Warn().Str("component", "gateway").Str("user_id", c.userID.String()).Msg("subscriber too slow, dropping lifecycle event")
		}
	}
}

func toTradeWires(fills []engine.Fill) []TradeWire {
	out := make([]TradeWire, 0, len(fills))
	for _, f := range fills {
		side := "buy"
		if f.TakerSide == common.Sell {
			side = "sell"
		}
		out = append(out, TradeWire{Price: f.Price, Quantity: f.Quantity, Side: side})
	}
	return out
}

func toPriceChangeWires(changes []engine.PriceChange) []PriceChangeWire {
	out := make([]PriceChangeWire, 0, len(changes))
	for _, c := range changes {
		out = append(out, PriceChangeWire{c.Price, c.Old, c.New})
	}
	return out
}
