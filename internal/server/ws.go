package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"SpotMatch/internal/engine"
	"SpotMatch/internal/marketdata"
	"SpotMatch/internal/observability"
	"SpotMatch/internal/stream"
)

const (
	writeWait           = 10 * time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = (pongWait * 9) / 10
	maxMessageSize      = 4096
	sendQueueSize       = 256
	defaultIngressLimit = 10000
)

// Gateway terminates websocket connections: it parses ingress messages,
// drives the matching engines, and relays broadcast payloads from the
// hub. One goroutine reads, one writes; broadcast bytes and direct
// responses are merged on the writer's queue.
type Gateway struct {
	router    *engine.Router
	hub       *marketdata.Hub
	publisher *marketdata.Publisher
	outbound  *stream.Publisher // nil when NATS is disabled

	// Counting semaphore bounding orders in flight across all
	// connections. On overflow the order is rejected, not queued.
	ingress chan struct{}

	upgrader websocket.Upgrader
	log      zerolog.Logger
	metrics  *observability.Metrics
}

// NewGateway creates a websocket gateway. ingressLimit bounds in-flight
// order submissions across all connections.
func NewGateway(
	router *engine.Router,
	hub *marketdata.Hub,
	publisher *marketdata.Publisher,
	outbound *stream.Publisher,
	ingressLimit int,
	metrics *observability.Metrics,
) *Gateway {
	if ingressLimit <= 0 {
		ingressLimit = defaultIngressLimit
	}
	return &Gateway{
		router:    router,
		hub:       hub,
		publisher: publisher,
		outbound:  outbound,
		ingress:   make(chan struct{}, ingressLimit),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway carries no cookies or ambient credentials.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     observability.NewLogger("gateway"),
		metrics: metrics,
	}
}

type client struct {
	gw   *Gateway
	conn *websocket.Conn
	send chan []byte
	done chan struct{} // closed on teardown; send stays open so concurrent writers never panic
	sub  *marketdata.Subscriber
	log  zerolog.Logger
}

// HandleWS upgrades the connection and runs the read/write pumps.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		gw:   g,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
		log:  g.log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	if g.metrics != nil {
		g.metrics.ActiveConnections.Inc()
	}

	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *client) dispatch(data []byte) {
	start := time.Now()

	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(marshal(ErrorResponse{Type: "error", Error: "malformed message"}))
		c.countReject("parse")
		return
	}
	if c.gw.metrics != nil {
		c.gw.metrics.IngressMessages.WithLabelValues(msg.Type).Inc()
	}

	switch msg.Type {
	case "order":
		c.handleOrder(&msg)
	case "cancel":
		c.handleCancel(&msg)
	case "subscribe":
		c.handleSubscribe(&msg)
	case "unsubscribe":
		c.handleUnsubscribe(&msg)
	case "orderbook":
		c.handleOrderBook(&msg)
	default:
		c.reply(marshal(ErrorResponse{Type: "error", Error: "unknown message type"}))
		c.countReject("unknown_type")
	}

	if c.gw.metrics != nil && msg.Type != "" {
		c.gw.metrics.RequestDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
	}
}

func (c *client) handleOrder(msg *Inbound) {
	select {
	case c.gw.ingress <- struct{}{}:
		defer func() { <-c.gw.ingress }()
	default:
		c.reply(marshal(NewRejectResponse(msg, &engine.RejectionError{
			Reason: "backpressure",
			Detail: "order ingress full, retry",
		})))
		c.countReject("backpressure")
		return
	}

	eng, err := c.gw.router.Engine(msg.Symbol)
	if err != nil {
		c.reply(marshal(NewRejectResponse(msg, err)))
		c.countReject("bad_symbol")
		return
	}

	o, err := ParseOrder(msg)
	if err != nil {
		c.reply(marshal(NewRejectResponse(msg, err)))
		c.countReject("parse")
		return
	}

	res, err := eng.Submit(o)
	if err != nil {
		c.reply(marshal(NewRejectResponse(msg, err)))
		return
	}

	c.reply(marshal(NewOrderResponse(res)))

	if len(res.Trades) > 0 {
		c.gw.hub.QueueTrades(msg.Symbol, res.Trades)
		if c.gw.outbound != nil {
			c.gw.outbound.PublishTrades(msg.Symbol, res.Trades)
		}
	}
}

func (c *client) handleCancel(msg *Inbound) {
	eng, err := c.gw.router.Engine(msg.Symbol)
	if err != nil {
		c.reply(marshal(CancelResponse{
			Type: "cancel_response", Success: false,
			OrderID: msg.OrderID, Reason: err.Error(),
		}))
		return
	}

	if _, ok := eng.Cancel(msg.OrderID); !ok {
		c.reply(marshal(CancelResponse{
			Type: "cancel_response", Success: false,
			OrderID: msg.OrderID, Reason: "unknown or terminal order",
		}))
		return
	}
	c.reply(marshal(CancelResponse{
		Type: "cancel_response", Success: true, OrderID: msg.OrderID,
	}))
}

func (c *client) handleSubscribe(msg *Inbound) {
	symbols := make([]string, 0, len(msg.Symbols))
	for _, sym := range msg.Symbols {
		if c.gw.router.Has(sym) {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 {
		c.reply(marshal(ErrorResponse{Type: "error", Error: "no known symbols in subscription"}))
		return
	}

	streams := marketdata.Stream{Trades: msg.Trades, MarketData: msg.MarketData}
	if c.sub == nil {
		c.sub = c.gw.hub.Subscribe(symbols, streams)
		go c.forwardBroadcasts()
	} else {
		c.gw.hub.Add(c.sub, symbols, streams)
	}

	c.reply(marshal(SubscribeResponse{
		Type: "subscribed", Symbols: symbols,
		Trades: streams.Trades, MarketData: streams.MarketData,
	}))

	// Immediate book snapshot per newly subscribed symbol.
	if streams.MarketData {
		for _, sym := range symbols {
			if snap, ok := c.gw.publisher.Snapshot(sym); ok {
				c.gw.hub.SendSnapshot(c.sub, snap)
			}
		}
	}
}

// handleOrderBook answers a one-shot depth request outside the
// subscription streams.
func (c *client) handleOrderBook(msg *Inbound) {
	snap, ok := c.gw.publisher.Snapshot(msg.Symbol)
	if !ok {
		c.reply(marshal(ErrorResponse{Type: "error", Error: "unknown symbol " + msg.Symbol}))
		return
	}
	if msg.Depth > 0 {
		if msg.Depth < len(snap.Depth.Bids) {
			snap.Depth.Bids = snap.Depth.Bids[:msg.Depth]
		}
		if msg.Depth < len(snap.Depth.Asks) {
			snap.Depth.Asks = snap.Depth.Asks[:msg.Depth]
		}
	}
	c.reply(marshal(snap))
}

func (c *client) handleUnsubscribe(msg *Inbound) {
	if c.sub != nil {
		c.gw.hub.Unsubscribe(c.sub, msg.Symbols)
	}
}

// forwardBroadcasts copies hub payloads onto the connection's send
// queue. When the hub drops the subscriber it closes the channel and
// this goroutine ends the connection.
func (c *client) forwardBroadcasts() {
	for payload := range c.sub.Out() {
		select {
		case c.send <- payload:
		default:
			// The writer is wedged; the connection is beyond saving.
			c.conn.Close()
			return
		}
	}
	c.conn.Close()
}

// reply enqueues a direct response. Responses are never dropped: if the
// queue is full the connection is torn down.
func (c *client) reply(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.log.Warn().Msg("response queue full, closing connection")
		c.conn.Close()
	}
}

func (c *client) countReject(reason string) {
	if c.gw.metrics != nil {
		c.gw.metrics.IngressRejected.WithLabelValues(reason).Inc()
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
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *client) close() {
	if c.sub != nil {
		c.gw.hub.Drop(c.sub)
	}
	close(c.done)
	if c.gw.metrics != nil {
		c.gw.metrics.ActiveConnections.Dec()
	}
}
