package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"SpotMatch/internal/book"
	"SpotMatch/internal/engine"
	"SpotMatch/internal/marketdata"
	"SpotMatch/internal/observability"
	"SpotMatch/internal/persistence"
	"SpotMatch/internal/query"
)

const (
	defaultDepthLevels = 10
	maxDepthLevels     = 100
	defaultTradeLimit  = 50
	maxTradeLimit      = 1000
)

// API is the HTTP surface: live book reads, persisted-state queries,
// operator actions, health probes, and the websocket endpoint.
type API struct {
	router      *engine.Router
	publisher   *marketdata.Publisher
	queries     *query.Service
	snapshotter *persistence.Snapshotter
	gateway     *Gateway
	health      *observability.HealthChecker
	log         zerolog.Logger
}

// NewAPI creates the HTTP API.
func NewAPI(
	router *engine.Router,
	publisher *marketdata.Publisher,
	queries *query.Service,
	snapshotter *persistence.Snapshotter,
	gateway *Gateway,
	health *observability.HealthChecker,
) *API {
	return &API{
		router:      router,
		publisher:   publisher,
		queries:     queries,
		snapshotter: snapshotter,
		gateway:     gateway,
		health:      health,
		log:         observability.NewLogger("api"),
	}
}

// Routes builds the request mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /bbo/{symbol}", a.handleBBO)
	mux.HandleFunc("GET /orderbook/{symbol}", a.handleOrderBook)
	mux.HandleFunc("GET /trades/{symbol}", a.handleRecentTrades)
	mux.HandleFunc("GET /history/trades/{symbol}", a.handleTradeHistory)
	mux.HandleFunc("GET /orders/{id}", a.handleOrder)
	mux.HandleFunc("POST /snapshot", a.handleForceSnapshot)
	mux.HandleFunc("GET /healthz", a.health.LivenessHandler)
	mux.HandleFunc("GET /readyz", a.health.ReadinessHandler)
	mux.HandleFunc("GET /ws", a.gateway.HandleWS)
	return mux
}

func (a *API) handleBBO(w http.ResponseWriter, r *http.Request) {
	eng, err := a.router.Engine(r.PathValue("symbol"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	bbo := eng.BBO()

	resp := struct {
		Symbol    string             `json:"symbol"`
		BBO       marketdata.BBOView `json:"bbo"`
		Timestamp string             `json:"timestamp"`
	}{
		Symbol:    eng.Symbol(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if bbo.Bid != nil {
		s := bbo.Bid.Price.String()
		resp.BBO.BestBid = &s
	}
	if bbo.Ask != nil {
		s := bbo.Ask.Price.String()
		resp.BBO.BestAsk = &s
	}
	if bbo.HasSpread {
		s := bbo.Spread.String()
		resp.BBO.Spread = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if !a.router.Has(symbol) {
		writeError(w, http.StatusNotFound, "unknown symbol "+symbol)
		return
	}
	depth := boundedQueryInt(r, "depth", defaultDepthLevels, maxDepthLevels)

	// One consistent sample of BBO + depth, trimmed to the requested
	// level count.
	msg, _ := a.publisher.Snapshot(symbol)
	if depth < len(msg.Depth.Bids) {
		msg.Depth.Bids = msg.Depth.Bids[:depth]
	}
	if depth < len(msg.Depth.Asks) {
		msg.Depth.Asks = msg.Depth.Asks[:depth]
	}
	writeJSON(w, http.StatusOK, msg)
}

// handleRecentTrades serves the in-memory ring: the freshest view, no
// database round trip.
func (a *API) handleRecentTrades(w http.ResponseWriter, r *http.Request) {
	eng, err := a.router.Engine(r.PathValue("symbol"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	limit := boundedQueryInt(r, "limit", defaultTradeLimit, maxTradeLimit)

	trades := eng.RecentTrades(limit)
	msgs := make([]marketdata.TradeMsg, 0, len(trades))
	for _, t := range trades {
		msgs = append(msgs, marketdata.NewTradeMsg(t))
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleTradeHistory serves the persisted trade log, which reaches
// further back than the in-memory ring.
func (a *API) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if !a.router.Has(symbol) {
		writeError(w, http.StatusNotFound, "unknown symbol "+symbol)
		return
	}
	limit := boundedQueryInt(r, "limit", defaultTradeLimit, maxTradeLimit)

	trades, err := a.queries.TradesBySymbol(r.Context(), symbol, limit)
	if err != nil {
		a.log.Error().Err(err).Str("symbol", symbol).Msg("trade history query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (a *API) handleOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	detail, err := a.queries.OrderByID(r.Context(), id)
	if errors.Is(err, query.ErrNotFound) {
		// Not yet flushed; fall back to the live resting set.
		for _, eng := range a.router.All() {
			if o, ok := eng.RestingOrder(id); ok {
				writeJSON(w, http.StatusOK, liveOrderDetail(&o))
				return
			}
		}
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		a.log.Error().Err(err).Str("order_id", id).Msg("order query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleForceSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	a.snapshotter.SnapshotAll(ctx)
	writeJSON(w, http.StatusOK, map[string]string{"status": "snapshot complete"})
}

func liveOrderDetail(o *book.Order) *query.OrderDetail {
	d := &query.OrderDetail{
		OrderID:           o.ID,
		Symbol:            o.Symbol,
		Side:              string(o.Side),
		Type:              string(o.Type),
		Quantity:          o.Quantity.String(),
		FilledQuantity:    o.FilledQty.String(),
		RemainingQuantity: o.Remaining().String(),
		Status:            string(o.Status),
		Seq:               o.Seq,
		UserID:            o.UserID,
		CreatedAt:         o.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if o.HasPrice {
		p := o.Price.String()
		d.Price = &p
	}
	return d
}

func boundedQueryInt(r *http.Request, key string, def, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
