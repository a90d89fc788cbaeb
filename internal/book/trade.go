package book

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an executed match between one maker and one taker. Immutable
// once emitted.
type Trade struct {
	ID            string          `json:"trade_id"`
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	AggressorSide Side            `json:"aggressor_side"`
	MakerOrderID  string          `json:"maker_order_id"`
	TakerOrderID  string          `json:"taker_order_id"`
	MakerFee      decimal.Decimal `json:"maker_fee"`
	TakerFee      decimal.Decimal `json:"taker_fee"`
	Seq           int64           `json:"seq"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Fill is the raw output of a matching walk: one (taker, maker)
// intersection at the maker's price. The engine turns fills into Trades
// (assigning ids and fees).
type Fill struct {
	Maker *Order
	Price decimal.Decimal
	Qty   decimal.Decimal
}
