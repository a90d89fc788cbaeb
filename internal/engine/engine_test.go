package engine

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"SpotMatch/internal/book"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLimits() Limits {
	return Limits{
		MaxQuantity:  d("1000000"),
		MaxPrice:     d("100000000"),
		MakerFeeRate: d("0.001"),
		TakerFeeRate: d("0.002"),
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return New("BTC-USDT", testLimits(), 100, nil, nil)
}

func submit(t *testing.T, e *Engine, side book.Side, typ book.OrderType, price, qty string) *Result {
	t.Helper()
	res, err := e.Submit(order(side, typ, price, qty))
	if err != nil {
		t.Fatalf("Submit(%s %s %s@%s): %v", side, typ, qty, price, err)
	}
	return res
}

func order(side book.Side, typ book.OrderType, price, qty string) *book.Order {
	o := &book.Order{
		Symbol:   "BTC-USDT",
		Side:     side,
		Type:     typ,
		Quantity: d(qty),
	}
	if price != "" {
		o.Price = d(price)
		o.HasPrice = true
	}
	return o
}

func TestSimpleLimitMatch(t *testing.T) {
	e := newTestEngine(t)

	sell := submit(t, e, book.Sell, book.Limit, "50000", "1.0")
	buy := submit(t, e, book.Buy, book.Limit, "50000", "1.0")

	if len(buy.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(buy.Trades))
	}
	tr := buy.Trades[0]
	if !tr.Price.Equal(d("50000")) || !tr.Quantity.Equal(d("1.0")) {
		t.Fatalf("trade = %s @ %s, want 1.0 @ 50000", tr.Quantity, tr.Price)
	}
	if tr.MakerOrderID != sell.Order.ID || tr.TakerOrderID != buy.Order.ID {
		t.Fatal("maker/taker attribution wrong")
	}
	if tr.AggressorSide != book.Buy {
		t.Fatalf("aggressor = %s, want buy", tr.AggressorSide)
	}
	if buy.Order.Status != book.StatusFilled {
		t.Fatalf("taker status = %s, want filled", buy.Order.Status)
	}
	if _, resting := e.RestingOrder(sell.Order.ID); resting {
		t.Fatal("filled maker still resting")
	}
	bbo := e.BBO()
	if bbo.Bid != nil || bbo.Ask != nil {
		t.Fatalf("book not empty after full match: %+v", bbo)
	}
}

func TestMarketWalksLevelsPriceTimePriority(t *testing.T) {
	e := newTestEngine(t)

	a := submit(t, e, book.Sell, book.Limit, "100", "1.0")
	b := submit(t, e, book.Sell, book.Limit, "100", "1.0")
	c := submit(t, e, book.Sell, book.Limit, "101", "2.0")

	res := submit(t, e, book.Buy, book.Market, "", "3.0")
	if len(res.Trades) != 3 {
		t.Fatalf("trades = %d, want 3", len(res.Trades))
	}

	wantMakers := []string{a.Order.ID, b.Order.ID, c.Order.ID}
	wantPrices := []string{"100", "100", "101"}
	wantQtys := []string{"1.0", "1.0", "1.0"}
	for i, tr := range res.Trades {
		if tr.MakerOrderID != wantMakers[i] {
			t.Fatalf("trade %d maker = %s, want %s", i, tr.MakerOrderID, wantMakers[i])
		}
		if !tr.Price.Equal(d(wantPrices[i])) || !tr.Quantity.Equal(d(wantQtys[i])) {
			t.Fatalf("trade %d = %s @ %s", i, tr.Quantity, tr.Price)
		}
	}
	if res.Order.Status != book.StatusFilled {
		t.Fatalf("taker status = %s, want filled", res.Order.Status)
	}

	// SELL 1.0 @ 101 remains.
	bbo := e.BBO()
	if bbo.Ask == nil || !bbo.Ask.Price.Equal(d("101")) || !bbo.Ask.Quantity.Equal(d("1.0")) {
		t.Fatalf("remaining ask = %+v, want 1.0 @ 101", bbo.Ask)
	}
}

func TestNoTradeThroughOnLimit(t *testing.T) {
	e := newTestEngine(t)

	submit(t, e, book.Sell, book.Limit, "100", "2.0")
	res := submit(t, e, book.Buy, book.Limit, "105", "2.0")

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	if !res.Trades[0].Price.Equal(d("100")) {
		t.Fatalf("trade price = %s, want maker price 100", res.Trades[0].Price)
	}
	if res.Order.Status != book.StatusFilled {
		t.Fatalf("status = %s, want filled", res.Order.Status)
	}
}

func TestFOKInfeasibleCancelsAtomically(t *testing.T) {
	e := newTestEngine(t)

	submit(t, e, book.Sell, book.Limit, "99", "1.0")
	submit(t, e, book.Sell, book.Limit, "100", "1.0")
	before := e.Depth(10)

	res := submit(t, e, book.Buy, book.FOK, "100", "3.0")
	if len(res.Trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(res.Trades))
	}
	if res.Order.Status != book.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Order.Status)
	}
	if !res.Order.FilledQty.IsZero() {
		t.Fatalf("filled = %s, want 0", res.Order.FilledQty)
	}

	after := e.Depth(10)
	if len(after.Asks) != len(before.Asks) {
		t.Fatal("book changed by infeasible FOK")
	}
	for i := range after.Asks {
		if !after.Asks[i].Price.Equal(before.Asks[i].Price) ||
			!after.Asks[i].Quantity.Equal(before.Asks[i].Quantity) {
			t.Fatal("book changed by infeasible FOK")
		}
	}
}

func TestFOKFeasibleFillsFully(t *testing.T) {
	e := newTestEngine(t)

	submit(t, e, book.Sell, book.Limit, "99", "1.0")
	submit(t, e, book.Sell, book.Limit, "100", "2.0")

	res := submit(t, e, book.Buy, book.FOK, "100", "3.0")
	if res.Order.Status != book.StatusFilled {
		t.Fatalf("status = %s, want filled", res.Order.Status)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(res.Trades))
	}
}

func TestIOCPartialCancelsRemainder(t *testing.T) {
	e := newTestEngine(t)

	submit(t, e, book.Sell, book.Limit, "100", "0.5")
	res := submit(t, e, book.Buy, book.IOC, "100", "1.0")

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	if !res.Trades[0].Quantity.Equal(d("0.5")) || !res.Trades[0].Price.Equal(d("100")) {
		t.Fatalf("trade = %s @ %s, want 0.5 @ 100", res.Trades[0].Quantity, res.Trades[0].Price)
	}
	if res.Order.Status != book.StatusPartiallyFilled {
		t.Fatalf("status = %s, want partially_filled", res.Order.Status)
	}
	// IOC never rests.
	if _, ok := e.RestingOrder(res.Order.ID); ok {
		t.Fatal("IOC order resting on book")
	}
	bbo := e.BBO()
	if bbo.Ask != nil {
		t.Fatalf("ask side not empty: %+v", bbo.Ask)
	}
}

func TestIOCWithoutPriceActsAsMarket(t *testing.T) {
	e := newTestEngine(t)

	submit(t, e, book.Sell, book.Limit, "100", "1.0")
	submit(t, e, book.Sell, book.Limit, "200", "1.0")

	res := submit(t, e, book.Buy, book.IOC, "", "2.0")
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(res.Trades))
	}
	if res.Order.Status != book.StatusFilled {
		t.Fatalf("status = %s, want filled", res.Order.Status)
	}
}

func TestCancelThenMatch(t *testing.T) {
	e := newTestEngine(t)

	buy := submit(t, e, book.Buy, book.Limit, "50", "1.0")
	if _, ok := e.Cancel(buy.Order.ID); !ok {
		t.Fatal("cancel failed")
	}

	sell := submit(t, e, book.Sell, book.Limit, "50", "1.0")
	if len(sell.Trades) != 0 {
		t.Fatalf("trades = %d, want 0 after cancel", len(sell.Trades))
	}
	if sell.Order.Status != book.StatusPending {
		t.Fatalf("status = %s, want pending (resting)", sell.Order.Status)
	}
	bbo := e.BBO()
	if bbo.Ask == nil || !bbo.Ask.Price.Equal(d("50")) {
		t.Fatalf("sell not resting at 50: %+v", bbo.Ask)
	}
}

func TestCancelUnknownOrTerminal(t *testing.T) {
	e := newTestEngine(t)

	if _, ok := e.Cancel("nope"); ok {
		t.Fatal("cancel of unknown id succeeded")
	}

	submit(t, e, book.Sell, book.Limit, "100", "1.0")
	buy := submit(t, e, book.Buy, book.Limit, "100", "1.0")
	if _, ok := e.Cancel(buy.Order.ID); ok {
		t.Fatal("cancel of filled order succeeded")
	}
}

func TestMarketResidualCancelled(t *testing.T) {
	e := newTestEngine(t)

	submit(t, e, book.Sell, book.Limit, "100", "1.0")
	res := submit(t, e, book.Buy, book.Market, "", "2.0")

	if res.Order.Status != book.StatusPartiallyFilled {
		t.Fatalf("status = %s, want partially_filled", res.Order.Status)
	}
	if !res.Order.FilledQty.Equal(d("1.0")) {
		t.Fatalf("filled = %s, want 1.0", res.Order.FilledQty)
	}
	if _, ok := e.RestingOrder(res.Order.ID); ok {
		t.Fatal("market order resting on book")
	}
}

func TestMarketOnEmptyBookCancelled(t *testing.T) {
	e := newTestEngine(t)
	res := submit(t, e, book.Buy, book.Market, "", "1.0")
	if res.Order.Status != book.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Order.Status)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(res.Trades))
	}
}

func TestLimitPartialRests(t *testing.T) {
	e := newTestEngine(t)

	submit(t, e, book.Sell, book.Limit, "100", "1.0")
	res := submit(t, e, book.Buy, book.Limit, "100", "3.0")

	if res.Order.Status != book.StatusPartiallyFilled {
		t.Fatalf("status = %s, want partially_filled", res.Order.Status)
	}
	resting, ok := e.RestingOrder(res.Order.ID)
	if !ok {
		t.Fatal("partially filled limit not resting")
	}
	if !resting.Remaining().Equal(d("2.0")) {
		t.Fatalf("remaining = %s, want 2.0", resting.Remaining())
	}
}

func TestValidationRejections(t *testing.T) {
	e := newTestEngine(t)

	cases := []struct {
		name   string
		order  *book.Order
		reason string
	}{
		{"wrong symbol", &book.Order{Symbol: "ETH-USDT", Side: book.Buy, Type: book.Limit, Price: d("1"), HasPrice: true, Quantity: d("1")}, "bad_symbol"},
		{"bad side", &book.Order{Symbol: "BTC-USDT", Side: "long", Type: book.Limit, Price: d("1"), HasPrice: true, Quantity: d("1")}, "bad_side"},
		{"bad type", &book.Order{Symbol: "BTC-USDT", Side: book.Buy, Type: "stop", Price: d("1"), HasPrice: true, Quantity: d("1")}, "bad_type"},
		{"zero quantity", order(book.Buy, book.Limit, "1", "0"), "bad_quantity"},
		{"negative quantity", order(book.Buy, book.Limit, "1", "-1"), "bad_quantity"},
		{"over max quantity", order(book.Buy, book.Limit, "1", "1000001"), "max_quantity"},
		{"limit without price", order(book.Buy, book.Limit, "", "1"), "bad_price"},
		{"limit zero price", order(book.Buy, book.Limit, "0", "1"), "bad_price"},
		{"over max price", order(book.Buy, book.Limit, "100000001", "1"), "max_price"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Submit(tc.order)
			var rej *RejectionError
			if !errors.As(err, &rej) {
				t.Fatalf("err = %v, want RejectionError", err)
			}
			if rej.Reason != tc.reason {
				t.Fatalf("reason = %s, want %s", rej.Reason, tc.reason)
			}
		})
	}

	if e.Sequence() != 0 {
		t.Fatalf("rejections consumed sequence numbers: %d", e.Sequence())
	}
}

func TestMarketPriceIgnoredNotRejected(t *testing.T) {
	e := newTestEngine(t)
	submit(t, e, book.Sell, book.Limit, "100", "1.0")

	res := submit(t, e, book.Buy, book.Market, "55", "1.0")
	if res.Order.Status != book.StatusFilled {
		t.Fatalf("status = %s, want filled", res.Order.Status)
	}
	if !res.Trades[0].Price.Equal(d("100")) {
		t.Fatalf("trade price = %s, want 100", res.Trades[0].Price)
	}
}

func TestFeesDerivedFromNotional(t *testing.T) {
	e := newTestEngine(t)

	submit(t, e, book.Sell, book.Limit, "100", "2")
	res := submit(t, e, book.Buy, book.Limit, "100", "2")

	tr := res.Trades[0]
	if !tr.MakerFee.Equal(d("0.2")) {
		t.Fatalf("maker fee = %s, want 0.2", tr.MakerFee)
	}
	if !tr.TakerFee.Equal(d("0.4")) {
		t.Fatalf("taker fee = %s, want 0.4", tr.TakerFee)
	}
}

func TestSequenceAssignment(t *testing.T) {
	e := newTestEngine(t)

	a := submit(t, e, book.Sell, book.Limit, "100", "1")
	b := submit(t, e, book.Sell, book.Limit, "100", "1")
	if a.Order.Seq != 1 || b.Order.Seq != 2 {
		t.Fatalf("seqs = %d, %d, want 1, 2", a.Order.Seq, b.Order.Seq)
	}

	// Cancels consume sequence numbers too.
	e.Cancel(a.Order.ID)
	if e.Sequence() != 3 {
		t.Fatalf("seq after cancel = %d, want 3", e.Sequence())
	}
}

func TestOutputsCarryAdmissionCopies(t *testing.T) {
	out := make(chan Output, 16)
	e := New("BTC-USDT", testLimits(), 100, out, nil)

	submit(t, e, book.Sell, book.Limit, "100", "1")
	res := submit(t, e, book.Buy, book.Limit, "100", "1")

	first := <-out
	if first.Kind != OutputAdmitted || first.Admitted == nil {
		t.Fatalf("first output = %+v", first)
	}
	if first.Admitted.Status != book.StatusPending || !first.Admitted.FilledQty.IsZero() {
		t.Fatal("admission copy is not pre-match state")
	}

	second := <-out
	if second.Seq != 2 || len(second.Trades) != 1 {
		t.Fatalf("second output seq=%d trades=%d", second.Seq, len(second.Trades))
	}
	if second.Order == nil || second.Order.Status != book.StatusFilled {
		t.Fatal("post-match taker copy missing")
	}
	if len(second.Makers) != 1 || second.Makers[0].Status != book.StatusFilled {
		t.Fatal("maker post-match copy missing")
	}
	_ = res
}

func TestRecentTradesNewestFirst(t *testing.T) {
	e := newTestEngine(t)

	submit(t, e, book.Sell, book.Limit, "100", "1")
	submit(t, e, book.Sell, book.Limit, "101", "1")
	submit(t, e, book.Buy, book.Market, "", "2")

	trades := e.RecentTrades(10)
	if len(trades) != 2 {
		t.Fatalf("history = %d, want 2", len(trades))
	}
	if !trades[0].Price.Equal(d("101")) || !trades[1].Price.Equal(d("100")) {
		t.Fatalf("order = %s, %s, want 101, 100", trades[0].Price, trades[1].Price)
	}
}

func TestTradeRingEviction(t *testing.T) {
	r := newTradeRing(3)
	for i := 0; i < 5; i++ {
		r.append([]*book.Trade{{ID: string(rune('a' + i))}})
	}
	got := r.recent(10)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "e" || got[2].ID != "c" {
		t.Fatalf("ring contents = %s..%s, want e..c", got[0].ID, got[2].ID)
	}
}

func TestRouter(t *testing.T) {
	btc := newTestEngine(t)
	eth := New("ETH-USDT", testLimits(), 100, nil, nil)
	r := NewRouter([]*Engine{btc, eth})

	if e, err := r.Engine("BTC-USDT"); err != nil || e != btc {
		t.Fatalf("Engine(BTC-USDT) = %v, %v", e, err)
	}
	if _, err := r.Engine("DOGE-USDT"); err == nil {
		t.Fatal("unknown symbol accepted")
	}
	syms := r.Symbols()
	if len(syms) != 2 || syms[0] != "BTC-USDT" || syms[1] != "ETH-USDT" {
		t.Fatalf("symbols = %v", syms)
	}
}

func TestConcurrentSubmitMassConservation(t *testing.T) {
	// History cap large enough to retain every trade this test produces.
	e := New("BTC-USDT", testLimits(), 1000, nil, nil)

	// Opposing limit flows from many goroutines at one crossing price.
	// The lock serializes matching; afterwards every unit of quantity is
	// either filled or resting, never both, never lost.
	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		side := book.Buy
		if w%2 == 1 {
			side = book.Sell
		}
		wg.Add(1)
		go func(side book.Side) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := e.Submit(order(side, book.Limit, "100", "1")); err != nil {
					t.Errorf("submit: %v", err)
					return
				}
			}
		}(side)
	}
	wg.Wait()

	// Equal buy and sell volume at one price: everything crosses.
	filled := decimal.Zero
	for _, tr := range e.RecentTrades(workers * perWorker) {
		filled = filled.Add(tr.Quantity)
	}
	resting := decimal.Zero
	orders, _ := e.SnapshotResting()
	for _, o := range orders {
		resting = resting.Add(o.Remaining())
	}

	total := d("1").Mul(decimal.NewFromInt(workers * perWorker))
	// Each trade consumes one unit from each side.
	accounted := filled.Mul(d("2")).Add(resting)
	if !accounted.Equal(total) {
		t.Fatalf("accounted %s of %s (filled=%s resting=%s)", accounted, total, filled, resting)
	}
	if e.Halted() {
		t.Fatal("engine halted under concurrent load")
	}
	if got := e.Sequence(); got != workers*perWorker {
		t.Fatalf("sequence = %d, want %d", got, workers*perWorker)
	}
}

func TestFOKShortfallHaltsEngine(t *testing.T) {
	e := newTestEngine(t)
	submit(t, e, book.Sell, book.Limit, "100", "1")

	// Desync the level aggregate from the orders beneath it, so the
	// feasibility check promises liquidity the walk cannot deliver.
	lvl, ok := e.bk.Asks.BestLevel()
	if !ok {
		t.Fatal("no ask level resting")
	}
	lvl.TotalQty = lvl.TotalQty.Add(d("1"))

	_, err := e.Submit(order(book.Buy, book.FOK, "100", "2"))
	if err == nil {
		t.Fatal("shortfall submission accepted")
	}
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("err = %v, want ErrHalted", err)
	}
	if !e.Halted() {
		t.Fatal("engine still running after fill walk contradicted feasibility")
	}
	if _, err := e.Submit(order(book.Buy, book.Limit, "99", "1")); !errors.Is(err, ErrHalted) {
		t.Fatalf("post-halt submit err = %v, want ErrHalted", err)
	}
}
