package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"SpotMatch/internal/observability"
)

// loadgen opens websocket connections and submits randomized orders
// around a drifting mid price, printing throughput once per second.
// Useful for soak-testing matching, persistence, and broadcast batching
// under realistic contention.

type orderMsg struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"order_type"`
	Price     string `json:"price,omitempty"`
	Quantity  string `json:"quantity"`
	UserID    string `json:"user_id"`
}

func main() {
	var (
		addr    = flag.String("addr", "ws://localhost:8080/ws", "websocket endpoint")
		conns   = flag.Int("conns", 4, "concurrent connections")
		rate    = flag.Int("rate", 200, "orders per second per connection")
		symbols = flag.String("symbols", "BTC-USDT,ETH-USDT", "comma-separated symbols")
		mid     = flag.Float64("mid", 50000, "starting mid price")
	)
	flag.Parse()

	log := observability.NewLogger("loadgen")
	syms := strings.Split(*symbols, ",")

	var sent, responses atomic.Int64

	done := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < *conns; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
			if err != nil {
				log.Error().Err(err).Int("conn", id).Msg("dial failed")
				return
			}
			defer conn.Close()

			// Drain responses so the server's write queue never backs up.
			go func() {
				for {
					_, data, err := conn.ReadMessage()
					if err != nil {
						return
					}
					var resp struct {
						Type string `json:"type"`
					}
					if json.Unmarshal(data, &resp) == nil && resp.Type == "order_response" {
						responses.Add(1)
					}
				}
			}()

			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
			ticker := time.NewTicker(time.Second / time.Duration(*rate))
			defer ticker.Stop()

			price := *mid
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					price += (rng.Float64() - 0.5) * price * 0.0002
					msg := randomOrder(rng, syms, price, id)
					data, _ := json.Marshal(msg)
					if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
						log.Warn().Err(err).Int("conn", id).Msg("write failed")
						return
					}
					sent.Add(1)
				}
			}
		}(i)
	}

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var lastSent, lastResp int64
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s, r := sent.Load(), responses.Load()
				fmt.Printf("sent=%d (+%d/s) responses=%d (+%d/s)\n", s, s-lastSent, r, r-lastResp)
				lastSent, lastResp = s, r
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	close(done)
	wg.Wait()
	fmt.Printf("total sent=%d responses=%d\n", sent.Load(), responses.Load())
}

func randomOrder(rng *rand.Rand, symbols []string, mid float64, id int) orderMsg {
	msg := orderMsg{
		Type:     "order",
		Symbol:   symbols[rng.Intn(len(symbols))],
		Quantity: decimal.NewFromFloat(0.01 + rng.Float64()).Round(4).String(),
		UserID:   fmt.Sprintf("loadgen-%d", id),
	}
	if rng.Intn(2) == 0 {
		msg.Side = "buy"
	} else {
		msg.Side = "sell"
	}

	// Mostly limits straddling the mid so books build and cross; a few
	// markets and IOCs to exercise the immediate paths.
	switch rng.Intn(10) {
	case 0:
		msg.OrderType = "market"
	case 1:
		msg.OrderType = "ioc"
		msg.Price = priceNear(rng, mid, msg.Side)
	default:
		msg.OrderType = "limit"
		msg.Price = priceNear(rng, mid, msg.Side)
	}
	return msg
}

func priceNear(rng *rand.Rand, mid float64, side string) string {
	// Skew passive: buys slightly below mid, sells slightly above, with
	// enough overlap that some orders cross immediately.
	offset := (rng.Float64() - 0.4) * mid * 0.001
	if side == "buy" {
		return decimal.NewFromFloat(mid - offset).Round(2).String()
	}
	return decimal.NewFromFloat(mid + offset).Round(2).String()
}
