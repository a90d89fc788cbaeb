package server

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"SpotMatch/internal/engine"
	"SpotMatch/internal/marketdata"
)

func testClient(t *testing.T, ingressLimit int) (*client, *engine.Engine) {
	t.Helper()
	limits := engine.Limits{
		MaxQuantity:  d("1000000"),
		MaxPrice:     d("100000000"),
		MakerFeeRate: d("0.001"),
		TakerFeeRate: d("0.002"),
	}
	eng := engine.New("BTC-USDT", limits, 100, nil, nil)
	router := engine.NewRouter([]*engine.Engine{eng})
	hub := marketdata.NewHub(5*time.Millisecond, 8, nil)
	pub := marketdata.NewPublisher(router, hub, nil, 5*time.Millisecond, 10)
	gw := NewGateway(router, hub, pub, nil, ingressLimit, nil)

	return &client{
		gw:   gw,
		send: make(chan []byte, 4),
		done: make(chan struct{}),
	}, eng
}

func orderMsg() *Inbound {
	return &Inbound{
		Type: "order", Symbol: "BTC-USDT", Side: "buy",
		OrderType: "limit", Price: "100", Quantity: "1",
	}
}

func response(t *testing.T, c *client) OrderResponse {
	t.Helper()
	var resp OrderResponse
	select {
	case payload := <-c.send:
		if err := json.Unmarshal(payload, &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	default:
		t.Fatal("no response queued")
	}
	return resp
}

func TestOrderIngressBackpressureRejects(t *testing.T) {
	c, eng := testClient(t, 1)

	// Occupy the only in-flight slot; the next order must bounce without
	// reaching the engine.
	c.gw.ingress <- struct{}{}
	c.handleOrder(orderMsg())

	resp := response(t, c)
	if resp.Success {
		t.Fatal("order accepted past a full ingress bound")
	}
	if !strings.Contains(resp.Error, "backpressure") {
		t.Fatalf("error = %q, want a backpressure rejection", resp.Error)
	}
	if got := eng.Sequence(); got != 0 {
		t.Fatalf("engine sequence = %d, rejected order consumed a seq", got)
	}

	// Freeing the slot restores normal admission.
	<-c.gw.ingress
	c.handleOrder(orderMsg())
	if resp := response(t, c); !resp.Success {
		t.Fatalf("order rejected after slot freed: %s", resp.Error)
	}
	if got := eng.Sequence(); got != 1 {
		t.Fatalf("engine sequence = %d, want 1", got)
	}
}
