package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "BTC-USDT" {
		t.Fatalf("symbols = %v", cfg.Symbols)
	}
	if cfg.PersistBatchSize != 200 || cfg.PersistBatchInterval != 25*time.Millisecond {
		t.Fatalf("persist config = %d / %s", cfg.PersistBatchSize, cfg.PersistBatchInterval)
	}
	if cfg.BroadcastWindow != 5*time.Millisecond {
		t.Fatalf("broadcast window = %s", cfg.BroadcastWindow)
	}
	if cfg.ListenAddr != ":8080" || cfg.MetricsAddr != ":9091" {
		t.Fatalf("addrs = %s / %s", cfg.ListenAddr, cfg.MetricsAddr)
	}
	if cfg.IngressQueueSize != 10000 || cfg.StreamQueueSize != 10000 {
		t.Fatalf("queue sizes = %d / %d", cfg.IngressQueueSize, cfg.StreamQueueSize)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SPOT_SYMBOLS", "SOL-USDT, ADA-USDT ,")
	t.Setenv("SPOT_PERSIST_BATCH_SIZE", "50")
	t.Setenv("SPOT_BROADCAST_WINDOW", "10ms")
	t.Setenv("SPOT_MAKER_FEE_RATE", "0.0005")
	t.Setenv("SPOT_STREAM_QUEUE_SIZE", "512")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "SOL-USDT" || cfg.Symbols[1] != "ADA-USDT" {
		t.Fatalf("symbols = %v, want trimmed CSV", cfg.Symbols)
	}
	if cfg.PersistBatchSize != 50 {
		t.Fatalf("batch size = %d", cfg.PersistBatchSize)
	}
	if cfg.BroadcastWindow != 10*time.Millisecond {
		t.Fatalf("window = %s", cfg.BroadcastWindow)
	}
	if cfg.MakerFeeRate.String() != "0.0005" {
		t.Fatalf("maker fee = %s", cfg.MakerFeeRate)
	}
	if cfg.StreamQueueSize != 512 || cfg.IngressQueueSize != 10000 {
		t.Fatalf("queue sizes = %d / %d, stream knob must not touch ingress", cfg.StreamQueueSize, cfg.IngressQueueSize)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("SPOT_PERSIST_BATCH_SIZE", "not-a-number")
	t.Setenv("SPOT_SNAPSHOT_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PersistBatchSize != 200 || cfg.SnapshotInterval != 60*time.Second {
		t.Fatalf("fallbacks = %d / %s", cfg.PersistBatchSize, cfg.SnapshotInterval)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no symbols", func(c *Config) { c.Symbols = nil }},
		{"zero batch", func(c *Config) { c.PersistBatchSize = 0 }},
		{"zero window", func(c *Config) { c.BroadcastWindow = 0 }},
		{"negative fee", func(c *Config) { c.TakerFeeRate = c.TakerFeeRate.Neg() }},
		{"zero depth", func(c *Config) { c.DepthLevels = 0 }},
	}
	for _, tc := range cases {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("%s: load: %v", tc.name, err)
		}
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: no validation error", tc.name)
		}
	}
}
