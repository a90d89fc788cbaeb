package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"SpotMatch/internal/config"
	"SpotMatch/internal/engine"
	"SpotMatch/internal/marketdata"
	"SpotMatch/internal/observability"
	"SpotMatch/internal/persistence"
	"SpotMatch/internal/query"
	"SpotMatch/internal/server"
	"SpotMatch/internal/stream"
)

func main() {
	log := observability.NewLogger("main")
	log.Info().Msg("spotmatch starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := persistence.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connect")
	}
	defer db.Close()
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Engines ---
	limits := engine.Limits{
		MaxQuantity:  cfg.MaxOrderQuantity,
		MaxPrice:     cfg.MaxOrderPrice,
		MakerFeeRate: cfg.MakerFeeRate,
		TakerFeeRate: cfg.TakerFeeRate,
	}
	persistChan := make(chan engine.Output, cfg.PersistQueueSize)
	engines := make([]*engine.Engine, 0, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		engines = append(engines, engine.New(symbol, limits, cfg.TradeHistoryCap, persistChan, metrics))
	}
	router := engine.NewRouter(engines)

	// --- Recovery: snapshot restore + event replay, before any traffic ---
	snapMgr := persistence.NewSnapshotManager(db)
	recovery := persistence.NewRecovery(snapMgr, metrics)
	if err := recovery.RecoverAll(ctx, router); err != nil {
		log.Fatal().Err(err).Msg("recovery failed")
	}
	log.Info().Int("symbols", len(engines)).Msg("recovery complete")

	// --- Outbound stream mirror (optional) ---
	var outbound *stream.Publisher
	var mdSink marketdata.Sink
	if cfg.NATSURL != "" {
		js, err := stream.Connect(ctx, cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		outbound = stream.NewPublisher(js, cfg.StreamQueueSize, metrics)
		mdSink = outbound
		log.Info().Str("url", cfg.NATSURL).Msg("outbound stream connected")
	}

	// --- Market data ---
	hub := marketdata.NewHub(cfg.BroadcastWindow, cfg.SubscriberBuf, metrics)
	publisher := marketdata.NewPublisher(router, hub, mdSink, cfg.BroadcastWindow, cfg.DepthLevels)

	// --- HTTP API + websocket gateway ---
	queries := query.NewService(db)
	snapshotter := persistence.NewSnapshotter(snapMgr, router, cfg.SnapshotInterval, metrics)
	gateway := server.NewGateway(router, hub, publisher, outbound, cfg.IngressQueueSize, metrics)
	api := server.NewAPI(router, publisher, queries, snapshotter, gateway, health)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Routes(),
	}

	// --- Run everything ---
	errChan := make(chan error, 8)
	var wg sync.WaitGroup

	worker := persistence.NewWorker(
		persistence.NewWriter(db), persistChan,
		cfg.PersistBatchSize, cfg.PersistBatchInterval,
		metrics, health,
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// The snapshotter takes a final snapshot on cancel; wait for it so a
	// restart replays as little as possible.
	wg.Add(1)
	go func() {
		defer wg.Done()
		snapshotter.Run(ctx)
	}()

	go func() { errChan <- hub.Run(ctx) }()
	go func() { errChan <- publisher.Run(ctx) }()
	if outbound != nil {
		go func() { errChan <- outbound.Run(ctx) }()
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	health.SetReady(true)
	log.Info().
		Strs("symbols", cfg.Symbols).
		Str("listen", cfg.ListenAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("spotmatch ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("component failed, shutting down")
	}

	health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	// The persist channel is never closed: Shutdown does not wait for
	// hijacked websocket connections, so a lingering client may still
	// drive Submit. Cancelling instead lets the worker drain the buffered
	// tail and flush, and the snapshotter take its final snapshot.
	cancel()
	wg.Wait()

	log.Info().Msg("spotmatch shutdown complete")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
