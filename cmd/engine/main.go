// Command engine wires the matching engine (C2), the ledger (C3) and the
// order lifecycle coordinator (C4) into one running process, the way the
// teacher's cmd/main.go wires its engine and net.Server together behind a
// signal.NotifyContext, generalized to the coordinator/gateway/metrics
// surfaces spec.md §6 adds on top of the teacher's bare engine+transport
// pair.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/config"
	"exchangecore/internal/coordinator"
	"exchangecore/internal/engine"
	"exchangecore/internal/gateway"
	"exchangecore/internal/ledger"
	"exchangecore/internal/metrics"
	"exchangecore/internal/money"
	"exchangecore/internal/transport"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional, env vars override)")
	httpAddr := flag.String("http-addr", "0.0.0.0:9002", "address for /metrics and /ws")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	configureLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, closeStore := mustLedgerStore(ctx, cfg.Ledger)
	defer closeStore()

	eng := engine.New(engine.Config{
		Symbol:          common.Symbol(cfg.Engine.Symbol),
		PublishInterval: cfg.Engine.PublishInterval(),
		Depth:           cfg.Engine.Depth,
		HeartbeatEvery:  cfg.Engine.HeartbeatInterval(),
	})
	orders := coordinator.NewMemoryOrderStore()
	coord := coordinator.New(coordinator.Config{
		LockSlippagePct: money.NewFromFloat(cfg.Coordinator.LockSlippagePct),
		CommandTimeout:  cfg.Coordinator.CommandTimeout(),
		MaxRetries:      cfg.Coordinator.MaxRetries,
		FeeSchedule: ledger.FeeSchedule{
			MakerBps: cfg.Ledger.FeeSchedule.MakerBps,
			TakerBps: cfg.Ledger.FeeSchedule.TakerBps,
		},
	}, eng, store, orders)

	xport := transport.New(cfg.Engine.BindAddr, eng)
	hub := gateway.NewHub(cfg.Engine.EventTopic)

	lifecycle := make(chan gateway.OrderLifecycleEvent, 256)
	go bridgeLifecycle(ctx, coord, lifecycle)

	go func() {
		if err := eng.Run(ctx); err != nil {
			log.Error().Err(err).Str("component", "engine").Msg("stopped")
		}
	}()
	go func() {
		if err := coord.Run(ctx); err != nil {
			log.Error().Err(err).Str("component", "coordinator").Msg("stopped")
		}
	}()
	go func() {
		if err := xport.Run(ctx); err != nil {
			log.Error().Err(err).Str("component", "transport").Msg("stopped")
		}
	}()
	go hub.Run(eng.Deltas(), lifecycle)
	go watchDeadLetters(coord)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID, _ := uuid.Parse(r.URL.Query().Get("user_id"))
		if err := hub.ServeWS(userID, w, r); err != nil {
			log.Warn().Err(err).Str("component", "gateway").Msg("websocket upgrade failed")
		}
	})
	httpSrv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("component", "http").Msg("stopped")
		}
	}()

	log.Info().
		Str("symbol", cfg.Engine.Symbol).
		Str("engine_addr", cfg.Engine.BindAddr).
		Str("http_addr", *httpAddr).
		Msg("exchangecore started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = xport.Shutdown()
	_ = coord.Shutdown()
	_ = eng.Shutdown()
}

func configureLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// mustLedgerStore opens PostgresStore against cfg.DSN, applying embedded
// migrations first, or falls back to an in-process MemoryStore when no DSN
// is configured (spec.md §6 "ledger.dsn" is optional for local/dev runs).
func mustLedgerStore(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, func()) {
	if cfg.DSN == "" {
		log.Warn().Str("component", "ledger").Msg("no ledger.dsn configured, using in-memory store (not durable)")
		return ledger.NewMemoryStore(), func() {}
	}

	if err := ledger.Migrate(cfg.DSN); err != nil {
		log.Fatal().Err(err).Str("component", "ledger").Msg("apply migrations")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Str("component", "ledger").Msg("open postgres pool")
	}
	return ledger.NewPostgresStore(pool), pool.Close
}

// bridgeLifecycle adapts coordinator.LifecycleEvent onto the gateway's own
// wire type, keeping coordinator free of a gateway import.
func bridgeLifecycle(ctx context.Context, coord *coordinator.Coordinator, out chan<- gateway.OrderLifecycleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-coord.Lifecycle():
			typ := gateway.OrderCancelled
			if ev.Type == coordinator.LifecycleFilled {
				typ = gateway.OrderFilled
			}
			select {
			case out <- gateway.OrderLifecycleEvent{Type: typ, OrderID: ev.OrderID.String(), FilledQuantity: ev.FilledQuantity}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func watchDeadLetters(coord *coordinator.Coordinator) {
	for d := range coord.DeadLetters() {
		log.Error().Str("component", "alerting").Str("fill_id", d.FillID).Err(d.Err).Msg("fill settlement dead-lettered, operator attention required")
	}
}
