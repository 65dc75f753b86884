package main

import (
	"context"
	"github.com/ariefcatur/go-orders-invoicing/internal/config"
	"github.com/ariefcatur/go-orders-invoicing/internal/inventory"
	"github.com/ariefcatur/go-orders-invoicing/internal/logging"
	"github.com/ariefcatur/go-orders-invoicing/internal/orders"
	"github.com/ariefcatur/go-orders-invoicing/internal/postgres"
	"github.com/ariefcatur/go-orders-invoicing/internal/telemetry"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"log"
	"os/signal"
	"syscall"
	"time"
)

// inventory: sweeper reservasi kadaluarsa + recovery intent checkout yang macet.
func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	service := cfg.ServiceName + "-inventory"
	logger, err := logging.New(service, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.SetupTracer(ctx, service, cfg.OTelEndpoint)
	if err != nil {
		logger.Fatal("tracer", zap.Error(err))
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxConns: 4})
	if err != nil {
		logger.Fatal("db", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		logger.Fatal("db migrate", zap.Error(err))
	}

	ledger := &inventory.PGLedger{DB: db, TTL: cfg.ReservationTTL}
	sweeper := &inventory.Sweeper{Ledger: ledger, Log: logger.Named("sweeper")}
	recoverer := &orders.Recoverer{
		Intents:    &orders.PGIntentLog{DB: db},
		Store:      &orders.Repo{DB: db},
		Ledger:     ledger,
		StaleAfter: cfg.IntentStaleAfter,
		Log:        logger.Named("recovery"),
	}

	logger.Info("inventory workers started",
		zap.Duration("sweep_tick", cfg.SweepTick), zap.Duration("intent_stale_after", cfg.IntentStaleAfter))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Run(gctx, cfg.SweepTick)
		return nil
	})
	g.Go(func() error {
		recoverer.Run(gctx, cfg.SweepTick)
		return nil
	})
	_ = g.Wait()

	logger.Info("shutting down inventory workers...")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracer(sctx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
}
