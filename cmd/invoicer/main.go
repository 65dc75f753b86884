package main

import (
	"context"
	"github.com/ariefcatur/go-orders-invoicing/internal/config"
	"github.com/ariefcatur/go-orders-invoicing/internal/invoicing"
	"github.com/ariefcatur/go-orders-invoicing/internal/invoicing/ose"
	kafkax "github.com/ariefcatur/go-orders-invoicing/internal/kafka"
	"github.com/ariefcatur/go-orders-invoicing/internal/logging"
	"github.com/ariefcatur/go-orders-invoicing/internal/money"
	"github.com/ariefcatur/go-orders-invoicing/internal/orders"
	"github.com/ariefcatur/go-orders-invoicing/internal/postgres"
	"github.com/ariefcatur/go-orders-invoicing/internal/redisx"
	"github.com/ariefcatur/go-orders-invoicing/internal/telemetry"
	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"log"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	service := cfg.ServiceName + "-invoicer"
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

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{})
	if err != nil {
		logger.Fatal("db", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		logger.Fatal("db migrate", zap.Error(err))
	}

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	engine, err := money.NewEngine(cfg.MoneyConfig())
	if err != nil {
		logger.Fatal("money engine", zap.Error(err))
	}

	pInvoice := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicInvoiceStatus, 256, logger)
	pInvoice.Start(context.WithoutCancel(ctx))

	store := &invoicing.PGStore{DB: db}
	issuer := &invoicing.Issuer{
		Engine:  engine,
		Store:   store,
		Gateway: ose.New(cfg.GatewayURL, cfg.GatewayToken, cfg.CompanyRUC, cfg.GatewayTimeout),
		Locker:  &redisx.Locker{RDB: rdb},
		Events:  &invoicing.KafkaStatusPublisher{Producer: pInvoice, Service: service},
		Config:  cfg.IssuerConfig(),
		Log:     logger.Named("issuer"),
	}
	handler := &invoicing.OrderCreatedHandler{
		Issuer:  issuer,
		Dedup:   &redisx.Dedup{RDB: rdb},
		Service: service,
		Log:     logger.Named("consumer"),
		// satu kali cek status, sisanya urusan poller
		PollBudget: func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	poller := &invoicing.Poller{
		Issuer: issuer,
		Store:  store,
		MinAge: cfg.PollInterval,
		Log:    logger.Named("poller"),
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.InvoicerGroup, orders.TopicOrderCreated, cfg.InvoicerWorkers, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("invoicer consumer started",
			zap.String("group", cfg.InvoicerGroup), zap.String("topic", orders.TopicOrderCreated), zap.Int("workers", cfg.InvoicerWorkers))
		return cons.Start(gctx, handler.Handle)
	})
	g.Go(func() error {
		poller.Run(gctx, cfg.PollerTick)
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("invoicer exit", zap.Error(err))
	}

	logger.Info("shutting down invoicer...")
	pInvoice.Close()
	pInvoice.WaitClosed()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracer(sctx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
}
