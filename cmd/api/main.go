package main

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-orders-invoicing/internal/config"
	"github.com/ariefcatur/go-orders-invoicing/internal/httpx"
	"github.com/ariefcatur/go-orders-invoicing/internal/inventory"
	"github.com/ariefcatur/go-orders-invoicing/internal/invoicing"
	"github.com/ariefcatur/go-orders-invoicing/internal/invoicing/ose"
	kafkax "github.com/ariefcatur/go-orders-invoicing/internal/kafka"
	"github.com/ariefcatur/go-orders-invoicing/internal/logging"
	"github.com/ariefcatur/go-orders-invoicing/internal/money"
	"github.com/ariefcatur/go-orders-invoicing/internal/orders"
	"github.com/ariefcatur/go-orders-invoicing/internal/postgres"
	"github.com/ariefcatur/go-orders-invoicing/internal/redisx"
	"github.com/ariefcatur/go-orders-invoicing/internal/telemetry"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"log"
	"net/http"
	"os"
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
	logger, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		logger.Fatal("tracer", zap.Error(err))
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxConns: 16})
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		logger.Fatal("db migrate", zap.Error(err))
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	engine, err := money.NewEngine(cfg.MoneyConfig())
	if err != nil {
		logger.Fatal("money engine", zap.Error(err))
	}

	// Kafka producers
	pCreated := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024, logger)
	pCreated.Start(ctx)
	pStatus := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatus, 1024, logger)
	pStatus.Start(ctx)
	pInvoice := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicInvoiceStatus, 256, logger)
	pInvoice.Start(ctx)

	repo := &orders.Repo{DB: db}
	checkout := &orders.Checkout{
		Engine:    engine,
		Ledger:    &inventory.PGLedger{DB: db, TTL: cfg.ReservationTTL},
		Store:     repo,
		Catalog:   &orders.PGCatalog{DB: db},
		Intents:   &orders.PGIntentLog{DB: db},
		Publisher: &orders.KafkaPublisher{Created: pCreated, Status: pStatus, Service: cfg.ServiceName},
		Log:       logger.Named("checkout"),
	}
	invoices := &invoicing.PGStore{DB: db}
	issuer := &invoicing.Issuer{
		Engine:  engine,
		Store:   invoices,
		Gateway: ose.New(cfg.GatewayURL, cfg.GatewayToken, cfg.CompanyRUC, cfg.GatewayTimeout),
		Locker:  &redisx.Locker{RDB: rdb},
		Events:  &invoicing.KafkaStatusPublisher{Producer: pInvoice, Service: cfg.ServiceName},
		Config:  cfg.IssuerConfig(),
		Log:     logger.Named("invoicing"),
	}

	router := httpx.NewRouter()
	(&httpx.OrdersHandler{Checkout: checkout, Store: repo, Cache: &redisx.Cache{RDB: rdb}, Log: logger}).Register(router)
	(&httpx.InvoicesHandler{Issuer: issuer, Store: invoices, Log: logger}).Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpx.Instrument(router, cfg.ServiceName), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	// tutup inbox -> flush & close writer
	for _, p := range []*kafkax.Producer{pCreated, pStatus, pInvoice} {
		p.Close()
	}
	for _, p := range []*kafkax.Producer{pCreated, pStatus, pInvoice} {
		p.WaitClosed()
	}
	if err := shutdownTracer(ctx2); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	cancel()
}
