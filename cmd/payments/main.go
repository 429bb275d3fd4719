// Command payments runs the payments service: the account ledger RPC
// surface and the outbox relay for PaymentProcessed.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/orderpay/backend/internal/audit"
	"github.com/orderpay/backend/internal/broker"
	"github.com/orderpay/backend/internal/cache"
	"github.com/orderpay/backend/internal/config"
	"github.com/orderpay/backend/internal/database"
	"github.com/orderpay/backend/internal/handlers"
	"github.com/orderpay/backend/internal/logger"
	"github.com/orderpay/backend/internal/models"
	"github.com/orderpay/backend/internal/outbox"
	"github.com/orderpay/backend/internal/server"
	"github.com/orderpay/backend/internal/services"
	"golang.org/x/sync/errgroup"
)

// provisionedTopics are the topics whose "payments.{topic}" queue this
// service declares on startup.
var provisionedTopics = []string{models.TopicOrderEvents}

func main() {
	cfg := config.Load("payments")
	log := logger.New(cfg.ServiceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	rdb := database.OpenRedis(ctx, cfg.Redis, log)
	if rdb != nil {
		defer rdb.Close()
	}

	bus, err := broker.Dial(cfg.Broker, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to broker")
	}
	defer bus.Close()

	// OrderCreated would be dropped by the exchange if no queue were bound
	// to order-events, so the payments group owns that queue.
	if err := bus.EnsureTopology(ctx, provisionedTopics...); err != nil {
		log.WithError(err).Fatal("failed to provision broker topology")
	}

	ledger := services.NewLedgerService(db, cache.New(rdb, log), audit.NewLogger(log), cfg, log)
	relay := outbox.NewRelay(db, bus, cfg.Outbox, log)

	router := handlers.NewRouter(log, cfg.JWT.SecretKey,
		handlers.NewPaymentsHandler(ledger, log),
		handlers.NewOutboxHandler(relay, log),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return server.Serve(gctx, cfg.HTTP, router, log) })

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("payments service stopped with error")
		os.Exit(1)
	}
	log.Info("payments service stopped")
}
