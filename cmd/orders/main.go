// Command orders runs the orders service: the order RPC surface, the
// outbox relay for OrderCreated, and the payment-result consumer.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/orderpay/backend/internal/broker"
	"github.com/orderpay/backend/internal/cache"
	"github.com/orderpay/backend/internal/config"
	"github.com/orderpay/backend/internal/database"
	"github.com/orderpay/backend/internal/handlers"
	"github.com/orderpay/backend/internal/inbox"
	"github.com/orderpay/backend/internal/logger"
	"github.com/orderpay/backend/internal/models"
	"github.com/orderpay/backend/internal/notify"
	"github.com/orderpay/backend/internal/outbox"
	"github.com/orderpay/backend/internal/server"
	"github.com/orderpay/backend/internal/services"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load("orders")
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

	if err := bus.EnsureTopology(ctx, models.TopicPaymentEvents); err != nil {
		log.WithError(err).Fatal("failed to provision broker topology")
	}

	store := cache.New(rdb, log)
	notifier := notify.NewRedisNotifier(rdb, log)

	orderService := services.NewOrderService(db, store, notifier, cfg, log)
	processor := services.NewPaymentEventProcessor(db, store, notifier, cfg, log)
	relay := outbox.NewRelay(db, bus, cfg.Outbox, log)
	consumer := inbox.NewConsumer(bus, models.TopicPaymentEvents, processor, cfg.Inbox, log)

	router := handlers.NewRouter(log, cfg.JWT.SecretKey,
		handlers.NewOrdersHandler(orderService, log),
		handlers.NewOutboxHandler(relay, log),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return server.Serve(gctx, cfg.HTTP, router, log) })

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("orders service stopped with error")
		os.Exit(1)
	}
	log.Info("orders service stopped")
}
