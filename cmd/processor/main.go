package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/abkawan/atomic-ledger/internal/config"
	"github.com/abkawan/atomic-ledger/internal/queue"
	"go.uber.org/zap"
)

// The processor drains balance-changed events. Delivery to users (email,
// realtime push) happens elsewhere; here each event is logged.
func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to RabbitMQ
	logger.Info("connecting to RabbitMQ")
	rabbitmq, err := queue.NewRabbitMQ(cfg.RabbitMQURI, logger)
	if err != nil {
		logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rabbitmq.Close()

	events, err := rabbitmq.ConsumeBalanceEvents(ctx)
	if err != nil {
		logger.Fatal("failed to consume balance events", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range events {
			logger.Info("balance changed",
				zap.String("user_id", event.UserID.String()),
				zap.String("account_id", event.AccountID.String()),
				zap.String("new_balance", event.NewBalance.StringFixed(2)),
				zap.String("reference", event.TransactionRef),
				zap.Time("at", event.At),
			)
		}
	}()

	logger.Info("balance event processor started")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-done:
		logger.Warn("event stream closed")
	}

	logger.Info("shutting down processor")
	cancel() // Cancel context to stop processor
	<-done
	logger.Info("processor shut down successfully")
}
