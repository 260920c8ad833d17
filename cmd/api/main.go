package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abkawan/atomic-ledger/internal/api"
	"github.com/abkawan/atomic-ledger/internal/cache"
	"github.com/abkawan/atomic-ledger/internal/config"
	"github.com/abkawan/atomic-ledger/internal/db"
	"github.com/abkawan/atomic-ledger/internal/metrics"
	"github.com/abkawan/atomic-ledger/internal/queue"
	"github.com/abkawan/atomic-ledger/internal/service"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateAPI(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("backend", string(cfg.Backend)), zap.Error(err))
	}
	defer store.Close(context.Background())

	// the notification hook is optional, the ledger works without it
	var notifier service.Notifier
	if cfg.RabbitMQURI != "" {
		logger.Info("connecting to RabbitMQ")
		rabbitmq, err := queue.NewRabbitMQ(cfg.RabbitMQURI, logger)
		if err != nil {
			logger.Warn("balance notifications disabled", zap.Error(err))
		} else {
			defer rabbitmq.Close()
			notifier = rabbitmq
		}
	}

	var responses api.ResponseCache
	if cfg.RedisAddr != "" {
		idem := cache.NewIdempotency(cache.NewClient(cfg.RedisAddr, cfg.RedisPass), 0, 0)
		defer idem.Close()
		responses = idem
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ledger := service.NewLedger(store, logger, metrics.NewLedger(reg), cfg.Ledger.ScopeTimeout)
	accountService := service.NewAccountService(store, logger, cfg.Ledger.StartingBalance, cfg.Ledger.NumberRetries)
	transactionService := service.NewTransactionService(ledger, store, notifier, logger)
	transactionService.SetPageLimits(cfg.Ledger.PageLimit, cfg.Ledger.MaxPageLimit)

	// Create router and set up routes
	router := mux.NewRouter()
	api.SetupRoutes(router, api.Routes{
		Accounts:     accountService,
		Transactions: transactionService,
		Auth:         api.NewAuthenticator(cfg.JWTSecret),
		Cache:        responses,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Log:          logger,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port), zap.String("backend", string(cfg.Backend)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	transactionService.Wait()

	logger.Info("server shut down successfully")
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (db.Store, error) {
	switch cfg.Backend {
	case config.BackendMongo:
		logger.Info("connecting to MongoDB")
		return db.NewMongoDB(cfg.MongoURI, cfg.MongoDBName, logger)
	case config.BackendMemory:
		logger.Warn("using in-memory store, nothing will be persisted")
		return db.NewMemory(), nil
	default:
		logger.Info("connecting to PostgreSQL")
		postgres, err := db.NewPostgres(cfg.PostgresURI, cfg.Ledger.ScopeTimeout, logger)
		if err != nil {
			return nil, err
		}

		logger.Info("creating the schema")
		if err := postgres.InitSchema(ctx); err != nil {
			postgres.Close(ctx)
			return nil, err
		}
		return postgres, nil
	}
}
