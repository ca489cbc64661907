package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pharmacy-service/config"
	"pharmacy-service/internal/api"
	"pharmacy-service/internal/broker"
	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/redisclient"
	"pharmacy-service/internal/service"
	"pharmacy-service/internal/store"
	"pharmacy-service/internal/store/memory"
	"pharmacy-service/internal/util"
	"pharmacy-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backend is what both storage drivers provide
type backend interface {
	ledger.Storage
	service.Catalog
	service.SaleReader
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting pharmacy service")

	if cfg.Observ.JaegerEndpoint != "" {
		tp, err := util.InitTracer("pharmacy-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	deps := map[string]api.Pinger{}

	var storage backend
	switch cfg.Database.Driver {
	case "memory":
		storage = memory.New(memory.WithLockTimeout(cfg.Ledger.LockTimeout))
		logger.Warn("Using in-memory storage, stock is lost on restart")
	case "postgres":
		db, err := store.NewStore(cfg.Database.URL, cfg.Ledger.LockTimeout)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if cfg.Database.Migrate {
			if err := db.Migrate(context.Background()); err != nil {
				logger.Fatal("Failed to migrate database", zap.Error(err))
			}
		}
		storage = db
		deps["database"] = db
		logger.Info("Database connected")
	default:
		logger.Fatal("Unknown storage driver", zap.String("driver", cfg.Database.Driver))
	}

	var opts []ledger.Option
	var stockCache *redisclient.StockCache
	var redisClient *redisclient.Client
	if cfg.Redis.Addr != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		deps["redis"] = redisClient

		stockCache = redisclient.NewStockCache(redisClient, time.Hour)
		opts = append(opts, ledger.WithObservers(stockCache))
		if cfg.Ledger.DistributedLock {
			opts = append(opts, ledger.WithLocker(
				redisclient.NewProductLocker(redisClient, cfg.Ledger.LockTTL, cfg.Ledger.LockTimeout)))
		}
		logger.Info("Redis connected", zap.Bool("distributed_lock", cfg.Ledger.DistributedLock))
	}

	var eventPublisher *broker.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicLedger)
		defer producer.Close()
		eventPublisher = broker.NewEventPublisher(producer)
		opts = append(opts, ledger.WithObservers(eventPublisher))
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicLedger))
	}

	reconciler := ledger.NewReconciler(storage, opts...)

	// typed nils must not reach the services as non-nil interfaces
	var cache service.StockCache
	if stockCache != nil {
		cache = stockCache
	}
	var drift service.DriftPublisher
	var salePublisher service.SalePublisher
	if eventPublisher != nil {
		drift = eventPublisher
		salePublisher = eventPublisher
	}

	inventoryService := service.NewInventoryService(reconciler, storage, cache, drift)
	saleService := service.NewSaleService(reconciler, storage, salePublisher)

	ctx := context.Background()
	if err := inventoryService.SyncStockToRedis(ctx); err != nil {
		logger.Error("Failed to sync stock to Redis", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var auditWorker *worker.AuditWorker
	if eventPublisher != nil && cfg.Ledger.AuditOnLedgerEvent {
		var dedup service.EventDeduper
		if redisClient != nil {
			dedup = redisClient
		}
		auditService := service.NewAuditService(inventoryService, dedup)

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicLedger, cfg.Kafka.ConsumerGroup)
		auditWorker = worker.NewAuditWorker(consumer, auditService)
		go func() {
			if err := auditWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Audit worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Ledger.AuditInterval > 0 {
		auditor := worker.NewPeriodicAuditor(inventoryService, cfg.Ledger.AuditInterval)
		go func() {
			_ = auditor.Start(workerCtx)
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(inventoryService, saleService, deps)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if auditWorker != nil {
		auditWorker.Stop()
	}

	logger.Info("Server exited")
}
