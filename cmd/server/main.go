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

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/auditlog"
	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger("checkout-service", cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	tp, err := util.InitTracer("checkout-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	ctx := context.Background()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	ledger, err := auditlog.NewMongoLedger(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ledger.Close(closeCtx)
	}()
	if err := ledger.EnsureIndexes(ctx); err != nil {
		logger.Warn("Failed to create audit indexes", zap.Error(err))
	}
	logger.Info("Audit ledger connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicPayments))

	eventPublisher := broker.NewEventPublisher(producer)

	gw := newGateway(cfg.Gateway)

	writer := service.NewOrderWriter(db, eventPublisher)
	verificationService := service.NewVerificationService(db, db, gw, writer, ledger, eventPublisher, redisClient, cfg.Verification)
	paymentService := service.NewPaymentService(db, db, gw, cfg.Gateway.CallbackURL)
	reconciliationService := service.NewReconciliationService(db, db, gw, writer, ledger, eventPublisher)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	threadConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup)
	threadWorker := worker.NewThreadWorker(threadConsumer, db)
	go func() {
		if err := threadWorker.Start(workerCtx); err != nil {
			logger.Error("Thread worker stopped", zap.Error(err))
		}
	}()

	if cfg.Reconciliation.Enabled {
		reconciliationWorker := worker.NewReconciliationWorker(reconciliationService, redisClient,
			cfg.Reconciliation.Interval, cfg.Reconciliation.WindowDays)
		go func() {
			if err := reconciliationWorker.Start(workerCtx); err != nil {
				logger.Error("Reconciliation worker stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(verificationService, paymentService, reconciliationService, map[string]api.ReadinessCheck{
		"postgres": func(ctx context.Context) error { return db.GetDB().PingContext(ctx) },
		"redis":    redisClient.Ping,
		"mongo":    ledger.Ping,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
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
	threadWorker.Stop()

	logger.Info("Server exited")
}

func newGateway(cfg config.GatewayConfig) service.Gateway {
	switch cfg.Provider {
	case "stripe":
		return gateway.NewStripeClient(cfg)
	default:
		return gateway.NewPaystackClient(cfg)
	}
}
