package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meetscribe/billing-service/internal/app"
	"github.com/meetscribe/billing-service/internal/config"
	"github.com/meetscribe/billing-service/internal/db"
	"github.com/meetscribe/billing-service/internal/domain"
	"github.com/meetscribe/billing-service/internal/http/routes"
	"github.com/meetscribe/billing-service/internal/kafka"
	"github.com/meetscribe/billing-service/internal/metrics"
	"github.com/meetscribe/billing-service/internal/queue"
	"github.com/meetscribe/billing-service/internal/repository"
	"github.com/meetscribe/billing-service/internal/service"
	"github.com/meetscribe/billing-service/internal/stripe"
	"github.com/meetscribe/billing-service/pkg/logger"
)

func main() {
	// Инициализируем логгер
	log := initLogger()

	log.Infow("Billing service starting up...")

	// Загружаем конфигурацию
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalw("Failed to load configuration", "error", err)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warnw("JWT secret is not set, authenticated endpoints will reject all tokens")
	}
	if cfg.Stripe.APIKey == "" {
		log.Warnw("Stripe API key is not set!")
	}

	// Устанавливаем режим Gin в зависимости от окружения
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Реестр метрик Prometheus
	registry := prometheus.NewRegistry()
	billingMetrics := metrics.NewBillingMetrics(registry, log)
	systemMetrics := metrics.NewSystemMetrics(registry, log)
	systemMetrics.StartRecording(30 * time.Second)
	defer systemMetrics.Stop()

	// Подключаемся к базе данных
	dbConn, err := db.Connect(cfg.Database.DSN, log)
	if err != nil {
		log.Fatalw("Failed to connect to database", "error", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			log.Errorw("Error closing database connection", "error", err)
		}
	}()
	log.Infow("Database connection established")

	// Инициализируем Redis кеш (не фатально при недоступности)
	redisCache, err := repository.NewRedisCacheRepository(
		cfg.Redis.Addr,
		cfg.Redis.Password,
		cfg.Redis.DB,
		log,
	)
	if err != nil {
		log.Warnw("Failed to initialize Redis cache, continuing without caching", "error", err)
		redisCache = nil
	} else {
		log.Infow("Redis cache initialized successfully")
		defer func() {
			if err := redisCache.Close(); err != nil {
				log.Errorw("Error closing Redis connection", "error", err)
			}
		}()
	}

	// Репозитории
	baseRepo := repository.NewPostgresSubscriptionRepository(dbConn, log)
	var subscriptionRepo repository.SubscriptionRepository
	if redisCache != nil {
		subscriptionRepo = repository.NewCachedSubscriptionRepository(baseRepo, redisCache, log)
		log.Infow("Using cached subscription repository")
	} else {
		subscriptionRepo = baseRepo
		log.Infow("Using non-cached subscription repository")
	}
	mappingRepo := repository.NewCustomerMappingRepository(dbConn, log)

	// Инициализируем клиент Stripe
	stripeClient := stripe.NewClient(
		cfg.Stripe.APIKey,
		cfg.Stripe.WebhookSecret,
		billingMetrics.ObserveStripeCall,
		log,
	)

	// Инициализируем Kafka Producer (не фатально при недоступности)
	kafkaProducer, err := kafka.NewKafkaProducer(cfg.Kafka.Brokers, log)
	if err != nil {
		log.Errorw("Failed to initialize Kafka producer, continuing without event publishing", "error", err)
		kafkaProducer = nil
	} else {
		log.Infow("Kafka producer initialized")
		defer func() {
			if err := kafkaProducer.Close(); err != nil {
				log.Errorw("Error closing Kafka producer", "error", err)
			}
		}()
	}

	// Каталог тарифов
	catalog := domain.NewPlanCatalog(domain.PlanCatalogConfig{
		StarterPriceID:          cfg.Stripe.StarterPriceID,
		UnlimitedPriceID:        cfg.Stripe.UnlimitedPriceID,
		StarterFallbackAmount:   cfg.Billing.StarterFallbackAmount,
		UnlimitedFallbackAmount: cfg.Billing.UnlimitedFallbackAmount,
		Currency:                cfg.Billing.Currency,
	})

	// Сервисный слой
	planChangeService := service.NewPlanChangeService(
		subscriptionRepo,
		stripeClient,
		catalog,
		kafkaProducer,
		billingMetrics,
		service.PlanChangeConfig{
			SuccessURL: cfg.Stripe.SuccessURL,
			CancelURL:  cfg.Stripe.CancelURL,
		},
		log,
	)
	reconcileService := service.NewReconcileService(
		subscriptionRepo,
		mappingRepo,
		stripeClient,
		catalog,
		kafkaProducer,
		billingMetrics,
		log,
	)

	// Очередь фоновой реконсиляции вебхуков
	reconcileQueue := queue.NewReconcileQueue(
		queue.Config{
			Workers:    cfg.Queue.Workers,
			BufferSize: cfg.Queue.BufferSize,
		},
		reconcileService.HandleEvent,
		kafkaProducer,
		billingMetrics,
		log,
	)
	reconcileQueue.Start()

	// Инициализируем application (для HTTP)
	application := app.NewApp(cfg, planChangeService, reconcileService, stripeClient, reconcileQueue, registry, log)

	// Настраиваем маршруты
	router := gin.New()
	routes.SetupRoutes(router, application, log)

	httpServer := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Запускаем HTTP сервер в горутине
	go func() {
		log.Infow("Starting HTTP server", "port", cfg.App.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	// Ожидаем сигнал завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("Shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.App.ShutdownTimeout)*time.Second)
	defer cancel()

	// Сначала перестаем принимать HTTP, потом дорабатываем очередь:
	// принятые вебхуки должны быть обработаны или уйти в DLQ
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	}
	reconcileQueue.Stop()

	log.Infow("Billing service stopped")
}

func initLogger() *logger.Logger {
	level := logger.INFO
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = logger.DEBUG
	}
	return logger.New(level)
}
