package app

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meetscribe/billing-service/internal/config"
	"github.com/meetscribe/billing-service/internal/http/handlers"
	"github.com/meetscribe/billing-service/internal/middleware"
	"github.com/meetscribe/billing-service/internal/queue"
	"github.com/meetscribe/billing-service/internal/service"
	"github.com/meetscribe/billing-service/internal/stripe"
	"github.com/meetscribe/billing-service/pkg/logger"
)

// App представляет собой контейнер для всех компонентов приложения
type App struct {
	Config              *config.Config
	PlanChangeService   service.PlanChangeService
	ReconcileService    service.ReconcileService
	PlanChangeHandler   *handlers.PlanChangeHandler
	SubscriptionHandler *handlers.SubscriptionHandler
	WebhookHandler      *handlers.WebhookHandler
	ReconcileQueue      *queue.ReconcileQueue
	AuthMiddleware      *middleware.JWTMiddleware
	LoggerMiddleware    gin.HandlerFunc
	Registry            *prometheus.Registry
	Logger              *logger.Logger
}

// NewApp создает и инициализирует новый экземпляр приложения
func NewApp(
	cfg *config.Config,
	planChangeService service.PlanChangeService,
	reconcileService service.ReconcileService,
	stripeClient stripe.Client,
	reconcileQueue *queue.ReconcileQueue,
	registry *prometheus.Registry,
	log *logger.Logger,
) *App {
	planChangeHandler := handlers.NewPlanChangeHandler(planChangeService, log)
	subscriptionHandler := handlers.NewSubscriptionHandler(planChangeService, log)
	webhookHandler := handlers.NewWebhookHandler(stripeClient, reconcileQueue, log)

	authMiddleware := middleware.NewJWTMiddleware(log, &middleware.DefaultTokenValidator{
		Secret: []byte(cfg.Auth.JWTSecret),
	})
	loggerMiddleware := middleware.RequestLogger(log)

	return &App{
		Config:              cfg,
		PlanChangeService:   planChangeService,
		ReconcileService:    reconcileService,
		PlanChangeHandler:   planChangeHandler,
		SubscriptionHandler: subscriptionHandler,
		WebhookHandler:      webhookHandler,
		ReconcileQueue:      reconcileQueue,
		AuthMiddleware:      authMiddleware,
		LoggerMiddleware:    loggerMiddleware,
		Registry:            registry,
		Logger:              log,
	}
}
