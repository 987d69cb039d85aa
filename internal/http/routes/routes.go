package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meetscribe/billing-service/internal/app"
	"github.com/meetscribe/billing-service/pkg/logger"
)

// SetupRoutes настраивает все маршруты API для Gin роутера
func SetupRoutes(router *gin.Engine, app *app.App, log *logger.Logger) {
	// Промежуточное ПО для всех запросов
	router.Use(app.LoggerMiddleware)
	router.Use(gin.Recovery())

	// Группа API
	api := router.Group("/api/v1")
	{
		// Публичные маршруты (без аутентификации)
		// Вебхуки Stripe: метод разбирается внутри обработчика,
		// OPTIONS и POST принимаются, остальное отклоняется с 405
		api.Any("/webhooks/stripe", app.WebhookHandler.Handle)

		// Здоровье сервиса
		api.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{"status": "ok"})
		})

		// Защищенные маршруты (требуют аутентификации)
		auth := api.Group("")
		auth.Use(app.AuthMiddleware.RequireAuth())

		// Биллинг
		billing := auth.Group("/billing")
		{
			// Запросить смену тарифа
			billing.POST("/plan", app.PlanChangeHandler.ChangePlan)

			// Получить текущую подписку
			billing.GET("/subscription", app.SubscriptionHandler.GetSubscription)
		}
	}

	// Метрики Prometheus
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{})))

	log.Infow("API routes successfully configured")
}
