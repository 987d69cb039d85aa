package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meetscribe/billing-service/internal/middleware"
	"github.com/meetscribe/billing-service/internal/service"
	"github.com/meetscribe/billing-service/pkg/logger"
	"github.com/meetscribe/billing-service/pkg/res"
)

// SubscriptionHandler отдает текущую подписку пользователя.
type SubscriptionHandler struct {
	service service.PlanChangeService
	log     *logger.Logger
}

func NewSubscriptionHandler(svc service.PlanChangeService, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		service: svc,
		log:     log,
	}
}

// GetSubscription обрабатывает GET /billing/subscription
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	ctx := c.Request.Context()

	userID := c.GetString(string(middleware.ContextUserIDKey))
	if userID == "" {
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Unauthorized"}, http.StatusUnauthorized)
		c.Abort()
		return
	}

	sub, err := h.service.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, service.ErrSubscriptionNotFound) {
			res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Subscription not found"}, http.StatusNotFound)
			c.Abort()
			return
		}
		h.log.Errorw("Failed to load subscription", "userID", userID, "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Internal server error"}, http.StatusInternalServerError)
		c.Abort()
		return
	}

	res.JsonResponse(c.Writer, sub, http.StatusOK)
}
