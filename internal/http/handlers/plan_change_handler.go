package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meetscribe/billing-service/internal/domain"
	"github.com/meetscribe/billing-service/internal/middleware"
	"github.com/meetscribe/billing-service/internal/service"
	"github.com/meetscribe/billing-service/pkg/logger"
	"github.com/meetscribe/billing-service/pkg/req"
	"github.com/meetscribe/billing-service/pkg/res"
)

// PlanChangeHandler обрабатывает HTTP запросы на смену тарифа.
type PlanChangeHandler struct {
	service service.PlanChangeService
	log     *logger.Logger
}

// NewPlanChangeHandler создает новый экземпляр PlanChangeHandler.
func NewPlanChangeHandler(svc service.PlanChangeService, log *logger.Logger) *PlanChangeHandler {
	return &PlanChangeHandler{
		service: svc,
		log:     log,
	}
}

// --- DTO ---

type PlanChangeRequest struct {
	NewPlan string `json:"new_plan" validate:"required,oneof=starter unlimited"`
}

type PlanChangeResponse struct {
	Success           bool    `json:"success"`
	Type              string  `json:"type"`
	Message           string  `json:"message"`
	CheckoutURL       string  `json:"checkout_url,omitempty"`
	CheckoutSessionID string  `json:"checkout_session_id,omitempty"`
	PriceDifferenceHT float64 `json:"price_difference_ht,omitempty"`
	EffectiveDate     string  `json:"effective_date,omitempty"`
}

// ChangePlan обрабатывает POST /billing/plan
func (h *PlanChangeHandler) ChangePlan(c *gin.Context) {
	ctx := c.Request.Context()

	userID := c.GetString(string(middleware.ContextUserIDKey))
	if userID == "" {
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Unauthorized"}, http.StatusUnauthorized)
		c.Abort()
		return
	}

	requestBody, err := req.Decode[PlanChangeRequest](c.Request.Body)
	if err != nil {
		h.log.Errorw("Failed to decode plan change request", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Invalid request format"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	if err := req.IsValid(requestBody); err != nil {
		h.log.Warnw("Plan change request validation failed", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Invalid plan type", Details: err.Error()}, http.StatusBadRequest)
		c.Abort()
		return
	}

	result, err := h.service.RequestPlanChange(ctx, userID, requestBody.NewPlan)
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := PlanChangeResponse{
		Success: true,
		Type:    string(result.Kind),
		Message: result.Message,
	}
	switch result.Kind {
	case domain.PlanChangeUpgradeCheckout:
		response.CheckoutURL = result.CheckoutURL
		response.CheckoutSessionID = result.CheckoutSessionID
		response.PriceDifferenceHT = float64(result.PriceDifferenceCents) / 100
	case domain.PlanChangeDowngrade:
		response.EffectiveDate = result.EffectiveDate
	}

	res.JsonResponse(c.Writer, response, http.StatusOK)
}

// respondError переводит ошибки сервиса в HTTP статусы.
func (h *PlanChangeHandler) respondError(c *gin.Context, err error) {
	var status int
	switch {
	case errors.Is(err, service.ErrSubscriptionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidPlan),
		errors.Is(err, service.ErrAlreadyOnPlan),
		errors.Is(err, service.ErrDuplicatePendingChange),
		errors.Is(err, service.ErrNoActiveSubscription),
		errors.Is(err, service.ErrNoPriceDifference):
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		h.log.Errorw("Plan change request failed", "error", err)
	} else {
		h.log.Warnw("Plan change request rejected", "status", status, "error", err)
	}

	res.JsonResponse(c.Writer, res.ErrorResponse{
		Error:     err.Error(),
		ErrorCode: status,
	}, status)
	c.Abort()
}
