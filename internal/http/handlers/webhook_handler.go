package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meetscribe/billing-service/internal/queue"
	"github.com/meetscribe/billing-service/internal/stripe"
	"github.com/meetscribe/billing-service/pkg/logger"
	"github.com/meetscribe/billing-service/pkg/res"
)

// maxWebhookBodyBytes ограничивает размер тела вебхука.
const maxWebhookBodyBytes = 65536

// WebhookHandler принимает вебхуки Stripe. Подпись проверяется над
// сырыми байтами тела до любого парсинга, а обработка отдается в
// фоновую очередь: ответ клиенту не ждет реконсиляции, иначе
// медленные перечитывания из Stripe приведут к повторным доставкам.
type WebhookHandler struct {
	stripe stripe.Client
	queue  *queue.ReconcileQueue
	log    *logger.Logger
}

// NewWebhookHandler создает новый экземпляр WebhookHandler.
func NewWebhookHandler(stripeClient stripe.Client, q *queue.ReconcileQueue, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		stripe: stripeClient,
		queue:  q,
		log:    log,
	}
}

// Handle обрабатывает любой метод на /webhooks/stripe.
// OPTIONS нужен CORS-префлайту, POST несет событие, остальное отклоняется.
func (h *WebhookHandler) Handle(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodOptions:
		h.handlePreflight(c)
	case http.MethodPost:
		h.handleEvent(c)
	default:
		res.JsonResponse(c.Writer, res.ErrorResponse{
			Error:     "Method not allowed",
			ErrorCode: http.StatusMethodNotAllowed,
		}, http.StatusMethodNotAllowed)
	}
}

func (h *WebhookHandler) handlePreflight(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Stripe-Signature")
	c.Status(http.StatusNoContent)
}

func (h *WebhookHandler) handleEvent(c *gin.Context) {
	// Сырые байты читаются до любого парсинга: подпись считается
	// именно над ними
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		h.log.Errorw("Failed to read webhook body", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Failed to read request body"}, http.StatusBadRequest)
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	event, err := h.stripe.VerifyWebhookSignature(payload, sigHeader)
	if err != nil {
		// Подделка или повреждение: отклоняем без обработки и без повторов
		h.log.Warnw("Webhook signature verification failed", "error", err, "client_ip", c.ClientIP())
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Invalid signature"}, http.StatusBadRequest)
		return
	}

	h.log.Debugw("Webhook event accepted", "eventID", event.ID, "eventType", string(event.Type))
	h.queue.Enqueue(event)

	res.JsonResponse(c.Writer, gin.H{"received": true}, http.StatusOK)
}
