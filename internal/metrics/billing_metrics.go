package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meetscribe/billing-service/pkg/logger"
)

// BillingMetrics интерфейс для метрик биллинга
type BillingMetrics interface {
	IncPlanChange(kind string, outcome string)
	IncWebhookEvent(eventType string, result string)
	IncReconcileRetry()
	IncReconcileDeadLetter()
	ObserveStripeCall(operation string, d time.Duration)
}

type billingMetrics struct {
	log                 *logger.Logger
	planChanges         *prometheus.CounterVec
	webhookEvents       *prometheus.CounterVec
	reconcileRetries    prometheus.Counter
	reconcileDeadLetter prometheus.Counter
	stripeCallDuration  *prometheus.HistogramVec
}

// NewBillingMetrics создает новые метрики биллинга
func NewBillingMetrics(registry *prometheus.Registry, log *logger.Logger) BillingMetrics {
	planChanges := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_plan_changes_total",
			Help: "The total number of plan change requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	webhookEvents := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "The total number of webhook events by type and processing result",
		},
		[]string{"event_type", "result"},
	)

	reconcileRetries := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "billing_reconcile_retries_total",
			Help: "The total number of reconciliation retry attempts",
		},
	)

	reconcileDeadLetter := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "billing_reconcile_dead_letters_total",
			Help: "The total number of reconciliations sent to the dead letter topic",
		},
	)

	stripeCallDuration := promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_stripe_call_duration_seconds",
			Help:    "Duration of Stripe API calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8), // 50ms .. ~6.4s
		},
		[]string{"operation"},
	)

	return &billingMetrics{
		log:                 log,
		planChanges:         planChanges,
		webhookEvents:       webhookEvents,
		reconcileRetries:    reconcileRetries,
		reconcileDeadLetter: reconcileDeadLetter,
		stripeCallDuration:  stripeCallDuration,
	}
}

// IncPlanChange увеличивает счетчик запросов на смену тарифа
func (m *billingMetrics) IncPlanChange(kind string, outcome string) {
	m.planChanges.WithLabelValues(kind, outcome).Inc()
}

// IncWebhookEvent увеличивает счетчик входящих вебхуков
func (m *billingMetrics) IncWebhookEvent(eventType string, result string) {
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

// IncReconcileRetry увеличивает счетчик повторов реконсиляции
func (m *billingMetrics) IncReconcileRetry() {
	m.reconcileRetries.Inc()
}

// IncReconcileDeadLetter увеличивает счетчик событий, ушедших в DLQ
func (m *billingMetrics) IncReconcileDeadLetter() {
	m.reconcileDeadLetter.Inc()
}

// ObserveStripeCall записывает длительность вызова Stripe API
func (m *billingMetrics) ObserveStripeCall(operation string, d time.Duration) {
	m.stripeCallDuration.WithLabelValues(operation).Observe(d.Seconds())
}
