package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"

	"github.com/meetscribe/billing-service/internal/kafka"
	"github.com/meetscribe/billing-service/internal/metrics"
	"github.com/meetscribe/billing-service/pkg/logger"
)

// EventHandler обрабатывает одно верифицированное событие провайдера.
type EventHandler func(ctx context.Context, event stripe.Event) error

// ReconcileQueue разделяет прием вебхука и его обработку: HTTP-обработчик
// кладет событие в буфер и сразу отвечает 200, а пул воркеров синхронизирует
// состояние с провайдером в фоне. События, не обработанные после повторов,
// уходят в dead-letter топик.
type ReconcileQueue struct {
	events     chan stripe.Event
	handler    EventHandler
	producer   kafka.Producer
	metrics    metrics.BillingMetrics
	log        *logger.Logger
	workers    int
	maxElapsed time.Duration
	wg         sync.WaitGroup
	stopOnce   sync.Once
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// Config параметры очереди реконсиляции
type Config struct {
	Workers    int
	BufferSize int
	// MaxElapsed ограничивает суммарное время повторов одного события.
	MaxElapsed time.Duration
}

// NewReconcileQueue создает очередь. Producer может быть nil,
// тогда неуспешные события только логируются.
func NewReconcileQueue(cfg Config, handler EventHandler, producer kafka.Producer, m metrics.BillingMetrics, log *logger.Logger) *ReconcileQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ReconcileQueue{
		events:     make(chan stripe.Event, cfg.BufferSize),
		handler:    handler,
		producer:   producer,
		metrics:    m,
		log:        log,
		workers:    cfg.Workers,
		maxElapsed: cfg.MaxElapsed,
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Start запускает пул воркеров.
func (q *ReconcileQueue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.log.Infow("Reconcile queue started", "workers", q.workers, "buffer", cap(q.events))
}

// Enqueue кладет событие в очередь без блокировки.
// Вебхук уже подтвержден клиенту, поэтому при переполнении буфера
// событие сразу уходит в dead-letter вместо блокировки HTTP-обработчика.
func (q *ReconcileQueue) Enqueue(event stripe.Event) {
	select {
	case q.events <- event:
	default:
		q.log.Errorw("Reconcile queue is full, dead-lettering event",
			"eventID", event.ID, "eventType", string(event.Type))
		q.deadLetter(event, "reconcile queue buffer full")
	}
}

// Stop останавливает прием, дожидается обработки буфера и гасит воркеров.
func (q *ReconcileQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.events)
		q.wg.Wait()
		q.cancel()
		q.log.Infow("Reconcile queue stopped")
	})
}

func (q *ReconcileQueue) worker(id int) {
	defer q.wg.Done()
	for event := range q.events {
		q.process(event)
	}
	q.log.Debugw("Reconcile worker exited", "worker", id)
}

// process обрабатывает событие с экспоненциальными повторами.
func (q *ReconcileQueue) process(event stripe.Event) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = q.maxElapsed

	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			q.metrics.IncReconcileRetry()
		}
		ctx, cancel := context.WithTimeout(q.baseCtx, 15*time.Second)
		defer cancel()
		return q.handler(ctx, event)
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, q.baseCtx))
	if err == nil {
		return
	}

	q.log.Errorw("Reconciliation failed after retries",
		"eventID", event.ID, "eventType", string(event.Type), "attempts", attempt, "error", err)
	q.deadLetter(event, err.Error())
}

// deadLetter отправляет событие в DLQ-топик для ручного разбора.
func (q *ReconcileQueue) deadLetter(event stripe.Event, reason string) {
	q.metrics.IncReconcileDeadLetter()
	if q.producer == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		q.log.Errorw("Failed to marshal event for dead letter", "eventID", event.ID, "error", err)
		payload = event.Data.Raw
	}

	record := kafka.DeadLetterRecord{
		ID:        uuid.New().String(),
		EventID:   event.ID,
		EventType: string(event.Type),
		Payload:   payload,
		Error:     reason,
		FailedAt:  time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.producer.PublishDeadLetter(ctx, &record); err != nil {
		q.log.Errorw("Failed to publish dead letter record", "eventID", event.ID, "error", err)
	}
}
