package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/meetscribe/billing-service/internal/domain"
	"github.com/meetscribe/billing-service/pkg/logger"
)

// Топики биллинговых событий
const (
	TopicPlanChanged        = "billing.plan_changed"
	TopicSubscriptionSynced = "billing.subscription_synced"
	// TopicReconcileDLQ dead-letter топик для реконсиляций, не удавшихся
	// после всех повторов: вебхук уже подтвержден, Stripe его не пришлет
	// заново, поэтому событие сохраняется для ручного/внешнего разбора.
	TopicReconcileDLQ = "billing.reconcile_dlq"
)

// DeadLetterRecord запись о реконсиляции, не удавшейся после всех повторов
type DeadLetterRecord struct {
	ID        string          `json:"id"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	FailedAt  time.Time       `json:"failed_at"`
}

// Producer определяет интерфейс для публикации сообщений в Kafka.
type Producer interface {
	// PublishSubscriptionEvent отправляет событие, связанное с подпиской.
	// Ключ сообщения - userID: все события одного пользователя попадают
	// в одну партицию и сохраняют порядок.
	PublishSubscriptionEvent(ctx context.Context, topic string, sub *domain.Subscription) error

	// PublishDeadLetter отправляет запись в dead-letter топик.
	PublishDeadLetter(ctx context.Context, rec *DeadLetterRecord) error

	// Close закрывает соединение продюсера Kafka.
	Close() error
}

// kafkaProducer реализует интерфейс Producer, используя segmentio/kafka-go.
type kafkaProducer struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// NewKafkaProducer создает и настраивает новый продюсер Kafka.
func NewKafkaProducer(brokers []string, log *logger.Logger) (Producer, error) {
	if len(brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	log.Infow("Kafka producer initialized", "brokers", brokers)

	return &kafkaProducer{
		writer: writer,
		log:    log,
	}, nil
}

// PublishSubscriptionEvent преобразует подписку в JSON и отправляет в указанный топик.
func (k *kafkaProducer) PublishSubscriptionEvent(ctx context.Context, topic string, sub *domain.Subscription) error {
	messageValue, err := json.Marshal(sub)
	if err != nil {
		k.log.Errorw("Failed to marshal subscription for Kafka", "error", err, "userID", sub.UserID, "topic", topic)
		return fmt.Errorf("kafka: failed to marshal message data: %w", err)
	}

	return k.write(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(sub.UserID),
		Value: messageValue,
		Time:  time.Now(),
	})
}

// PublishDeadLetter отправляет запись о неудачной реконсиляции в DLQ топик.
func (k *kafkaProducer) PublishDeadLetter(ctx context.Context, rec *DeadLetterRecord) error {
	messageValue, err := json.Marshal(rec)
	if err != nil {
		k.log.Errorw("Failed to marshal dead letter record for Kafka", "error", err, "recordID", rec.ID)
		return fmt.Errorf("kafka: failed to marshal dead letter record: %w", err)
	}

	return k.write(ctx, kafka.Message{
		Topic: TopicReconcileDLQ,
		Key:   []byte(rec.EventID),
		Value: messageValue,
		Time:  time.Now(),
	})
}

// write отправляет сообщение с ограничением по времени
func (k *kafkaProducer) write(ctx context.Context, message kafka.Message) error {
	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := k.writer.WriteMessages(writeCtx, message); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			k.log.Errorw("Kafka write timeout exceeded", "error", err, "topic", message.Topic)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		k.log.Errorw("Failed to write message to Kafka", "error", err, "topic", message.Topic)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	k.log.Debugw("Successfully published message to Kafka", "topic", message.Topic, "key", string(message.Key))
	return nil
}

// Close закрывает соединение Kafka Writer.
// Вызывается при завершении работы приложения (graceful shutdown).
func (k *kafkaProducer) Close() error {
	k.log.Infow("Closing Kafka producer writer...")
	return k.writer.Close()
}
