package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meetscribe/billing-service/internal/domain"
	"github.com/meetscribe/billing-service/pkg/logger"
)

const (
	// Префиксы ключей для различных типов данных
	subscriptionByUserKeyPrefix     = "subscription:user:"
	subscriptionByCustomerKeyPrefix = "subscription:customer:"

	// TTL для кэша
	defaultCacheTTL = 15 * time.Minute
)

// RedisCacheRepository реализует кеширование подписок с использованием Redis
type RedisCacheRepository struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisCacheRepository создает новый экземпляр Redis репозитория
func NewRedisCacheRepository(redisAddr, redisPassword string, redisDB int, log *logger.Logger) (*RedisCacheRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	// Проверяем соединение с Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis", "addr", redisAddr, "db", redisDB)
	return &RedisCacheRepository{
		client: client,
		log:    log,
	}, nil
}

// CacheSubscription кеширует подписку по обоим ключам поиска
func (r *RedisCacheRepository) CacheSubscription(ctx context.Context, sub *domain.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal subscription: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, subscriptionByUserKeyPrefix+sub.UserID, data, defaultCacheTTL)
	if sub.StripeCustomerID != "" {
		pipe.Set(ctx, subscriptionByCustomerKeyPrefix+sub.StripeCustomerID, data, defaultCacheTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: failed to cache subscription: %w", err)
	}

	return nil
}

// GetCachedSubscriptionByUser возвращает подписку из кеша по userID (nil - промах)
func (r *RedisCacheRepository) GetCachedSubscriptionByUser(ctx context.Context, userID string) (*domain.Subscription, error) {
	return r.getCached(ctx, subscriptionByUserKeyPrefix+userID)
}

// GetCachedSubscriptionByCustomer возвращает подписку из кеша по Stripe Customer ID (nil - промах)
func (r *RedisCacheRepository) GetCachedSubscriptionByCustomer(ctx context.Context, stripeCustomerID string) (*domain.Subscription, error) {
	return r.getCached(ctx, subscriptionByCustomerKeyPrefix+stripeCustomerID)
}

// getCached читает и десериализует подписку по ключу
func (r *RedisCacheRepository) getCached(ctx context.Context, key string) (*domain.Subscription, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Промах кеша - не ошибка
		}
		return nil, fmt.Errorf("cache: failed to get subscription: %w", err)
	}

	var sub domain.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("cache: failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// InvalidateSubscription удаляет подписку из кеша по обоим ключам
func (r *RedisCacheRepository) InvalidateSubscription(ctx context.Context, userID, stripeCustomerID string) error {
	keys := []string{subscriptionByUserKeyPrefix + userID}
	if stripeCustomerID != "" {
		keys = append(keys, subscriptionByCustomerKeyPrefix+stripeCustomerID)
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: failed to invalidate subscription: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func (r *RedisCacheRepository) Close() error {
	return r.client.Close()
}
