package repository

import (
	"context"

	"github.com/meetscribe/billing-service/internal/domain"
	"github.com/meetscribe/billing-service/pkg/logger"
)

// CachedSubscriptionRepository реализует SubscriptionRepository с кешированием.
// Кеш только ускоряет чтение: любая ошибка кеша деградирует до похода в БД.
type CachedSubscriptionRepository struct {
	repo  SubscriptionRepository
	cache *RedisCacheRepository
	log   *logger.Logger
}

// NewCachedSubscriptionRepository создает новый репозиторий с кешированием
func NewCachedSubscriptionRepository(
	repo SubscriptionRepository,
	cache *RedisCacheRepository,
	log *logger.Logger,
) SubscriptionRepository {
	return &CachedSubscriptionRepository{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

// GetByUserID получает подписку по userID (сначала из кеша, потом из БД)
func (r *CachedSubscriptionRepository) GetByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	cached, err := r.cache.GetCachedSubscriptionByUser(ctx, userID)
	if err != nil {
		r.log.Warnw("Error getting subscription from cache", "error", err, "userID", userID)
	}
	if cached != nil {
		r.log.Debugw("Subscription found in cache", "userID", userID)
		return cached, nil
	}

	sub, err := r.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := r.cache.CacheSubscription(ctx, sub); err != nil {
		r.log.Warnw("Failed to cache subscription after fetching", "error", err, "userID", userID)
	}
	return sub, nil
}

// GetByCustomerID получает подписку по Stripe Customer ID (сначала из кеша, потом из БД)
func (r *CachedSubscriptionRepository) GetByCustomerID(ctx context.Context, stripeCustomerID string) (*domain.Subscription, error) {
	cached, err := r.cache.GetCachedSubscriptionByCustomer(ctx, stripeCustomerID)
	if err != nil {
		r.log.Warnw("Error getting subscription from cache", "error", err, "stripeCustomerID", stripeCustomerID)
	}
	if cached != nil {
		return cached, nil
	}

	sub, err := r.repo.GetByCustomerID(ctx, stripeCustomerID)
	if err != nil {
		return nil, err
	}

	if err := r.cache.CacheSubscription(ctx, sub); err != nil {
		r.log.Warnw("Failed to cache subscription after fetching", "error", err, "stripeCustomerID", stripeCustomerID)
	}
	return sub, nil
}

// Upsert записывает подписку в БД и обновляет кеш
func (r *CachedSubscriptionRepository) Upsert(ctx context.Context, sub *domain.Subscription) error {
	if err := r.repo.Upsert(ctx, sub); err != nil {
		return err
	}

	// Записываем свежую строку в кеш; при ошибке кеш просто протухнет по TTL
	if err := r.cache.CacheSubscription(ctx, sub); err != nil {
		r.log.Warnw("Failed to refresh subscription cache after upsert", "error", err, "userID", sub.UserID)
	}
	return nil
}
