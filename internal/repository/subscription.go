package repository

import (
	"context"

	"github.com/meetscribe/billing-service/internal/domain"
)

// SubscriptionRepository определяет методы для работы с хранилищем подписок.
// У пользователя ровно одна строка подписки, все записи - полный upsert
// по user_id: конкурентные записи сходятся, а не конфликтуют.
type SubscriptionRepository interface {
	// GetByUserID возвращает подписку пользователя.
	GetByUserID(ctx context.Context, userID string) (*domain.Subscription, error)

	// GetByCustomerID возвращает подписку по Stripe Customer ID.
	GetByCustomerID(ctx context.Context, stripeCustomerID string) (*domain.Subscription, error)

	// Upsert записывает строку целиком (insert или overwrite по user_id).
	Upsert(ctx context.Context, sub *domain.Subscription) error
}

// CustomerMappingRepository определяет методы для связки Stripe Customer -> userID.
type CustomerMappingRepository interface {
	// Create сохраняет связку; повторная вставка той же пары игнорируется.
	Create(ctx context.Context, mapping *domain.CustomerMapping) error

	// GetByStripeID возвращает связку по Stripe Customer ID.
	GetByStripeID(ctx context.Context, stripeCustomerID string) (*domain.CustomerMapping, error)

	// GetByUserID возвращает связку по ID пользователя.
	GetByUserID(ctx context.Context, userID string) (*domain.CustomerMapping, error)
}
