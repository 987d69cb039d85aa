package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meetscribe/billing-service/internal/domain"
	"github.com/meetscribe/billing-service/pkg/logger"
)

// postgresSubscriptionRepo реализует SubscriptionRepository для PostgreSQL.
type postgresSubscriptionRepo struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewPostgresSubscriptionRepository создает новый экземпляр репозитория для PostgreSQL.
func NewPostgresSubscriptionRepository(db *sqlx.DB, log *logger.Logger) SubscriptionRepository {
	return &postgresSubscriptionRepo{
		db:  db,
		log: log,
	}
}

const subscriptionColumns = `
        user_id, plan_type, minutes_quota, is_active,
        billing_cycle_start, billing_cycle_end,
        stripe_customer_id, stripe_subscription_id, stripe_price_id,
        pending_downgrade_plan, updated_at`

// GetByUserID возвращает подписку пользователя.
func (r *postgresSubscriptionRepo) GetByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	query := `SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE user_id = $1`

	err := r.db.GetContext(ctx, &sub, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.log.Warnw("Subscription not found by user ID", "userID", userID)
			return nil, ErrNotFound
		}
		r.log.Errorw("Failed to get subscription by user ID from DB", "error", err, "userID", userID)
		return nil, fmt.Errorf("repository: failed to get subscription by user ID: %w", err)
	}

	return &sub, nil
}

// GetByCustomerID возвращает подписку по Stripe Customer ID.
func (r *postgresSubscriptionRepo) GetByCustomerID(ctx context.Context, stripeCustomerID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	query := `SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE stripe_customer_id = $1`

	err := r.db.GetContext(ctx, &sub, query, stripeCustomerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.log.Warnw("Subscription not found by Stripe customer ID", "stripeCustomerID", stripeCustomerID)
			return nil, ErrNotFound
		}
		r.log.Errorw("Failed to get subscription by Stripe customer ID from DB", "error", err, "stripeCustomerID", stripeCustomerID)
		return nil, fmt.Errorf("repository: failed to get subscription by customer ID: %w", err)
	}

	return &sub, nil
}

// Upsert записывает строку подписки целиком.
// Перед записью строка нормализуется: пара план/квота и снятие
// противоречивого маркера даунгрейда не оставляются на совести вызывающего.
func (r *postgresSubscriptionRepo) Upsert(ctx context.Context, sub *domain.Subscription) error {
	sub.Normalize()
	sub.UpdatedAt = time.Now().UTC()

	query := `
        INSERT INTO subscriptions (
            user_id, plan_type, minutes_quota, is_active,
            billing_cycle_start, billing_cycle_end,
            stripe_customer_id, stripe_subscription_id, stripe_price_id,
            pending_downgrade_plan, updated_at
        ) VALUES (
            :user_id, :plan_type, :minutes_quota, :is_active,
            :billing_cycle_start, :billing_cycle_end,
            :stripe_customer_id, :stripe_subscription_id, :stripe_price_id,
            :pending_downgrade_plan, :updated_at
        )
        ON CONFLICT (user_id) DO UPDATE SET
            plan_type = EXCLUDED.plan_type,
            minutes_quota = EXCLUDED.minutes_quota,
            is_active = EXCLUDED.is_active,
            billing_cycle_start = EXCLUDED.billing_cycle_start,
            billing_cycle_end = EXCLUDED.billing_cycle_end,
            stripe_customer_id = EXCLUDED.stripe_customer_id,
            stripe_subscription_id = EXCLUDED.stripe_subscription_id,
            stripe_price_id = EXCLUDED.stripe_price_id,
            pending_downgrade_plan = EXCLUDED.pending_downgrade_plan,
            updated_at = EXCLUDED.updated_at`

	_, err := r.db.NamedExecContext(ctx, query, sub)
	if err != nil {
		r.log.Errorw("Failed to upsert subscription in DB", "error", err, "userID", sub.UserID)
		return fmt.Errorf("repository: failed to upsert subscription: %w", err)
	}

	r.log.Debugw("Successfully upserted subscription in DB", "userID", sub.UserID, "planType", sub.PlanType)
	return nil
}
