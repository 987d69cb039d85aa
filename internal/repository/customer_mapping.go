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

// postgresCustomerMappingRepo реализует CustomerMappingRepository для PostgreSQL.
type postgresCustomerMappingRepo struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewCustomerMappingRepository создает новый экземпляр репозитория связок.
func NewCustomerMappingRepository(db *sqlx.DB, log *logger.Logger) CustomerMappingRepository {
	return &postgresCustomerMappingRepo{
		db:  db,
		log: log,
	}
}

// Create сохраняет связку Stripe Customer -> userID.
// Связка неизменяемая, повторная вставка той же пары игнорируется.
func (r *postgresCustomerMappingRepo) Create(ctx context.Context, mapping *domain.CustomerMapping) error {
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO customer_mappings (stripe_customer_id, user_id, email, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (stripe_customer_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		mapping.StripeCustomerID,
		mapping.UserID,
		mapping.Email,
		mapping.CreatedAt,
	)
	if err != nil {
		r.log.Errorw("Failed to create customer mapping", "error", err, "userID", mapping.UserID)
		return fmt.Errorf("repository: failed to create customer mapping: %w", err)
	}

	return nil
}

// GetByStripeID возвращает связку по Stripe Customer ID.
func (r *postgresCustomerMappingRepo) GetByStripeID(ctx context.Context, stripeCustomerID string) (*domain.CustomerMapping, error) {
	var mapping domain.CustomerMapping
	query := `
        SELECT stripe_customer_id, user_id, email, created_at
        FROM customer_mappings
        WHERE stripe_customer_id = $1`

	err := r.db.GetContext(ctx, &mapping, query, stripeCustomerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.log.Warnw("Customer mapping not found by Stripe ID", "stripeCustomerID", stripeCustomerID)
			return nil, ErrMappingNotFound
		}
		r.log.Errorw("Failed to get customer mapping by Stripe ID", "error", err, "stripeCustomerID", stripeCustomerID)
		return nil, fmt.Errorf("repository: failed to get customer mapping: %w", err)
	}

	return &mapping, nil
}

// GetByUserID возвращает связку по ID пользователя.
func (r *postgresCustomerMappingRepo) GetByUserID(ctx context.Context, userID string) (*domain.CustomerMapping, error) {
	var mapping domain.CustomerMapping
	query := `
        SELECT stripe_customer_id, user_id, email, created_at
        FROM customer_mappings
        WHERE user_id = $1`

	err := r.db.GetContext(ctx, &mapping, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMappingNotFound
		}
		r.log.Errorw("Failed to get customer mapping by user ID", "error", err, "userID", userID)
		return nil, fmt.Errorf("repository: failed to get customer mapping: %w", err)
	}

	return &mapping, nil
}
