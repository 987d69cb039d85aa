package domain

import (
	"fmt"
	"time"
)

// PlanType тип тарифного плана
type PlanType string

const (
	PlanStarter   PlanType = "starter"
	PlanUnlimited PlanType = "unlimited"
)

// StarterMinutesQuota квота минут записи для тарифа starter
const StarterMinutesQuota = 600

// ParsePlanType проверяет и приводит строку к известному тарифу
func ParsePlanType(s string) (PlanType, error) {
	switch PlanType(s) {
	case PlanStarter:
		return PlanStarter, nil
	case PlanUnlimited:
		return PlanUnlimited, nil
	default:
		return "", fmt.Errorf("unknown plan type: %q", s)
	}
}

// Subscription представляет собой локальную копию подписки пользователя.
// Источником истины всегда остается Stripe: поля плана и статуса
// перезаписываются целиком при каждой синхронизации.
type Subscription struct {
	UserID               string     `db:"user_id" json:"user_id"`
	PlanType             PlanType   `db:"plan_type" json:"plan_type"`
	MinutesQuota         *int       `db:"minutes_quota" json:"minutes_quota,omitempty"`
	IsActive             bool       `db:"is_active" json:"is_active"`
	BillingCycleStart    *time.Time `db:"billing_cycle_start" json:"billing_cycle_start,omitempty"`
	BillingCycleEnd      *time.Time `db:"billing_cycle_end" json:"billing_cycle_end,omitempty"`
	StripeCustomerID     string     `db:"stripe_customer_id" json:"stripe_customer_id"`
	StripeSubscriptionID string     `db:"stripe_subscription_id" json:"stripe_subscription_id"`
	StripePriceID        string     `db:"stripe_price_id" json:"stripe_price_id"`
	PendingDowngradePlan *PlanType  `db:"pending_downgrade_plan" json:"pending_downgrade_plan,omitempty"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// Normalize приводит запись к инвариантам модели перед записью:
//   - starter всегда несет фиксированную квоту минут, unlimited - никогда;
//   - отложенный переход на текущий же план - противоречие, маркер снимается.
//
// Вызывается в каждой точке записи, а не оставляется на совести вызывающего.
func (s *Subscription) Normalize() {
	switch s.PlanType {
	case PlanStarter:
		quota := StarterMinutesQuota
		s.MinutesQuota = &quota
	case PlanUnlimited:
		s.MinutesQuota = nil
	}

	if s.PendingDowngradePlan != nil && *s.PendingDowngradePlan == s.PlanType {
		s.PendingDowngradePlan = nil
	}
}

// IsActiveStatus определяет, считается ли статус Stripe активным для продукта
func IsActiveStatus(status string) bool {
	return status == "active" || status == "trialing"
}

// CustomerMapping связывает Stripe Customer ID с нашим пользователем.
// Запись неизменяемая: входящие вебхуки несут только идентификатор
// клиента Stripe, по нему восстанавливается userID.
type CustomerMapping struct {
	StripeCustomerID string    `db:"stripe_customer_id" json:"stripe_customer_id"`
	UserID           string    `db:"user_id" json:"user_id"`
	Email            string    `db:"email" json:"email"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}
