package service

import "errors"

var (
	// ErrInvalidPlan запрошенный план не существует
	ErrInvalidPlan = errors.New("invalid plan type")

	// ErrAlreadyOnPlan пользователь уже на запрошенном плане
	ErrAlreadyOnPlan = errors.New("subscription is already on the requested plan")

	// ErrDuplicatePendingChange на этот план уже запланирован переход
	ErrDuplicatePendingChange = errors.New("a pending change to this plan already exists")

	// ErrNoActiveSubscription у пользователя нет активной подписки у провайдера
	ErrNoActiveSubscription = errors.New("no active subscription found")

	// ErrSubscriptionNotFound локальная запись подписки не найдена
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNoPriceDifference разница цен не положительная, доплата невозможна
	ErrNoPriceDifference = errors.New("no positive price difference for upgrade")

	// ErrStripeClient ошибка при обращении к Stripe
	ErrStripeClient = errors.New("stripe client error")
)
