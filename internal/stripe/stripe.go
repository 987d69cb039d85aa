package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meetscribe/billing-service/pkg/logger"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// CheckoutInput параметры одноразовой checkout-сессии на доплату
type CheckoutInput struct {
	CustomerID  string
	AmountCents int64
	Currency    string
	Label       string
	Metadata    map[string]string
	SuccessURL  string
	CancelURL   string
}

// CallObserver колбэк для записи длительности вызовов Stripe API (может быть nil)
type CallObserver func(operation string, d time.Duration)

// Client определяет методы для взаимодействия со Stripe API.
type Client interface {
	// GetActiveSubscriptions возвращает активные подписки клиента.
	GetActiveSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)

	// GetLatestSubscription возвращает самую свежую подписку клиента в любом статусе.
	// Нужна pull-синхронизации: отмена тоже должна быть наблюдаема.
	GetLatestSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error)

	// GetSubscription возвращает подписку по ее Stripe ID.
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)

	// GetPrice возвращает цену по ее Stripe ID.
	GetPrice(ctx context.Context, priceID string) (*stripe.Price, error)

	// UpdateSubscriptionItem меняет цену позиции подписки.
	// Пропорциональный перерасчет выключен и якорь биллинг-цикла не
	// смещается: обе точки вызова (даунгрейд и применение апгрейда)
	// требуют именно такого режима.
	UpdateSubscriptionItem(ctx context.Context, subscriptionID, itemID, newPriceID string) (*stripe.Subscription, error)

	// CreateOneTimeCheckout создает одноразовую платежную сессию на заданную сумму.
	CreateOneTimeCheckout(ctx context.Context, in CheckoutInput) (*stripe.CheckoutSession, error)

	// GetCustomer возвращает клиента Stripe.
	GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error)

	// VerifyWebhookSignature проверяет подпись вебхука и возвращает событие.
	VerifyWebhookSignature(payload []byte, sigHeader string) (stripe.Event, error)
}

// stripeClient реализует интерфейс Client.
type stripeClient struct {
	client        *client.API
	webhookSecret string
	observe       CallObserver
	log           *logger.Logger
}

// NewClient создает новый экземпляр клиента Stripe.
func NewClient(apiKey, webhookSecret string, observe CallObserver, log *logger.Logger) Client {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &stripeClient{
		client:        sc,
		webhookSecret: webhookSecret,
		observe:       observe,
		log:           log,
	}
}

// track записывает длительность операции, если наблюдатель задан
func (sc *stripeClient) track(operation string, start time.Time) {
	if sc.observe != nil {
		sc.observe(operation, time.Since(start))
	}
}

// GetActiveSubscriptions возвращает активные подписки клиента Stripe.
func (sc *stripeClient) GetActiveSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	defer sc.track("list_subscriptions", time.Now())

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	var subs []*stripe.Subscription
	iter := sc.client.Subscriptions.List(params)
	for iter.Next() {
		subs = append(subs, iter.Subscription())
	}
	if err := iter.Err(); err != nil {
		logStripeError(sc.log, "GetActiveSubscriptions", err)
		return nil, fmt.Errorf("stripe: failed to list subscriptions: %w", err)
	}

	sc.log.Debugw("Listed active Stripe subscriptions", "stripeCustomerID", customerID, "count", len(subs))
	return subs, nil
}

// GetLatestSubscription возвращает самую свежую подписку клиента в любом статусе.
func (sc *stripeClient) GetLatestSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error) {
	defer sc.track("list_subscriptions", time.Now())

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := sc.client.Subscriptions.List(params)
	if iter.Next() {
		return iter.Subscription(), nil
	}
	if err := iter.Err(); err != nil {
		logStripeError(sc.log, "GetLatestSubscription", err)
		return nil, fmt.Errorf("stripe: failed to list subscriptions: %w", err)
	}

	sc.log.Warnw("No Stripe subscriptions found for customer", "stripeCustomerID", customerID)
	return nil, nil
}

// GetSubscription возвращает подписку Stripe по ID.
func (sc *stripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	defer sc.track("get_subscription", time.Now())

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := sc.client.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		logStripeError(sc.log, "GetSubscription", err)
		return nil, fmt.Errorf("stripe: failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetPrice возвращает цену Stripe по ID.
func (sc *stripeClient) GetPrice(ctx context.Context, priceID string) (*stripe.Price, error) {
	defer sc.track("get_price", time.Now())

	params := &stripe.PriceParams{}
	params.Context = ctx

	price, err := sc.client.Prices.Get(priceID, params)
	if err != nil {
		logStripeError(sc.log, "GetPrice", err)
		return nil, fmt.Errorf("stripe: failed to get price: %w", err)
	}
	return price, nil
}

// UpdateSubscriptionItem меняет цену позиции подписки без перерасчета
// и без смещения якоря биллинг-цикла. Повторный вызов с той же ценой
// безопасен: Stripe воспринимает его как no-op.
func (sc *stripeClient) UpdateSubscriptionItem(ctx context.Context, subscriptionID, itemID, newPriceID string) (*stripe.Subscription, error) {
	defer sc.track("update_subscription", time.Now())

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(itemID),
				Price: stripe.String(newPriceID),
			},
		},
		ProrationBehavior:           stripe.String("none"),
		BillingCycleAnchorUnchanged: stripe.Bool(true),
	}
	params.Context = ctx

	sub, err := sc.client.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		logStripeError(sc.log, "UpdateSubscriptionItem", err)
		return nil, fmt.Errorf("stripe: failed to update subscription item: %w", err)
	}

	sc.log.Infow("Stripe subscription item price updated",
		"stripeSubscriptionID", subscriptionID, "itemID", itemID, "newPriceID", newPriceID)
	return sub, nil
}

// CreateOneTimeCheckout создает checkout-сессию в режиме разового платежа.
// Налог считает Stripe (automatic tax), сумма передается без налога.
func (sc *stripeClient) CreateOneTimeCheckout(ctx context.Context, in CheckoutInput) (*stripe.CheckoutSession, error) {
	defer sc.track("create_checkout", time.Now())

	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModePayment)),
		Customer: stripe.String(in.CustomerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(in.Currency),
					UnitAmount: stripe.Int64(in.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(in.Label),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		AutomaticTax: &stripe.CheckoutSessionAutomaticTaxParams{
			Enabled: stripe.Bool(true),
		},
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
	}
	params.Context = ctx
	for key, value := range in.Metadata {
		params.AddMetadata(key, value)
	}

	session, err := sc.client.CheckoutSessions.New(params)
	if err != nil {
		logStripeError(sc.log, "CreateOneTimeCheckout", err)
		return nil, fmt.Errorf("stripe: failed to create checkout session: %w", err)
	}

	sc.log.Infow("Stripe checkout session created",
		"sessionID", session.ID, "stripeCustomerID", in.CustomerID, "amountCents", in.AmountCents)
	return session, nil
}

// GetCustomer возвращает клиента Stripe по ID.
func (sc *stripeClient) GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	defer sc.track("get_customer", time.Now())

	params := &stripe.CustomerParams{}
	params.Context = ctx

	cus, err := sc.client.Customers.Get(customerID, params)
	if err != nil {
		logStripeError(sc.log, "GetCustomer", err)
		return nil, fmt.Errorf("stripe: failed to get customer: %w", err)
	}
	return cus, nil
}

// VerifyWebhookSignature проверяет подпись вебхука над сырыми байтами тела.
func (sc *stripeClient) VerifyWebhookSignature(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, sc.webhookSecret)
}

// logStripeError - вспомогательная функция для логирования деталей ошибки Stripe.
func logStripeError(log *logger.Logger, operation string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Errorw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"param", stripeErr.Param,
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
	} else {
		log.Errorw("Non-Stripe error during Stripe operation",
			"operation", operation,
			"error", err,
		)
	}
}
