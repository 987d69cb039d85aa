package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripesdk "github.com/stripe/stripe-go/v78"

	"github.com/meetscribe/billing-service/internal/domain"
	"github.com/meetscribe/billing-service/internal/metrics"
	"github.com/meetscribe/billing-service/pkg/logger"
)

func testPlanChangeService(t *testing.T, repo *fakeSubscriptionRepo, stripeClient *fakeStripeClient) PlanChangeService {
	t.Helper()
	log := logger.New(logger.ERROR)
	m := metrics.NewBillingMetrics(prometheus.NewRegistry(), log)
	catalog := domain.NewPlanCatalog(domain.PlanCatalogConfig{
		StarterPriceID:          "price_starter",
		UnlimitedPriceID:        "price_unlimited",
		StarterFallbackAmount:   3900,
		UnlimitedFallbackAmount: 4900,
		Currency:                "eur",
	})
	return NewPlanChangeService(repo, stripeClient, catalog, newFakeProducer(), m, PlanChangeConfig{
		SuccessURL: "https://app.test/billing/success",
		CancelURL:  "https://app.test/billing/cancel",
	}, log)
}

func starterSubscription() *domain.Subscription {
	quota := domain.StarterMinutesQuota
	return &domain.Subscription{
		UserID:               "user-1",
		PlanType:             domain.PlanStarter,
		MinutesQuota:         &quota,
		IsActive:             true,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		StripePriceID:        "price_starter",
	}
}

func unlimitedSubscription() *domain.Subscription {
	return &domain.Subscription{
		UserID:               "user-1",
		PlanType:             domain.PlanUnlimited,
		IsActive:             true,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		StripePriceID:        "price_unlimited",
	}
}

func TestRequestPlanChange_InvalidPlan(t *testing.T) {
	repo := newFakeSubscriptionRepo(starterSubscription())
	stripeClient := &fakeStripeClient{}
	svc := testPlanChangeService(t, repo, stripeClient)

	_, err := svc.RequestPlanChange(context.Background(), "user-1", "enterprise")

	assert.ErrorIs(t, err, ErrInvalidPlan)
	assert.Zero(t, stripeClient.callCount())
}

func TestRequestPlanChange_NoSubscription(t *testing.T) {
	repo := newFakeSubscriptionRepo()
	stripeClient := &fakeStripeClient{}
	svc := testPlanChangeService(t, repo, stripeClient)

	_, err := svc.RequestPlanChange(context.Background(), "user-1", "unlimited")

	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.Zero(t, stripeClient.callCount())
}

func TestRequestPlanChange_AlreadyOnPlan(t *testing.T) {
	repo := newFakeSubscriptionRepo(starterSubscription())
	stripeClient := &fakeStripeClient{}
	svc := testPlanChangeService(t, repo, stripeClient)

	_, err := svc.RequestPlanChange(context.Background(), "user-1", "starter")

	assert.ErrorIs(t, err, ErrAlreadyOnPlan)
	assert.Zero(t, stripeClient.callCount())
}

func TestRequestPlanChange_DuplicatePendingChange(t *testing.T) {
	sub := unlimitedSubscription()
	pending := domain.PlanStarter
	sub.PendingDowngradePlan = &pending
	repo := newFakeSubscriptionRepo(sub)
	stripeClient := &fakeStripeClient{}
	svc := testPlanChangeService(t, repo, stripeClient)

	_, err := svc.RequestPlanChange(context.Background(), "user-1", "starter")

	assert.ErrorIs(t, err, ErrDuplicatePendingChange)
	assert.Zero(t, stripeClient.callCount())
}

func TestRequestPlanChange_CancelPendingDowngrade(t *testing.T) {
	sub := unlimitedSubscription()
	pending := domain.PlanStarter
	sub.PendingDowngradePlan = &pending
	repo := newFakeSubscriptionRepo(sub)
	stripeClient := &fakeStripeClient{}
	svc := testPlanChangeService(t, repo, stripeClient)

	result, err := svc.RequestPlanChange(context.Background(), "user-1", "unlimited")

	require.NoError(t, err)
	assert.Equal(t, domain.PlanChangeCancel, result.Kind)
	// Отмена локальная: к Stripe обращений нет
	assert.Zero(t, stripeClient.callCount())

	stored := repo.stored("user-1")
	require.NotNil(t, stored)
	assert.Nil(t, stored.PendingDowngradePlan)
	assert.Equal(t, domain.PlanUnlimited, stored.PlanType)
}

func TestRequestPlanChange_NoActiveStripeSubscription(t *testing.T) {
	repo := newFakeSubscriptionRepo(starterSubscription())
	stripeClient := &fakeStripeClient{}
	svc := testPlanChangeService(t, repo, stripeClient)

	_, err := svc.RequestPlanChange(context.Background(), "user-1", "unlimited")

	assert.ErrorIs(t, err, ErrNoActiveSubscription)
}

func TestRequestPlanChange_UpgradeCreatesCheckoutForDifference(t *testing.T) {
	repo := newFakeSubscriptionRepo(starterSubscription())
	stripeClient := &fakeStripeClient{
		activeSubs: []*stripesdk.Subscription{
			stripeSubFixture("sub_1", "si_1", "price_starter", "active", 1700000000, 1702592000),
		},
		prices: map[string]*stripesdk.Price{
			"price_starter":   {ID: "price_starter", UnitAmount: 3900},
			"price_unlimited": {ID: "price_unlimited", UnitAmount: 4900},
		},
	}
	svc := testPlanChangeService(t, repo, stripeClient)

	result, err := svc.RequestPlanChange(context.Background(), "user-1", "unlimited")

	require.NoError(t, err)
	assert.Equal(t, domain.PlanChangeUpgradeCheckout, result.Kind)
	assert.Equal(t, int64(1000), result.PriceDifferenceCents)
	assert.Equal(t, "cs_test", result.CheckoutSessionID)
	assert.NotEmpty(t, result.CheckoutURL)

	require.Len(t, stripeClient.checkoutInputs, 1)
	input := stripeClient.checkoutInputs[0]
	assert.Equal(t, int64(1000), input.AmountCents)
	assert.Equal(t, "cus_1", input.CustomerID)
	assert.Equal(t, domain.MetadataValuePlanUpgrade, input.Metadata[domain.MetadataKeyType])
	assert.Equal(t, "user-1", input.Metadata[domain.MetadataKeyUserID])
	assert.Equal(t, "sub_1", input.Metadata[domain.MetadataKeySubscriptionID])
	assert.Equal(t, "si_1", input.Metadata[domain.MetadataKeySubscriptionItem])
	assert.Equal(t, "price_unlimited", input.Metadata[domain.MetadataKeyNewPriceID])

	// План не применяется до подтверждения оплаты
	stored := repo.stored("user-1")
	assert.Equal(t, domain.PlanStarter, stored.PlanType)
	assert.Empty(t, stripeClient.updates)
	assert.Zero(t, repo.upserts)
}

func TestRequestPlanChange_UpgradeUsesFallbackAmounts(t *testing.T) {
	repo := newFakeSubscriptionRepo(starterSubscription())
	stripeClient := &fakeStripeClient{
		activeSubs: []*stripesdk.Subscription{
			stripeSubFixture("sub_1", "si_1", "price_starter", "active", 1700000000, 1702592000),
		},
		prices: map[string]*stripesdk.Price{
			"price_starter":   {ID: "price_starter", UnitAmount: 0},
			"price_unlimited": {ID: "price_unlimited", UnitAmount: 0},
		},
	}
	svc := testPlanChangeService(t, repo, stripeClient)

	result, err := svc.RequestPlanChange(context.Background(), "user-1", "unlimited")

	require.NoError(t, err)
	assert.Equal(t, int64(1000), result.PriceDifferenceCents)
}

func TestRequestPlanChange_UpgradeNoPriceDifference(t *testing.T) {
	repo := newFakeSubscriptionRepo(starterSubscription())
	stripeClient := &fakeStripeClient{
		activeSubs: []*stripesdk.Subscription{
			stripeSubFixture("sub_1", "si_1", "price_starter", "active", 1700000000, 1702592000),
		},
		prices: map[string]*stripesdk.Price{
			"price_starter":   {ID: "price_starter", UnitAmount: 4900},
			"price_unlimited": {ID: "price_unlimited", UnitAmount: 4900},
		},
	}
	svc := testPlanChangeService(t, repo, stripeClient)

	_, err := svc.RequestPlanChange(context.Background(), "user-1", "unlimited")

	assert.ErrorIs(t, err, ErrNoPriceDifference)
	assert.Empty(t, stripeClient.checkoutInputs)
}

func TestRequestPlanChange_DowngradeSchedulesAndSetsPending(t *testing.T) {
	periodEnd := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	repo := newFakeSubscriptionRepo(unlimitedSubscription())
	stripeClient := &fakeStripeClient{
		activeSubs: []*stripesdk.Subscription{
			stripeSubFixture("sub_1", "si_1", "price_unlimited", "active", 1700000000, periodEnd.Unix()),
		},
	}
	svc := testPlanChangeService(t, repo, stripeClient)

	result, err := svc.RequestPlanChange(context.Background(), "user-1", "starter")

	require.NoError(t, err)
	assert.Equal(t, domain.PlanChangeDowngrade, result.Kind)
	assert.Equal(t, "2026-10-01", result.EffectiveDate)

	require.Len(t, stripeClient.updates, 1)
	assert.Equal(t, "sub_1", stripeClient.updates[0].subscriptionID)
	assert.Equal(t, "si_1", stripeClient.updates[0].itemID)
	assert.Equal(t, "price_starter", stripeClient.updates[0].priceID)

	// Маркер поставлен, но план записи не меняется до конца цикла
	stored := repo.stored("user-1")
	require.NotNil(t, stored.PendingDowngradePlan)
	assert.Equal(t, domain.PlanStarter, *stored.PendingDowngradePlan)
	assert.Equal(t, domain.PlanUnlimited, stored.PlanType)
}

func TestRequestPlanChange_DowngradeStripeFailureNoLocalWrite(t *testing.T) {
	repo := newFakeSubscriptionRepo(unlimitedSubscription())
	stripeClient := &fakeStripeClient{
		activeSubs: []*stripesdk.Subscription{
			stripeSubFixture("sub_1", "si_1", "price_unlimited", "active", 1700000000, 1702592000),
		},
		updateErr: assert.AnError,
	}
	svc := testPlanChangeService(t, repo, stripeClient)

	_, err := svc.RequestPlanChange(context.Background(), "user-1", "starter")

	assert.ErrorIs(t, err, ErrStripeClient)
	stored := repo.stored("user-1")
	assert.Nil(t, stored.PendingDowngradePlan)
	assert.Zero(t, repo.upserts)
}
