package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripesdk "github.com/stripe/stripe-go/v78"

	"github.com/meetscribe/billing-service/internal/domain"
	"github.com/meetscribe/billing-service/internal/metrics"
	"github.com/meetscribe/billing-service/pkg/logger"
)

func testReconcileService(t *testing.T, repo *fakeSubscriptionRepo, mappings *fakeMappingRepo, stripeClient *fakeStripeClient) ReconcileService {
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
	return NewReconcileService(repo, mappings, stripeClient, catalog, newFakeProducer(), m, log)
}

func lifecycleEvent(eventType, customerID string) stripesdk.Event {
	return stripesdk.Event{
		ID:   "evt_1",
		Type: stripesdk.EventType(eventType),
		Data: &stripesdk.EventData{
			Object: map[string]interface{}{"customer": customerID},
		},
	}
}

func checkoutEvent(t *testing.T, mode string, metadata map[string]string) stripesdk.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":       "cs_1",
		"mode":     mode,
		"metadata": metadata,
		"customer": map[string]interface{}{"id": "cus_1"},
	})
	require.NoError(t, err)
	return stripesdk.Event{
		ID:   "evt_checkout",
		Type: stripesdk.EventType("checkout.session.completed"),
		Data: &stripesdk.EventData{Raw: raw},
	}
}

func TestHandleEvent_LifecycleTriggersResync(t *testing.T) {
	repo := newFakeSubscriptionRepo(unlimitedSubscription())
	stripeClient := &fakeStripeClient{
		latestSub: stripeSubFixture("sub_1", "si_1", "price_starter", "active", 1700000000, 1702592000),
	}
	svc := testReconcileService(t, repo, newFakeMappingRepo(), stripeClient)

	err := svc.HandleEvent(context.Background(), lifecycleEvent("customer.subscription.updated", "cus_1"))

	require.NoError(t, err)
	stored := repo.stored("user-1")
	assert.Equal(t, domain.PlanStarter, stored.PlanType)
	require.NotNil(t, stored.MinutesQuota)
	assert.Equal(t, domain.StarterMinutesQuota, *stored.MinutesQuota)
	assert.True(t, stored.IsActive)
	require.NotNil(t, stored.BillingCycleEnd)
}

func TestHandleEvent_IdempotentReplay(t *testing.T) {
	repo := newFakeSubscriptionRepo(unlimitedSubscription())
	stripeClient := &fakeStripeClient{
		latestSub: stripeSubFixture("sub_1", "si_1", "price_starter", "active", 1700000000, 1702592000),
	}
	svc := testReconcileService(t, repo, newFakeMappingRepo(), stripeClient)
	event := lifecycleEvent("customer.subscription.updated", "cus_1")

	require.NoError(t, svc.HandleEvent(context.Background(), event))
	first := *repo.stored("user-1")

	require.NoError(t, svc.HandleEvent(context.Background(), event))
	second := *repo.stored("user-1")

	// Повтор сходится к той же строке
	first.UpdatedAt = second.UpdatedAt
	assert.Equal(t, first, second)
}

func TestResync_ClearsPendingDowngradeWhenEffective(t *testing.T) {
	sub := unlimitedSubscription()
	pending := domain.PlanStarter
	sub.PendingDowngradePlan = &pending
	repo := newFakeSubscriptionRepo(sub)
	stripeClient := &fakeStripeClient{
		latestSub: stripeSubFixture("sub_1", "si_1", "price_starter", "active", 1700000000, 1702592000),
	}
	svc := testReconcileService(t, repo, newFakeMappingRepo(), stripeClient)

	err := svc.ResyncFromProvider(context.Background(), "cus_1")

	require.NoError(t, err)
	stored := repo.stored("user-1")
	assert.Equal(t, domain.PlanStarter, stored.PlanType)
	assert.Nil(t, stored.PendingDowngradePlan)
}

func TestResync_UnknownPriceKeepsPlan(t *testing.T) {
	repo := newFakeSubscriptionRepo(unlimitedSubscription())
	stripeClient := &fakeStripeClient{
		latestSub: stripeSubFixture("sub_1", "si_1", "price_mystery", "past_due", 1700000000, 1702592000),
	}
	svc := testReconcileService(t, repo, newFakeMappingRepo(), stripeClient)

	err := svc.ResyncFromProvider(context.Background(), "cus_1")

	require.NoError(t, err)
	stored := repo.stored("user-1")
	// План не тронут, остальные поля обновлены
	assert.Equal(t, domain.PlanUnlimited, stored.PlanType)
	assert.False(t, stored.IsActive)
	assert.Equal(t, "price_mystery", stored.StripePriceID)
	require.NotNil(t, stored.BillingCycleStart)
}

func TestResync_NoStripeSubscriptionDeactivates(t *testing.T) {
	repo := newFakeSubscriptionRepo(unlimitedSubscription())
	stripeClient := &fakeStripeClient{}
	svc := testReconcileService(t, repo, newFakeMappingRepo(), stripeClient)

	err := svc.ResyncFromProvider(context.Background(), "cus_1")

	require.NoError(t, err)
	stored := repo.stored("user-1")
	assert.False(t, stored.IsActive)
	assert.Nil(t, stored.PendingDowngradePlan)
}

func TestResync_RestoresRowViaCustomerMapping(t *testing.T) {
	repo := newFakeSubscriptionRepo()
	mappings := newFakeMappingRepo(&domain.CustomerMapping{
		StripeCustomerID: "cus_1",
		UserID:           "user-1",
	})
	stripeClient := &fakeStripeClient{
		latestSub: stripeSubFixture("sub_1", "si_1", "price_starter", "active", 1700000000, 1702592000),
	}
	svc := testReconcileService(t, repo, mappings, stripeClient)

	err := svc.ResyncFromProvider(context.Background(), "cus_1")

	require.NoError(t, err)
	stored := repo.stored("user-1")
	require.NotNil(t, stored)
	assert.Equal(t, domain.PlanStarter, stored.PlanType)
	assert.Equal(t, "cus_1", stored.StripeCustomerID)
}

func TestResync_NoMappingFails(t *testing.T) {
	repo := newFakeSubscriptionRepo()
	stripeClient := &fakeStripeClient{}
	svc := testReconcileService(t, repo, newFakeMappingRepo(), stripeClient)

	err := svc.ResyncFromProvider(context.Background(), "cus_unknown")

	assert.Error(t, err)
}

func TestHandleEvent_CheckoutSubscriptionModeResyncs(t *testing.T) {
	repo := newFakeSubscriptionRepo(starterSubscription())
	stripeClient := &fakeStripeClient{
		latestSub: stripeSubFixture("sub_1", "si_1", "price_unlimited", "active", 1700000000, 1702592000),
	}
	svc := testReconcileService(t, repo, newFakeMappingRepo(), stripeClient)

	err := svc.HandleEvent(context.Background(), checkoutEvent(t, "subscription", nil))

	require.NoError(t, err)
	stored := repo.stored("user-1")
	assert.Equal(t, domain.PlanUnlimited, stored.PlanType)
	assert.Nil(t, stored.MinutesQuota)
}

func TestHandleEvent_CheckoutRecordsCustomerMapping(t *testing.T) {
	repo := newFakeSubscriptionRepo(starterSubscription())
	mappings := newFakeMappingRepo()
	stripeClient := &fakeStripeClient{
		latestSub: stripeSubFixture("sub_1", "si_1", "price_starter", "active", 1700000000, 1702592000),
	}
	svc := testReconcileService(t, repo, mappings, stripeClient)

	raw, err := json.Marshal(map[string]interface{}{
		"id":                  "cs_1",
		"mode":                "subscription",
		"customer":            map[string]interface{}{"id": "cus_1"},
		"client_reference_id": "user-1",
		"customer_email":      "user@example.com",
	})
	require.NoError(t, err)
	event := stripesdk.Event{
		ID:   "evt_checkout",
		Type: stripesdk.EventType("checkout.session.completed"),
		Data: &stripesdk.EventData{Raw: raw},
	}

	require.NoError(t, svc.HandleEvent(context.Background(), event))

	mapping, err := mappings.GetByStripeID(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", mapping.UserID)
	assert.Equal(t, "user@example.com", mapping.Email)
}

func TestHandleEvent_UpgradePaymentApplied(t *testing.T) {
	sub := starterSubscription()
	pending := domain.PlanStarter
	sub.PendingDowngradePlan = &pending
	repo := newFakeSubscriptionRepo(sub)
	stripeClient := &fakeStripeClient{
		subscriptions: map[string]*stripesdk.Subscription{
			"sub_1": stripeSubFixture("sub_1", "si_1", "price_unlimited", "active", 1700000000, 1702592000),
		},
	}
	svc := testReconcileService(t, repo, newFakeMappingRepo(), stripeClient)

	event := checkoutEvent(t, "payment", map[string]string{
		domain.MetadataKeyType:             domain.MetadataValuePlanUpgrade,
		domain.MetadataKeyUserID:           "user-1",
		domain.MetadataKeySubscriptionID:   "sub_1",
		domain.MetadataKeySubscriptionItem: "si_1",
		domain.MetadataKeyNewPriceID:       "price_unlimited",
	})

	err := svc.HandleEvent(context.Background(), event)

	require.NoError(t, err)
	require.Len(t, stripeClient.updates, 1)
	assert.Equal(t, "price_unlimited", stripeClient.updates[0].priceID)

	stored := repo.stored("user-1")
	assert.Equal(t, domain.PlanUnlimited, stored.PlanType)
	assert.Nil(t, stored.MinutesQuota)
	// Апгрейд снимает устаревший маркер даунгрейда
	assert.Nil(t, stored.PendingDowngradePlan)
}

func TestHandleEvent_UpgradePaymentReplayIsIdempotent(t *testing.T) {
	repo := newFakeSubscriptionRepo(starterSubscription())
	stripeClient := &fakeStripeClient{
		subscriptions: map[string]*stripesdk.Subscription{
			"sub_1": stripeSubFixture("sub_1", "si_1", "price_unlimited", "active", 1700000000, 1702592000),
		},
	}
	svc := testReconcileService(t, repo, newFakeMappingRepo(), stripeClient)
	event := checkoutEvent(t, "payment", map[string]string{
		domain.MetadataKeyType:             domain.MetadataValuePlanUpgrade,
		domain.MetadataKeyUserID:           "user-1",
		domain.MetadataKeySubscriptionID:   "sub_1",
		domain.MetadataKeySubscriptionItem: "si_1",
		domain.MetadataKeyNewPriceID:       "price_unlimited",
	})

	require.NoError(t, svc.HandleEvent(context.Background(), event))
	first := *repo.stored("user-1")

	require.NoError(t, svc.HandleEvent(context.Background(), event))
	second := *repo.stored("user-1")

	first.UpdatedAt = second.UpdatedAt
	assert.Equal(t, first, second)
	// Повторное применение той же цены безопасно
	assert.Len(t, stripeClient.updates, 2)
}

func TestHandleEvent_PaymentWithoutUpgradeMetadataIgnored(t *testing.T) {
	repo := newFakeSubscriptionRepo(starterSubscription())
	stripeClient := &fakeStripeClient{}
	svc := testReconcileService(t, repo, newFakeMappingRepo(), stripeClient)

	err := svc.HandleEvent(context.Background(), checkoutEvent(t, "payment", nil))

	require.NoError(t, err)
	assert.Zero(t, stripeClient.callCount())
	assert.Zero(t, repo.upserts)
}

func TestHandleEvent_UnknownEventTypeIgnored(t *testing.T) {
	repo := newFakeSubscriptionRepo(starterSubscription())
	stripeClient := &fakeStripeClient{}
	svc := testReconcileService(t, repo, newFakeMappingRepo(), stripeClient)

	err := svc.HandleEvent(context.Background(), stripesdk.Event{
		ID:   "evt_x",
		Type: stripesdk.EventType("payment_intent.created"),
		Data: &stripesdk.EventData{},
	})

	require.NoError(t, err)
	assert.Zero(t, stripeClient.callCount())
}
