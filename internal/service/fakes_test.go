package service

import (
	"context"
	"fmt"
	"sync"

	stripesdk "github.com/stripe/stripe-go/v78"

	"github.com/meetscribe/billing-service/internal/domain"
	"github.com/meetscribe/billing-service/internal/kafka"
	"github.com/meetscribe/billing-service/internal/repository"
	"github.com/meetscribe/billing-service/internal/stripe"
)

// fakeSubscriptionRepo хранит подписки в памяти для тестов.
type fakeSubscriptionRepo struct {
	mu        sync.Mutex
	subs      map[string]*domain.Subscription
	upserts   int
	upsertErr error
}

func newFakeSubscriptionRepo(subs ...*domain.Subscription) *fakeSubscriptionRepo {
	repo := &fakeSubscriptionRepo{subs: make(map[string]*domain.Subscription)}
	for _, sub := range subs {
		copied := *sub
		repo.subs[sub.UserID] = &copied
	}
	return repo
}

func (r *fakeSubscriptionRepo) GetByUserID(_ context.Context, userID string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *sub
	return &copied, nil
}

func (r *fakeSubscriptionRepo) GetByCustomerID(_ context.Context, customerID string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.StripeCustomerID == customerID {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeSubscriptionRepo) Upsert(_ context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.upserts++
	sub.Normalize()
	copied := *sub
	r.subs[sub.UserID] = &copied
	return nil
}

func (r *fakeSubscriptionRepo) stored(userID string) *domain.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[userID]
}

// fakeMappingRepo связки клиент Stripe -> пользователь в памяти.
type fakeMappingRepo struct {
	mappings map[string]*domain.CustomerMapping
}

func newFakeMappingRepo(mappings ...*domain.CustomerMapping) *fakeMappingRepo {
	repo := &fakeMappingRepo{mappings: make(map[string]*domain.CustomerMapping)}
	for _, m := range mappings {
		repo.mappings[m.StripeCustomerID] = m
	}
	return repo
}

func (r *fakeMappingRepo) Create(_ context.Context, mapping *domain.CustomerMapping) error {
	if _, ok := r.mappings[mapping.StripeCustomerID]; !ok {
		r.mappings[mapping.StripeCustomerID] = mapping
	}
	return nil
}

func (r *fakeMappingRepo) GetByStripeID(_ context.Context, stripeCustomerID string) (*domain.CustomerMapping, error) {
	mapping, ok := r.mappings[stripeCustomerID]
	if !ok {
		return nil, repository.ErrMappingNotFound
	}
	return mapping, nil
}

func (r *fakeMappingRepo) GetByUserID(_ context.Context, userID string) (*domain.CustomerMapping, error) {
	for _, mapping := range r.mappings {
		if mapping.UserID == userID {
			return mapping, nil
		}
	}
	return nil, repository.ErrMappingNotFound
}

type subscriptionUpdate struct {
	subscriptionID string
	itemID         string
	priceID        string
}

// fakeStripeClient управляемая заглушка Stripe API.
type fakeStripeClient struct {
	mu sync.Mutex

	activeSubs []*stripesdk.Subscription
	activeErr  error

	latestSub *stripesdk.Subscription
	latestErr error

	subscriptions map[string]*stripesdk.Subscription

	prices   map[string]*stripesdk.Price
	priceErr error

	checkoutSession *stripesdk.CheckoutSession
	checkoutErr     error
	checkoutInputs  []stripe.CheckoutInput

	updates   []subscriptionUpdate
	updateErr error

	calls int
}

var _ stripe.Client = (*fakeStripeClient)(nil)

func (f *fakeStripeClient) GetActiveSubscriptions(_ context.Context, _ string) ([]*stripesdk.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.activeSubs, f.activeErr
}

func (f *fakeStripeClient) GetLatestSubscription(_ context.Context, _ string) (*stripesdk.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.latestSub, f.latestErr
}

func (f *fakeStripeClient) GetSubscription(_ context.Context, subscriptionID string) (*stripesdk.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	sub, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", subscriptionID)
	}
	return sub, nil
}

func (f *fakeStripeClient) GetPrice(_ context.Context, priceID string) (*stripesdk.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.priceErr != nil {
		return nil, f.priceErr
	}
	return f.prices[priceID], nil
}

func (f *fakeStripeClient) UpdateSubscriptionItem(_ context.Context, subscriptionID, itemID, newPriceID string) (*stripesdk.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, subscriptionUpdate{
		subscriptionID: subscriptionID,
		itemID:         itemID,
		priceID:        newPriceID,
	})
	if sub, ok := f.subscriptions[subscriptionID]; ok {
		return sub, nil
	}
	return &stripesdk.Subscription{ID: subscriptionID}, nil
}

func (f *fakeStripeClient) CreateOneTimeCheckout(_ context.Context, in stripe.CheckoutInput) (*stripesdk.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	f.checkoutInputs = append(f.checkoutInputs, in)
	if f.checkoutSession != nil {
		return f.checkoutSession, nil
	}
	return &stripesdk.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.test/cs_test"}, nil
}

func (f *fakeStripeClient) GetCustomer(_ context.Context, customerID string) (*stripesdk.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &stripesdk.Customer{ID: customerID}, nil
}

func (f *fakeStripeClient) VerifyWebhookSignature(_ []byte, _ string) (stripesdk.Event, error) {
	return stripesdk.Event{}, nil
}

func (f *fakeStripeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeProducer собирает опубликованные события.
type fakeProducer struct {
	mu          sync.Mutex
	published   map[string]int
	deadLetters []*kafka.DeadLetterRecord
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{published: make(map[string]int)}
}

func (p *fakeProducer) PublishSubscriptionEvent(_ context.Context, topic string, _ *domain.Subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[topic]++
	return nil
}

func (p *fakeProducer) PublishDeadLetter(_ context.Context, rec *kafka.DeadLetterRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadLetters = append(p.deadLetters, rec)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

// stripeSubFixture собирает подписку Stripe с одной позицией.
func stripeSubFixture(id, itemID, priceID, status string, periodStart, periodEnd int64) *stripesdk.Subscription {
	return &stripesdk.Subscription{
		ID:                 id,
		Status:             stripesdk.SubscriptionStatus(status),
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		Items: &stripesdk.SubscriptionItemList{
			Data: []*stripesdk.SubscriptionItem{
				{
					ID:    itemID,
					Price: &stripesdk.Price{ID: priceID},
				},
			},
		},
	}
}
