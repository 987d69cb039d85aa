package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripesdk "github.com/stripe/stripe-go/v78"

	"github.com/meetscribe/billing-service/internal/domain"
	"github.com/meetscribe/billing-service/internal/kafka"
	"github.com/meetscribe/billing-service/internal/metrics"
	"github.com/meetscribe/billing-service/internal/repository"
	"github.com/meetscribe/billing-service/internal/stripe"
	"github.com/meetscribe/billing-service/pkg/logger"
)

// ReconcileService синхронизирует локальное состояние подписок со Stripe
// по входящим вебхукам. Ключевой принцип: payload события никогда не
// используется как источник данных подписки, каждая ветка перечитывает
// текущее состояние из Stripe. Поэтому повторная и неупорядоченная
// доставка событий сходится к одному и тому же результату.
type ReconcileService interface {
	// HandleEvent классифицирует верифицированное событие и обрабатывает его.
	HandleEvent(ctx context.Context, event stripesdk.Event) error

	// ResyncFromProvider перечитывает подписку клиента из Stripe и
	// перезаписывает локальную строку.
	ResyncFromProvider(ctx context.Context, customerID string) error
}

type reconcileService struct {
	subsRepo     repository.SubscriptionRepository
	mappingsRepo repository.CustomerMappingRepository
	stripe       stripe.Client
	catalog      domain.PlanCatalog
	producer     kafka.Producer
	metrics      metrics.BillingMetrics
	log          *logger.Logger
}

// NewReconcileService создает сервис реконсиляции.
func NewReconcileService(
	subsRepo repository.SubscriptionRepository,
	mappingsRepo repository.CustomerMappingRepository,
	stripeClient stripe.Client,
	catalog domain.PlanCatalog,
	producer kafka.Producer,
	m metrics.BillingMetrics,
	log *logger.Logger,
) ReconcileService {
	return &reconcileService{
		subsRepo:     subsRepo,
		mappingsRepo: mappingsRepo,
		stripe:       stripeClient,
		catalog:      catalog,
		producer:     producer,
		metrics:      m,
		log:          log,
	}
}

// HandleEvent классифицирует событие Stripe.
func (s *reconcileService) HandleEvent(ctx context.Context, event stripesdk.Event) error {
	eventType := string(event.Type)

	switch eventType {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"invoice.payment_succeeded",
		"invoice.payment_failed":
		customerID := customerIDFromEvent(event)
		if customerID == "" {
			s.metrics.IncWebhookEvent(eventType, "error")
			return fmt.Errorf("event %s has no customer id", event.ID)
		}
		if err := s.ResyncFromProvider(ctx, customerID); err != nil {
			s.metrics.IncWebhookEvent(eventType, "error")
			return err
		}
		s.metrics.IncWebhookEvent(eventType, "synced")
		return nil

	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)

	default:
		s.log.Debugw("Ignoring unhandled webhook event", "eventID", event.ID, "eventType", eventType)
		s.metrics.IncWebhookEvent(eventType, "ignored")
		return nil
	}
}

// handleCheckoutCompleted разбирает завершенную checkout-сессию.
// Сессия в режиме подписки - обычная синхронизация. Разовый платеж
// обрабатывается только если помечен метаданными апгрейда: прочие
// разовые платежи без привязанного инвойса игнорируются, чтобы не
// обработать дважды побочные эффекты оплаты инвойса.
func (s *reconcileService) handleCheckoutCompleted(ctx context.Context, event stripesdk.Event) error {
	eventType := string(event.Type)

	var session stripesdk.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		s.metrics.IncWebhookEvent(eventType, "error")
		return fmt.Errorf("failed to unmarshal checkout session from event %s: %w", event.ID, err)
	}

	if session.Mode == stripesdk.CheckoutSessionModeSubscription {
		customerID := checkoutCustomerID(&session)
		if customerID == "" {
			s.metrics.IncWebhookEvent(eventType, "error")
			return fmt.Errorf("checkout session %s has no customer id", session.ID)
		}
		// Первый checkout несет userID в client_reference_id:
		// фиксируем связку, дальше события опознаются только по ней
		if session.ClientReferenceID != "" {
			mapping := &domain.CustomerMapping{
				StripeCustomerID: customerID,
				UserID:           session.ClientReferenceID,
				Email:            session.CustomerEmail,
			}
			if err := s.mappingsRepo.Create(ctx, mapping); err != nil {
				s.log.Errorw("Failed to store customer mapping",
					"stripeCustomerID", customerID, "userID", session.ClientReferenceID, "error", err)
			}
		}
		if err := s.ResyncFromProvider(ctx, customerID); err != nil {
			s.metrics.IncWebhookEvent(eventType, "error")
			return err
		}
		s.metrics.IncWebhookEvent(eventType, "synced")
		return nil
	}

	if session.Metadata[domain.MetadataKeyType] == domain.MetadataValuePlanUpgrade {
		if err := s.applyUpgradePayment(ctx, &session); err != nil {
			s.metrics.IncWebhookEvent(eventType, "error")
			return err
		}
		s.metrics.IncWebhookEvent(eventType, "upgrade_applied")
		return nil
	}

	s.log.Debugw("Ignoring one-time payment session without upgrade metadata",
		"eventID", event.ID, "sessionID", session.ID)
	s.metrics.IncWebhookEvent(eventType, "ignored")
	return nil
}

// ResyncFromProvider полная pull-синхронизация: локальная строка
// перезаписывается свежим чтением из Stripe, не данными события.
func (s *reconcileService) ResyncFromProvider(ctx context.Context, customerID string) error {
	sub, err := s.localSubscription(ctx, customerID)
	if err != nil {
		return err
	}

	stripeSub, err := s.stripe.GetLatestSubscription(ctx, customerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStripeClient, err)
	}
	if stripeSub == nil {
		// У клиента больше нет подписок: строка остается, но гаснет
		sub.IsActive = false
		sub.PendingDowngradePlan = nil
		if err := s.subsRepo.Upsert(ctx, sub); err != nil {
			return fmt.Errorf("failed to deactivate subscription: %w", err)
		}
		s.log.Infow("Subscription deactivated, no Stripe subscription left",
			"userID", sub.UserID, "stripeCustomerID", customerID)
		s.publishSynced(sub)
		return nil
	}

	sub.StripeCustomerID = customerID
	sub.StripeSubscriptionID = stripeSub.ID
	sub.IsActive = domain.IsActiveStatus(string(stripeSub.Status))
	start := time.Unix(stripeSub.CurrentPeriodStart, 0).UTC()
	end := time.Unix(stripeSub.CurrentPeriodEnd, 0).UTC()
	sub.BillingCycleStart = &start
	sub.BillingCycleEnd = &end

	if stripeSub.Items != nil && len(stripeSub.Items.Data) > 0 {
		priceID := stripeSub.Items.Data[0].Price.ID
		sub.StripePriceID = priceID

		if plan, ok := s.catalog.PlanByPriceID(priceID); ok {
			// Единственное место, где система сама снимает маркер
			// даунгрейда: запланированная смена цены вступила в силу
			if sub.PendingDowngradePlan != nil && *sub.PendingDowngradePlan == plan {
				sub.PendingDowngradePlan = nil
			}
			sub.PlanType = plan
		} else {
			// Неизвестная цена: план не трогаем, чтобы не записать
			// мусор, остальные поля все равно обновляются
			s.log.Warnw("Unknown Stripe price id during resync, keeping current plan",
				"stripeCustomerID", customerID, "priceID", priceID, "currentPlan", string(sub.PlanType))
		}
	}

	if err := s.subsRepo.Upsert(ctx, sub); err != nil {
		return fmt.Errorf("failed to upsert subscription during resync: %w", err)
	}

	s.log.Infow("Subscription resynced from Stripe",
		"userID", sub.UserID, "plan", string(sub.PlanType), "active", sub.IsActive)
	s.publishSynced(sub)
	return nil
}

// applyUpgradePayment применяет оплаченный апгрейд: повторно ставит
// целевую цену в Stripe (без перерасчета, повтор безопасен), затем
// перечитывает подписку и перезаписывает локальную строку.
func (s *reconcileService) applyUpgradePayment(ctx context.Context, session *stripesdk.CheckoutSession) error {
	userID := session.Metadata[domain.MetadataKeyUserID]
	subscriptionID := session.Metadata[domain.MetadataKeySubscriptionID]
	itemID := session.Metadata[domain.MetadataKeySubscriptionItem]
	newPriceID := session.Metadata[domain.MetadataKeyNewPriceID]
	if userID == "" || subscriptionID == "" || itemID == "" || newPriceID == "" {
		return fmt.Errorf("upgrade session %s has incomplete metadata", session.ID)
	}

	if _, err := s.stripe.UpdateSubscriptionItem(ctx, subscriptionID, itemID, newPriceID); err != nil {
		return fmt.Errorf("%w: %v", ErrStripeClient, err)
	}

	// Свежее чтение после мутации: локальная строка строится из
	// фактического состояния Stripe, не из метаданных
	stripeSub, err := s.stripe.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStripeClient, err)
	}

	sub, err := s.subsRepo.GetByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to load subscription: %w", err)
		}
		sub = &domain.Subscription{UserID: userID}
	}

	plan, ok := s.catalog.PlanByPriceID(newPriceID)
	if !ok {
		return fmt.Errorf("upgrade session %s targets unknown price %s", session.ID, newPriceID)
	}

	sub.PlanType = plan
	// Апгрейд всегда перекрывает устаревший отложенный даунгрейд
	sub.PendingDowngradePlan = nil
	sub.StripeSubscriptionID = stripeSub.ID
	sub.StripePriceID = newPriceID
	sub.IsActive = domain.IsActiveStatus(string(stripeSub.Status))
	if sub.StripeCustomerID == "" {
		sub.StripeCustomerID = checkoutCustomerID(session)
	}
	start := time.Unix(stripeSub.CurrentPeriodStart, 0).UTC()
	end := time.Unix(stripeSub.CurrentPeriodEnd, 0).UTC()
	sub.BillingCycleStart = &start
	sub.BillingCycleEnd = &end

	if err := s.subsRepo.Upsert(ctx, sub); err != nil {
		return fmt.Errorf("failed to upsert subscription after upgrade: %w", err)
	}

	s.log.Infow("Upgrade payment applied",
		"userID", userID, "plan", string(plan), "stripeSubscriptionID", subscriptionID)
	if s.producer != nil {
		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.producer.PublishSubscriptionEvent(pubCtx, kafka.TopicPlanChanged, sub); err != nil {
			s.log.Errorw("Failed to publish plan change event", "userID", userID, "error", err)
		}
	}
	return nil
}

// localSubscription находит локальную строку по Stripe Customer ID.
// Если строки еще нет, она восстанавливается через CustomerMapping:
// события несут только идентификатор клиента Stripe.
func (s *reconcileService) localSubscription(ctx context.Context, customerID string) (*domain.Subscription, error) {
	sub, err := s.subsRepo.GetByCustomerID(ctx, customerID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to load subscription by customer id: %w", err)
	}

	mapping, err := s.mappingsRepo.GetByStripeID(ctx, customerID)
	if err != nil {
		if errors.Is(err, repository.ErrMappingNotFound) {
			return nil, fmt.Errorf("no customer mapping for stripe customer %s", customerID)
		}
		return nil, fmt.Errorf("failed to load customer mapping: %w", err)
	}

	sub, err = s.subsRepo.GetByUserID(ctx, mapping.UserID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to load subscription by user id: %w", err)
	}

	return &domain.Subscription{
		UserID:           mapping.UserID,
		StripeCustomerID: customerID,
	}, nil
}

func (s *reconcileService) publishSynced(sub *domain.Subscription) {
	if s.producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.producer.PublishSubscriptionEvent(ctx, kafka.TopicSubscriptionSynced, sub); err != nil {
		s.log.Errorw("Failed to publish subscription synced event", "userID", sub.UserID, "error", err)
	}
}

// customerIDFromEvent достает идентификатор клиента из сырого объекта
// события. Поле customer бывает строкой или вложенным объектом.
func customerIDFromEvent(event stripesdk.Event) string {
	raw, ok := event.Data.Object["customer"]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

func checkoutCustomerID(session *stripesdk.CheckoutSession) string {
	if session.Customer != nil {
		return session.Customer.ID
	}
	return ""
}
