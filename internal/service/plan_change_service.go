package service

import (
	"context"
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

// PlanChangeService оркестрирует смену тарифа между starter и unlimited.
type PlanChangeService interface {
	// RequestPlanChange обрабатывает запрос пользователя на смену тарифа.
	RequestPlanChange(ctx context.Context, userID, requestedPlan string) (*domain.PlanChangeResult, error)

	// GetSubscription возвращает текущую локальную подписку пользователя.
	GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error)
}

// PlanChangeConfig URL-ы возврата для checkout-сессии апгрейда
type PlanChangeConfig struct {
	SuccessURL string
	CancelURL  string
}

type planChangeService struct {
	subsRepo repository.SubscriptionRepository
	stripe   stripe.Client
	catalog  domain.PlanCatalog
	producer kafka.Producer
	metrics  metrics.BillingMetrics
	cfg      PlanChangeConfig
	log      *logger.Logger
}

// NewPlanChangeService создает сервис смены тарифа.
// Producer может быть nil, тогда события в Kafka не публикуются.
func NewPlanChangeService(
	subsRepo repository.SubscriptionRepository,
	stripeClient stripe.Client,
	catalog domain.PlanCatalog,
	producer kafka.Producer,
	m metrics.BillingMetrics,
	cfg PlanChangeConfig,
	log *logger.Logger,
) PlanChangeService {
	return &planChangeService{
		subsRepo: subsRepo,
		stripe:   stripeClient,
		catalog:  catalog,
		producer: producer,
		metrics:  m,
		cfg:      cfg,
		log:      log,
	}
}

// RequestPlanChange классифицирует запрос и выполняет нужную ветку.
// Порядок проверок важен: дубликат отложенного перехода и отмена
// даунгрейда проверяются до проверки "уже на этом плане".
func (s *planChangeService) RequestPlanChange(ctx context.Context, userID, requestedPlan string) (*domain.PlanChangeResult, error) {
	plan, err := domain.ParsePlanType(requestedPlan)
	if err != nil {
		s.metrics.IncPlanChange("request", "invalid_plan")
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, requestedPlan)
	}

	sub, err := s.subsRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.StripeCustomerID == "" {
		return nil, ErrSubscriptionNotFound
	}

	// Дубликат уже запланированного перехода: без обращения к Stripe
	if sub.PendingDowngradePlan != nil && *sub.PendingDowngradePlan == plan {
		s.metrics.IncPlanChange(string(domain.PlanChangeDowngrade), "duplicate")
		return nil, ErrDuplicatePendingChange
	}

	// Запрос текущего плана при запланированном даунгрейде - его отмена
	if sub.PendingDowngradePlan != nil && plan == sub.PlanType {
		return s.cancelPendingDowngrade(ctx, sub)
	}

	if plan == sub.PlanType {
		s.metrics.IncPlanChange("request", "noop")
		return nil, ErrAlreadyOnPlan
	}

	stripeSub, err := s.activeStripeSubscription(ctx, sub.StripeCustomerID)
	if err != nil {
		return nil, err
	}

	if plan == domain.PlanUnlimited {
		return s.upgrade(ctx, sub, stripeSub, plan)
	}
	return s.downgrade(ctx, sub, stripeSub, plan)
}

// GetSubscription возвращает локальную подписку пользователя.
func (s *planChangeService) GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := s.subsRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}

// cancelPendingDowngrade снимает маркер отложенного даунгрейда.
// Stripe не трогаем: цена у провайдера вернется к плану записи
// при следующей синхронизации, а до конца периода доступ и так
// соответствует текущему плану.
func (s *planChangeService) cancelPendingDowngrade(ctx context.Context, sub *domain.Subscription) (*domain.PlanChangeResult, error) {
	sub.PendingDowngradePlan = nil
	if err := s.subsRepo.Upsert(ctx, sub); err != nil {
		s.metrics.IncPlanChange(string(domain.PlanChangeCancel), "error")
		return nil, fmt.Errorf("failed to clear pending downgrade: %w", err)
	}

	s.log.Infow("Pending downgrade cancelled", "userID", sub.UserID, "plan", string(sub.PlanType))
	s.metrics.IncPlanChange(string(domain.PlanChangeCancel), "success")
	s.publishPlanChanged(sub)

	return &domain.PlanChangeResult{
		Kind:    domain.PlanChangeCancel,
		Message: "Pending plan change cancelled, your current plan is unchanged",
	}, nil
}

// upgrade создает одноразовую checkout-сессию на разницу цен.
// План не меняется ни локально, ни в Stripe: применение произойдет
// только после события об успешной оплате.
func (s *planChangeService) upgrade(ctx context.Context, sub *domain.Subscription, stripeSub *stripesdk.Subscription, plan domain.PlanType) (*domain.PlanChangeResult, error) {
	item := stripeSub.Items.Data[0]
	newPriceID := s.catalog.PriceIDFor(plan)

	currentAmount, err := s.priceAmount(ctx, item.Price.ID, sub.PlanType)
	if err != nil {
		s.metrics.IncPlanChange(string(domain.PlanChangeUpgradeCheckout), "error")
		return nil, err
	}
	newAmount, err := s.priceAmount(ctx, newPriceID, plan)
	if err != nil {
		s.metrics.IncPlanChange(string(domain.PlanChangeUpgradeCheckout), "error")
		return nil, err
	}

	difference := newAmount - currentAmount
	if difference <= 0 {
		s.metrics.IncPlanChange(string(domain.PlanChangeUpgradeCheckout), "no_difference")
		return nil, ErrNoPriceDifference
	}

	session, err := s.stripe.CreateOneTimeCheckout(ctx, stripe.CheckoutInput{
		CustomerID:  sub.StripeCustomerID,
		AmountCents: difference,
		Currency:    s.catalog.Currency(),
		Label:       fmt.Sprintf("Upgrade to %s plan", plan),
		Metadata: map[string]string{
			domain.MetadataKeyType:             domain.MetadataValuePlanUpgrade,
			domain.MetadataKeyUserID:           sub.UserID,
			domain.MetadataKeySubscriptionID:   stripeSub.ID,
			domain.MetadataKeySubscriptionItem: item.ID,
			domain.MetadataKeyNewPriceID:       newPriceID,
		},
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
	})
	if err != nil {
		s.metrics.IncPlanChange(string(domain.PlanChangeUpgradeCheckout), "error")
		return nil, fmt.Errorf("%w: %v", ErrStripeClient, err)
	}

	s.log.Infow("Upgrade checkout session created",
		"userID", sub.UserID, "sessionID", session.ID, "differenceCents", difference)
	s.metrics.IncPlanChange(string(domain.PlanChangeUpgradeCheckout), "success")

	return &domain.PlanChangeResult{
		Kind:                 domain.PlanChangeUpgradeCheckout,
		CheckoutURL:          session.URL,
		CheckoutSessionID:    session.ID,
		PriceDifferenceCents: difference,
		Message:              "Complete the payment to activate your new plan",
	}, nil
}

// downgrade меняет цену подписки в Stripe без перерасчета и ставит
// локальный маркер отложенного перехода. planType не меняется:
// он сменится, когда синхронизация увидит новую цену в новом цикле.
func (s *planChangeService) downgrade(ctx context.Context, sub *domain.Subscription, stripeSub *stripesdk.Subscription, plan domain.PlanType) (*domain.PlanChangeResult, error) {
	item := stripeSub.Items.Data[0]
	newPriceID := s.catalog.PriceIDFor(plan)

	// Сначала Stripe, потом локальная запись: частичных локальных
	// изменений при отказе провайдера быть не должно
	if _, err := s.stripe.UpdateSubscriptionItem(ctx, stripeSub.ID, item.ID, newPriceID); err != nil {
		s.metrics.IncPlanChange(string(domain.PlanChangeDowngrade), "error")
		return nil, fmt.Errorf("%w: %v", ErrStripeClient, err)
	}

	sub.PendingDowngradePlan = &plan
	if err := s.subsRepo.Upsert(ctx, sub); err != nil {
		s.metrics.IncPlanChange(string(domain.PlanChangeDowngrade), "error")
		return nil, fmt.Errorf("failed to store pending downgrade: %w", err)
	}

	effectiveDate := time.Unix(stripeSub.CurrentPeriodEnd, 0).UTC().Format("2006-01-02")
	s.log.Infow("Downgrade scheduled",
		"userID", sub.UserID, "newPlan", string(plan), "effectiveDate", effectiveDate)
	s.metrics.IncPlanChange(string(domain.PlanChangeDowngrade), "success")
	s.publishPlanChanged(sub)

	return &domain.PlanChangeResult{
		Kind:          domain.PlanChangeDowngrade,
		EffectiveDate: effectiveDate,
		Message:       fmt.Sprintf("Your plan will change to %s on %s", plan, effectiveDate),
	}, nil
}

// activeStripeSubscription возвращает единственную активную подписку клиента.
func (s *planChangeService) activeStripeSubscription(ctx context.Context, customerID string) (*stripesdk.Subscription, error) {
	subs, err := s.stripe.GetActiveSubscriptions(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStripeClient, err)
	}
	if len(subs) == 0 {
		return nil, ErrNoActiveSubscription
	}
	stripeSub := subs[0]
	if stripeSub.Items == nil || len(stripeSub.Items.Data) == 0 {
		return nil, fmt.Errorf("%w: subscription %s has no items", ErrStripeClient, stripeSub.ID)
	}
	return stripeSub, nil
}

// priceAmount возвращает сумму цены в центах с резервным значением:
// нулевая или отсутствующая цена у провайдера не должна привести
// к счету на 0.
func (s *planChangeService) priceAmount(ctx context.Context, priceID string, plan domain.PlanType) (int64, error) {
	price, err := s.stripe.GetPrice(ctx, priceID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStripeClient, err)
	}
	if price == nil || price.UnitAmount == 0 {
		fallback := s.catalog.FallbackAmount(plan)
		s.log.Warnw("Stripe price has no amount, using fallback",
			"priceID", priceID, "plan", string(plan), "fallbackCents", fallback)
		return fallback, nil
	}
	return price.UnitAmount, nil
}

func (s *planChangeService) publishPlanChanged(sub *domain.Subscription) {
	if s.producer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.producer.PublishSubscriptionEvent(ctx, kafka.TopicPlanChanged, sub); err != nil {
		s.log.Errorw("Failed to publish plan change event", "userID", sub.UserID, "error", err)
	}
}
