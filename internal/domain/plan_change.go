package domain

// PlanChangeKind исход запроса на смену тарифа
type PlanChangeKind string

const (
	// PlanChangeUpgradeCheckout создана checkout-сессия на доплату,
	// сам план меняется только после подтверждения оплаты вебхуком
	PlanChangeUpgradeCheckout PlanChangeKind = "upgrade_checkout"
	// PlanChangeDowngrade даунгрейд запланирован на конец периода
	PlanChangeDowngrade PlanChangeKind = "downgrade"
	// PlanChangeCancel отменен ранее запланированный даунгрейд
	PlanChangeCancel PlanChangeKind = "cancel"
)

// UpgradePhase фаза двухфазного апгрейда.
// Апгрейд не применяется к подписке, пока не придет событие об оплате.
type UpgradePhase string

const (
	UpgradePhaseNoChange        UpgradePhase = "no_change"
	UpgradePhaseCheckoutPending UpgradePhase = "checkout_pending"
	UpgradePhaseApplied         UpgradePhase = "applied"
)

// PlanChangeResult результат обработки запроса на смену тарифа
type PlanChangeResult struct {
	Kind PlanChangeKind
	// Заполняются для апгрейда
	CheckoutURL          string
	CheckoutSessionID    string
	PriceDifferenceCents int64
	// Заполняется для даунгрейда: дата конца текущего оплаченного периода
	EffectiveDate string
	Message       string
}

// UpgradeMetadata ключи метаданных checkout-сессии апгрейда.
// По ним вебхук опознает оплату доплаты и применяет смену цены.
const (
	MetadataKeyType             = "type"
	MetadataValuePlanUpgrade    = "plan_upgrade"
	MetadataKeyUserID           = "user_id"
	MetadataKeySubscriptionID   = "subscription_id"
	MetadataKeySubscriptionItem = "subscription_item_id"
	MetadataKeyNewPriceID       = "new_price_id"
)
