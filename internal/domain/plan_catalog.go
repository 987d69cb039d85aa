package domain

// PlanCatalog неизменяемая таблица соответствия цен Stripe и тарифов.
// Передается в сервисы явно, чтобы тесты могли подставлять фикстуры
// без обращения к окружению.
type PlanCatalog struct {
	priceToPlan map[string]PlanType
	planToPrice map[PlanType]string
	fallbacks   map[PlanType]int64
	currency    string
}

// PlanCatalogConfig параметры для построения каталога тарифов
type PlanCatalogConfig struct {
	StarterPriceID   string
	UnlimitedPriceID string
	// Жестко заданные суммы в центах на случай, если Stripe вернет
	// нулевую цену: поток апгрейда никогда не должен выставить счет на 0
	StarterFallbackAmount   int64
	UnlimitedFallbackAmount int64
	Currency                string
}

// NewPlanCatalog создает каталог тарифов
func NewPlanCatalog(cfg PlanCatalogConfig) PlanCatalog {
	return PlanCatalog{
		priceToPlan: map[string]PlanType{
			cfg.StarterPriceID:   PlanStarter,
			cfg.UnlimitedPriceID: PlanUnlimited,
		},
		planToPrice: map[PlanType]string{
			PlanStarter:   cfg.StarterPriceID,
			PlanUnlimited: cfg.UnlimitedPriceID,
		},
		fallbacks: map[PlanType]int64{
			PlanStarter:   cfg.StarterFallbackAmount,
			PlanUnlimited: cfg.UnlimitedFallbackAmount,
		},
		currency: cfg.Currency,
	}
}

// PlanByPriceID возвращает тариф по Stripe Price ID
func (c PlanCatalog) PlanByPriceID(priceID string) (PlanType, bool) {
	plan, ok := c.priceToPlan[priceID]
	return plan, ok
}

// PriceIDFor возвращает Stripe Price ID тарифа
func (c PlanCatalog) PriceIDFor(plan PlanType) string {
	return c.planToPrice[plan]
}

// FallbackAmount возвращает резервную сумму тарифа в центах
func (c PlanCatalog) FallbackAmount(plan PlanType) int64 {
	return c.fallbacks[plan]
}

// Currency возвращает валюту каталога (код ISO, нижний регистр)
func (c PlanCatalog) Currency() string {
	return c.currency
}
