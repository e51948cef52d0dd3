package services

import "manabilling/internal/models"

// UsageCost is how much of the current grant a user has consumed, priced in cents.
type UsageCost struct {
	UsageCostCents int64 `json:"usage_cost_cents"`
	ManaUsed       int64 `json:"mana_used"`
	ManaGranted    int64 `json:"mana_granted"`
}

// CalculateUsageCost prices consumed core mana at usdToManaRate mana per dollar,
// rounding partial cents up. A wallet that never received a core grant has no usage.
func CalculateUsageCost(w models.Wallet, manaGranted, usdToManaRate int64) UsageCost {
	if w.LastCoreGrantAt == nil || usdToManaRate <= 0 {
		return UsageCost{}
	}
	used := manaGranted - w.ManaBalance
	if used < 0 {
		used = 0
	}
	return UsageCost{
		UsageCostCents: (used*100 + usdToManaRate - 1) / usdToManaRate,
		ManaUsed:       used,
		ManaGranted:    manaGranted,
	}
}

func (s *Service) usageCost(w models.Wallet) UsageCost {
	return CalculateUsageCost(w, s.config.CoreManaMonthlyGrant, s.config.USDToManaRate)
}
