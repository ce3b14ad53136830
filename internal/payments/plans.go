// Package payments defines billing tiers and wraps the Stripe SDK for
// checkout and webhook handling.
package payments

import (
	"os"

	"apex-control-plane/internal/store"
)

// Plan represents a billable tier with its Stripe price references.
type Plan struct {
	Tier              store.Tier `json:"tier"`
	Name              string     `json:"name"`
	Description       string     `json:"description"`
	MonthlyPriceCents int64      `json:"monthly_price_cents"`
	MonthlyPriceID    string     `json:"monthly_price_id"`
	BaseMaxDeployments int       `json:"base_max_deployments"`
	TTLDays           int        `json:"ttl_days"` // 0 means no TTL
	Features          []string   `json:"features"`
}

// AddOnPack is a purchasable unit that raises a pro-tier user's
// effective deployment quota.
type AddOnPack struct {
	Name               string `json:"name"`
	PriceCents         int64  `json:"price_cents"`
	PriceID            string `json:"price_id"`
	DeploymentsGranted int    `json:"deployments_granted"`
}

// PlanConfig holds environment-sourced Stripe price IDs.
type PlanConfig struct {
	StripePriceIDProMonthly string
	StripePriceIDAddOnPack  string
}

// LoadPlanConfig loads Stripe price IDs from the environment.
func LoadPlanConfig() *PlanConfig {
	return &PlanConfig{
		StripePriceIDProMonthly: getEnvOrDefault("STRIPE_PRICE_PRO_MONTHLY", "price_pro_monthly"),
		StripePriceIDAddOnPack:  getEnvOrDefault("STRIPE_PRICE_ADDON_PACK", "price_addon_pack"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetAllPlans returns the billable tiers, free first.
func GetAllPlans() []Plan {
	config := LoadPlanConfig()

	return []Plan{
		{
			Tier:               store.TierFree,
			Name:               "Free",
			Description:        "Evaluate the platform; deployments expire after a short TTL",
			MonthlyPriceCents:  0,
			MonthlyPriceID:     "",
			BaseMaxDeployments: 3,
			TTLDays:            2,
			Features: []string{
				"Up to 3 concurrent deployments",
				"Deployments expire after 48 hours",
				"Wildcard subdomain routing",
			},
		},
		{
			Tier:               store.TierPro,
			Name:               "Pro",
			Description:        "For production workloads — no expiry, higher quota, add-on packs",
			MonthlyPriceCents:  2900, // $29.00
			MonthlyPriceID:     config.StripePriceIDProMonthly,
			BaseMaxDeployments: 20,
			TTLDays:            0,
			Features: []string{
				"Up to 20 concurrent deployments",
				"No deployment expiry",
				"Purchasable add-on packs for extra quota",
				"Custom apex domain binding",
			},
		},
	}
}

// GetAddOnPack returns the single add-on pack product offered to pro-tier users.
func GetAddOnPack() AddOnPack {
	config := LoadPlanConfig()
	return AddOnPack{
		Name:               "Deployment pack",
		PriceCents:         900, // $9.00
		PriceID:            config.StripePriceIDAddOnPack,
		DeploymentsGranted: 5,
	}
}

// GetPlanByTier returns a specific plan by its tier.
func GetPlanByTier(tier store.Tier) *Plan {
	plans := GetAllPlans()
	for _, plan := range plans {
		if plan.Tier == tier {
			return &plan
		}
	}
	return nil
}

// GetPlanByPriceID returns a plan by its Stripe monthly price ID.
func GetPlanByPriceID(priceID string) *Plan {
	if priceID == "" {
		return nil
	}
	plans := GetAllPlans()
	for _, plan := range plans {
		if plan.MonthlyPriceID == priceID {
			return &plan
		}
	}
	return nil
}

// GetTierByPriceID returns the tier corresponding to a Stripe price ID,
// defaulting to free when the price is unrecognized.
func GetTierByPriceID(priceID string) store.Tier {
	if plan := GetPlanByPriceID(priceID); plan != nil {
		return plan.Tier
	}
	return store.TierFree
}

// IsAddOnPackPriceID reports whether priceID refers to the add-on pack product.
func IsAddOnPackPriceID(priceID string) bool {
	return priceID != "" && priceID == GetAddOnPack().PriceID
}

// PricingInfo is the formatted pricing payload served to clients.
type PricingInfo struct {
	Plans          []Plan    `json:"plans"`
	AddOnPack      AddOnPack `json:"add_on_pack"`
	Currency       string    `json:"currency"`
	CurrencySymbol string    `json:"currency_symbol"`
}

// GetPricingInfo returns the complete pricing payload for display.
func GetPricingInfo() *PricingInfo {
	return &PricingInfo{
		Plans:          GetAllPlans(),
		AddOnPack:      GetAddOnPack(),
		Currency:       "usd",
		CurrencySymbol: "$",
	}
}
