package services

import (
	"fmt"
	"strings"
)

// Plan is a monthly credit package
type Plan struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Title         string `json:"title"`
	PriceCents    int64  `json:"price"`
	Currency      string `json:"currency"`
	Interval      string `json:"interval"`
	Credits       int    `json:"credits"`
	StoreProduct  string `json:"productId"`
	StripePriceID string `json:"-"`
}

// PriceDisplay formats the price as dollars
func (p Plan) PriceDisplay() string {
	return fmt.Sprintf("$%d.%02d", p.PriceCents/100, p.PriceCents%100)
}

const storeProductPrefix = "com.booali.Atc."

var planCatalogue = []Plan{
	{ID: "basic", Name: "Basic", Title: "Builder", PriceCents: 100, Currency: "usd", Interval: "month", Credits: 100, StoreProduct: storeProductPrefix + "basic"},
	{ID: "standard", Name: "Standard", Title: "Legacy", PriceCents: 300, Currency: "usd", Interval: "month", Credits: 350, StoreProduct: storeProductPrefix + "standard"},
	{ID: "premium", Name: "Premium", Title: "Supporter", PriceCents: 500, Currency: "usd", Interval: "month", Credits: 500, StoreProduct: storeProductPrefix + "premium"},
}

// Plans is the catalogue with Stripe price IDs resolved from configuration
type Plans struct {
	plans []Plan
}

// NewPlans binds the catalogue to the configured Stripe price IDs
func NewPlans(priceIDs map[string]string) *Plans {
	plans := make([]Plan, len(planCatalogue))
	copy(plans, planCatalogue)
	for i := range plans {
		plans[i].StripePriceID = priceIDs[plans[i].ID]
	}
	return &Plans{plans: plans}
}

// All returns every plan in price order
func (p *Plans) All() []Plan {
	out := make([]Plan, len(p.plans))
	copy(out, p.plans)
	return out
}

// Get looks up a plan by ID
func (p *Plans) Get(id string) (Plan, bool) {
	for _, plan := range p.plans {
		if plan.ID == id {
			return plan, true
		}
	}
	return Plan{}, false
}

// ForPrice finds the plan billed with a Stripe price ID
func (p *Plans) ForPrice(priceID string) (Plan, bool) {
	if priceID == "" {
		return Plan{}, false
	}
	for _, plan := range p.plans {
		if plan.StripePriceID == priceID {
			return plan, true
		}
	}
	return Plan{}, false
}

// ForProduct maps a store product ID to a plan. Product IDs may carry a
// base-plan suffix such as "com.booali.Atc.basic:monthly".
func (p *Plans) ForProduct(productID string) (Plan, bool) {
	id := strings.ToLower(productID)
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[:i]
	}
	for _, plan := range p.plans {
		if id == strings.ToLower(plan.StoreProduct) || id == plan.ID {
			return plan, true
		}
	}
	// fall back to a plan name anywhere in the product id
	for _, plan := range p.plans {
		if strings.Contains(id, plan.ID) {
			return plan, true
		}
	}
	return Plan{}, false
}
