package models

import "time"

const (
	PlanKindSubscription = "subscription"
	PlanKindOneTime      = "one_time"
)

// BillingPlan is a purchasable plan. Credits is granted once for one-time
// plans and on every billing cycle for subscriptions.
type BillingPlan struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	PlanID           string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"plan_id"`
	Kind             string    `gorm:"type:varchar(16);not null;default:'one_time'" json:"kind"`
	Credits          int64     `gorm:"not null;default:0" json:"credits"`
	ProviderPriceRef string    `gorm:"type:varchar(191);not null;default:'';index" json:"provider_price_ref"`
	IsActive         bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsSubscription reports whether the plan renews.
func (p *BillingPlan) IsSubscription() bool {
	return p != nil && p.Kind == PlanKindSubscription
}
